package credential

import (
	"context"
	"sync"

	"github.com/teranos/measurely/errors"
)

// Provider serves decrypted credentials to the execution pipeline and
// serializes refreshes per connection so two workers hitting an expired
// credential at the same time cannot race a double refresh.
type Provider struct {
	store *Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewProvider wraps a credential store.
func NewProvider(store *Store) *Provider {
	return &Provider{
		store: store,
		locks: make(map[string]*sync.Mutex),
	}
}

// Get returns the decrypted credential blob for a connection.
func (p *Provider) Get(ctx context.Context, connectionID string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "credential fetch cancelled")
	}
	return p.store.Get(connectionID)
}

// Refresh runs fn under the connection's refresh lock and stores the secret
// it returns. Concurrent refreshes for the same connection serialize;
// refreshes for different connections proceed independently.
func (p *Provider) Refresh(ctx context.Context, connectionID string, fn func(ctx context.Context) ([]byte, error)) error {
	lock := p.connLock(connectionID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "credential refresh cancelled")
	}

	secret, err := fn(ctx)
	if err != nil {
		return errors.Wrapf(err, "refresh credentials for connection %s", connectionID)
	}

	return p.store.Put(connectionID, secret)
}

func (p *Provider) connLock(connectionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	lock, ok := p.locks[connectionID]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[connectionID] = lock
	}
	return lock
}
