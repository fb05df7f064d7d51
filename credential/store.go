// Package credential stores and serves decrypted connection credentials.
// Secret blobs are AES-GCM encrypted at rest; the master key comes from the
// environment, never from the database.
package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"io"
	"time"

	"github.com/teranos/measurely/errors"
)

// Store persists encrypted credential blobs per connection.
type Store struct {
	db  *sql.DB
	key [32]byte
}

// NewStore creates a credential store. masterKey is any non-empty secret
// string; it is stretched to a 256-bit AES key.
func NewStore(db *sql.DB, masterKey string) (*Store, error) {
	if masterKey == "" {
		return nil, errors.New("credential master key not configured")
	}
	return &Store{db: db, key: sha256.Sum256([]byte(masterKey))}, nil
}

// Put encrypts and stores a credential blob for a connection, replacing any
// previous blob.
func (s *Store) Put(connectionID string, secret []byte) error {
	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return errors.Wrap(err, "init cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return errors.Wrap(err, "init gcm")
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return errors.Wrap(err, "generate nonce")
	}

	ciphertext := gcm.Seal(nil, nonce, secret, []byte(connectionID))

	_, err = s.db.Exec(`
		INSERT INTO connection_credentials (connection_id, ciphertext, nonce, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(connection_id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			nonce = excluded.nonce,
			updated_at = excluded.updated_at`,
		connectionID, ciphertext, nonce, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "store credentials for connection %s", connectionID)
	}
	return nil
}

// Get decrypts and returns the credential blob for a connection.
func (s *Store) Get(connectionID string) ([]byte, error) {
	var ciphertext, nonce []byte
	err := s.db.QueryRow(
		"SELECT ciphertext, nonce FROM connection_credentials WHERE connection_id = ?",
		connectionID,
	).Scan(&ciphertext, &nonce)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrCredentialInvalid, "no credentials for connection %s", connectionID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load credentials for connection %s", connectionID)
	}

	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, errors.Wrap(err, "init cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}

	secret, err := gcm.Open(nil, nonce, ciphertext, []byte(connectionID))
	if err != nil {
		// Wrong master key or tampered blob; the error is deliberately
		// vague so nothing about the key leaks into logs.
		return nil, errors.Wrapf(errors.ErrCredentialInvalid, "decrypt credentials for connection %s", connectionID)
	}
	return secret, nil
}
