package httpclient

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateURL(t *testing.T) {
	c := New(10*time.Second, Options{})

	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://api.example.com/v1/messages", false},
		{"public http", "http://api.example.com", false},
		{"file scheme", "file:///etc/passwd", true},
		{"localhost", "http://localhost:8080", true},
		{"localhost subdomain", "http://foo.localhost/x", true},
		{"loopback ip", "http://127.0.0.1/", true},
		{"private 10.x", "http://10.1.2.3/", true},
		{"private 192.168", "http://192.168.1.1/admin", true},
		{"credential injection", "http://evil.com@target/", true},
		{"missing hostname", "https:///path", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ValidateURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAllowPrivateIP(t *testing.T) {
	c := New(10*time.Second, Options{AllowPrivateIP: true})

	_, err := c.ValidateURL("http://localhost:11434/v1/chat")
	require.NoError(t, err, "local inference endpoints must be reachable when opted in")

	_, err = c.ValidateURL("http://127.0.0.1:8080/")
	require.NoError(t, err)
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.0.0.1", "172.16.0.1", "192.168.0.1", "127.0.0.1", "169.254.1.1", "::1", "fc00::1", "fe80::1"}
	for _, s := range private {
		assert.True(t, isPrivateIP(net.ParseIP(s)), "expected private: %s", s)
	}

	public := []string{"8.8.8.8", "1.1.1.1", "2606:4700:4700::1111"}
	for _, s := range public {
		assert.False(t, isPrivateIP(net.ParseIP(s)), "expected public: %s", s)
	}
}
