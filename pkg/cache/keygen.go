package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
)

// KeyGenerator derives cache keys from a request's canonical body
type KeyGenerator interface {
	// GenerateKey creates a cache key from the canonical body
	GenerateKey(body []byte) (string, error)
}

// DefaultKeyGenerator hashes the canonical body with SHA-256
type DefaultKeyGenerator struct{}

// NewDefaultKeyGenerator creates a new default key generator
func NewDefaultKeyGenerator() *DefaultKeyGenerator {
	return &DefaultKeyGenerator{}
}

// GenerateKey returns the lowercase hex SHA-256 digest of body
func (g *DefaultKeyGenerator) GenerateKey(body []byte) (string, error) {
	return Fingerprint(body), nil
}

// CustomKeyGenerator allows custom key generation logic
type CustomKeyGenerator struct {
	keyFunc func(body []byte) (string, error)
}

// NewCustomKeyGenerator creates a new custom key generator
func NewCustomKeyGenerator(keyFunc func(body []byte) (string, error)) *CustomKeyGenerator {
	return &CustomKeyGenerator{
		keyFunc: keyFunc,
	}
}

// GenerateKey generates a cache key using custom logic
func (g *CustomKeyGenerator) GenerateKey(body []byte) (string, error) {
	return g.keyFunc(body)
}

// Fingerprint returns the cache key for a canonical body.
// Equal bodies always map to equal keys.
func Fingerprint(body []byte) string {
	hash := sha256.Sum256(body)
	return hex.EncodeToString(hash[:])
}

// RequestBody reads the canonical body of req and leaves req.Body readable
// again for the next stage.
func RequestBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}

	if req.GetBody != nil {
		rc, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("failed to copy request body: %w", err)
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}

	body, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return body, nil
}

// validKey reports whether key is safe to use as a file name
func validKey(key string) bool {
	if key == "" || len(key) > 120 {
		return false
	}
	for _, c := range key {
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}
