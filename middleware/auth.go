package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	guardian "github.com/grpc-guardian/cache-guardian"
)

// TokenSource supplies the credential attached to outgoing requests
type TokenSource interface {
	Token() (string, error)
}

// TokenSourceFunc adapts a function to TokenSource
type TokenSourceFunc func() (string, error)

// Token calls f
func (f TokenSourceFunc) Token() (string, error) {
	return f()
}

// Auth sets "Authorization: Bearer <token>" on every request.
// The header never contributes to the cache key.
//
// Example usage:
//
//	chain := guardian.NewChain(
//	    middleware.Auth(middleware.NewJWTSource("your-secret-key", "client-1")),
//	    cacheStage.Middleware(),
//	)
func Auth(source TokenSource) guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		token, err := source.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to obtain auth token: %w", err)
		}

		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)

		return next.RoundTrip(req)
	}
}

// StaticToken returns a TokenSource for a fixed token
func StaticToken(token string) TokenSource {
	return TokenSourceFunc(func() (string, error) {
		if token == "" {
			return "", errors.New("empty token")
		}
		return token, nil
	})
}

// APIKey sets the X-API-Key header on every request
func APIKey(key string) guardian.Middleware {
	return func(req *http.Request, next http.RoundTripper) (*http.Response, error) {
		req = req.Clone(req.Context())
		req.Header.Set("X-API-Key", key)
		return next.RoundTrip(req)
	}
}

// JWTSource mints HS256 tokens and reuses them until they near expiry
type JWTSource struct {
	secret  []byte
	subject string
	roles   []string
	ttl     time.Duration
	leeway  time.Duration
	now     func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// JWTOption is a functional option for JWTSource
type JWTOption func(*JWTSource)

// WithTokenTTL sets how long minted tokens are valid
func WithTokenTTL(ttl time.Duration) JWTOption {
	return func(s *JWTSource) {
		s.ttl = ttl
	}
}

// WithRoles adds a "roles" claim
func WithRoles(roles ...string) JWTOption {
	return func(s *JWTSource) {
		s.roles = roles
	}
}

// WithTokenClock sets the time source for token expiry
func WithTokenClock(now func() time.Time) JWTOption {
	return func(s *JWTSource) {
		s.now = now
	}
}

// NewJWTSource creates a token source signing with secret for subject
func NewJWTSource(secret, subject string, opts ...JWTOption) *JWTSource {
	s := &JWTSource{
		secret:  []byte(secret),
		subject: subject,
		ttl:     15 * time.Minute,
		leeway:  30 * time.Second,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Token returns a cached token, minting a new one when it is about to expire
func (s *JWTSource) Token() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(s.leeway).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub": s.subject,
		"iat": now.Unix(),
		"exp": expires.Unix(),
	}
	if len(s.roles) > 0 {
		claims["roles"] = s.roles
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	s.token, s.expires = token, expires
	return token, nil
}

// ParseJWT validates an HS256 token and returns its subject.
// Upstreams in tests and examples use it to check credentials.
func ParseJWT(secret, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}

	if !token.Valid {
		return "", errors.New("invalid token")
	}

	return token.Claims.GetSubject()
}
