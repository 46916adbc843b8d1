package identity

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultCertsURL serves the x509 certificates that sign Firebase ID tokens,
// keyed by kid.
const DefaultCertsURL = "https://www.googleapis.com/robot/v1/metadata/x509/securetoken@system.gserviceaccount.com"

// ErrUnknownKey is returned when no published key matches a token's kid.
var ErrUnknownKey = errors.New("identity: unknown signing key")

// KeySource resolves the public key for a token's kid header.
type KeySource interface {
	PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error)
}

// StaticKeySource is a fixed kid → key map.
type StaticKeySource map[string]*rsa.PublicKey

func (s StaticKeySource) PublicKey(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := s[kid]; ok {
		return k, nil
	}
	return nil, ErrUnknownKey
}

// CertKeySource fetches the provider's PEM certificates and caches them for
// as long as the response's Cache-Control max-age allows.
//
// CACHING:
// Google rotates these keys every few hours and publishes the next key
// before using it. Refetching only on expiry (or on an unknown kid after
// expiry) keeps verification off the network on the hot path.
type CertKeySource struct {
	url    string
	client *http.Client
	now    func() time.Time

	mu      sync.RWMutex
	keys    map[string]*rsa.PublicKey
	expires time.Time
}

// NewCertKeySource creates a source. A nil client gets a 5s timeout client.
func NewCertKeySource(url string, client *http.Client) *CertKeySource {
	if url == "" {
		url = DefaultCertsURL
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &CertKeySource{url: url, client: client, now: time.Now}
}

// PublicKey returns the key for kid, refreshing the cache if it is stale.
func (s *CertKeySource) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	s.mu.RLock()
	key, ok := s.keys[kid]
	fresh := s.now().Before(s.expires)
	s.mu.RUnlock()

	if ok && fresh {
		return key, nil
	}
	if fresh {
		// Cache is valid and simply does not know this kid.
		return nil, ErrUnknownKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another goroutine may have refreshed while we waited.
	if !s.now().Before(s.expires) {
		keys, maxAge, err := s.fetch(ctx)
		if err != nil {
			return nil, err
		}
		s.keys = keys
		s.expires = s.now().Add(maxAge)
	}

	if key, ok := s.keys[kid]; ok {
		return key, nil
	}
	return nil, ErrUnknownKey
}

func (s *CertKeySource) fetch(ctx context.Context) (map[string]*rsa.PublicKey, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("identity: building certs request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("identity: fetching signing certs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("identity: signing certs returned status %d", resp.StatusCode)
	}

	var pems map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&pems); err != nil {
		return nil, 0, fmt.Errorf("identity: decoding signing certs: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(pems))
	for kid, pem := range pems {
		// ParseRSAPublicKeyFromPEM accepts CERTIFICATE blocks as well as
		// bare public keys.
		k, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
		if err != nil {
			return nil, 0, fmt.Errorf("identity: parsing cert %q: %w", kid, err)
		}
		keys[kid] = k
	}
	if len(keys) == 0 {
		return nil, 0, errors.New("identity: no signing certs published")
	}

	return keys, maxAge(resp.Header.Get("Cache-Control")), nil
}

// maxAge extracts max-age from a Cache-Control header, defaulting to 1h.
func maxAge(header string) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		name, value, ok := strings.Cut(strings.TrimSpace(directive), "=")
		if !ok || !strings.EqualFold(name, "max-age") {
			continue
		}
		if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Hour
}
