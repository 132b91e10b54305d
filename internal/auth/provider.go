package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fnolabs/tickflow/internal/cache"
)

// ErrExpired is returned when a credential source holds a token whose
// recorded expiry has passed.
var ErrExpired = errors.New("auth: access token expired")

// Credentials is what the feed handshake needs.
type Credentials struct {
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
}

// Provider yields current credentials. Invalidate forces the next
// Credentials call to re-read the source; callers invoke it after the
// feed rejects a token.
type Provider interface {
	Credentials(ctx context.Context) (Credentials, error)
	Invalidate()
}

// tokenDocument is the broker-portal export shape. Plain files holding
// just the token string are also accepted.
type tokenDocument struct {
	AccessToken string `json:"access_token"`
	ClientID    string `json:"client_id"`
	Expiry      string `json:"expiry"`
}

func parseToken(raw []byte, defaultClientID string) (Credentials, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return Credentials{}, errors.New("empty token source")
	}

	creds := Credentials{ClientID: defaultClientID}

	if strings.HasPrefix(trimmed, "{") {
		var doc tokenDocument
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
			return Credentials{}, fmt.Errorf("malformed token document: %w", err)
		}
		if doc.AccessToken == "" {
			return Credentials{}, errors.New("token document missing access_token")
		}
		if doc.Expiry != "" {
			exp, err := time.Parse(time.RFC3339, doc.Expiry)
			if err != nil {
				return Credentials{}, fmt.Errorf("malformed token expiry %q: %w", doc.Expiry, err)
			}
			if time.Now().After(exp) {
				return Credentials{}, fmt.Errorf("%w: expired at %s", ErrExpired, exp.Format(time.RFC3339))
			}
		}
		creds.AccessToken = doc.AccessToken
		if doc.ClientID != "" {
			creds.ClientID = doc.ClientID
		}
		return creds, nil
	}

	creds.AccessToken = trimmed
	return creds, nil
}

// FileProvider reads credentials from a token file. The file is read
// once and cached until Invalidate.
type FileProvider struct {
	path     string
	clientID string

	mu    sync.Mutex
	creds *Credentials
}

// NewFileProvider reads tokens from path. clientID is the fallback when
// the file does not carry one.
func NewFileProvider(path, clientID string) *FileProvider {
	return &FileProvider{path: path, clientID: clientID}
}

func (p *FileProvider) Credentials(_ context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.creds != nil {
		return *p.creds, nil
	}

	raw, err := os.ReadFile(p.path)
	if err != nil {
		return Credentials{}, fmt.Errorf("read token file: %w", err)
	}

	creds, err := parseToken(raw, p.clientID)
	if err != nil {
		return Credentials{}, fmt.Errorf("token file %s: %w", p.path, err)
	}

	p.creds = &creds
	return creds, nil
}

func (p *FileProvider) Invalidate() {
	p.mu.Lock()
	p.creds = nil
	p.mu.Unlock()
}

// CacheProvider reads credentials from a cache key, typically written
// by an out-of-band login job.
type CacheProvider struct {
	store    cache.Store
	key      string
	clientID string

	mu    sync.Mutex
	creds *Credentials
}

// NewCacheProvider reads tokens from store under key.
func NewCacheProvider(store cache.Store, key, clientID string) *CacheProvider {
	return &CacheProvider{store: store, key: key, clientID: clientID}
}

func (p *CacheProvider) Credentials(ctx context.Context) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.creds != nil {
		return *p.creds, nil
	}

	raw, err := p.store.Get(ctx, p.key)
	if err != nil {
		return Credentials{}, fmt.Errorf("read token key %s: %w", p.key, err)
	}

	creds, err := parseToken(raw, p.clientID)
	if err != nil {
		return Credentials{}, fmt.Errorf("token key %s: %w", p.key, err)
	}

	p.creds = &creds
	return creds, nil
}

func (p *CacheProvider) Invalidate() {
	p.mu.Lock()
	p.creds = nil
	p.mu.Unlock()
}

// Chain tries providers in order and returns the first success.
type Chain []Provider

func (c Chain) Credentials(ctx context.Context) (Credentials, error) {
	var errs []error
	for _, p := range c {
		creds, err := p.Credentials(ctx)
		if err == nil {
			return creds, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Credentials{}, errors.New("no credential providers configured")
	}
	return Credentials{}, fmt.Errorf("all credential providers failed: %w", errors.Join(errs...))
}

func (c Chain) Invalidate() {
	for _, p := range c {
		p.Invalidate()
	}
}
