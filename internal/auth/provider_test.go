package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fnolabs/tickflow/internal/cache"
)

func writeTokenFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileProvider_PlainToken(t *testing.T) {
	path := writeTokenFile(t, "eyJ0eXAiOiJKV1Qi.raw.token\n")
	p := NewFileProvider(path, "1100735577")

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eyJ0eXAiOiJKV1Qi.raw.token", creds.AccessToken)
	assert.Equal(t, "1100735577", creds.ClientID)
}

func TestFileProvider_JSONToken(t *testing.T) {
	expiry := time.Now().Add(8 * time.Hour).Format(time.RFC3339)
	path := writeTokenFile(t, `{"access_token":"jwt-abc","client_id":"2208881234","expiry":"`+expiry+`"}`)
	p := NewFileProvider(path, "fallback-client")

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "jwt-abc", creds.AccessToken)
	// Document client_id wins over the fallback.
	assert.Equal(t, "2208881234", creds.ClientID)
}

func TestFileProvider_ExpiredToken(t *testing.T) {
	expiry := time.Now().Add(-time.Hour).Format(time.RFC3339)
	path := writeTokenFile(t, `{"access_token":"jwt-old","expiry":"`+expiry+`"}`)
	p := NewFileProvider(path, "c1")

	_, err := p.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrExpired)
}

func TestFileProvider_CachesUntilInvalidate(t *testing.T) {
	path := writeTokenFile(t, "token-one")
	p := NewFileProvider(path, "c1")

	creds, err := p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-one", creds.AccessToken)

	require.NoError(t, os.WriteFile(path, []byte("token-two"), 0o600))

	creds, err = p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-one", creds.AccessToken, "cached value should be served before Invalidate")

	p.Invalidate()

	creds, err = p.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "token-two", creds.AccessToken)
}

func TestFileProvider_MissingFile(t *testing.T) {
	p := NewFileProvider(filepath.Join(t.TempDir(), "absent"), "c1")
	_, err := p.Credentials(context.Background())
	assert.Error(t, err)
}

func TestFileProvider_EmptyFile(t *testing.T) {
	path := writeTokenFile(t, "  \n")
	p := NewFileProvider(path, "c1")
	_, err := p.Credentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty token source")
}

func TestCacheProvider(t *testing.T) {
	store := cache.NewMemory()
	ctx := context.Background()
	require.NoError(t, store.SetEx(ctx, "auth:access_token", []byte("cached-jwt"), 0))

	p := NewCacheProvider(store, "auth:access_token", "1100735577")

	creds, err := p.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached-jwt", creds.AccessToken)
	assert.Equal(t, "1100735577", creds.ClientID)
}

func TestCacheProvider_Miss(t *testing.T) {
	p := NewCacheProvider(cache.NewMemory(), "auth:access_token", "c1")
	_, err := p.Credentials(context.Background())
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestChain_FirstSuccessWins(t *testing.T) {
	ctx := context.Background()

	store := cache.NewMemory()
	require.NoError(t, store.SetEx(ctx, "auth:access_token", []byte("from-cache"), 0))

	filePath := writeTokenFile(t, "from-file")

	chain := Chain{
		NewCacheProvider(cache.NewMemory(), "auth:access_token", "c1"), // empty store: miss
		NewCacheProvider(store, "auth:access_token", "c1"),
		NewFileProvider(filePath, "c1"),
	}

	creds, err := chain.Credentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "from-cache", creds.AccessToken)
}

func TestChain_AllFail(t *testing.T) {
	chain := Chain{
		NewCacheProvider(cache.NewMemory(), "k", "c1"),
		NewFileProvider(filepath.Join(t.TempDir(), "absent"), "c1"),
	}

	_, err := chain.Credentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all credential providers failed")
	assert.True(t, errors.Is(err, cache.ErrMiss))
}

func TestChain_Empty(t *testing.T) {
	_, err := Chain{}.Credentials(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no credential providers")
}
