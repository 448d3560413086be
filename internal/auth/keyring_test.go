package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyringPlaintext(t *testing.T) {
	ring := NewKeyring([]string{"secret-key", " other "})

	assert.False(t, ring.Empty())
	assert.True(t, ring.Verify("secret-key"))
	assert.True(t, ring.Verify("other"))
	assert.False(t, ring.Verify("wrong"))
	assert.False(t, ring.Verify(""))
}

func TestKeyringHashed(t *testing.T) {
	hash, err := HashKey("hunter2-but-longer")
	require.NoError(t, err)
	require.True(t, IsHashedKey(hash))

	ring := NewKeyring([]string{hash})
	assert.True(t, ring.Verify("hunter2-but-longer"))
	assert.False(t, ring.Verify("hunter2"))
}

func TestKeyringMixedEntries(t *testing.T) {
	hash, err := HashKey("hashed-one")
	require.NoError(t, err)

	ring := NewKeyring([]string{"plain-one", hash, "", "  "})
	assert.True(t, ring.Verify("plain-one"))
	assert.True(t, ring.Verify("hashed-one"))
	assert.False(t, ring.Verify(hash))
}

func TestKeyringEmpty(t *testing.T) {
	ring := NewKeyring(nil)
	assert.True(t, ring.Empty())
	assert.False(t, ring.Verify("anything"))
}

func TestIsHashedKey(t *testing.T) {
	assert.True(t, IsHashedKey("$2a$12$abcdefghijklmnopqrstuv"))
	assert.True(t, IsHashedKey("$2b$12$abcdefghijklmnopqrstuv"))
	assert.False(t, IsHashedKey("plaintext"))
	assert.False(t, IsHashedKey("$1$legacy"))
}

func TestKeyFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/deviations", nil)
	r.Header.Set("X-API-Key", "header-key")
	assert.Equal(t, "header-key", KeyFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/deviations", nil)
	r.Header.Set("Authorization", "Bearer bearer-key")
	assert.Equal(t, "bearer-key", KeyFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/ws?api_key=query-key", nil)
	assert.Equal(t, "query-key", KeyFromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/deviations", nil)
	assert.Equal(t, "", KeyFromRequest(r))
}
