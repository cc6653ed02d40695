package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstream struct {
	server   *httptest.Server
	keyCalls atomic.Int32
}

func newUpstream(t *testing.T, valid map[string]string) *upstream {
	t.Helper()
	u := &upstream{}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")[len("Bearer "):]
		email, ok := valid[token]
		switch r.URL.Path {
		case "/account/key":
			u.keyCalls.Add(1)
			if token == "boom" {
				w.WriteHeader(http.StatusBadGateway)
				io.WriteString(w, "bad gateway")
				return
			}
			if token == "revoked" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if ok {
				io.WriteString(w, `{"valid":true,"type":"secret"}`)
			} else {
				io.WriteString(w, `{"valid":false}`)
			}
		case "/account/profile":
			io.WriteString(w, `{"email":"`+email+`","name":"Ada","tier":"seed"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(u.server.Close)
	return u
}

func TestVerifier_Verify(t *testing.T) {
	u := newUpstream(t, map[string]string{"sk-good": "ada@example.com"})
	v := NewVerifier(u.server.URL, time.Minute, 10)

	profile, err := v.Verify(context.Background(), "sk-good")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", profile.Email)
	assert.Equal(t, "Ada", profile.Name)
	assert.Equal(t, "seed", profile.Tier)
}

func TestVerifier_CachesOutcomes(t *testing.T) {
	u := newUpstream(t, map[string]string{"sk-good": "ada@example.com"})
	v := NewVerifier(u.server.URL, time.Minute, 10)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := v.Verify(ctx, "sk-good")
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, u.keyCalls.Load())

	for i := 0; i < 3; i++ {
		_, err := v.Verify(ctx, "sk-bad")
		assert.ErrorIs(t, err, ErrInvalidCredential)
	}
	assert.EqualValues(t, 2, u.keyCalls.Load())

	v.Invalidate("sk-good")
	_, err := v.Verify(ctx, "sk-good")
	require.NoError(t, err)
	assert.EqualValues(t, 3, u.keyCalls.Load())
}

func TestVerifier_CacheExpires(t *testing.T) {
	u := newUpstream(t, map[string]string{"sk-good": "ada@example.com"})
	v := NewVerifier(u.server.URL, 20*time.Millisecond, 10)
	ctx := context.Background()

	_, err := v.Verify(ctx, "sk-good")
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	_, err = v.Verify(ctx, "sk-good")
	require.NoError(t, err)
	assert.EqualValues(t, 2, u.keyCalls.Load())
}

func TestVerifier_Rejections(t *testing.T) {
	u := newUpstream(t, nil)
	v := NewVerifier(u.server.URL, time.Minute, 10)
	ctx := context.Background()

	_, err := v.Verify(ctx, "")
	assert.ErrorIs(t, err, ErrMissingCredential)

	_, err = v.Verify(ctx, "revoked")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = v.Verify(ctx, "boom")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredential)
	assert.Contains(t, err.Error(), "502")

	// Upstream failures are not cached.
	_, _ = v.Verify(ctx, "boom")
	assert.EqualValues(t, 3, u.keyCalls.Load())
}

func TestCacheKey(t *testing.T) {
	assert.Len(t, cacheKey("sk-good"), 64)
	assert.NotContains(t, cacheKey("sk-good"), "sk-good")
	assert.Equal(t, cacheKey("a"), cacheKey("a"))
}
