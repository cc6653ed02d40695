package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/appforge/internal/auth"
	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/pkg/logger"
)

type fakeVerifier map[string]error

func (f fakeVerifier) Verify(ctx context.Context, credential string) (*model.Profile, error) {
	if err, ok := f[credential]; ok {
		return nil, err
	}
	return &model.Profile{Email: credential + "@example.com"}, nil
}

func TestAuth(t *testing.T) {
	verifier := fakeVerifier{
		"revoked": auth.ErrInvalidCredential,
		"flaky":   errors.New("upstream down"),
	}

	var gotUser, gotCredential string
	handler := Auth(verifier)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = GetUserID(r.Context())
		gotCredential = GetCredential(r.Context())
		require.NotNil(t, GetProfile(r.Context()))
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		value  string
		status int
	}{
		{"bearer", "Authorization", "Bearer ada", http.StatusNoContent},
		{"api key header", "X-Api-Key", "ada", http.StatusNoContent},
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed", "Authorization", "Token ada", http.StatusUnauthorized},
		{"rejected", "Authorization", "Bearer revoked", http.StatusUnauthorized},
		{"verifier failure", "X-Api-Key", "flaky", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotUser, gotCredential = "", ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			if tt.status == http.StatusNoContent {
				assert.Equal(t, "ada@example.com", gotUser)
				assert.Equal(t, "ada", gotCredential)
			}
		})
	}
}

func TestLogging_CorrelationAndFlush(t *testing.T) {
	var correlationID string
	var flushable bool
	handler := Logging(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID = GetCorrelationID(r.Context())
		_, flushable = w.(http.Flusher)
		w.WriteHeader(http.StatusAccepted)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Correlation-ID", "corr-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "corr-1", correlationID)
	assert.Equal(t, "corr-1", rec.Header().Get("X-Correlation-ID"))
	assert.True(t, flushable)
}

func TestLogging_GeneratesCorrelationID(t *testing.T) {
	handler := Logging(logger.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
}

func TestIPRateLimit(t *testing.T) {
	handler := IPRateLimit(2, time.Minute)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/session", nil)
		req.RemoteAddr = "203.0.113.7:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
