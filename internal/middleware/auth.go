// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/capitalize-ai/appforge/internal/auth"
	"github.com/capitalize-ai/appforge/internal/model"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
	// CredentialKey is the context key for the caller's upstream API key.
	CredentialKey ContextKey = "credential"
	// ProfileKey is the context key for the verified account profile.
	ProfileKey ContextKey = "profile"
)

// CredentialVerifier resolves an API key to its account.
type CredentialVerifier interface {
	Verify(ctx context.Context, credential string) (*model.Profile, error)
}

// Auth creates API key authentication middleware. The key is read from a
// bearer Authorization header or from X-Api-Key.
func Auth(verifier CredentialVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential, err := CredentialFromRequest(r)
			if err != nil {
				http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusUnauthorized)
				return
			}

			profile, err := verifier.Verify(r.Context(), credential)
			switch {
			case errors.Is(err, auth.ErrInvalidCredential):
				http.Error(w, `{"error":"invalid API key"}`, http.StatusUnauthorized)
				return
			case err != nil:
				http.Error(w, `{"error":"failed to verify API key"}`, http.StatusBadGateway)
				return
			}

			ctx := context.WithValue(r.Context(), UserIDKey, profile.Email)
			ctx = context.WithValue(ctx, CredentialKey, credential)
			ctx = context.WithValue(ctx, ProfileKey, profile)
			if info := getRequestInfo(ctx); info != nil {
				info.userID = profile.Email
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// CredentialFromRequest extracts the API key from the request headers.
func CredentialFromRequest(r *http.Request) (string, error) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimSpace(parts[1]), nil
	}
	if key := strings.TrimSpace(r.Header.Get("X-Api-Key")); key != "" {
		return key, nil
	}
	return "", errors.New("missing API key")
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}

// GetCredential gets the caller's API key from context.
func GetCredential(ctx context.Context) string {
	if v, ok := ctx.Value(CredentialKey).(string); ok {
		return v
	}
	return ""
}

// GetProfile gets the verified profile from context.
func GetProfile(ctx context.Context) *model.Profile {
	if v, ok := ctx.Value(ProfileKey).(*model.Profile); ok {
		return v
	}
	return nil
}
