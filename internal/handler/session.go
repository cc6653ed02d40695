package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/auth"
	"github.com/capitalize-ai/appforge/internal/middleware"
	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/pkg/logger"
)

// SessionHandler verifies API keys for the browser UI.
type SessionHandler struct {
	verifier middleware.CredentialVerifier
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(verifier middleware.CredentialVerifier, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		verifier: verifier,
		logger:   log,
	}
}

// Create handles POST /api/v1/session
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.SessionRequest
	if err := decodeJSON(w, r, 4*1024, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "apiKey is required")
		return
	}

	profile, err := h.verifier.Verify(r.Context(), req.APIKey)
	switch {
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid API key")
		return
	case err != nil:
		h.logger.Warn("failed to verify API key", zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to verify API key")
		return
	}

	writeJSON(w, http.StatusOK, profile)
}
