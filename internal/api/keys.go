package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ole-vi/prompt-sharing-sub002/internal/db"
	"github.com/ole-vi/prompt-sharing-sub002/internal/jules"
)

// GetKeyStatus handles GET /api/v1/keys
func (s *Server) GetKeyStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.db.GetJulesKey(r.Context(), UserIDFromContext(r.Context()))
	if errors.Is(err, db.ErrNotFound) {
		s.jsonResponse(w, http.StatusOK, KeyStatusResponse{Configured: false})
		return
	}
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to load key", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, KeyStatusResponse{Configured: true, StoredAt: &rec.StoredAt})
}

// SaveKey handles PUT /api/v1/keys
func (s *Server) SaveKey(w http.ResponseWriter, r *http.Request) {
	var req KeyRequest
	if !s.decode(w, r, &req) {
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		s.errorResponse(w, r, http.StatusBadRequest, string(errEmptyKey), nil)
		return
	}

	userID := UserIDFromContext(r.Context())
	encrypted, err := s.vault.Encrypt(key, userID)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to encrypt key", err)
		return
	}
	rec, err := s.db.SaveJulesKey(r.Context(), userID, encrypted)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to save key", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, KeyStatusResponse{Configured: true, StoredAt: &rec.StoredAt})
}

// DeleteKey handles DELETE /api/v1/keys
func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.db.DeleteJulesKey(r.Context(), UserIDFromContext(r.Context())); err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to delete key", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, SuccessResponse{Success: true, Message: "Key deleted"})
}

// ValidateKey handles POST /api/v1/keys/validate
func (s *Server) ValidateKey(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.loadAPIKey(w, r)
	if !ok {
		return
	}

	status, err := s.jules.ValidateKey(r.Context(), apiKey)
	if err != nil {
		s.errorResponse(w, r, http.StatusServiceUnavailable, "Failed to reach Jules API", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ValidateKeyResponse{OK: status.OK, StatusCode: status.StatusCode})
}

// CreateSession handles POST /api/v1/sessions. It starts a Jules session
// right away instead of queueing the prompt.
func (s *Server) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.PromptText) == "" {
		s.errorResponse(w, r, http.StatusBadRequest, string(errEmptyPrompt), nil)
		return
	}
	source := req.SourceID
	if source == "" {
		source = s.defaultSourceID
	}
	if err := db.ValidateSourceID(source); err != nil {
		s.errorResponse(w, r, http.StatusBadRequest, string(errInvalidSourceID), err)
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = s.defaultBranch
	}
	title := req.Title
	if title == "" {
		title = jules.ExtractTitle(req.PromptText)
	} else {
		title = jules.SanitizeTitle(title)
	}

	apiKey, ok := s.loadAPIKey(w, r)
	if !ok {
		return
	}

	session, err := s.jules.CreateSession(r.Context(), apiKey, jules.NewSessionRequest(title, req.PromptText, source, branch))
	if err != nil {
		var pe *jules.ProviderError
		switch {
		case errors.As(err, &pe):
			s.errorResponse(w, r, http.StatusBadGateway, "Jules API error", err)
		case errors.Is(err, jules.ErrMalformedResponse):
			s.errorResponse(w, r, http.StatusBadGateway, err.Error(), nil)
		default:
			s.errorResponse(w, r, http.StatusServiceUnavailable, "Failed to reach Jules API", err)
		}
		return
	}
	s.jsonResponse(w, http.StatusOK, SessionResponse{SessionURL: session.URL})
}

// loadAPIKey decrypts the caller's stored key, writing the error response itself
func (s *Server) loadAPIKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := UserIDFromContext(r.Context())
	rec, err := s.db.GetJulesKey(r.Context(), userID)
	if errors.Is(err, db.ErrNotFound) {
		s.errorResponse(w, r, http.StatusNotFound, "No Jules API key stored. Please save your API key first.", nil)
		return "", false
	}
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to load key", err)
		return "", false
	}

	apiKey, err := s.vault.Decrypt(rec.Key, userID)
	if err != nil {
		s.errorResponse(w, r, http.StatusInternalServerError, "Failed to decrypt Jules API key", nil)
		return "", false
	}
	return apiKey, true
}
