package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"murmur/internal/auth"
	"murmur/internal/models"
)

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	status := s.opts.Manager.GetStatus(r.Context())

	var backupAge *float64
	if s.opts.Backups != nil {
		if age, ok := s.opts.Backups.NewestAge(); ok {
			secs := age.Seconds()
			backupAge = &secs
		}
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"models": status,
		"job": map[string]any{
			"active":      s.opts.Jobs.Active(),
			"active_user": s.opts.Jobs.ActiveUser(),
		},
		"backup_age_seconds": backupAge,
	})
}

// mainModelSpec resolves the configured main decoder, allowing the
// request body to override the model name only. Device and compute
// stay config-controlled.
func (s *Server) mainModelSpec(name string) models.ModelSpec {
	mt := s.opts.Config.MainTranscriber
	if name == "" {
		name = mt.Model
	}
	return models.ModelSpec{
		Name:        name,
		Device:      mt.Device,
		ComputeType: mt.ComputeType,
		BatchSize:   mt.BatchSize,
	}
}

func (s *Server) handleModelLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Model string `json:"model"`
	}
	DecodeJSON(r, &body) // empty body selects the configured model

	if s.opts.Jobs.Active() {
		WriteError(w, http.StatusConflict,
			"A transcription is already in progress for "+s.opts.Jobs.ActiveUser())
		return
	}

	spec := s.mainModelSpec(body.Model)
	if err := s.opts.Manager.LoadTranscriptionModel(r.Context(), spec); err != nil {
		s.log.Error().Err(err).Str("model", spec.Name).Msg("model load failed")
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "model": spec.Name})
}

func (s *Server) handleModelUnload(w http.ResponseWriter, r *http.Request) {
	if s.opts.Jobs.Active() {
		WriteError(w, http.StatusConflict,
			"A transcription is already in progress for "+s.opts.Jobs.ActiveUser())
		return
	}
	if err := s.opts.Manager.UnloadTranscriptionModel(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("model unload failed")
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"tokens": s.opts.Tokens.List()})
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ClientName string `json:"client_name"`
		IsAdmin    bool   `json:"is_admin"`
	}
	if err := DecodeJSON(r, &body); err != nil || body.ClientName == "" {
		WriteError(w, http.StatusBadRequest, "client_name required")
		return
	}
	token, err := s.opts.Tokens.Create(body.ClientName, body.IsAdmin)
	if err != nil {
		s.log.Error().Err(err).Msg("token create failed")
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"token":       token,
		"client_name": body.ClientName,
		"is_admin":    body.IsAdmin,
	})
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.opts.Tokens.Revoke(id); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Token not found")
			return
		}
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}
