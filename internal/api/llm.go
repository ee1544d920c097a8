package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"murmur/internal/database"
	"murmur/internal/llm"
)

type llmRequest struct {
	Text         string `json:"text"`
	SystemPrompt string `json:"system_prompt"`
	Model        string `json:"model"`
}

// llmStatus maps the proxy's error taxonomy to HTTP: disabled 503,
// unreachable 502, deadline 504.
func llmStatus(err error) int {
	switch {
	case errors.Is(err, llm.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, llm.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleLLMProcess(w http.ResponseWriter, r *http.Request) {
	var body llmRequest
	if err := DecodeJSON(r, &body); err != nil || body.Text == "" {
		WriteError(w, http.StatusBadRequest, "Text required")
		return
	}

	content, model, err := s.opts.LLM.Process(r.Context(), llm.Request{
		Text:         body.Text,
		SystemPrompt: body.SystemPrompt,
		Model:        body.Model,
	})
	if err != nil {
		WriteError(w, llmStatus(err), err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"content": content,
		"model":   model,
	})
}

// handleLLMProcessStream proxies a streaming completion as SSE. Errors
// after the first chunk arrive in-band as a data event, because the
// status line is already gone.
func (s *Server) handleLLMProcessStream(w http.ResponseWriter, r *http.Request) {
	var body llmRequest
	if err := DecodeJSON(r, &body); err != nil || body.Text == "" {
		WriteError(w, http.StatusBadRequest, "Text required")
		return
	}
	if !s.opts.LLM.Enabled() {
		WriteError(w, http.StatusServiceUnavailable, llm.ErrDisabled.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteInternalError(w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	err := s.opts.LLM.ProcessStream(r.Context(), llm.Request{
		Text:         body.Text,
		SystemPrompt: body.SystemPrompt,
		Model:        body.Model,
	}, func(content string) error {
		writeEvent(map[string]string{"content": content})
		return nil
	})
	if err != nil {
		writeEvent(map[string]string{"error": err.Error()})
		return
	}
	writeEvent(map[string]bool{"done": true})
}

func (s *Server) handleLLMSummarize(w http.ResponseWriter, r *http.Request) {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid recording id")
		return
	}

	summary, err := s.opts.LLM.SummarizeRecording(r.Context(), s.opts.DB, id)
	if err != nil {
		switch {
		case errors.Is(err, llm.ErrNoTranscript):
			WriteError(w, http.StatusNotFound, "Recording has no transcript")
		case errors.Is(err, database.ErrNotFound):
			WriteError(w, http.StatusNotFound, "Recording not found")
		case errors.Is(err, llm.ErrDisabled), errors.Is(err, llm.ErrUpstream), errors.Is(err, llm.ErrTimeout):
			WriteError(w, llmStatus(err), err.Error())
		default:
			s.log.Error().Err(err).Int64("recording_id", id).Msg("summarize failed")
			WriteInternalError(w)
		}
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recording_id": id,
		"summary":      summary,
	})
}
