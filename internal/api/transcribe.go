package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"murmur/internal/metrics"
	"murmur/internal/stt"
)

// StatusClientCancelled is the non-standard 499 used when the caller
// cancels the active job.
const StatusClientCancelled = 499

// saveUpload buffers the multipart "file" field to a temp file. The
// caller removes it.
func saveUpload(r *http.Request) (path string, filename string, err error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", "", err
	}
	defer file.Close()

	tmp, err := os.CreateTemp("", "murmur-upload-*")
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(tmp, file); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", "", err
	}
	return tmp.Name(), header.Filename, nil
}

// formBool reads a form flag; def applies when the field is absent so
// the X-Client-Type switch can pick client-appropriate defaults.
func formBool(r *http.Request, name string, def bool) bool {
	v := r.FormValue(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// clientDefaults resolves the per-client-type defaults for word
// timestamps and diarization. Standalone desktop clients get plain text
// unless they ask otherwise. The header never affects auth or rate
// limits.
func clientDefaults(r *http.Request) (wordTimestamps, diarization bool) {
	if r.Header.Get("X-Client-Type") == "standalone" {
		return false, false
	}
	return true, false
}

func (s *Server) handleTranscribeAudio(w http.ResponseWriter, r *http.Request) {
	s.runTranscribe(w, r, false)
}

// handleTranscribeQuick is the fast path: no word timestamps, no
// diarization, regardless of form fields.
func (s *Server) handleTranscribeQuick(w http.ResponseWriter, r *http.Request) {
	s.runTranscribe(w, r, true)
}

func (s *Server) runTranscribe(w http.ResponseWriter, r *http.Request, quick bool) {
	ok, jobID, activeUser := s.opts.Jobs.TryStartJob(ClientName(r))
	if !ok {
		metrics.JobSlotBusyTotal.Inc()
		WriteError(w, http.StatusConflict,
			"A transcription is already in progress for "+activeUser)
		return
	}
	defer s.opts.Jobs.EndJob(jobID)

	path, _, err := saveUpload(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Audio file required")
		return
	}
	defer os.Remove(path)

	dec, err := s.opts.Manager.MainDecoder()
	if err != nil {
		s.log.Error().Err(err).Msg("transcribe without resident model")
		WriteInternalError(w)
		return
	}

	wordDefault, _ := clientDefaults(r)
	opts := stt.Options{
		Language:          r.FormValue("language"),
		WordTimestamps:    !quick && formBool(r, "enable_word_timestamps", wordDefault),
		CancellationCheck: s.opts.Jobs.IsCancelled,
	}

	// A client disconnect must not abort the decode; it runs to
	// completion and the result is discarded with the dead connection.
	// The cancel endpoint is the only way to stop it early.
	start := time.Now()
	res, err := s.opts.Engine.TranscribeFile(context.WithoutCancel(r.Context()), dec, path, opts)
	if err != nil {
		if errors.Is(err, stt.ErrCancelled) {
			metrics.TranscriptionsTotal.WithLabelValues("file", "cancelled").Inc()
			WriteError(w, StatusClientCancelled, "Transcription cancelled by user")
			return
		}
		metrics.TranscriptionsTotal.WithLabelValues("file", "error").Inc()
		s.log.Error().Err(err).Msg("transcription failed")
		WriteInternalError(w)
		return
	}
	metrics.TranscriptionsTotal.WithLabelValues("file", "ok").Inc()
	metrics.TranscriptionDuration.WithLabelValues("file").Observe(time.Since(start).Seconds())

	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleTranscribeCancel(w http.ResponseWriter, r *http.Request) {
	ok, user := s.opts.Jobs.CancelJob()
	resp := map[string]any{"success": ok}
	if ok {
		resp["cancelled_user"] = user
	} else {
		resp["cancelled_user"] = nil
	}
	WriteJSON(w, http.StatusOK, resp)
}

// supportedLanguages mirrors the decoder's language set.
var supportedLanguages = []map[string]string{
	{"code": "auto", "name": "Auto-detect"},
	{"code": "en", "name": "English"},
	{"code": "de", "name": "German"},
	{"code": "es", "name": "Spanish"},
	{"code": "fr", "name": "French"},
	{"code": "it", "name": "Italian"},
	{"code": "pt", "name": "Portuguese"},
	{"code": "nl", "name": "Dutch"},
	{"code": "pl", "name": "Polish"},
	{"code": "ru", "name": "Russian"},
	{"code": "uk", "name": "Ukrainian"},
	{"code": "ja", "name": "Japanese"},
	{"code": "ko", "name": "Korean"},
	{"code": "zh", "name": "Chinese"},
}

func (s *Server) handleLanguages(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"languages": supportedLanguages})
}
