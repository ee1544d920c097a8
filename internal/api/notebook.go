package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"murmur/internal/database"
	"murmur/internal/metrics"
	"murmur/internal/notebook"
	"murmur/internal/stt"
)

func (s *Server) handleNotebookUpload(w http.ResponseWriter, r *http.Request) {
	ok, jobID, activeUser := s.opts.Jobs.TryStartJob(ClientName(r))
	if !ok {
		metrics.JobSlotBusyTotal.Inc()
		WriteError(w, http.StatusConflict,
			"A transcription is already in progress for "+activeUser)
		return
	}
	defer s.opts.Jobs.EndJob(jobID)

	path, filename, err := saveUpload(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Audio file required")
		return
	}
	defer os.Remove(path)

	wordDefault, diarDefault := clientDefaults(r)
	req := notebook.IngestRequest{
		TempPath:          path,
		OriginalFilename:  filename,
		Title:             r.FormValue("title"),
		WordTimestamps:    formBool(r, "enable_word_timestamps", wordDefault),
		Diarization:       formBool(r, "enable_diarization", diarDefault),
		CancellationCheck: s.opts.Jobs.IsCancelled,
	}
	if n, err := strconv.Atoi(r.FormValue("num_speakers")); err == nil && n > 0 {
		req.NumSpeakers = n
	}
	if v := r.FormValue("file_created_at"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid file_created_at, expected RFC 3339")
			return
		}
		req.FileCreatedAt = &t
	}

	// Disconnects do not cancel the pipeline; only the cancel endpoint
	// (via CancellationCheck) can stop an in-progress decode.
	start := time.Now()
	res, err := s.opts.Notebook.Ingest(context.WithoutCancel(r.Context()), req)
	if err != nil {
		var overlap *notebook.ErrOverlap
		switch {
		case errors.Is(err, stt.ErrCancelled):
			metrics.TranscriptionsTotal.WithLabelValues("notebook", "cancelled").Inc()
			WriteError(w, StatusClientCancelled, "Transcription cancelled by user")
		case errors.As(err, &overlap):
			WriteError(w, http.StatusConflict, overlap.Error())
		case errors.Is(err, database.ErrReadOnly):
			WriteError(w, http.StatusServiceUnavailable, "Database is read-only during restore")
		default:
			metrics.TranscriptionsTotal.WithLabelValues("notebook", "error").Inc()
			s.log.Error().Err(err).Msg("notebook ingest failed")
			WriteInternalError(w)
		}
		return
	}
	metrics.TranscriptionsTotal.WithLabelValues("notebook", "ok").Inc()
	metrics.TranscriptionDuration.WithLabelValues("notebook").Observe(time.Since(start).Seconds())

	WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleListRecordings(w http.ResponseWriter, r *http.Request) {
	var start, end *time.Time
	if t, ok := QueryTime(r, "start_date"); ok {
		start = &t
	}
	if t, ok := QueryTime(r, "end_date"); ok {
		end = &t
	}
	recs, err := s.opts.DB.ListRecordings(r.Context(), start, end)
	if err != nil {
		s.log.Error().Err(err).Msg("list recordings failed")
		WriteInternalError(w)
		return
	}
	if recs == nil {
		recs = []*database.Recording{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"recordings": recs})
}

// getRecording resolves the {id} path parameter, answering 400/404
// itself. Returns nil when the response is already written.
func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) *database.Recording {
	id, err := PathInt64(r, "id")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid recording id")
		return nil
	}
	rec, err := s.opts.DB.GetRecording(r.Context(), id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Recording not found")
		} else {
			s.log.Error().Err(err).Int64("recording_id", id).Msg("get recording failed")
			WriteInternalError(w)
		}
		return nil
	}
	return rec
}

func (s *Server) handleGetRecording(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteRecording(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}
	if err := s.opts.Notebook.DeleteRecording(r.Context(), rec.ID); err != nil {
		s.writeDBError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUpdateTitle(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}
	var body struct {
		Title string `json:"title"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(body.Title) == "" {
		WriteError(w, http.StatusBadRequest, "Title must not be empty")
		return
	}
	if err := s.opts.DB.UpdateRecordingTitle(r.Context(), rec.ID, body.Title); err != nil {
		s.writeDBError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "title": body.Title})
}

func (s *Server) handleUpdateSummary(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}
	var body struct {
		Summary *string `json:"summary"`
		Model   *string `json:"model"`
	}
	if err := DecodeJSON(r, &body); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := s.opts.DB.UpdateRecordingSummary(r.Context(), rec.ID, body.Summary, body.Model); err != nil {
		s.writeDBError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleRecordingAudio serves the stored MP3 with single-range support
// so browser seek works. Suffix ranges and ranges starting at or past
// the end are refused with 416.
func (s *Server) handleRecordingAudio(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}

	f, err := os.Open(rec.Filepath)
	if err != nil {
		s.log.Error().Err(err).Str("file", rec.Filepath).Msg("audio file missing")
		WriteError(w, http.StatusNotFound, "Audio file not found")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		WriteInternalError(w)
		return
	}
	size := st.Size()

	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Accept-Ranges", "bytes")

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		io.Copy(w, f)
		return
	}

	start, end, ok := parseByteRange(rangeHeader, size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		WriteError(w, http.StatusRequestedRangeNotSatisfiable, "Requested range not satisfiable")
		return
	}

	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return
	}
	io.CopyN(w, f, end-start+1)
}

// parseByteRange parses a single `bytes=start-end` range. The start is
// mandatory (suffix ranges are refused) and must lie inside the file; an
// open or oversized end is clamped to the last byte.
func parseByteRange(header string, size int64) (start, end int64, ok bool) {
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found || startStr == "" {
		return 0, 0, false
	}
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false
	}
	end = size - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return 0, 0, false
		}
		if end >= size {
			end = size - 1
		}
	}
	return start, end, true
}

func (s *Server) handleTranscription(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}
	segs, err := s.opts.DB.GetTranscription(r.Context(), rec.ID)
	if err != nil {
		s.log.Error().Err(err).Int64("recording_id", rec.ID).Msg("transcription fetch failed")
		WriteInternalError(w)
		return
	}
	if segs == nil {
		segs = []database.SegmentWithWords{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"recording_id": rec.ID,
		"segments":     segs,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	rec := s.getRecording(w, r)
	if rec == nil {
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		WriteError(w, http.StatusBadRequest, "format query parameter required")
		return
	}

	segs, err := s.opts.DB.GetTranscription(r.Context(), rec.ID)
	if err != nil {
		WriteInternalError(w)
		return
	}
	body, contentType, err := notebook.ExportTranscript(format, rec, segs)
	if err != nil {
		var mismatch *notebook.ErrFormatMismatch
		if errors.As(err, &mismatch) {
			WriteError(w, http.StatusBadRequest, mismatch.Error())
			return
		}
		WriteInternalError(w)
		return
	}

	stem := notebook.SanitizeStem(rec.DisplayName())
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf(`attachment; filename="%s.%s"`, stem, format))
	w.Write([]byte(body))
}

func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	year, ok := QueryInt(r, "year")
	if !ok {
		WriteError(w, http.StatusBadRequest, "year query parameter required")
		return
	}
	month, ok := QueryInt(r, "month")
	if !ok || month < 1 || month > 12 {
		WriteError(w, http.StatusBadRequest, "month query parameter must be 1-12")
		return
	}
	days, err := s.opts.DB.GetCalendar(r.Context(), year, time.Month(month))
	if err != nil {
		WriteInternalError(w)
		return
	}
	if days == nil {
		days = []database.CalendarDay{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"year":  year,
		"month": month,
		"days":  days,
	})
}

func (s *Server) handleTimeSlot(w http.ResponseWriter, r *http.Request) {
	date, ok := QueryTime(r, "date")
	if !ok {
		WriteError(w, http.StatusBadRequest, "date query parameter required")
		return
	}
	hour, ok := QueryInt(r, "hour")
	if !ok || hour < 0 || hour > 23 {
		WriteError(w, http.StatusBadRequest, "hour query parameter must be 0-23")
		return
	}
	info, err := s.opts.DB.GetTimeSlotInfo(r.Context(), date, hour)
	if err != nil {
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		WriteError(w, http.StatusBadRequest, "q query parameter required")
		return
	}
	fuzzy, _ := QueryBool(r, "fuzzy")
	limit, _ := QueryInt(r, "limit")
	var start, end *time.Time
	if t, ok := QueryTime(r, "start_date"); ok {
		start = &t
	}
	if t, ok := QueryTime(r, "end_date"); ok {
		end = &t
	}

	words, err := s.opts.DB.SearchWords(r.Context(), query, fuzzy, start, end, limit)
	if err != nil {
		s.log.Error().Err(err).Str("query", query).Msg("word search failed")
		WriteInternalError(w)
		return
	}
	recs, err := s.opts.DB.SearchRecordingMetadata(r.Context(), query, fuzzy, start, end, limit)
	if err != nil {
		s.log.Error().Err(err).Str("query", query).Msg("metadata search failed")
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"query":      query,
		"words":      words,
		"recordings": recs,
	})
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	list, err := s.opts.Backups.List()
	if err != nil {
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"backups": list})
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	info, err := s.opts.Backups.Create(r.Context())
	if err != nil {
		metrics.BackupsTotal.WithLabelValues("error").Inc()
		s.log.Error().Err(err).Msg("manual backup failed")
		WriteInternalError(w)
		return
	}
	metrics.BackupsTotal.WithLabelValues("ok").Inc()
	WriteJSON(w, http.StatusOK, info)
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(r, &body); err != nil || body.Name == "" {
		WriteError(w, http.StatusBadRequest, "Backup name required")
		return
	}
	if err := s.opts.Backups.Restore(r.Context(), body.Name); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "Backup not found")
			return
		}
		if strings.Contains(err.Error(), "corrupted") {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error().Err(err).Str("backup", body.Name).Msg("restore failed")
		WriteInternalError(w)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"success": true, "restored": body.Name})
}

// writeDBError maps storage errors onto the API statuses: missing rows
// are 404, writes during a restore are 503.
func (s *Server) writeDBError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		WriteError(w, http.StatusNotFound, "Recording not found")
	case errors.Is(err, database.ErrReadOnly):
		WriteError(w, http.StatusServiceUnavailable, "Database is read-only during restore")
	default:
		s.log.Error().Err(err).Msg("database operation failed")
		WriteInternalError(w)
	}
}
