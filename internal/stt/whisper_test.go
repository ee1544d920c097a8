package stt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const verboseJSON = `{
	"text": " hello world how are you",
	"language": "en",
	"duration": 2.5,
	"segments": [
		{"start": 0.0, "end": 1.2, "text": " hello world",
		 "words": [{"word": "hello", "start": 0.0, "end": 0.5},
		           {"word": "world", "start": 0.6, "end": 1.2}]},
		{"start": 1.3, "end": 2.5, "text": " how are you"}
	],
	"words": [{"word": "how", "start": 1.3, "end": 1.6},
	          {"word": "are", "start": 1.7, "end": 2.0},
	          {"word": "you", "start": 2.1, "end": 2.5}]
}`

func TestWhisperClientTranscribe(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		form = r.MultipartForm.Value
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		f.Close()
		w.Write([]byte(verboseJSON))
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "large-v3", time.Minute)
	res, err := wc.Transcribe(context.Background(), make([]float32, 16000), Options{
		WordTimestamps: true,
		BeamSize:       5,
		InitialPrompt:  "meeting notes",
		VadFilter:      true,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"large-v3"}, form["model"])
	assert.Equal(t, []string{"en"}, form["language"])
	assert.Equal(t, []string{"verbose_json"}, form["response_format"])
	assert.Equal(t, []string{"5"}, form["beam_size"])
	assert.Equal(t, []string{"meeting notes"}, form["prompt"])
	assert.Equal(t, []string{"true"}, form["vad_filter"])

	assert.Equal(t, "en", res.Language)
	require.Len(t, res.Segments, 2)
	assert.Equal(t, "hello world", res.Segments[0].Text)
	require.Len(t, res.Segments[0].Words, 2)
	// Second segment had no inline words; top-level words are assigned
	// by containment.
	require.Len(t, res.Segments[1].Words, 3)
	assert.Equal(t, "hello world how are you", res.Text)
}

func TestWhisperClientTranslateTask(t *testing.T) {
	var form map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(10<<20))
		form = r.MultipartForm.Value
		w.Write([]byte(`{"text":"ok","segments":[]}`))
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "small", time.Minute)
	_, err := wc.Transcribe(context.Background(), make([]float32, 1600), Options{Translate: true, Language: "de"})
	require.NoError(t, err)
	assert.Equal(t, []string{"translate"}, form["task"])
	assert.Equal(t, []string{"de"}, form["language"])
}

func TestWhisperClientCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(verboseJSON))
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "large-v3", time.Minute)
	_, err := wc.Transcribe(context.Background(), make([]float32, 1600), Options{
		CancellationCheck: func() bool { return true },
	})
	require.ErrorIs(t, err, ErrCancelled)
}

func TestWhisperClientServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	wc := NewWhisperClient(srv.URL, "large-v3", time.Minute)
	_, err := wc.Transcribe(context.Background(), make([]float32, 1600), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestWhisperClientRejectsEmptyWaveform(t *testing.T) {
	wc := NewWhisperClient("http://unused", "m", time.Minute)
	_, err := wc.Transcribe(context.Background(), nil, Options{})
	require.Error(t, err)
}
