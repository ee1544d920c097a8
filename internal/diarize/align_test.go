package diarize

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/stt"
)

func word(text string, start, end float64) stt.Word {
	return stt.Word{Word: text, Start: start, End: end}
}

func TestAssignSpeakersMidpointRule(t *testing.T) {
	turns := []Turn{
		{Start: 0, End: 2, Speaker: "SPEAKER_00"},
		{Start: 2, End: 4, Speaker: "SPEAKER_01"},
	}

	words := AssignSpeakers([]stt.Word{
		word("hello", 0.1, 0.5),  // midpoint 0.3 → 00
		word("there", 1.8, 2.4),  // midpoint 2.1 → 01
		word("stray", 5.0, 5.5),  // outside every turn
		word("bridge", 1.5, 2.1), // midpoint 1.8 → 00 despite tail in 01
	}, turns)

	assert.Equal(t, "SPEAKER_00", words[0].Speaker)
	assert.Equal(t, "SPEAKER_01", words[1].Speaker)
	assert.Equal(t, "", words[2].Speaker)
	assert.Equal(t, "SPEAKER_00", words[3].Speaker)
}

func TestAssignSpeakersLongestOverlapFallback(t *testing.T) {
	// The word's midpoint falls in a gap between turns; the turn
	// overlapping it the most wins.
	turns := []Turn{
		{Start: 0, End: 0.9, Speaker: "SPEAKER_00"},
		{Start: 1.4, End: 3, Speaker: "SPEAKER_01"},
	}
	words := AssignSpeakers([]stt.Word{word("gap", 0.8, 2.0)}, turns)
	assert.Equal(t, "SPEAKER_01", words[0].Speaker)
}

func TestGroupBySpeaker(t *testing.T) {
	words := []LabeledWord{
		{Word: word("good", 0, 0.3), Speaker: "SPEAKER_00"},
		{Word: word("morning", 0.3, 0.8), Speaker: "SPEAKER_00"},
		{Word: word("hi", 1.0, 1.2), Speaker: "SPEAKER_01"},
		{Word: word("there", 1.2, 1.5), Speaker: "SPEAKER_01"},
		{Word: word("bye", 2.0, 2.2), Speaker: "SPEAKER_00"},
	}

	segs := GroupBySpeaker(words, 0)
	require.Len(t, segs, 3)
	assert.Equal(t, "good morning", segs[0].Text)
	assert.Equal(t, "SPEAKER_00", segs[0].Speaker)
	assert.Equal(t, 0.8, segs[0].End)
	assert.Equal(t, "hi there", segs[1].Text)
	assert.Equal(t, "bye", segs[2].Text)
}

func TestGroupBySpeakerCharCap(t *testing.T) {
	words := []LabeledWord{
		{Word: word("aaaa", 0, 1), Speaker: "S0"},
		{Word: word("bbbb", 1, 2), Speaker: "S0"},
		{Word: word("cccc", 2, 3), Speaker: "S0"},
	}

	// Cap of 9 fits "aaaa bbbb" but forces "cccc" into a new segment.
	segs := GroupBySpeaker(words, 9)
	require.Len(t, segs, 2)
	assert.Equal(t, "aaaa bbbb", segs[0].Text)
	assert.Equal(t, "cccc", segs[1].Text)
}

func TestSidecarEngineLoadRequiresToken(t *testing.T) {
	e := NewSidecarEngine("http://unused", "pyannote/speaker-diarization-3.1", "", 0)
	err := e.Load(context.Background())
	require.ErrorIs(t, err, ErrMissingToken)
}

func TestSidecarEngineDiarize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/diarize", r.URL.Path)
		require.NoError(t, r.ParseMultipartForm(10<<20))
		assert.Equal(t, []string{"2"}, r.MultipartForm.Value["num_speakers"])
		w.Write([]byte(`{"turns":[
			{"start":0,"end":1.5,"speaker":"SPEAKER_00"},
			{"start":1.5,"end":3,"speaker":"SPEAKER_01"}]}`))
	}))
	defer srv.Close()

	e := NewSidecarEngine(srv.URL, "m", "hf_token", 0)
	turns, n, err := e.Diarize(context.Background(), make([]float32, 16000), Options{NumSpeakers: 2})
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	// num_speakers omitted by the server is derived from the labels.
	assert.Equal(t, 2, n)
}
