package diarize

import (
	"strings"

	"murmur/internal/stt"
)

// LabeledWord is a transcribed word with its assigned speaker.
type LabeledWord struct {
	stt.Word
	Speaker string
}

// SpeakerSegment is a run of consecutive words by one speaker.
type SpeakerSegment struct {
	Start   float64
	End     float64
	Speaker string
	Text    string
	Words   []LabeledWord
}

// AssignSpeakers labels each word with the speaker whose turn contains
// the word's midpoint. When no turn contains the midpoint (or several
// do), the turn with the longest overlap against the word wins. Words
// overlapping no turn at all keep an empty label.
func AssignSpeakers(words []stt.Word, turns []Turn) []LabeledWord {
	out := make([]LabeledWord, len(words))
	for i, w := range words {
		out[i] = LabeledWord{Word: w, Speaker: speakerFor(w, turns)}
	}
	return out
}

func speakerFor(w stt.Word, turns []Turn) string {
	mid := (w.Start + w.End) / 2

	best := ""
	bestOverlap := 0.0
	for _, t := range turns {
		if t.Start <= mid && mid < t.End {
			// Midpoint containment; still compare overlap so ties
			// between nested turns resolve deterministically.
			if ov := overlap(w, t); best == "" || ov > bestOverlap {
				best, bestOverlap = t.Speaker, ov
			}
		}
	}
	if best != "" {
		return best
	}

	// No turn contains the midpoint: fall back to longest overlap.
	for _, t := range turns {
		if ov := overlap(w, t); ov > bestOverlap {
			best, bestOverlap = t.Speaker, ov
		}
	}
	return best
}

func overlap(w stt.Word, t Turn) float64 {
	start := w.Start
	if t.Start > start {
		start = t.Start
	}
	end := w.End
	if t.End < end {
		end = t.End
	}
	if end <= start {
		return 0
	}
	return end - start
}

// GroupBySpeaker merges consecutive same-speaker words into segments. A
// speaker change always starts a new segment; so does exceeding
// maxSegmentChars (0 disables the cap), with the boundary forced at the
// next word.
func GroupBySpeaker(words []LabeledWord, maxSegmentChars int) []SpeakerSegment {
	var segs []SpeakerSegment
	var cur *SpeakerSegment
	var text strings.Builder

	flush := func() {
		if cur == nil {
			return
		}
		cur.Text = text.String()
		segs = append(segs, *cur)
		cur = nil
		text.Reset()
	}

	for _, w := range words {
		token := strings.TrimSpace(w.Word.Word)
		if cur != nil && cur.Speaker == w.Speaker &&
			(maxSegmentChars <= 0 || text.Len()+1+len(token) <= maxSegmentChars) {
			text.WriteByte(' ')
			text.WriteString(token)
			cur.End = w.End
			cur.Words = append(cur.Words, w)
			continue
		}

		flush()
		cur = &SpeakerSegment{
			Start:   w.Start,
			End:     w.End,
			Speaker: w.Speaker,
			Words:   []LabeledWord{w},
		}
		text.WriteString(token)
	}
	flush()
	return segs
}
