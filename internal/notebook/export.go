package notebook

import (
	"fmt"
	"strconv"
	"strings"

	"murmur/internal/database"
)

// ErrFormatMismatch is returned when the requested export format does
// not match the recording's capabilities. Maps to 400.
type ErrFormatMismatch struct {
	Format string
	Reason string
}

func (e *ErrFormatMismatch) Error() string {
	return fmt.Sprintf("format %s not available: %s", e.Format, e.Reason)
}

// ExportTranscript renders a recording's transcript in the requested
// format. TXT is only for pure-note recordings (no word timing, no
// diarization); SRT and ASS require one of the two.
func ExportTranscript(format string, rec *database.Recording, segs []database.SegmentWithWords) (body, contentType string, err error) {
	timed := rec.WordCount > 0 || rec.HasDiarization

	switch format {
	case "txt":
		if timed {
			return "", "", &ErrFormatMismatch{Format: "txt", Reason: "recording has word timing or diarization, use srt or ass"}
		}
		return renderTXT(segs), "text/plain; charset=utf-8", nil
	case "srt":
		if !timed {
			return "", "", &ErrFormatMismatch{Format: "srt", Reason: "recording has no word timing or diarization"}
		}
		return RenderSRT(segs), "application/x-subrip", nil
	case "ass":
		if !timed {
			return "", "", &ErrFormatMismatch{Format: "ass", Reason: "recording has no word timing or diarization"}
		}
		return renderASS(rec.DisplayName(), segs), "text/plain; charset=utf-8", nil
	default:
		return "", "", &ErrFormatMismatch{Format: format, Reason: "unknown format"}
	}
}

func renderTXT(segs []database.SegmentWithWords) string {
	var b strings.Builder
	for _, s := range segs {
		b.WriteString(s.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// SRTCue is one parsed subtitle cue.
type SRTCue struct {
	Index int
	Start float64
	End   float64
	Text  string
}

// RenderSRT renders segments as SubRip cues numbered from 1.
func RenderSRT(segs []database.SegmentWithWords) string {
	var b strings.Builder
	for i, s := range segs {
		text := s.Text
		if s.Speaker != nil && *s.Speaker != "" {
			text = *s.Speaker + ": " + text
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTime(s.StartTime), srtTime(s.EndTime), text)
	}
	return b.String()
}

// srtTime formats seconds as HH:MM:SS,mmm.
func srtTime(t float64) string {
	ms := int(t*1000 + 0.5)
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

// ParseSRT parses SubRip text back into cues. Multi-line cue text is
// joined with newlines preserved.
func ParseSRT(src string) ([]SRTCue, error) {
	var cues []SRTCue
	blocks := strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n\n")
	for _, block := range blocks {
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 || lines[0] == "" {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(lines[0]))
		if err != nil {
			return nil, fmt.Errorf("bad cue index %q", lines[0])
		}
		times := strings.Split(lines[1], " --> ")
		if len(times) != 2 {
			return nil, fmt.Errorf("bad cue timing %q", lines[1])
		}
		start, err := parseSRTTime(times[0])
		if err != nil {
			return nil, err
		}
		end, err := parseSRTTime(times[1])
		if err != nil {
			return nil, err
		}
		cues = append(cues, SRTCue{
			Index: idx,
			Start: start,
			End:   end,
			Text:  strings.Join(lines[2:], "\n"),
		})
	}
	return cues, nil
}

func parseSRTTime(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var h, m, sec, ms int
	if _, err := fmt.Sscanf(s, "%d:%d:%d,%d", &h, &m, &sec, &ms); err != nil {
		return 0, fmt.Errorf("bad timestamp %q: %w", s, err)
	}
	return float64(h*3600+m*60+sec) + float64(ms)/1000, nil
}

// renderASS renders a minimal Advanced SubStation file: script info, a
// single default style, one Dialogue per segment with the speaker as an
// italic prefix.
func renderASS(title string, segs []database.SegmentWithWords) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Script Info]\nTitle: %s\nScriptType: v4.00+\nPlayResX: 1280\nPlayResY: 720\n\n", title)
	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, SecondaryColour, OutlineColour, BackColour, Bold, Italic, Underline, StrikeOut, ScaleX, ScaleY, Spacing, Angle, BorderStyle, Outline, Shadow, Alignment, MarginL, MarginR, MarginV, Encoding\n")
	b.WriteString("Style: Default,Arial,48,&H00FFFFFF,&H000000FF,&H00000000,&H80000000,0,0,0,0,100,100,0,0,1,2,1,2,10,10,10,1\n\n")
	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, s := range segs {
		text := strings.ReplaceAll(s.Text, "\n", " ")
		if s.Speaker != nil && *s.Speaker != "" {
			text = fmt.Sprintf(`{\i1}%s:{\i0} %s`, *s.Speaker, text)
		}
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			assTime(s.StartTime), assTime(s.EndTime), text)
	}
	return b.String()
}

// assTime formats seconds as H:MM:SS.cc (centiseconds).
func assTime(t float64) string {
	cs := int(t*100 + 0.5)
	h := cs / 360000
	m := cs % 360000 / 6000
	s := cs % 6000 / 100
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs%100)
}
