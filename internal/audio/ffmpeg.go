package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"os/exec"
	"strconv"
)

// ffmpegAvailable caches whether ffmpeg is in PATH (checked once at startup).
var ffmpegAvailable *bool

// CheckFFmpeg checks if ffmpeg is available in PATH. Call once at startup.
func CheckFFmpeg() bool {
	if ffmpegAvailable != nil {
		return *ffmpegAvailable
	}
	_, err := exec.LookPath("ffmpeg")
	avail := err == nil
	ffmpegAvailable = &avail
	return avail
}

// FFmpegBackend shells out to ffmpeg for decode, resample, and transcode.
// Single-pass: the decode and the resample happen in one invocation.
type FFmpegBackend struct {
	// Normalization selects "peak" (applied in-process after decode),
	// "loudnorm", or "dynaudnorm" (both applied as ffmpeg filters).
	Normalization string
}

func (b *FFmpegBackend) Name() string { return "ffmpeg" }

// LoadAudio decodes any input format to mono float32 at targetRate:
// no video, 1 channel, little-endian f32 PCM on stdout.
func (b *FFmpegBackend) LoadAudio(ctx context.Context, path string, targetRate int) ([]float32, int, error) {
	if targetRate <= 0 {
		targetRate = TargetRate
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-i", path,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(targetRate),
	}
	switch b.Normalization {
	case "loudnorm":
		args = append(args, "-af", "loudnorm=I=-16:TP=-1.5:LRA=11")
	case "dynaudnorm":
		args = append(args, "-af", "dynaudnorm")
	}
	args = append(args, "-f", "f32le", "-")

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, 0, fmt.Errorf("ffmpeg decode %s: %w: %s", path, err, stderr.String())
	}

	raw := stdout.Bytes()
	samples := make([]float32, len(raw)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}

	if b.Normalization == "peak" || b.Normalization == "" {
		PeakNormalize(samples, DefaultPeakTarget)
	}
	return samples, targetRate, nil
}

// ConvertToMP3 transcodes src to an MP3 file: no video, mono, 16 kHz,
// overwrite output.
func (b *FFmpegBackend) ConvertToMP3(ctx context.Context, src, dst string, bitrate int) error {
	if bitrate <= 0 {
		bitrate = 128
	}
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-y",
		"-i", src,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(TargetRate),
		"-b:a", fmt.Sprintf("%dk", bitrate),
		dst,
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg transcode %s: %w: %s", src, err, stderr.String())
	}
	return nil
}
