package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	shine "github.com/braheezy/shine-mp3/pkg/mp3"
	gomp3 "github.com/hajimehoshi/go-mp3"
)

// LegacyBackend decodes and encodes audio in-process without the
// transcoder binary. WAV (PCM16) and MP3 inputs only; resampling is
// linear interpolation.
type LegacyBackend struct{}

func (b *LegacyBackend) Name() string { return "legacy" }

func (b *LegacyBackend) LoadAudio(ctx context.Context, path string, targetRate int) ([]float32, int, error) {
	if targetRate <= 0 {
		targetRate = TargetRate
	}

	var samples []float32
	var rate int
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		samples, rate, err = decodeMP3(path)
	case ".wav":
		samples, rate, err = decodeWAV(path)
	default:
		return nil, 0, fmt.Errorf("legacy backend cannot decode %s (wav and mp3 only)", filepath.Ext(path))
	}
	if err != nil {
		return nil, 0, err
	}

	samples = Resample(samples, rate, targetRate)
	PeakNormalize(samples, DefaultPeakTarget)
	return samples, targetRate, nil
}

// ConvertToMP3 decodes src and re-encodes it with the shine encoder.
// Bitrate is fixed by the encoder configuration; the argument is accepted
// for interface parity.
func (b *LegacyBackend) ConvertToMP3(ctx context.Context, src, dst string, bitrate int) error {
	samples, rate, err := b.LoadAudio(ctx, src, TargetRate)
	if err != nil {
		return err
	}
	return EncodeMP3(dst, samples, rate)
}

// EncodeMP3 writes mono float32 samples to an MP3 file using the pure-Go
// shine encoder.
func EncodeMP3(path string, samples []float32, rate int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create mp3: %w", err)
	}
	defer f.Close()

	enc := shine.NewEncoder(rate, 1)
	pcm := Float32ToInt16(samples)

	// Shine consumes 1152-sample granules; feed in aligned blocks.
	const block = 1152 * 4
	for off := 0; off < len(pcm); off += block {
		end := off + block
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := enc.Write(f, pcm[off:end]); err != nil {
			return fmt.Errorf("encode mp3: %w", err)
		}
	}
	return nil
}

// MP3Duration returns the duration in seconds of an MP3 file without
// decoding all of it.
func MP3Duration(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return 0, fmt.Errorf("probe mp3: %w", err)
	}
	// Length is bytes of 16-bit stereo PCM.
	samples := dec.Length() / 4
	return float64(samples) / float64(dec.SampleRate()), nil
}

func decodeMP3(path string) ([]float32, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec, err := gomp3.NewDecoder(f)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("read mp3 pcm: %w", err)
	}

	// go-mp3 always emits 16-bit stereo; downmix to mono.
	n := len(raw) / 4
	samples := make([]float32, n)
	for i := 0; i < n; i++ {
		l := int16(binary.LittleEndian.Uint16(raw[i*4:]))
		r := int16(binary.LittleEndian.Uint16(raw[i*4+2:]))
		samples[i] = (float32(l) + float32(r)) / 2 / 32768.0
	}
	return samples, dec.SampleRate(), nil
}

// decodeWAV reads a PCM16 RIFF/WAVE file, downmixing to mono.
func decodeWAV(path string) ([]float32, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(data) < 44 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("%s: not a RIFF/WAVE file", path)
	}

	var rate, channels, bits int
	var pcm []byte
	// Walk chunks; fmt must precede data.
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if body+size > len(data) {
			size = len(data) - body
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, 0, fmt.Errorf("%s: short fmt chunk", path)
			}
			format := int(binary.LittleEndian.Uint16(data[body:]))
			channels = int(binary.LittleEndian.Uint16(data[body+2:]))
			rate = int(binary.LittleEndian.Uint32(data[body+4:]))
			bits = int(binary.LittleEndian.Uint16(data[body+14:]))
			if format != 1 || bits != 16 {
				return nil, 0, fmt.Errorf("%s: only PCM16 WAV supported (format=%d bits=%d)", path, format, bits)
			}
		case "data":
			pcm = data[body : body+size]
		}
		off = body + size
		if size%2 == 1 {
			off++ // chunks are word-aligned
		}
	}
	if rate == 0 || pcm == nil {
		return nil, 0, fmt.Errorf("%s: missing fmt or data chunk", path)
	}

	frames := len(pcm) / (2 * channels)
	samples := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			s := int16(binary.LittleEndian.Uint16(pcm[(i*channels+c)*2:]))
			sum += float32(s)
		}
		samples[i] = sum / float32(channels) / 32768.0
	}
	return samples, rate, nil
}

// WriteWAV writes mono float32 samples as a PCM16 WAV file. Used for
// handing waveforms to the decoder sidecar and in tests.
func WriteWAV(path string, samples []float32, rate int) error {
	return os.WriteFile(path, WAVBytes(samples, rate), 0o644)
}

// WAVBytes renders samples as a mono 16-bit PCM WAV file in memory.
func WAVBytes(samples []float32, rate int) []byte {
	pcm := Float32ToInt16(samples)
	dataLen := len(pcm) * 2

	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:], 16)
	binary.LittleEndian.PutUint16(buf[20:], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:], uint32(rate))
	binary.LittleEndian.PutUint32(buf[28:], uint32(rate*2))
	binary.LittleEndian.PutUint16(buf[32:], 2)
	binary.LittleEndian.PutUint16(buf[34:], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:], uint32(dataLen))
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}
