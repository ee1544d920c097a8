package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Env holds configuration read from environment variables.
// These take priority over the YAML config file.
type Env struct {
	ServerHost string `env:"SERVER_HOST"`
	ServerPort int    `env:"SERVER_PORT"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
	DataDir    string `env:"DATA_DIR" envDefault:"./data"`

	TLSEnabled  bool   `env:"TLS_ENABLED"`
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	HuggingFaceToken string `env:"HUGGINGFACE_TOKEN"`
	HFToken          string `env:"HF_TOKEN"`
	LMStudioURL      string `env:"LM_STUDIO_URL"`

	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"0"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
}

// ServerConfig is the server section of the YAML config file.
type ServerConfig struct {
	Host string    `yaml:"host"`
	Port int       `yaml:"port"`
	TLS  TLSConfig `yaml:"tls"`
}

type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// TranscriberConfig configures one decoder (main or live).
type TranscriberConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Model         string `yaml:"model"`
	Device        string `yaml:"device"`
	ComputeType   string `yaml:"compute_type"`
	BeamSize      int    `yaml:"beam_size"`
	BatchSize     int    `yaml:"batch_size"`
	InitialPrompt string `yaml:"initial_prompt"`
	VadFilter     bool   `yaml:"faster_whisper_vad_filter"`

	// Live-only tunables.
	SileroSensitivity           float64 `yaml:"silero_sensitivity"`
	WebRTCSensitivity           int     `yaml:"webrtc_sensitivity"`
	PostSpeechSilenceDuration   float64 `yaml:"post_speech_silence_duration"`
	EarlyTranscriptionOnSilence float64 `yaml:"early_transcription_on_silence"`
	LiveLanguage                string  `yaml:"live_language"`
}

// STTConfig holds the streaming recorder tunables. These are hot-reloadable.
type STTConfig struct {
	WebRTCSensitivity               int     `yaml:"webrtc_sensitivity"`
	PostSpeechSilenceDuration       float64 `yaml:"post_speech_silence_duration"`
	MinLengthOfRecording            float64 `yaml:"min_length_of_recording"`
	MinGapBetweenRecordings         float64 `yaml:"min_gap_between_recordings"`
	PreRecordingBufferDuration      float64 `yaml:"pre_recording_buffer_duration"`
	MaxSilenceDuration              float64 `yaml:"max_silence_duration"`
	NormalizeAudio                  bool    `yaml:"normalize_audio"`
	EnsureSentenceStartingUppercase bool    `yaml:"ensure_sentence_starting_uppercase"`
	EnsureSentenceEndsWithPeriod    bool    `yaml:"ensure_sentence_ends_with_period"`
	BufferSize                      int     `yaml:"buffer_size"`
	AllowedLatencyLimit             int     `yaml:"allowed_latency_limit"`
}

// DiarizationConfig configures the speaker segmentation sidecar.
type DiarizationConfig struct {
	Model          string  `yaml:"model"`
	HFToken        string  `yaml:"hf_token"`
	Device         string  `yaml:"device"`
	NumSpeakers    int     `yaml:"num_speakers"`
	MinSpeakers    int     `yaml:"min_speakers"`
	MaxSpeakers    int     `yaml:"max_speakers"`
	MinDurationOn  float64 `yaml:"min_duration_on"`
	MinDurationOff float64 `yaml:"min_duration_off"`
}

// AudioProcessingConfig selects the transcode backend and normalization.
type AudioProcessingConfig struct {
	Backend             string `yaml:"backend"`              // "ffmpeg" or "legacy"
	NormalizationMethod string `yaml:"normalization_method"` // "peak", "loudnorm", "dynaudnorm"
	MP3Bitrate          int    `yaml:"mp3_bitrate"`
}

// BackupConfig controls database backup rotation.
type BackupConfig struct {
	Enabled     bool `yaml:"enabled"`
	MaxAgeHours int  `yaml:"max_age_hours"`
	MaxBackups  int  `yaml:"max_backups"`
}

// LocalLLMConfig configures the OpenAI-compatible summarization endpoint.
type LocalLLMConfig struct {
	Enabled             bool    `yaml:"enabled"`
	BaseURL             string  `yaml:"base_url"`
	Model               string  `yaml:"model"`
	Temperature         float32 `yaml:"temperature"`
	MaxTokens           int     `yaml:"max_tokens"`
	DefaultSystemPrompt string  `yaml:"default_system_prompt"`
}

// InferenceConfig points at the local model-serving processes. The
// decoder endpoint speaks the OpenAI audio transcription API; the VAD
// and diarization endpoints are small companion services.
type InferenceConfig struct {
	WhisperURL           string `yaml:"whisper_url"`
	ControlURL           string `yaml:"control_url"` // model load/unload/status
	VADURL               string `yaml:"vad_url"`
	DiarizationURL       string `yaml:"diarization_url"`
	TranscriptionTimeout int    `yaml:"transcription_timeout_seconds"`
}

type LongformRecordingConfig struct {
	AutoAddToAudioNotebook bool `yaml:"auto_add_to_audio_notebook"`
}

type TranscriptionOptionsConfig struct {
	EnableLiveTranscriber bool `yaml:"enable_live_transcriber"`
}

// File is the full YAML config file shape.
type File struct {
	Server               ServerConfig               `yaml:"server"`
	MainTranscriber      TranscriberConfig          `yaml:"main_transcriber"`
	LiveTranscriber      *TranscriberConfig         `yaml:"live_transcriber"`
	PreviewTranscriber   *TranscriberConfig         `yaml:"preview_transcriber"` // legacy alias for live_transcriber
	STT                  STTConfig                  `yaml:"stt"`
	Diarization          DiarizationConfig          `yaml:"diarization"`
	AudioProcessing      AudioProcessingConfig      `yaml:"audio_processing"`
	Backup               BackupConfig               `yaml:"backup"`
	LocalLLM             LocalLLMConfig             `yaml:"local_llm"`
	Inference            InferenceConfig            `yaml:"inference"`
	LongformRecording    LongformRecordingConfig    `yaml:"longform_recording"`
	TranscriptionOptions TranscriptionOptionsConfig `yaml:"transcription_options"`
}

// Config is the merged runtime configuration.
type Config struct {
	Env
	File

	ConfigPath string
	Live       TranscriberConfig

	sttMu sync.RWMutex
}

// CurrentSTT returns the stt section. Goes through a lock because the
// section is hot-reloadable while streaming sessions read it.
func (c *Config) CurrentSTT() STTConfig {
	c.sttMu.RLock()
	defer c.sttMu.RUnlock()
	return c.STT
}

// SetSTT applies a reloaded stt section.
func (c *Config) SetSTT(s STTConfig) {
	c.sttMu.Lock()
	c.STT = s
	c.sttMu.Unlock()
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile    string
	ConfigFile string
	Host       string
	Port       int
	LogLevel   string
	DataDir    string
}

// Load reads configuration from .env file, environment variables, the YAML
// config file, and CLI overrides.
// Priority: CLI flags > environment variables > YAML file > defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	var e Env
	if err := env.Parse(&e); err != nil {
		return nil, err
	}

	cfg := &Config{Env: e, File: defaults()}
	cfg.ConfigPath = overrides.ConfigFile
	if cfg.ConfigPath == "" {
		cfg.ConfigPath = filepath.Join(e.DataDir, "config.yaml")
	}

	if data, err := os.ReadFile(cfg.ConfigPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg.File); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", cfg.ConfigPath, err)
		}
	} else if overrides.ConfigFile != "" {
		// An explicitly named config file must exist.
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Env wins over YAML.
	if e.ServerHost != "" {
		cfg.Server.Host = e.ServerHost
	}
	if e.ServerPort != 0 {
		cfg.Server.Port = e.ServerPort
	}
	if e.TLSEnabled {
		cfg.Server.TLS.Enabled = true
	}
	if e.TLSCertFile != "" {
		cfg.Server.TLS.CertFile = e.TLSCertFile
	}
	if e.TLSKeyFile != "" {
		cfg.Server.TLS.KeyFile = e.TLSKeyFile
	}
	if tok := cfg.HuggingFace(); tok != "" && cfg.Diarization.HFToken == "" {
		cfg.Diarization.HFToken = tok
	}
	if e.LMStudioURL != "" {
		cfg.LocalLLM.BaseURL = e.LMStudioURL
	}

	// CLI overrides win over everything.
	if overrides.Host != "" {
		cfg.Server.Host = overrides.Host
	}
	if overrides.Port != 0 {
		cfg.Server.Port = overrides.Port
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DataDir != "" {
		cfg.DataDir = overrides.DataDir
	}

	cfg.Live = cfg.resolveLive()

	if cfg.Server.TLS.Enabled && (cfg.Server.TLS.CertFile == "" || cfg.Server.TLS.KeyFile == "") {
		return nil, fmt.Errorf("tls enabled but cert_file or key_file missing")
	}

	return cfg, nil
}

// resolveLive merges the legacy preview_transcriber section with
// live_transcriber. The sections are synonyms; live_transcriber wins when
// both are present.
func (c *Config) resolveLive() TranscriberConfig {
	switch {
	case c.LiveTranscriber != nil:
		return *c.LiveTranscriber
	case c.PreviewTranscriber != nil:
		return *c.PreviewTranscriber
	default:
		return TranscriberConfig{
			Model:                     "small",
			Device:                    "auto",
			BeamSize:                  3,
			PostSpeechSilenceDuration: 0.7,
			LiveLanguage:              "en",
		}
	}
}

// LiveEnabled reports whether Live Mode is available. Both the per-section
// flag and the transcription_options toggle must allow it.
func (c *Config) LiveEnabled() bool {
	return c.Live.Enabled && c.TranscriptionOptions.EnableLiveTranscriber
}

// HuggingFace returns the diarization auth token, preferring
// HUGGINGFACE_TOKEN over HF_TOKEN.
func (c *Config) HuggingFace() string {
	if c.Env.HuggingFaceToken != "" {
		return c.Env.HuggingFaceToken
	}
	return c.Env.HFToken
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	host := c.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	port := c.Server.Port
	if port == 0 {
		port = 8765
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func (c *Config) DatabaseDir() string { return filepath.Join(c.DataDir, "database") }
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DatabaseDir(), "notebook.db")
}
func (c *Config) BackupDir() string { return filepath.Join(c.DatabaseDir(), "backups") }
func (c *Config) AudioDir() string  { return filepath.Join(c.DataDir, "audio") }
func (c *Config) LogDir() string    { return filepath.Join(c.DataDir, "logs") }
func (c *Config) TokensPath() string {
	return filepath.Join(c.DataDir, "tokens", "tokens.json")
}

// EnsureDirs creates the persisted state layout under DATA_DIR.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.DataDir,
		c.DatabaseDir(),
		c.BackupDir(),
		c.AudioDir(),
		c.LogDir(),
		filepath.Dir(c.TokensPath()),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func defaults() File {
	return File{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8765},
		MainTranscriber: TranscriberConfig{
			Model:       "large-v3",
			Device:      "auto",
			ComputeType: "auto",
			BeamSize:    5,
			BatchSize:   8,
		},
		STT: STTConfig{
			WebRTCSensitivity:               3,
			PostSpeechSilenceDuration:       0.6,
			MinLengthOfRecording:            0.5,
			PreRecordingBufferDuration:      1.0,
			MaxSilenceDuration:              30.0,
			EnsureSentenceStartingUppercase: true,
			EnsureSentenceEndsWithPeriod:    true,
			BufferSize:                      512,
			AllowedLatencyLimit:             100,
		},
		Diarization: DiarizationConfig{
			Model:  "pyannote/speaker-diarization-3.1",
			Device: "auto",
		},
		AudioProcessing: AudioProcessingConfig{
			Backend:             "ffmpeg",
			NormalizationMethod: "peak",
			MP3Bitrate:          128,
		},
		Backup: BackupConfig{Enabled: true, MaxAgeHours: 24, MaxBackups: 7},
		Inference: InferenceConfig{
			WhisperURL:           "http://127.0.0.1:9000/v1/audio/transcriptions",
			ControlURL:           "http://127.0.0.1:9000",
			VADURL:               "http://127.0.0.1:9001/vad",
			DiarizationURL:       "http://127.0.0.1:9002",
			TranscriptionTimeout: 300,
		},
		LocalLLM: LocalLLMConfig{
			Temperature:         0.3,
			MaxTokens:           2048,
			DefaultSystemPrompt: "You are a helpful assistant that summarizes transcripts.",
		},
		TranscriptionOptions: TranscriptionOptionsConfig{EnableLiveTranscriber: true},
	}
}
