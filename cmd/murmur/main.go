package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"murmur/internal/api"
	"murmur/internal/audio"
	"murmur/internal/auth"
	"murmur/internal/config"
	"murmur/internal/database"
	"murmur/internal/diarize"
	"murmur/internal/live"
	"murmur/internal/llm"
	"murmur/internal/models"
	"murmur/internal/notebook"
	"murmur/internal/stt"
	"murmur/internal/vad"
)

var version = "dev"

func main() {
	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "path to .env file")
	flag.StringVar(&overrides.ConfigFile, "config", "", "path to YAML config file")
	flag.StringVar(&overrides.Host, "host", "", "listen host")
	flag.IntVar(&overrides.Port, "port", 0, "listen port")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "log level")
	flag.StringVar(&overrides.DataDir, "data-dir", "", "persistent state directory")
	flag.Parse()

	early := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(overrides)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.EnsureDirs(); err != nil {
		early.Fatal().Err(err).Msg("failed to create data directories")
	}

	log, logFile, err := newLogger(cfg)
	if err != nil {
		early.Fatal().Err(err).Msg("failed to open log file")
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log.Info().Str("version", version).Str("data_dir", cfg.DataDir).Msg("murmur starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Token store; first run prints the admin token to stdout.
	tokens, err := auth.Open(cfg.TokensPath(), log.With().Str("component", "auth").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open token store")
	}

	db, err := database.Open(ctx, cfg.DatabasePath(), log.With().Str("component", "database").Logger())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	backups := database.NewBackupManager(db, cfg.BackupDir(), cfg.Backup.MaxBackups, cfg.Backup.MaxAgeHours)
	var backupSvc *database.BackupService
	if cfg.Backup.Enabled {
		backupSvc = database.NewBackupService(backups)
		backupSvc.Start()
		defer backupSvc.Stop()
	}

	backend, err := audio.New(audio.Options{
		Backend:             cfg.AudioProcessing.Backend,
		NormalizationMethod: cfg.AudioProcessing.NormalizationMethod,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio backend")
	}
	log.Info().Str("backend", backend.Name()).Msg("audio backend ready")

	// Inference sidecars.
	transcriptionTimeout := time.Duration(cfg.Inference.TranscriptionTimeout) * time.Second
	control := models.NewControlClient(cfg.Inference.ControlURL)
	neural := vad.NewSidecarClassifier(cfg.Inference.VADURL)
	var diarizer diarize.Engine
	var diarizerCtl models.DiarizerController
	if cfg.Diarization.HFToken != "" || cfg.Diarization.Model != "" {
		sc := diarize.NewSidecarEngine(cfg.Inference.DiarizationURL, cfg.Diarization.Model,
			cfg.Diarization.HFToken, transcriptionTimeout)
		diarizer = sc
		diarizerCtl = sc
	}

	mgr := models.NewManager(models.ManagerOptions{
		Control: control,
		NewDecoder: func(model string) stt.Decoder {
			return stt.NewWhisperClient(cfg.Inference.WhisperURL, model, transcriptionTimeout)
		},
		Diarizer: diarizerCtl,
		Log:      log.With().Str("component", "models").Logger(),
	})

	mainSpec := models.ModelSpec{
		Name:        cfg.MainTranscriber.Model,
		Device:      cfg.MainTranscriber.Device,
		ComputeType: cfg.MainTranscriber.ComputeType,
		BatchSize:   cfg.MainTranscriber.BatchSize,
	}
	loadCtx, cancelLoad := context.WithTimeout(ctx, 5*time.Minute)
	if err := mgr.LoadTranscriptionModel(loadCtx, mainSpec); err != nil {
		// The sidecar may still be warming up; requests fail with 500
		// until a manual load succeeds.
		log.Warn().Err(err).Msg("main model load failed at startup")
	}
	cancelLoad()

	jobs := models.NewJobTracker(log.With().Str("component", "jobs").Logger())

	engine := stt.NewEngine(stt.EngineOptions{
		Backend: backend,
		Neural:  neural,
		Post: stt.PostprocessOptions{
			EnsureStartingUppercase: cfg.STT.EnsureSentenceStartingUppercase,
			EnsureEndsWithPeriod:    cfg.STT.EnsureSentenceEndsWithPeriod,
		},
		Log: log.With().Str("component", "stt").Logger(),
	})

	nb := notebook.New(notebook.Options{
		DB:         db,
		Backend:    backend,
		Engine:     engine,
		Manager:    mgr,
		Diarizer:   diarizer,
		AudioDir:   cfg.AudioDir(),
		MP3Bitrate: cfg.AudioProcessing.MP3Bitrate,
		DiarizeOpts: diarize.Options{
			NumSpeakers: cfg.Diarization.NumSpeakers,
			MinSpeakers: cfg.Diarization.MinSpeakers,
			MaxSpeakers: cfg.Diarization.MaxSpeakers,
		},
		Log: log.With().Str("component", "notebook").Logger(),
	})

	if removed, err := nb.SweepOrphans(ctx); err != nil {
		log.Warn().Err(err).Msg("orphan audio sweep failed")
	} else if len(removed) > 0 {
		log.Info().Strs("files", removed).Msg("orphan audio files reclaimed")
	}

	llmSvc := llm.New(llm.Options{
		Enabled:             cfg.LocalLLM.Enabled,
		BaseURL:             cfg.LocalLLM.BaseURL,
		Model:               cfg.LocalLLM.Model,
		Temperature:         cfg.LocalLLM.Temperature,
		MaxTokens:           cfg.LocalLLM.MaxTokens,
		DefaultSystemPrompt: cfg.LocalLLM.DefaultSystemPrompt,
		Log:                 log.With().Str("component", "llm").Logger(),
	})

	newDetector := func(webrtcSensitivity int) *vad.Detector {
		return vad.NewDetector(vad.DetectorOptions{
			Screen: vad.NewEnergyScreen(webrtcSensitivity),
			Neural: neural,
			Log:    log.With().Str("component", "vad").Logger(),
		})
	}

	liveCtl := live.NewController(live.ControllerOptions{
		Manager:       mgr,
		Jobs:          jobs,
		DefaultModel:  cfg.Live.Model,
		DefaultLang:   cfg.Live.LiveLanguage,
		LiveDevice:    cfg.Live.Device,
		LiveCompute:   cfg.Live.ComputeType,
		LiveBatchSize: cfg.Live.BatchSize,
		BeamSize:      cfg.Live.BeamSize,
		PostSilence:   cfg.Live.PostSpeechSilenceDuration,
		EarlySilence:  cfg.Live.EarlyTranscriptionOnSilence,
		MinLength:     cfg.STT.MinLengthOfRecording,
		PreRoll:       cfg.STT.PreRecordingBufferDuration,
		WebRTCDefault: cfg.STT.WebRTCSensitivity,
		Postprocess: stt.PostprocessOptions{
			EnsureStartingUppercase: cfg.STT.EnsureSentenceStartingUppercase,
			EnsureEndsWithPeriod:    cfg.STT.EnsureSentenceEndsWithPeriod,
		},
		MainModelSpec: mainSpec,
		NewDetector:   newDetector,
		Log:           log.With().Str("component", "live").Logger(),
	})

	srv := api.NewServer(api.Options{
		Config:      cfg,
		DB:          db,
		Tokens:      tokens,
		Manager:     mgr,
		Jobs:        jobs,
		Engine:      engine,
		Notebook:    nb,
		Backups:     backups,
		LLM:         llmSvc,
		Live:        liveCtl,
		NewDetector: newDetector,
		Log:         log.With().Str("component", "http").Logger(),
	})

	watcher := config.NewWatcher(cfg.ConfigPath, cfg.SetSTT,
		log.With().Str("component", "config").Logger())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
	log.Info().Msg("murmur stopped")
}

// newLogger builds the process logger: stdout plus a dated file under
// the data dir's log directory.
func newLogger(cfg *config.Config) (zerolog.Logger, *os.File, error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	name := fmt.Sprintf("murmur-%s.log", time.Now().UTC().Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(cfg.LogDir(), name),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, err
	}

	out := zerolog.MultiLevelWriter(os.Stdout, f)
	log := zerolog.New(out).With().Timestamp().Logger().Level(level)
	return log, f, nil
}
