package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/satindergrewal/focusflow/internal/ambient"
	"github.com/satindergrewal/focusflow/internal/audio"
	"github.com/satindergrewal/focusflow/internal/config"
	"github.com/satindergrewal/focusflow/internal/library"
	"github.com/satindergrewal/focusflow/internal/realclock"
	"github.com/satindergrewal/focusflow/internal/session"
	"github.com/satindergrewal/focusflow/internal/stream"
	"github.com/satindergrewal/focusflow/internal/timewarp"
)

func main() {
	app := cli.App{
		Name:  "focusflow",
		Usage: "focus session clock with looping ambient sound",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "trace, debug, info, warn or error",
				Value:   "info",
				EnvVars: []string{"FOCUS_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before reading the environment",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "sounds-dir",
				Usage: "directory of ambient clips (overrides FOCUS_SOUNDS_DIR)",
			},
		},
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "serve",
			Usage:  "run the session API and ambient stream",
			Action: runServe,
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  "port",
					Usage: "listen port (overrides FOCUS_PORT)",
				},
			},
		},
		&cli.Command{
			Name:      "preview",
			Usage:     "mix a short preview of one sound to stdout as s16le 48kHz stereo",
			ArgsUsage: "<sound-id>",
			Action:    runPreview,
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  "duration",
					Usage: "preview length, clamped to 5s..10s (defaults to FOCUS_PREVIEW_SECONDS)",
				},
			},
		},
		&cli.Command{
			Name:   "sounds",
			Usage:  "list the sounds in the library",
			Action: runSounds,
		},
	}
	app.RunAndExitOnError()
}

// setup loads configuration and builds the root logger.
func setup(cctx *cli.Context) (config.Config, zerolog.Logger, error) {
	if err := config.LoadDotEnv(cctx.String("env-file")); err != nil {
		return config.Config{}, zerolog.Logger{}, fmt.Errorf("load env file: %w", err)
	}
	cfg := config.Load()
	if dir := cctx.String("sounds-dir"); dir != "" {
		cfg.SoundsDir = dir
	}

	level, err := zerolog.ParseLevel(cctx.String("log-level"))
	if err != nil {
		return cfg, zerolog.Logger{}, err
	}
	var logger zerolog.Logger
	if isatty.IsTerminal(os.Stderr.Fd()) {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return cfg, logger.Level(level).With().Timestamp().Logger(), nil
}

func newLibrary(cfg config.Config, logger zerolog.Logger) (*library.Library, error) {
	return library.New(afero.NewOsFs(), cfg.SoundsDir, cfg.SoundExts, cfg.ResolveCache, logger)
}

func newScheduler(clock clockwork.Clock, cfg config.Config, lib *library.Library, mixer *audio.Mixer, logger zerolog.Logger) *ambient.Scheduler {
	return ambient.New(ambient.Options{
		Clock:    clock,
		Resolver: lib,
		Player:   mixer.Player(),
		Classify: ambient.KeywordClassifier(cfg.ContinuousKeywords...),
		Logger:   logger,
	})
}

func runServe(cctx *cli.Context) error {
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}
	if port := cctx.Int("port"); port != 0 {
		cfg.Port = port
	}

	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()

	lib, err := newLibrary(cfg, logger)
	if err != nil {
		return err
	}
	mixer, err := audio.NewMixer(audio.MixerOptions{
		Clock:     clock,
		CacheSize: cfg.DecodeCache,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer mixer.Close()

	sched := newScheduler(clock, cfg, lib, mixer, logger)

	mode, err := timewarp.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}
	engine := timewarp.New(clock, timewarp.Config{
		SpeedMultiplier:     cfg.SpeedMultiplier,
		SlotDurationMinutes: float64(cfg.SlotDuration),
		SlotIntervalMinutes: float64(cfg.SlotInterval),
		Mode:                mode,
		DisplayInterval:     cfg.DisplayInterval,
	}, logger)

	heartbeat := realclock.New(clock, cfg.Heartbeat, logger)
	heartbeat.Start()
	defer heartbeat.Stop()
	engine.AttachHeartbeat(heartbeat)

	ctl := session.NewController(session.Options{
		Clock:          clock,
		Engine:         engine,
		Scheduler:      sched,
		Sounds:         lib,
		PreviewTimeout: cfg.PreviewTimeout,
		Logger:         logger,
	})
	defer func() {
		if err := ctl.Close(); err != nil {
			logger.Error().Err(err).Msg("releasing sounds")
		}
	}()

	broadcaster := stream.NewBroadcaster(logger)
	webrtcHandler := stream.NewWebRTCHandler(broadcaster, cfg.ICEServers, logger)
	defer webrtcHandler.Close()

	mux := http.NewServeMux()
	session.NewAPI(ctl, realclock.ParseFormat(cfg.TimeFormat), logger).Register(mux)
	mux.Handle("/stream", stream.NewHTTPHandler(broadcaster, cfg.StreamBitrate, logger))
	mux.Handle("/offer", webrtcHandler)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mixer.Run(gctx) })
	g.Go(func() error { return broadcaster.Run(gctx, mixer.Frames()) })
	g.Go(func() error {
		logger.Info().Str("addr", addr).Str("sounds", cfg.SoundsDir).Msg("focusflow listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, done := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer done()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func runPreview(cctx *cli.Context) error {
	id := cctx.Args().First()
	if id == "" {
		return cli.Exit("need a sound id, see 'focusflow sounds'", 1)
	}
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}
	length := cfg.PreviewTimeout
	if d := cctx.Duration("duration"); d > 0 {
		length = d
	}
	length = min(max(length, ambient.MinPreview), ambient.MaxPreview)

	ctx, cancel := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clock := clockwork.NewRealClock()
	lib, err := newLibrary(cfg, logger)
	if err != nil {
		return err
	}
	mixer, err := audio.NewMixer(audio.MixerOptions{Clock: clock, CacheSize: 1, Logger: logger})
	if err != nil {
		return err
	}
	defer mixer.Close()
	sched := newScheduler(clock, cfg, lib, mixer, logger)
	defer sched.Close()

	if err := sched.Preview(ctx, id, length); err != nil {
		return err
	}

	// Mix until the preview has faded out and every voice is gone.
	runCtx, stop := context.WithTimeout(ctx, length+ambient.DefaultTiming().StopFadeOut+time.Second)
	defer stop()
	go mixer.Run(runCtx)

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()
	for frame := range mixer.Frames() {
		if _, err := out.Write(audio.SamplesToBytes(frame)); err != nil {
			return err
		}
		if !sched.IsPlaying(id) && len(mixer.Voices()) == 0 {
			stop()
		}
	}
	logger.Info().Str("sound", id).Dur("length", length).Msg("preview finished")
	return nil
}

func runSounds(cctx *cli.Context) error {
	cfg, logger, err := setup(cctx)
	if err != nil {
		return err
	}
	lib, err := newLibrary(cfg, logger)
	if err != nil {
		return err
	}
	sounds, err := lib.List()
	if err != nil {
		return err
	}
	for _, s := range sounds {
		fmt.Printf("%-24s %s\n", s.ID, s.File)
	}
	return nil
}
