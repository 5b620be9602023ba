package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/accident-detector/internal/config"
	"github.com/dj-oyu/accident-detector/internal/dataset"
	"github.com/dj-oyu/accident-detector/internal/detector"
	"github.com/dj-oyu/accident-detector/internal/engine"
	"github.com/dj-oyu/accident-detector/internal/ffmpeg"
	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/internal/metrics"
	"github.com/dj-oyu/accident-detector/internal/notify"
	"github.com/dj-oyu/accident-detector/internal/preview"
	"github.com/dj-oyu/accident-detector/internal/recorder"
	"github.com/dj-oyu/accident-detector/internal/source"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// inferenceDetector is a detector that owns a resource
type inferenceDetector interface {
	engine.Detector
	Close() error
}

func main() {
	fs, configPath := newFlagSet(os.Args[0])
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := applyFlags(fs, cfg); err != nil {
		log.Fatalf("Invalid flag: %v", err)
	}
	cfg.ApplyVariant()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.LogColor)
	defer logger.Sync()

	logger.Info("Main", "Accident detector starting (variant=%s, input=%s)", cfg.Variant, cfg.Input)
	logger.Info("Main", "Log level: %s", level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Main", "%v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Main", "Accident detector stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	det, err := openDetector(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := det.Close(); err != nil {
			logger.Warn("Main", "Detector close: %v", err)
		}
	}()

	rec := recorder.NewRecorder(cfg.OutputDir, cfg.ClipPrefix, func(path string, info types.StreamInfo) (recorder.FrameEncoder, error) {
		enc, err := ffmpeg.StartEncoder(cfg.FFmpegPath, path, info)
		if err != nil {
			return nil, err
		}
		return enc, nil
	})

	var servers []*http.Server
	defer func() { shutdownServers(servers) }()

	if cfg.MetricsAddr != "" {
		srv := m.NewServer(cfg.MetricsAddr)
		servers = append(servers, srv)
		go serve("Metrics", srv)
	}

	var handlers []notify.Handler
	handlers = append(handlers, notify.NewConsole(os.Stdout))

	var pv *preview.Server
	if cfg.PreviewAddr != "" {
		pcfg := preview.DefaultConfig()
		pcfg.Addr = cfg.PreviewAddr
		pcfg.ClipsDir = cfg.OutputDir
		pv = preview.NewServer(pcfg, rec)
		defer pv.Close()

		srv := pv.NewHTTPServer()
		servers = append(servers, srv)
		go serve("Preview", srv)
		handlers = append(handlers, pv)
	}

	if cfg.SMTP.Enabled() {
		handlers = append(handlers, notify.NewSMTPNotifier(notify.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			From:        cfg.SMTP.From,
			To:          cfg.SMTP.To,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			MinInterval: time.Duration(cfg.SMTP.MinInterval * float64(time.Second)),
		}))
		logger.Info("Main", "E-mail notifications enabled (%d recipients)", len(cfg.SMTP.To))
	}

	if len(cfg.HookCommand) > 0 {
		hook, err := notify.NewCommandHook(cfg.HookCommand)
		if err != nil {
			return err
		}
		handlers = append(handlers, hook)
	}

	dispatcher := notify.NewDispatcher(64, 30*time.Second, m, handlers...)
	// Closes before the preview server so queued events still reach its clients
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("Main", "Dispatcher close: %v", err)
		}
	}()

	deps := engine.Deps{
		Detector: det,
		Recorder: rec,
		Notifier: dispatcher,
		Metrics:  m,
	}
	if pv != nil {
		deps.Preview = pv
	}
	if cfg.SnapshotsEnabled() {
		exp, err := dataset.NewExporter(cfg.RetrainDir, cfg.SnapshotCooldown())
		if err != nil {
			return err
		}
		deps.Snapshots = exp
		logger.Info("Main", "Dataset snapshots enabled: %s (cooldown %s)", cfg.RetrainDir, cfg.SnapshotCooldown())
	}

	eng, err := engine.New(engine.Config{
		ConsecutiveThreshold: cfg.ConsecutiveThreshold,
		ConfidenceThreshold:  cfg.ConfidenceThreshold,
		TargetLabels:         cfg.TargetLabels,
		SnapshotLabels:       cfg.SnapshotLabels,
	}, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Warn("Main", "Engine close: %v", err)
		}
	}()
	if pv != nil {
		pv.AttachEngine(eng)
	}

	err = eng.RunOpen(ctx, func(ctx context.Context) (engine.FrameSource, error) {
		return openSource(ctx, cfg)
	})

	st := eng.Status()
	logger.Info("Main", "Processed %d frames, %d clips, %d snapshots", st.FramesProcessed, st.Clips, st.Snapshots)
	return err
}

func openDetector(ctx context.Context, cfg *config.Config) (inferenceDetector, error) {
	if cfg.Detector.Replay != "" {
		r, err := detector.LoadReplay(cfg.Detector.Replay, cfg.Detector.Classes)
		if err != nil {
			return nil, err
		}
		logger.Info("Main", "Replaying detections from %s", cfg.Detector.Replay)
		return r, nil
	}

	p, err := detector.StartProcess(ctx, cfg.Detector.Command, cfg.Detector.Model, cfg.Detector.Classes)
	if err != nil {
		return nil, fmt.Errorf("start detector: %w", err)
	}
	return p, nil
}

func openSource(ctx context.Context, cfg *config.Config) (engine.FrameSource, error) {
	if fi, err := os.Stat(cfg.Input); err == nil && fi.IsDir() {
		dir, err := source.OpenImageDir(cfg.Input, cfg.InputFPS)
		if err != nil {
			return nil, err
		}
		return dir, nil
	}

	src, err := ffmpeg.OpenSource(ctx, cfg.FFmpegPath, cfg.FFprobePath, cfg.Input)
	if err != nil {
		return nil, err
	}
	info := src.Info()
	logger.Info("Main", "Source %s: %dx%d @ %.2f fps", cfg.Input, info.Width, info.Height, info.FPS)
	return src, nil
}

func serve(name string, srv *http.Server) {
	logger.Info(name, "Listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error(name, "Server error: %v", err)
	}
}

func shutdownServers(servers []*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("Main", "Shutdown %s: %v", srv.Addr, err)
		}
	}
}
