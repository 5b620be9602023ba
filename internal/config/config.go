package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pelletier/go-toml/v2"
)

const (
	VariantSimple   = "simple"
	VariantExtended = "extended"
)

// Config defines the runtime configuration for the accident detector.
type Config struct {
	Input      string  `toml:"input" env:"ACCIDENT_INPUT"`
	InputFPS   float64 `toml:"input_fps" env:"ACCIDENT_INPUT_FPS"` // frame rate for image-directory inputs
	OutputDir  string  `toml:"output_dir" env:"ACCIDENT_OUTPUT_DIR"`
	RetrainDir string  `toml:"retrain_dir" env:"ACCIDENT_RETRAIN_DIR"`

	Variant              string   `toml:"variant" env:"ACCIDENT_VARIANT"`
	ClipPrefix           string   `toml:"clip_prefix" env:"ACCIDENT_CLIP_PREFIX"`
	ConsecutiveThreshold int      `toml:"consecutive_threshold" env:"ACCIDENT_CONSECUTIVE_THRESHOLD"`
	ConfidenceThreshold  float64  `toml:"confidence_threshold" env:"ACCIDENT_CONFIDENCE_THRESHOLD"`
	SnapshotCooldownSec  float64  `toml:"snapshot_cooldown" env:"ACCIDENT_SNAPSHOT_COOLDOWN"`
	TargetLabels         []string `toml:"target_labels" env:"ACCIDENT_TARGET_LABELS" envSeparator:","`
	SnapshotLabels       []string `toml:"snapshot_labels" env:"ACCIDENT_SNAPSHOT_LABELS" envSeparator:","`

	Detector DetectorConfig `toml:"detector"`
	SMTP     SMTPConfig     `toml:"smtp" envPrefix:"SMTP_"`

	HookCommand []string `toml:"hook_command" env:"ACCIDENT_HOOK_CMD" envSeparator:" "`

	FFmpegPath  string `toml:"ffmpeg_path" env:"FFMPEG_PATH"`
	FFprobePath string `toml:"ffprobe_path" env:"FFPROBE_PATH"`

	PreviewAddr string `toml:"preview_addr" env:"ACCIDENT_PREVIEW_ADDR"`
	MetricsAddr string `toml:"metrics_addr" env:"ACCIDENT_METRICS_ADDR"`
	LogLevel    string `toml:"log_level" env:"LOG_LEVEL"`
	LogColor    bool   `toml:"log_color" env:"LOG_COLOR"`
}

// DetectorConfig selects the detector backend. Exactly one of Replay or Command is used.
type DetectorConfig struct {
	Replay  string   `toml:"replay" env:"ACCIDENT_DETECTIONS"`
	Command []string `toml:"command" env:"ACCIDENT_DETECTOR_CMD" envSeparator:" "`
	Model   string   `toml:"model" env:"ACCIDENT_MODEL"`
	Classes []string `toml:"classes" env:"ACCIDENT_CLASSES" envSeparator:","`
}

// SMTPConfig configures e-mail notification. Credentials are read from the
// environment only and are never loaded from the config file.
type SMTPConfig struct {
	Host        string   `toml:"host" env:"HOST"`
	Port        int      `toml:"port" env:"PORT"`
	From        string   `toml:"from" env:"FROM"`
	To          []string `toml:"to" env:"TO" envSeparator:","`
	MinInterval float64  `toml:"min_interval" env:"MIN_INTERVAL"` // seconds between mails
	Username    string   `toml:"-" env:"USERNAME"`
	Password    string   `toml:"-" env:"PASSWORD"`
}

// Enabled reports whether e-mail notification is configured
func (s SMTPConfig) Enabled() bool {
	return s.Host != "" && len(s.To) > 0
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		InputFPS:             30,
		OutputDir:            filepath.Clean("./detected_clips"),
		Variant:              VariantSimple,
		ConsecutiveThreshold: 10,
		ConfidenceThreshold:  0.5,
		SnapshotCooldownSec:  5,
		FFmpegPath:           "ffmpeg",
		FFprobePath:          "ffprobe",
		MetricsAddr:          ":9090",
		LogLevel:             "info",
		LogColor:             true,
		SMTP: SMTPConfig{
			Port:        587,
			MinInterval: 60,
		},
	}
}

// Load builds a config from defaults, an optional TOML file, and the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return &cfg, nil
}

// ApplyVariant fills label sets and the clip prefix from the variant preset
// wherever they were not set explicitly.
func (c *Config) ApplyVariant() {
	switch c.Variant {
	case VariantExtended:
		if c.ClipPrefix == "" {
			c.ClipPrefix = "accidente_severe"
		}
		if len(c.TargetLabels) == 0 {
			c.TargetLabels = []string{"severe"}
		}
		if len(c.SnapshotLabels) == 0 {
			c.SnapshotLabels = []string{"Accident", "NoAccident", "moderate", "severe"}
		}
	default:
		if c.ClipPrefix == "" {
			c.ClipPrefix = "accidente_detectado"
		}
		if len(c.TargetLabels) == 0 {
			c.TargetLabels = []string{"severe"}
		}
	}
}

// SnapshotsEnabled reports whether dataset export should run
func (c *Config) SnapshotsEnabled() bool {
	return c.Variant == VariantExtended && c.RetrainDir != ""
}

// SnapshotCooldown returns the snapshot cooldown as a duration
func (c *Config) SnapshotCooldown() time.Duration {
	return time.Duration(c.SnapshotCooldownSec * float64(time.Second))
}

// Validate checks the configuration for values the engine cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Input == "" {
		errs = append(errs, errors.New("input is required"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir is required"))
	}
	if c.Variant != VariantSimple && c.Variant != VariantExtended {
		errs = append(errs, fmt.Errorf("unknown variant %q", c.Variant))
	}
	if c.Variant == VariantExtended && c.RetrainDir == "" {
		errs = append(errs, errors.New("extended variant needs retrain_dir (ACCIDENT_RETRAIN_DIR)"))
	}
	if c.ConsecutiveThreshold <= 0 {
		errs = append(errs, fmt.Errorf("consecutive_threshold must be > 0, got %d", c.ConsecutiveThreshold))
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		errs = append(errs, fmt.Errorf("confidence_threshold must be within [0,1], got %g", c.ConfidenceThreshold))
	}
	if c.SnapshotCooldownSec < 0 {
		errs = append(errs, fmt.Errorf("snapshot_cooldown must be >= 0, got %g", c.SnapshotCooldownSec))
	}
	if len(c.TargetLabels) == 0 {
		errs = append(errs, errors.New("target_labels must not be empty"))
	}
	if c.Detector.Replay == "" && len(c.Detector.Command) == 0 {
		errs = append(errs, errors.New("detector: either replay or command must be set"))
	}
	if c.Detector.Replay != "" && len(c.Detector.Command) > 0 {
		errs = append(errs, errors.New("detector: replay and command are mutually exclusive"))
	}
	return errors.Join(errs...)
}
