package main

import (
	"flag"
	"strconv"
	"strings"

	"github.com/dj-oyu/accident-detector/internal/config"
)

// overrides maps a flag name to the config field it sets. Flags only
// apply when given on the command line so file and env values survive.
var overrides = map[string]func(c *config.Config, v string) error{
	"input":           func(c *config.Config, v string) error { c.Input = v; return nil },
	"output":          func(c *config.Config, v string) error { c.OutputDir = v; return nil },
	"retrain-dir":     func(c *config.Config, v string) error { c.RetrainDir = v; return nil },
	"variant":         func(c *config.Config, v string) error { c.Variant = v; return nil },
	"labels":          func(c *config.Config, v string) error { c.TargetLabels = splitList(v); return nil },
	"snapshot-labels": func(c *config.Config, v string) error { c.SnapshotLabels = splitList(v); return nil },
	"classes":         func(c *config.Config, v string) error { c.Detector.Classes = splitList(v); return nil },
	"detections":      func(c *config.Config, v string) error { c.Detector.Replay = v; return nil },
	"detector-cmd":    func(c *config.Config, v string) error { c.Detector.Command = strings.Fields(v); return nil },
	"model":           func(c *config.Config, v string) error { c.Detector.Model = v; return nil },
	"preview":         func(c *config.Config, v string) error { c.PreviewAddr = v; return nil },
	"metrics":         func(c *config.Config, v string) error { c.MetricsAddr = v; return nil },
	"log-level":       func(c *config.Config, v string) error { c.LogLevel = v; return nil },
	"threshold": func(c *config.Config, v string) (err error) {
		c.ConsecutiveThreshold, err = strconv.Atoi(v)
		return err
	},
	"confidence": func(c *config.Config, v string) (err error) {
		c.ConfidenceThreshold, err = strconv.ParseFloat(v, 64)
		return err
	},
	"snapshot-cooldown": func(c *config.Config, v string) (err error) {
		c.SnapshotCooldownSec, err = strconv.ParseFloat(v, 64)
		return err
	},
	"fps": func(c *config.Config, v string) (err error) {
		c.InputFPS, err = strconv.ParseFloat(v, 64)
		return err
	},
	"log-color": func(c *config.Config, v string) (err error) {
		c.LogColor, err = strconv.ParseBool(v)
		return err
	},
}

func newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML config file")

	fs.String("input", "", "Video file, stream URL, or directory of frames")
	fs.String("output", "", "Directory for accident clips")
	fs.String("retrain-dir", "", "Dataset export root (extended variant)")
	fs.String("variant", "", "Detector variant (simple, extended)")
	fs.String("labels", "", "Labels that count toward confirmation (comma-separated)")
	fs.String("snapshot-labels", "", "Labels that trigger dataset snapshots (comma-separated)")
	fs.String("classes", "", "Class names by index (comma-separated)")
	fs.String("detections", "", "Replay detections from a JSON file")
	fs.String("detector-cmd", "", "Detector sidecar command line")
	fs.String("model", "", "Model path handed to the detector sidecar")
	fs.String("preview", "", "Preview HTTP address (empty disables)")
	fs.String("metrics", "", "Metrics server address (empty disables)")
	fs.String("log-level", "", "Log level (debug, info, warn, error, silent)")
	fs.Int("threshold", 0, "Consecutive relevant frames needed to confirm")
	fs.Float64("confidence", 0, "Minimum detection confidence")
	fs.Float64("snapshot-cooldown", 0, "Seconds between dataset snapshots")
	fs.Float64("fps", 0, "Frame rate for frame-directory inputs")
	fs.Bool("log-color", true, "Enable colored log output")

	return fs, configPath
}

// applyFlags copies every flag set on the command line into cfg.
func applyFlags(fs *flag.FlagSet, cfg *config.Config) error {
	var firstErr error
	fs.Visit(func(f *flag.Flag) {
		set, ok := overrides[f.Name]
		if !ok || firstErr != nil {
			return
		}
		if err := set(cfg, f.Value.String()); err != nil {
			firstErr = err
		}
	})
	return firstErr
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
