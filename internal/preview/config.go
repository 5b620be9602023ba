package preview

import "time"

// Config defines the runtime configuration for the preview server.
type Config struct {
	Addr           string
	ClipsDir       string        // served read-only under /clips/
	MaxWidth       int           // preview frames wider than this are downscaled
	JPEGQuality    int
	StatusInterval time.Duration // period of /api/status/stream updates
	HistorySize    int           // detection and event history kept for /api/status
}

// DefaultConfig returns the preview defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		ClipsDir:       "./detected_clips",
		MaxWidth:       960,
		JPEGQuality:    75,
		StatusInterval: 2 * time.Second,
		HistorySize:    8,
	}
}
