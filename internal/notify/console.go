package notify

import (
	"context"
	"fmt"
	"io"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Console prints a banner for each new clip and logs the other events
type Console struct {
	w io.Writer
}

func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

func (c *Console) Name() string { return "console" }

func (c *Console) Handle(_ context.Context, ev types.Event) error {
	switch ev.Kind {
	case types.EventClipStarted:
		_, err := fmt.Fprintf(c.w, "¡ACCIDENTE DETECTADO! Video guardado en: %s\n", ev.ClipPath)
		return err
	case types.EventClipFinished:
		logger.Info("Notify", "Clip %s finished (%d frames)", ev.ClipPath, ev.ClipFrames)
	case types.EventSnapshot:
		logger.Debug("Notify", "Snapshot %s", ev.SnapshotPath)
	}
	return nil
}
