package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/dj-oyu/accident-detector/pkg/types"
)

// CommandHook runs an external command per event with the event JSON on
// stdin and ACCIDENT_EVENT / ACCIDENT_CLIP in its environment.
type CommandHook struct {
	argv []string
}

func NewCommandHook(argv []string) (*CommandHook, error) {
	if len(argv) == 0 {
		return nil, errors.New("hook command is empty")
	}
	return &CommandHook{argv: argv}, nil
}

func (h *CommandHook) Name() string { return "hook:" + h.argv[0] }

func (h *CommandHook) Handle(ctx context.Context, ev types.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, h.argv[0], h.argv[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"ACCIDENT_EVENT="+string(ev.Kind),
		"ACCIDENT_CLIP="+ev.ClipPath,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %w: %s", h.argv[0], err, msg)
		}
		return fmt.Errorf("%s: %w", h.argv[0], err)
	}
	return nil
}
