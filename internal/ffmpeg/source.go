package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os/exec"
	"time"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Source decodes a video into RGBA frames through an ffmpeg rawvideo pipe
type Source struct {
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdout   io.ReadCloser
	stderr   bytes.Buffer
	info     types.StreamInfo
	frameLen int
	frameNum uint64
}

// OpenSource probes input and starts the decoder
func OpenSource(ctx context.Context, ffmpegPath, ffprobePath, input string) (*Source, error) {
	probe, err := Probe(ctx, ffprobePath, input)
	if err != nil {
		return nil, err
	}
	info, err := probe.Video()
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", input, err)
	}

	decodeCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(decodeCtx, ffmpegPath,
		"-v", "error",
		"-i", input,
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-",
	)

	s := &Source{
		cmd:      cmd,
		cancel:   cancel,
		info:     info,
		frameLen: info.Width * info.Height * 4,
	}
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	s.stdout = stdout

	logger.Info("Source", "Decoding %s (%dx%d @ %.2f fps)", input, info.Width, info.Height, info.FPS)
	return s, nil
}

// Info returns the probed stream geometry
func (s *Source) Info() types.StreamInfo {
	return s.info
}

// Next reads the next frame; io.EOF marks the end of the stream
func (s *Source) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	img := image.NewRGBA(image.Rect(0, 0, s.info.Width, s.info.Height))
	if _, err := io.ReadFull(s.stdout, img.Pix[:s.frameLen]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame %d: %w", s.frameNum, err)
	}

	frame := &types.Frame{Image: img, Timestamp: time.Now(), FrameNum: s.frameNum}
	s.frameNum++
	return frame, nil
}

// Close stops the decoder
func (s *Source) Close() error {
	s.cancel()
	err := s.cmd.Wait()
	if s.stderr.Len() > 0 {
		logger.Debug("Source", "ffmpeg: %s", bytes.TrimSpace(s.stderr.Bytes()))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// killed by cancel or exited after EOF on a truncated input
		return nil
	}
	return err
}
