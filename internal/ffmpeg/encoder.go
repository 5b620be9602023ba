package ffmpeg

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Encoder writes RGBA frames to an MPEG-4 container through ffmpeg's stdin
type Encoder struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *syncBuffer
	width  int
	height int
	row    []byte
	closed bool
}

// EncoderArgs builds the ffmpeg command line for a clip
func EncoderArgs(path string, info types.StreamInfo) []string {
	return []string{
		"-y",
		"-v", "error",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", info.Width, info.Height),
		"-r", strconv.Itoa(info.FrameRate()),
		"-i", "-",
		"-c:v", "mpeg4",
		"-q:v", "3",
		"-pix_fmt", "yuv420p",
		path,
	}
}

// StartEncoder launches ffmpeg writing to path
func StartEncoder(ffmpegPath, path string, info types.StreamInfo) (*Encoder, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", info.Width, info.Height)
	}

	cmd := exec.Command(ffmpegPath, EncoderArgs(path, info)...)
	e := &Encoder{
		cmd:    cmd,
		width:  info.Width,
		height: info.Height,
		row:    make([]byte, info.Width*4),
		stderr: &syncBuffer{},
	}
	cmd.Stderr = e.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	e.stdin = stdin
	return e, nil
}

// WriteFrame appends one frame. The image must match the encoder size.
func (e *Encoder) WriteFrame(img *image.RGBA) (int, error) {
	if e.closed {
		return 0, fmt.Errorf("encoder closed")
	}
	b := img.Bounds()
	if b.Dx() != e.width || b.Dy() != e.height {
		return 0, fmt.Errorf("frame size %dx%d does not match clip %dx%d", b.Dx(), b.Dy(), e.width, e.height)
	}

	written := 0
	for y := 0; y < e.height; y++ {
		off := img.PixOffset(b.Min.X, b.Min.Y+y)
		copy(e.row, img.Pix[off:off+e.width*4])
		n, err := e.stdin.Write(e.row)
		written += n
		if err != nil {
			return written, fmt.Errorf("write to ffmpeg: %w%s", err, e.stderrSuffix())
		}
	}
	return written, nil
}

// Close flushes stdin and waits for ffmpeg to finalize the container
func (e *Encoder) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	_ = e.stdin.Close()
	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg exited: %w%s", err, e.stderrSuffix())
	}
	return nil
}

func (e *Encoder) stderrSuffix() string {
	msg := strings.TrimSpace(e.stderr.String())
	if msg == "" {
		return ""
	}
	return ": " + msg
}

// syncBuffer collects ffmpeg's stderr. os/exec copies into it from its own
// goroutine while WriteFrame may read it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
