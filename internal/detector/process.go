package detector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// ErrUnusable is returned by every Infer after the sidecar stream broke.
var ErrUnusable = errors.New("detector sidecar unusable")

// frameHeader precedes each JPEG payload written to the sidecar
type frameHeader struct {
	Frame  uint64 `json:"frame"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Size   int    `json:"size"`
}

type handshake struct {
	Classes []string `json:"classes"`
}

// conn speaks the line-oriented sidecar protocol:
//
//	sidecar -> {"classes":[...]}\n                 (once, at startup)
//	engine  -> {"frame":N,"width":W,"height":H,"size":S}\n<S bytes of JPEG>
//	sidecar -> {"frame":N,"objects":[...]}\n
type conn struct {
	w io.Writer
	r *bufio.Reader
}

func newConn(w io.Writer, r io.Reader) *conn {
	return &conn{w: w, r: bufio.NewReader(r)}
}

func (c *conn) readHandshake() ([]string, error) {
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	var h handshake
	if err := json.Unmarshal(line, &h); err != nil {
		return nil, fmt.Errorf("parse handshake: %w", err)
	}
	return h.Classes, nil
}

func (c *conn) exchange(frame *types.Frame) ([]Object, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}

	hdr, err := json.Marshal(frameHeader{
		Frame:  frame.FrameNum,
		Width:  frame.Width(),
		Height: frame.Height(),
		Size:   buf.Len(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.w.Write(append(hdr, '\n')); err != nil {
		return nil, fmt.Errorf("write frame header: %w", err)
	}
	if _, err := c.w.Write(buf.Bytes()); err != nil {
		return nil, fmt.Errorf("write frame payload: %w", err)
	}

	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read result: %w", err)
	}
	var res FrameObjects
	if err := json.Unmarshal(line, &res); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	if res.Frame != frame.FrameNum {
		return nil, fmt.Errorf("result for frame %d, expected %d", res.Frame, frame.FrameNum)
	}
	return res.Objects, nil
}

// Process runs a detector sidecar (for example a Python YOLO wrapper) and
// exchanges frames with it over stdin/stdout.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	conn    *conn
	classes []string
	broken  error
}

// StartProcess launches argv and waits for the class-name handshake. The
// model path is handed to the sidecar through ACCIDENT_MODEL.
func StartProcess(ctx context.Context, argv []string, model string, classes []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, errors.New("detector command is empty")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	if model != "" {
		cmd.Env = append(cmd.Env, "ACCIDENT_MODEL="+model)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start detector %s: %w", argv[0], err)
	}

	p := &Process{cmd: cmd, stdin: stdin, conn: newConn(stdin, stdout)}

	type result struct {
		classes []string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		c, err := p.conn.readHandshake()
		done <- result{c, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			p.kill()
			_ = cmd.Wait()
			return nil, res.err
		}
		p.classes = res.classes
	case <-ctx.Done():
		p.kill()
		_ = cmd.Wait()
		return nil, ctx.Err()
	}

	if len(classes) > 0 {
		p.classes = classes
	}
	logger.Info("Detector", "Sidecar %s ready (pid=%d, %d classes)", argv[0], cmd.Process.Pid, len(p.classes))
	return p, nil
}

// Infer sends the frame to the sidecar and waits for its detections
func (p *Process) Infer(ctx context.Context, frame *types.Frame) ([]types.RawDetection, error) {
	if p.broken != nil {
		return nil, p.broken
	}

	type result struct {
		objs []Object
		err  error
	}
	done := make(chan result, 1)
	go func() {
		objs, err := p.conn.exchange(frame)
		done <- result{objs, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			// A half-read exchange leaves the stream out of sync
			p.broken = fmt.Errorf("%w: %v", ErrUnusable, res.err)
			return nil, p.broken
		}
		return toRaw(res.objs), nil
	case <-ctx.Done():
		p.broken = fmt.Errorf("%w: %v", ErrUnusable, ctx.Err())
		p.kill()
		return nil, ctx.Err()
	}
}

// Classes returns the class-index to label mapping
func (p *Process) Classes() []string {
	return p.classes
}

// Close ends the sidecar, giving it a moment to exit on stdin EOF
func (p *Process) Close() error {
	_ = p.stdin.Close()

	waitDone := make(chan error, 1)
	go func() { waitDone <- p.cmd.Wait() }()

	select {
	case err := <-waitDone:
		return err
	case <-time.After(3 * time.Second):
		p.kill()
		return <-waitDone
	}
}

func (p *Process) kill() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}
