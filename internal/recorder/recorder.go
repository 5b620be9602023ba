package recorder

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// FrameEncoder is an open clip sink
type FrameEncoder interface {
	WriteFrame(img *image.RGBA) (int, error)
	Close() error
}

// EncoderFactory opens a FrameEncoder writing to path
type EncoderFactory func(path string, info types.StreamInfo) (FrameEncoder, error)

var (
	ErrAlreadyRecording = errors.New("already recording")
	ErrNotRecording     = errors.New("not recording")
)

// Recorder owns the single clip writer. At most one clip is open at a time
// and an encoder exists exactly while recording is true.
type Recorder struct {
	mu           sync.RWMutex
	enc          FrameEncoder
	newEncoder   EncoderFactory
	filename     string
	path         string
	basePath     string
	prefix       string
	sessionID    string
	recording    bool
	frameCount   uint64
	bytesWritten uint64
	startTime    time.Time
	now          func() time.Time
}

// NewRecorder creates a recorder writing <basePath>/<prefix>_<ts>.mp4 clips
func NewRecorder(basePath, prefix string, factory EncoderFactory) *Recorder {
	return &Recorder{
		basePath:   basePath,
		prefix:     prefix,
		newEncoder: factory,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for clip names
func (r *Recorder) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Start opens a new clip sized for info and returns its path
func (r *Recorder) Start(info types.StreamInfo) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return "", ErrAlreadyRecording
	}

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	startTime := r.now()
	path := r.clipPath(startTime)

	enc, err := r.newEncoder(path, info)
	if err != nil {
		return "", fmt.Errorf("failed to open clip %s: %w", path, err)
	}

	r.enc = enc
	r.path = path
	r.filename = filepath.Base(path)
	r.sessionID = uuid.NewString()
	r.recording = true
	r.frameCount = 0
	r.bytesWritten = 0
	r.startTime = startTime

	logger.Debug("Recorder", "Opened %s (session %s, %dx%d @ %d fps)",
		r.filename, r.sessionID, info.Width, info.Height, info.FrameRate())
	return path, nil
}

// clipPath names the clip after its start second, adding _1, _2, ... when
// a clip from the same second already exists.
func (r *Recorder) clipPath(t time.Time) string {
	base := fmt.Sprintf("%s_%s", r.prefix, t.Format("20060102_150405"))
	path := filepath.Join(r.basePath, base+".mp4")
	for i := 1; ; i++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(r.basePath, fmt.Sprintf("%s_%d.mp4", base, i))
	}
}

// WriteFrame appends an annotated frame to the open clip
func (r *Recorder) WriteFrame(img *image.RGBA) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return ErrNotRecording
	}

	n, err := r.enc.WriteFrame(img)
	r.bytesWritten += uint64(n)
	if err != nil {
		return fmt.Errorf("write frame to %s: %w", r.filename, err)
	}
	r.frameCount++
	return nil
}

// Stop closes the clip. The handle is released even when the encoder
// reports an error on close.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return ErrNotRecording
	}

	err := r.enc.Close()
	logger.Debug("Recorder", "Closed %s (%d frames, %s)",
		r.filename, r.frameCount, r.now().Sub(r.startTime).Round(time.Millisecond))

	r.enc = nil
	r.recording = false
	if err != nil {
		return fmt.Errorf("failed to close clip %s: %w", r.filename, err)
	}
	return nil
}

// IsRecording returns true if a clip is open
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// SessionID identifies the open clip, or the last one after Stop
func (r *Recorder) SessionID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// GetStatus returns the current recording status. After Stop it still
// describes the last clip.
func (r *Recorder) GetStatus() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var duration time.Duration
	if r.recording {
		duration = r.now().Sub(r.startTime)
	}

	return RecordingStatus{
		Recording:    r.recording,
		Filename:     r.filename,
		Path:         r.path,
		SessionID:    r.sessionID,
		FrameCount:   r.frameCount,
		BytesWritten: r.bytesWritten,
		Duration:     duration,
		StartTime:    r.startTime,
	}
}

// Close stops any open clip
func (r *Recorder) Close() error {
	if r.IsRecording() {
		return r.Stop()
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool          `json:"recording"`
	Filename     string        `json:"filename"`
	Path         string        `json:"path"`
	SessionID    string        `json:"session_id,omitempty"`
	FrameCount   uint64        `json:"frame_count"`
	BytesWritten uint64        `json:"bytes_written"`
	Duration     time.Duration `json:"duration_ms"`
	StartTime    time.Time     `json:"start_time"`
}
