package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dj-oyu/accident-detector/internal/dataset"
	"github.com/dj-oyu/accident-detector/internal/detector"
	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/internal/metrics"
	"github.com/dj-oyu/accident-detector/internal/overlay"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// maxReadErrors is the number of consecutive frame read failures after
// which the source is treated as lost.
const maxReadErrors = 10

// maxDetectorErrors is the number of consecutive inference failures after
// which the detector is treated as lost.
const maxDetectorErrors = 30

// FrameSource yields frames in order. Next returns io.EOF at end of stream.
type FrameSource interface {
	Info() types.StreamInfo
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Detector runs inference on one frame
type Detector interface {
	Infer(ctx context.Context, frame *types.Frame) ([]types.RawDetection, error)
	Classes() []string
}

// ClipRecorder owns the output clip writer
type ClipRecorder interface {
	Start(info types.StreamInfo) (string, error)
	WriteFrame(img *image.RGBA) error
	Stop() error
	IsRecording() bool
}

// Snapshotter exports raw frames for retraining
type Snapshotter interface {
	Export(frame *types.Frame, dets []types.Detection) (dataset.Snapshot, bool, error)
}

// Notifier receives clip and snapshot events
type Notifier interface {
	Notify(ev types.Event) error
}

// PreviewSink receives every annotated frame with its relevant detections
type PreviewSink interface {
	PublishFrame(frame *types.Frame, dets []types.Detection)
}

// Config holds the engine thresholds and label filters
type Config struct {
	ConsecutiveThreshold int
	ConfidenceThreshold  float64
	TargetLabels         []string
	// SnapshotLabels selects the detections exported as snapshots. Empty
	// means TargetLabels.
	SnapshotLabels []string
}

// Deps are the engine collaborators. Snapshots, Notifier, Preview and
// Metrics are optional.
type Deps struct {
	Detector  Detector
	Recorder  ClipRecorder
	Snapshots Snapshotter
	Notifier  Notifier
	Preview   PreviewSink
	Metrics   *metrics.Metrics
}

// FrameResult describes what one frame did to the engine
type FrameResult struct {
	FrameNum   uint64
	Detections []types.Detection // detections passing the recording filter
	Relevant   bool
	Count      int
	Confirmed  bool // recording opened on this frame
	Recording  bool // recording active after this frame
	Closed     bool // recording closed on this frame
	ClipPath   string
	Snapshot   *dataset.Snapshot
	Annotated  *types.Frame
}

// Status is a point-in-time view of the engine for status endpoints
type Status struct {
	FramesProcessed uint64            `json:"frames_processed"`
	LastFrame       uint64            `json:"last_frame"`
	Count           int               `json:"count"`
	Threshold       int               `json:"threshold"`
	Detected        bool              `json:"detected"`
	Recording       bool              `json:"recording"`
	ClipPath        string            `json:"clip_path,omitempty"`
	SessionFrames   uint64            `json:"session_frames"`
	Cooldown        int               `json:"cooldown_frames"`
	CooldownLimit   int               `json:"cooldown_limit"`
	Clips           uint64            `json:"clips"`
	Snapshots       uint64            `json:"snapshots"`
	LastDetections  []types.Detection `json:"last_detections,omitempty"`
}

// session is the state of one recording. The writer is open exactly while
// active is true.
type session struct {
	active     bool
	path       string
	id         string
	cooldown   int
	titleShown bool
	frames     uint64
	started    time.Time
}

// Engine turns per-frame detections into debounced clip recordings and
// throttled dataset snapshots. ProcessFrame and Run must not be called
// concurrently; Status is safe from any goroutine.
type Engine struct {
	cfg      Config
	detector Detector
	rec      ClipRecorder
	snaps    Snapshotter
	notifier Notifier
	preview  PreviewSink
	metrics  *metrics.Metrics
	log      *zap.Logger

	eval     Evaluator
	snapEval Evaluator
	debounce *Debounce
	info     types.StreamInfo
	session  session

	mu     sync.RWMutex
	status Status
}

// New validates cfg and builds an engine
func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.ConsecutiveThreshold <= 0 {
		return nil, fmt.Errorf("consecutive threshold must be > 0, got %d", cfg.ConsecutiveThreshold)
	}
	if cfg.ConfidenceThreshold < 0 || cfg.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("confidence threshold must be in [0,1], got %v", cfg.ConfidenceThreshold)
	}
	if len(cfg.TargetLabels) == 0 {
		return nil, errors.New("target labels are empty")
	}
	if deps.Detector == nil {
		return nil, errors.New("detector is required")
	}
	if deps.Recorder == nil {
		return nil, errors.New("recorder is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}

	snapLabels := cfg.SnapshotLabels
	if len(snapLabels) == 0 {
		snapLabels = cfg.TargetLabels
	}

	e := &Engine{
		cfg:      cfg,
		detector: deps.Detector,
		rec:      deps.Recorder,
		snaps:    deps.Snapshots,
		notifier: deps.Notifier,
		preview:  deps.Preview,
		metrics:  deps.Metrics,
		log:      logger.Zap().Named("Engine"),
		eval:     NewEvaluator(cfg.ConfidenceThreshold, cfg.TargetLabels),
		snapEval: NewEvaluator(cfg.ConfidenceThreshold, snapLabels),
		debounce: NewDebounce(cfg.ConsecutiveThreshold),
	}
	e.SetStreamInfo(types.StreamInfo{FPS: 30})
	return e, nil
}

// SetStreamInfo sets the geometry and frame rate used for new clips and
// the cooldown window. Run calls it with the source info.
func (e *Engine) SetStreamInfo(info types.StreamInfo) {
	e.info = info
	e.mu.Lock()
	e.status.Threshold = e.debounce.Threshold()
	e.status.CooldownLimit = e.cooldownLimit()
	e.mu.Unlock()
}

// cooldownLimit is the number of zero-count frames, exclusive, a session
// survives: two seconds of video.
func (e *Engine) cooldownLimit() int {
	return e.info.FrameRate() * 2
}

// RunOpen opens a source with open, runs it, and closes it. Open failures
// are reported as ErrSourceUnavailable.
func (e *Engine) RunOpen(ctx context.Context, open func(ctx context.Context) (FrameSource, error)) error {
	src, err := open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			logger.Warn("Engine", "Source close: %v", err)
		}
	}()
	return e.Run(ctx, src)
}

// Run pulls frames from src until end of stream, cancellation, source
// loss or detector loss. An open clip is closed on every return path. End
// of stream returns nil; cancellation returns ctx.Err().
func (e *Engine) Run(ctx context.Context, src FrameSource) (err error) {
	if src == nil {
		return fmt.Errorf("%w: nil source", ErrSourceUnavailable)
	}
	e.SetStreamInfo(src.Info())

	defer func() {
		if cerr := e.endSession("stream stopped"); cerr != nil {
			logger.Error("Engine", "Closing clip on exit: %v", cerr)
			if err == nil {
				err = cerr
			}
		}
	}()

	readErrors, detectErrors := 0, 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			logger.Info("Engine", "End of stream after %d frames", e.Status().FramesProcessed)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			readErrors++
			e.metrics.FramesDropped.Add(1)
			logger.Warn("Engine", "Frame read failed (%d/%d): %v", readErrors, maxReadErrors, err)
			if readErrors >= maxReadErrors {
				return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
			}
			continue
		}
		readErrors = 0
		e.metrics.FramesRead.Add(1)

		if _, err := e.ProcessFrame(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, detector.ErrUnusable) {
				return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
			}
			detectErrors++
			logger.Warn("Engine", "Frame %d (%d/%d): %v", frame.FrameNum, detectErrors, maxDetectorErrors, err)
			if detectErrors >= maxDetectorErrors {
				return fmt.Errorf("%w: %v", ErrDetectorUnavailable, err)
			}
			continue
		}
		detectErrors = 0
	}
}

// ProcessFrame advances the state machine by one frame. A detector error
// drops the frame and leaves the debounce count and clip untouched. Write,
// snapshot and notification errors are logged and counted but do not
// fail the frame.
func (e *Engine) ProcessFrame(ctx context.Context, frame *types.Frame) (FrameResult, error) {
	start := time.Now()
	res := FrameResult{FrameNum: frame.FrameNum}

	raw, err := e.detector.Infer(ctx, frame)
	e.metrics.UpdateInferLatency(time.Since(start))
	if err != nil {
		e.metrics.DetectorErrors.Add(1)
		e.metrics.FramesDropped.Add(1)
		res.Count = e.debounce.Count()
		res.Recording = e.session.active
		return res, fmt.Errorf("infer frame %d: %w", frame.FrameNum, err)
	}
	dets := detector.Resolve(raw, e.detector.Classes())

	relevant, hits := e.eval.Evaluate(dets)
	res.Relevant = relevant
	res.Detections = hits
	if relevant {
		e.metrics.RelevantFrames.Add(1)
	}

	annotated := frame.Clone()
	overlay.AnnotateDetections(annotated.Image, hits)
	res.Annotated = annotated

	count := e.debounce.Update(relevant)
	res.Count = count
	e.metrics.DebounceCount.Store(int64(count))

	if e.debounce.Reached() && !e.session.active {
		if err := e.startSession(frame, hits); err != nil {
			e.metrics.WriteErrors.Add(1)
			logger.Error("Engine", "%v", err)
		} else {
			res.Confirmed = true
			res.ClipPath = e.session.path
		}
	}

	if e.session.active {
		e.writeSessionFrame(annotated, count)
		res.ClipPath = e.session.path
		if count == 0 && e.session.cooldown > e.cooldownLimit() {
			if err := e.endSession("accident ended"); err != nil {
				logger.Error("Engine", "%v", err)
			}
			res.Closed = true
		}
	}
	res.Recording = e.session.active

	if e.snaps != nil {
		if ok, snapHits := e.snapEval.Evaluate(dets); ok {
			res.Snapshot = e.exportSnapshot(frame, snapHits)
		}
	}

	if e.preview != nil {
		e.preview.PublishFrame(annotated, hits)
		e.metrics.PreviewFrames.Add(1)
	}

	e.metrics.FramesProcessed.Add(1)
	e.metrics.UpdateProcessLatency(time.Since(start))
	e.updateStatus(frame.FrameNum, relevant, hits)
	return res, nil
}

func (e *Engine) startSession(frame *types.Frame, hits []types.Detection) error {
	path, err := e.rec.Start(e.info)
	if err != nil {
		return fmt.Errorf("%w: open clip: %v", ErrWriteFailure, err)
	}

	e.session = session{
		active:  true,
		path:    path,
		id:      sessionID(e.rec),
		started: time.Now(),
	}
	e.metrics.Confirmations.Add(1)
	e.metrics.ClipsOpened.Add(1)
	e.metrics.SetRecording(true)

	e.log.Info("Accident confirmed, saving clip",
		zap.String("clip", path),
		zap.String("session_id", e.session.id),
		zap.Uint64("frame", frame.FrameNum),
		zap.Int("count", e.debounce.Count()))

	e.notify(types.Event{
		Kind:       types.EventClipStarted,
		Time:       frame.Timestamp,
		FrameNum:   frame.FrameNum,
		ClipPath:   path,
		SessionID:  e.session.id,
		Detections: hits,
	})
	return nil
}

func (e *Engine) writeSessionFrame(annotated *types.Frame, count int) {
	if !e.session.titleShown {
		overlay.AnnotateTitle(annotated.Image)
		e.session.titleShown = true
	}

	if err := e.rec.WriteFrame(annotated.Image); err != nil {
		e.metrics.WriteErrors.Add(1)
		logger.Warn("Engine", "%v", fmt.Errorf("%w: frame %d: %v", ErrWriteFailure, annotated.FrameNum, err))
	} else {
		e.session.frames++
		e.metrics.ClipFramesWritten.Add(1)
	}

	if count > 0 {
		e.session.cooldown = 0
	} else {
		e.session.cooldown++
	}
}

// endSession closes the clip if one is open. The session is reset even
// when the writer fails to close.
func (e *Engine) endSession(reason string) error {
	if !e.session.active {
		return nil
	}
	s := e.session
	e.session = session{}

	err := e.rec.Stop()
	e.metrics.ClipsClosed.Add(1)
	e.metrics.SetRecording(false)

	e.mu.Lock()
	e.status.Recording = false
	e.status.ClipPath = ""
	e.status.Cooldown = 0
	e.mu.Unlock()

	e.log.Info("Recording finished",
		zap.String("reason", reason),
		zap.String("clip", s.path),
		zap.String("session_id", s.id),
		zap.Uint64("frames", s.frames),
		zap.Duration("elapsed", time.Since(s.started)))

	e.notify(types.Event{
		Kind:       types.EventClipFinished,
		Time:       time.Now(),
		FrameNum:   e.Status().LastFrame,
		ClipPath:   s.path,
		SessionID:  s.id,
		ClipFrames: s.frames,
	})

	if err != nil {
		e.metrics.WriteErrors.Add(1)
		return fmt.Errorf("%w: close clip %s: %v", ErrWriteFailure, s.path, err)
	}
	return nil
}

func (e *Engine) exportSnapshot(frame *types.Frame, hits []types.Detection) *dataset.Snapshot {
	snap, ok, err := e.snaps.Export(frame, hits)
	if err != nil {
		e.metrics.SnapshotErrors.Add(1)
		logger.Warn("Engine", "%v", fmt.Errorf("%w: snapshot frame %d: %v", ErrWriteFailure, frame.FrameNum, err))
		return nil
	}
	if !ok {
		e.metrics.SnapshotsSkipped.Add(1)
		return nil
	}
	e.metrics.SnapshotsWritten.Add(1)
	logger.Debug("Engine", "Snapshot %s (%s, %d labels)", snap.ImagePath, snap.Partition, snap.Labels)

	e.notify(types.Event{
		Kind:         types.EventSnapshot,
		Time:         snap.Time,
		FrameNum:     frame.FrameNum,
		SnapshotPath: snap.ImagePath,
		Detections:   hits,
	})
	return &snap
}

// notify delivers ev, isolating the loop from notifier errors and panics
func (e *Engine) notify(ev types.Event) {
	if e.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.metrics.CallbackErrors.Add(1)
			logger.Error("Engine", "%v", fmt.Errorf("%w: %s: panic: %v", ErrCallbackFailure, ev.Kind, r))
		}
	}()
	if err := e.notifier.Notify(ev); err != nil {
		e.metrics.CallbackErrors.Add(1)
		logger.Warn("Engine", "%v", fmt.Errorf("%w: %s: %v", ErrCallbackFailure, ev.Kind, err))
	}
}

func (e *Engine) updateStatus(frameNum uint64, relevant bool, hits []types.Detection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.status.FramesProcessed++
	e.status.LastFrame = frameNum
	e.status.Count = e.debounce.Count()
	e.status.Detected = relevant
	e.status.Recording = e.session.active
	e.status.ClipPath = e.session.path
	e.status.SessionFrames = e.session.frames
	e.status.Cooldown = e.session.cooldown
	e.status.Clips = e.metrics.ClipsOpened.Load()
	e.status.Snapshots = e.metrics.SnapshotsWritten.Load()
	e.status.LastDetections = hits
}

// Status returns a copy of the current engine state
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s := e.status
	s.LastDetections = append([]types.Detection(nil), e.status.LastDetections...)
	return s
}

// Close ends any open clip
func (e *Engine) Close() error {
	return e.endSession("engine closed")
}

func sessionID(rec ClipRecorder) string {
	if s, ok := rec.(interface{ SessionID() string }); ok {
		return s.SessionID()
	}
	return ""
}
