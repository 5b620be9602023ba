package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/accident-detector/internal/dataset"
	"github.com/dj-oyu/accident-detector/internal/detector"
	"github.com/dj-oyu/accident-detector/internal/metrics"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

var testClasses = []string{"Accident", "NoAccident", "moderate", "severe"}

const (
	classModerate = 2
	classSevere   = 3
)

// scriptDetector answers each frame from script
type scriptDetector struct {
	script func(n uint64) ([]types.RawDetection, error)
}

func (d *scriptDetector) Infer(ctx context.Context, f *types.Frame) ([]types.RawDetection, error) {
	return d.script(f.FrameNum)
}

func (d *scriptDetector) Classes() []string { return testClasses }

func hit(class int, conf float64) []types.RawDetection {
	return []types.RawDetection{{Box: types.Box{X1: 10, Y1: 10, X2: 30, Y2: 30}, Confidence: conf, ClassIndex: class}}
}

// relevantAt detects a severe accident on frames where pattern is true
func relevantAt(pattern []bool) *scriptDetector {
	return &scriptDetector{script: func(n uint64) ([]types.RawDetection, error) {
		if n < uint64(len(pattern)) && pattern[n] {
			return hit(classSevere, 0.9), nil
		}
		return nil, nil
	}}
}

func bools(pattern string) []bool {
	out := make([]bool, len(pattern))
	for i, c := range pattern {
		out[i] = c == 'T'
	}
	return out
}

type fakeRecorder struct {
	starts    int
	stops     int
	writes    int
	open      bool
	startErrs int
}

func (r *fakeRecorder) Start(info types.StreamInfo) (string, error) {
	if r.startErrs > 0 {
		r.startErrs--
		return "", errors.New("disk unavailable")
	}
	if r.open {
		return "", errors.New("already recording")
	}
	r.starts++
	r.open = true
	return "/clips/accidente_detectado_20240101_000000.mp4", nil
}

func (r *fakeRecorder) WriteFrame(img *image.RGBA) error {
	if !r.open {
		return errors.New("not recording")
	}
	r.writes++
	return nil
}

func (r *fakeRecorder) Stop() error {
	if !r.open {
		return errors.New("not recording")
	}
	r.stops++
	r.open = false
	return nil
}

func (r *fakeRecorder) IsRecording() bool { return r.open }

type eventLog struct {
	events []types.Event
	panics bool
}

func (l *eventLog) Notify(ev types.Event) error {
	l.events = append(l.events, ev)
	if l.panics {
		panic("notification handler exploded")
	}
	return nil
}

type fakeSnapshots struct {
	exports [][]types.Detection
}

func (s *fakeSnapshots) Export(f *types.Frame, dets []types.Detection) (dataset.Snapshot, bool, error) {
	s.exports = append(s.exports, dets)
	return dataset.Snapshot{Partition: dataset.Train, ImagePath: "x.jpg", Labels: len(dets), Time: time.Now()}, true, nil
}

// sliceSource yields n blank frames, then io.EOF
type sliceSource struct {
	n      uint64
	next   uint64
	info   types.StreamInfo
	onNext func(n uint64)
}

func newSource(n int) *sliceSource {
	return &sliceSource{n: uint64(n), info: types.StreamInfo{FPS: 30, Width: 64, Height: 48}}
}

func (s *sliceSource) Info() types.StreamInfo { return s.info }

func (s *sliceSource) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= s.n {
		return nil, io.EOF
	}
	if s.onNext != nil {
		s.onNext(s.next)
	}
	f := types.NewFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)), s.next)
	s.next++
	return f, nil
}

func (s *sliceSource) Close() error { return nil }

func newEngine(t *testing.T, threshold int, det Detector, deps Deps) (*Engine, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	deps.Detector = det
	if deps.Recorder == nil {
		deps.Recorder = rec
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	e, err := New(Config{
		ConsecutiveThreshold: threshold,
		ConfidenceThreshold:  0.5,
		TargetLabels:         []string{"severe"},
	}, deps)
	require.NoError(t, err)
	e.SetStreamInfo(types.StreamInfo{FPS: 30, Width: 64, Height: 48})
	return e, rec
}

func frame(n uint64) *types.Frame {
	return types.NewFrame(image.NewRGBA(image.Rect(0, 0, 64, 48)), n)
}

func TestDebounceStaysInBounds(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 1))
	for trial := 0; trial < 200; trial++ {
		d := NewDebounce(1 + r.IntN(10))
		n := r.IntN(300)
		for i := 0; i < n; i++ {
			c := d.Update(r.IntN(3) == 0)
			require.GreaterOrEqual(t, c, 0)
			require.LessOrEqual(t, c, i+1)
		}
	}
}

func TestDebounceSequence(t *testing.T) {
	e, rec := newEngine(t, 3, relevantAt(bools("TTTFF")), Deps{})

	var counts []int
	var confirmedAt []uint64
	for n := uint64(0); n < 5; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		counts = append(counts, res.Count)
		if res.Confirmed {
			confirmedAt = append(confirmedAt, n)
		}
	}

	assert.Equal(t, []int{1, 2, 3, 2, 1}, counts)
	assert.Equal(t, []uint64{2}, confirmedAt, "confirmation fires on the third frame")
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 3, rec.writes)
}

func TestConfirmationFiresOncePerRun(t *testing.T) {
	det := relevantAt(bools("TTTTTTTTTTTTTTTTTTTT"))
	e, rec := newEngine(t, 3, det, Deps{})

	confirmations := 0
	for n := uint64(0); n < 20; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		if res.Confirmed {
			confirmations++
		}
		assert.Equal(t, n >= 2, res.Recording, "frame %d", n)
	}
	assert.Equal(t, 1, confirmations)
	assert.Equal(t, 1, rec.starts, "no second writer while recording")
}

func TestRecordingClosesAfterCooldown(t *testing.T) {
	e, rec := newEngine(t, 3, relevantAt(bools("TTTFF")), Deps{})
	ctx := context.Background()

	closedAt := uint64(0)
	for n := uint64(0); n < 100; n++ {
		res, err := e.ProcessFrame(ctx, frame(n))
		require.NoError(t, err)
		if res.Closed {
			closedAt = n
			break
		}
		if n >= 2 {
			require.True(t, res.Recording, "frame %d", n)
		}
	}

	// count reaches 0 on frame 5; the 61st zero-count frame closes
	assert.Equal(t, uint64(65), closedAt)
	assert.Equal(t, 1, rec.stops)
	assert.False(t, rec.open)
	assert.Equal(t, 64, rec.writes, "frames 2..65 are written")
	assert.False(t, e.Status().Recording)
}

func TestSlowSourceKeepsCooldownWindow(t *testing.T) {
	e, rec := newEngine(t, 3, relevantAt(bools("TTT")), Deps{})
	e.SetStreamInfo(types.StreamInfo{FPS: 0.5, Width: 64, Height: 48})
	assert.Equal(t, 2, e.Status().CooldownLimit)

	closedAt := -1
	for n := uint64(0); n < 20; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		if res.Closed {
			closedAt = int(n)
			break
		}
	}
	// count reaches 0 at frame 5, then 3 zero-count frames exceed the limit of 2
	assert.Equal(t, 7, closedAt)
	assert.False(t, rec.open)
}

func TestRelevantFrameResetsCooldown(t *testing.T) {
	pattern := bools("TTT")
	// 3 hits, 40 misses, 1 hit, then misses
	for i := 0; i < 40; i++ {
		pattern = append(pattern, false)
	}
	pattern = append(pattern, true)
	e, rec := newEngine(t, 3, relevantAt(pattern), Deps{})

	closedAt := uint64(0)
	for n := uint64(0); n < 200; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		if res.Closed {
			closedAt = n
			break
		}
	}
	// the hit on frame 43 brings count to 1, so count is 0 again from frame 44
	assert.Equal(t, uint64(44+60), closedAt)
	assert.Equal(t, 1, rec.starts)
}

func TestReopenAfterClose(t *testing.T) {
	pattern := bools("TTT")
	for i := 0; i < 80; i++ {
		pattern = append(pattern, false)
	}
	pattern = append(pattern, bools("TTT")...)
	e, rec := newEngine(t, 3, relevantAt(pattern), Deps{})

	for n := uint64(0); n < uint64(len(pattern)); n++ {
		_, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, rec.starts)
	assert.True(t, rec.open)
	require.NoError(t, e.Close())
	assert.False(t, rec.open)
}

func TestRunClosesWriterAtEndOfStream(t *testing.T) {
	e, rec := newEngine(t, 3, relevantAt(bools("TTTTT")), Deps{})

	err := e.Run(context.Background(), newSource(5))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.stops)
	assert.False(t, rec.open)
	assert.Equal(t, uint64(5), e.Status().FramesProcessed)
}

func TestRunCancellationClosesWriter(t *testing.T) {
	always := &scriptDetector{script: func(uint64) ([]types.RawDetection, error) {
		return hit(classSevere, 0.95), nil
	}}
	e, rec := newEngine(t, 3, always, Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := newSource(1000)
	src.onNext = func(n uint64) {
		if n == 20 {
			cancel()
		}
	}

	err := e.Run(ctx, src)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.stops, "clip is closed on cancellation")
	assert.False(t, rec.open)
	assert.False(t, e.Status().Recording)
}

func TestRunOpenSourceUnavailable(t *testing.T) {
	e, _ := newEngine(t, 3, relevantAt(nil), Deps{})
	err := e.RunOpen(context.Background(), func(context.Context) (FrameSource, error) {
		return nil, errors.New("no such file")
	})
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestRunAbortsOnPersistentDetectorErrors(t *testing.T) {
	failing := &scriptDetector{script: func(uint64) ([]types.RawDetection, error) {
		return nil, errors.New("inference timeout")
	}}
	m := metrics.New()
	e, _ := newEngine(t, 3, failing, Deps{Metrics: m})

	err := e.Run(context.Background(), newSource(5000))
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
	assert.Equal(t, uint64(maxDetectorErrors), m.FramesDropped.Load())
	assert.Equal(t, uint64(0), e.Status().FramesProcessed)
}

func TestRunToleratesIntermittentDetectorErrors(t *testing.T) {
	flaky := &scriptDetector{script: func(n uint64) ([]types.RawDetection, error) {
		if n%2 == 0 {
			return nil, errors.New("inference timeout")
		}
		return nil, nil
	}}
	e, _ := newEngine(t, 3, flaky, Deps{})

	require.NoError(t, e.Run(context.Background(), newSource(200)))
	assert.Equal(t, uint64(100), e.Status().FramesProcessed)
}

func TestRunStopsOnUnusableDetectorAndClosesClip(t *testing.T) {
	crashing := &scriptDetector{script: func(n uint64) ([]types.RawDetection, error) {
		if n < 5 {
			return hit(classSevere, 0.9), nil
		}
		return nil, fmt.Errorf("%w: read result: EOF", detector.ErrUnusable)
	}}
	e, rec := newEngine(t, 3, crashing, Deps{})

	err := e.Run(context.Background(), newSource(5000))
	assert.ErrorIs(t, err, ErrDetectorUnavailable)
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 1, rec.stops, "clip is closed when the detector is lost")
	assert.False(t, rec.open)
	assert.Equal(t, uint64(5), e.Status().FramesProcessed)
}

func TestDetectorErrorLeavesStateUntouched(t *testing.T) {
	det := &scriptDetector{script: func(n uint64) ([]types.RawDetection, error) {
		if n == 3 {
			return nil, errors.New("inference timeout")
		}
		return hit(classSevere, 0.9), nil
	}}
	m := metrics.New()
	e, rec := newEngine(t, 3, det, Deps{Metrics: m})

	for n := uint64(0); n < 3; n++ {
		_, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
	}
	writes := rec.writes

	res, err := e.ProcessFrame(context.Background(), frame(3))
	assert.Error(t, err)
	assert.Equal(t, 3, res.Count)
	assert.True(t, res.Recording)
	assert.Equal(t, writes, rec.writes, "dropped frames are not written")
	assert.Equal(t, uint64(1), m.DetectorErrors.Load())

	res, err = e.ProcessFrame(context.Background(), frame(4))
	require.NoError(t, err)
	assert.Equal(t, 4, res.Count)
}

func TestCallbackPanicIsIsolated(t *testing.T) {
	events := &eventLog{panics: true}
	m := metrics.New()
	e, rec := newEngine(t, 2, relevantAt(bools("TTTT")), Deps{Notifier: events, Metrics: m})

	err := e.Run(context.Background(), newSource(4))
	require.NoError(t, err)
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, 3, rec.writes, "processing continues after the handler panics")
	assert.Equal(t, uint64(2), m.CallbackErrors.Load(), "start and finish notifications both panicked")
}

func TestCallbackReceivesClipPathAtStart(t *testing.T) {
	events := &eventLog{}
	e, _ := newEngine(t, 2, relevantAt(bools("TT")), Deps{Notifier: events})

	_, err := e.ProcessFrame(context.Background(), frame(0))
	require.NoError(t, err)
	assert.Empty(t, events.events)

	_, err = e.ProcessFrame(context.Background(), frame(1))
	require.NoError(t, err)
	require.Len(t, events.events, 1)
	assert.Equal(t, types.EventClipStarted, events.events[0].Kind)
	assert.Equal(t, "/clips/accidente_detectado_20240101_000000.mp4", events.events[0].ClipPath)
	assert.Equal(t, uint64(1), events.events[0].FrameNum)

	require.NoError(t, e.Close())
	require.Len(t, events.events, 2)
	assert.Equal(t, types.EventClipFinished, events.events[1].Kind)
	assert.Equal(t, uint64(1), events.events[1].ClipFrames)
}

func TestStartFailureRetriesNextFrame(t *testing.T) {
	rec := &fakeRecorder{startErrs: 1}
	m := metrics.New()
	e, _ := newEngine(t, 2, relevantAt(bools("TTT")), Deps{Recorder: rec, Metrics: m})

	var results []FrameResult
	for n := uint64(0); n < 3; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		results = append(results, res)
	}
	assert.False(t, results[1].Recording)
	assert.True(t, results[2].Confirmed)
	assert.Equal(t, 1, rec.starts)
	assert.Equal(t, uint64(1), m.WriteErrors.Load())
}

func TestAnnotationLeavesSourceFrameUntouched(t *testing.T) {
	e, _ := newEngine(t, 1, relevantAt(bools("T")), Deps{})
	f := frame(0)

	res, err := e.ProcessFrame(context.Background(), f)
	require.NoError(t, err)
	for _, p := range f.Image.Pix {
		require.Zero(t, p, "raw frame was modified")
	}

	painted := false
	for _, p := range res.Annotated.Image.Pix {
		if p != 0 {
			painted = true
			break
		}
	}
	assert.True(t, painted, "annotated copy carries boxes and title")
}

func TestConfidenceAndLabelFilter(t *testing.T) {
	det := &scriptDetector{script: func(n uint64) ([]types.RawDetection, error) {
		switch n {
		case 0:
			return hit(classSevere, 0.49), nil
		case 1:
			return hit(classModerate, 0.99), nil
		default:
			return hit(classSevere, 0.5), nil
		}
	}}
	e, _ := newEngine(t, 5, det, Deps{})

	var relevant []bool
	for n := uint64(0); n < 3; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		relevant = append(relevant, res.Relevant)
	}
	assert.Equal(t, []bool{false, false, true}, relevant)
}

func TestSnapshotLabelsAreSeparateFromRecordingLabels(t *testing.T) {
	det := &scriptDetector{script: func(n uint64) ([]types.RawDetection, error) {
		return hit(classModerate, 0.8), nil
	}}
	snaps := &fakeSnapshots{}
	rec := &fakeRecorder{}
	e, err := New(Config{
		ConsecutiveThreshold: 2,
		ConfidenceThreshold:  0.5,
		TargetLabels:         []string{"severe"},
		SnapshotLabels:       testClasses,
	}, Deps{Detector: det, Recorder: rec, Snapshots: snaps})
	require.NoError(t, err)

	for n := uint64(0); n < 4; n++ {
		res, err := e.ProcessFrame(context.Background(), frame(n))
		require.NoError(t, err)
		assert.False(t, res.Relevant)
		require.NotNil(t, res.Snapshot)
	}
	assert.Equal(t, 0, rec.starts, "moderate detections never open a clip")
	require.Len(t, snaps.exports, 4)
	assert.Equal(t, "moderate", snaps.exports[0][0].Label)
	assert.Equal(t, uint64(4), e.Status().Snapshots)
}

func TestNewValidation(t *testing.T) {
	det := relevantAt(nil)
	rec := &fakeRecorder{}
	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"zero threshold", Config{ConsecutiveThreshold: 0, ConfidenceThreshold: 0.5, TargetLabels: []string{"severe"}}, Deps{Detector: det, Recorder: rec}},
		{"confidence above one", Config{ConsecutiveThreshold: 1, ConfidenceThreshold: 1.5, TargetLabels: []string{"severe"}}, Deps{Detector: det, Recorder: rec}},
		{"no labels", Config{ConsecutiveThreshold: 1, ConfidenceThreshold: 0.5}, Deps{Detector: det, Recorder: rec}},
		{"no detector", Config{ConsecutiveThreshold: 1, ConfidenceThreshold: 0.5, TargetLabels: []string{"severe"}}, Deps{Recorder: rec}},
		{"no recorder", Config{ConsecutiveThreshold: 1, ConfidenceThreshold: 0.5, TargetLabels: []string{"severe"}}, Deps{Detector: det}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			assert.Error(t, err)
		})
	}
}

func TestEvaluator(t *testing.T) {
	ev := NewEvaluator(0.5, []string{"severe"})
	ok, out := ev.Evaluate(nil)
	assert.False(t, ok)
	assert.Empty(t, out)

	dets := []types.Detection{
		{Label: "severe", Confidence: 0.7},
		{Label: "severe", Confidence: 0.2},
		{Label: "moderate", Confidence: 0.9},
	}
	ok, out = ev.Evaluate(dets)
	assert.True(t, ok)
	assert.Equal(t, []types.Detection{{Label: "severe", Confidence: 0.7}}, out)
	assert.Equal(t, []string{"severe"}, ev.Labels())
}
