package preview

import (
	"sync"
	"time"

	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Monitor keeps preview statistics plus recent detections and events.
type Monitor struct {
	historySize int

	mu               sync.Mutex
	framesPublished  uint64
	detectionVersion int
	detectionHistory []DetectionResult
	latestDetection  *DetectionResult
	eventHistory     []types.Event

	windowStart  time.Time
	windowFrames int
	currentFPS   float64
}

// NewMonitor creates a Monitor keeping historySize entries of each history.
func NewMonitor(historySize int) *Monitor {
	if historySize <= 0 {
		historySize = 8
	}
	return &Monitor{historySize: historySize, windowStart: time.Now()}
}

// UpdateFrame counts a published frame. Frames with detections become the
// latest detection result, which is returned with ok set.
func (m *Monitor) UpdateFrame(frameNum uint64, ts time.Time, dets []types.Detection) (DetectionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.framesPublished++
	m.windowFrames++
	if elapsed := time.Since(m.windowStart); elapsed >= time.Second {
		m.currentFPS = float64(m.windowFrames) / elapsed.Seconds()
		m.windowStart = time.Now()
		m.windowFrames = 0
	}

	if len(dets) == 0 {
		return DetectionResult{}, false
	}

	m.detectionVersion++
	result := DetectionResult{
		FrameNumber:   frameNum,
		Timestamp:     float64(ts.UnixMilli()) / 1000,
		NumDetections: len(dets),
		Version:       m.detectionVersion,
		Detections:    convertDetections(dets),
	}
	m.latestDetection = &result
	m.detectionHistory = prepend(m.detectionHistory, result, m.historySize)
	return result, true
}

// RecordEvent stores an engine event in the event history.
func (m *Monitor) RecordEvent(ev types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHistory = prepend(m.eventHistory, ev, m.historySize)
}

// Snapshot returns the current stats and copies of both histories.
func (m *Monitor) Snapshot() (MonitorStats, *DetectionResult, []DetectionResult, []types.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := MonitorStats{
		FramesPublished: m.framesPublished,
		CurrentFPS:      m.currentFPS,
	}
	var latest *DetectionResult
	if m.latestDetection != nil {
		l := *m.latestDetection
		latest = &l
		stats.DetectionCount = l.NumDetections
	}

	history := make([]DetectionResult, len(m.detectionHistory))
	copy(history, m.detectionHistory)
	events := make([]types.Event, len(m.eventHistory))
	copy(events, m.eventHistory)

	return stats, latest, history, events
}

// prepend puts v first and trims s to limit entries.
func prepend[T any](s []T, v T, limit int) []T {
	s = append([]T{v}, s...)
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}
