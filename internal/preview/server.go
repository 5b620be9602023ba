package preview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/accident-detector/internal/engine"
	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/internal/recorder"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// StatusSource reports the engine state.
type StatusSource interface {
	Status() engine.Status
}

// RecordingSource reports the clip writer state.
type RecordingSource interface {
	GetStatus() recorder.RecordingStatus
}

// Server serves the live preview, status and event endpoints. It is the
// engine's preview sink and a notification handler.
type Server struct {
	cfg       Config
	monitor   *Monitor
	frames    *FrameBroadcaster
	events    *EventBroadcaster
	recording RecordingSource

	mu     sync.RWMutex
	status StatusSource
}

// NewServer returns a configured preview server.
func NewServer(cfg Config, rec RecordingSource) *Server {
	def := DefaultConfig()
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}

	return &Server{
		cfg:       cfg,
		monitor:   NewMonitor(cfg.HistorySize),
		frames:    NewFrameBroadcaster(cfg.MaxWidth, cfg.JPEGQuality),
		events:    NewEventBroadcaster(),
		recording: rec,
	}
}

// AttachEngine sets the engine whose status is reported.
func (s *Server) AttachEngine(src StatusSource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = src
}

func (s *Server) engineStatus() (engine.Status, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == nil {
		return engine.Status{}, false
	}
	return s.status.Status(), true
}

// PublishFrame feeds an annotated frame to stream clients and records its
// detections.
func (s *Server) PublishFrame(frame *types.Frame, dets []types.Detection) {
	result, ok := s.monitor.UpdateFrame(frame.FrameNum, frame.Timestamp, dets)

	if err := s.frames.Publish(frame.Image); err != nil {
		logger.Warn("Preview", "Frame %d: %v", frame.FrameNum, err)
	}
	if ok {
		if err := s.events.Publish("detection", result); err != nil {
			logger.Warn("Preview", "Detection event: %v", err)
		}
	}
}

// Name identifies the server as a notification handler.
func (s *Server) Name() string { return "preview" }

// Handle records an engine event and pushes it to SSE clients.
func (s *Server) Handle(_ context.Context, ev types.Event) error {
	s.monitor.RecordEvent(ev)
	return s.events.Publish(string(ev.Kind), ev)
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/recording/status", s.handleRecordingStatus)
	if s.cfg.ClipsDir != "" {
		mux.Handle("/clips/", http.StripPrefix("/clips/", newClipHandler(s.cfg.ClipsDir)))
	}

	return mux
}

// NewHTTPServer wraps Handler in an http.Server listening on cfg.Addr.
func (s *Server) NewHTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// Close disconnects all streaming clients.
func (s *Server) Close() {
	s.frames.Close()
	s.events.Close()
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id, frameCh := s.frames.Subscribe()
	defer s.frames.Unsubscribe(id)
	streamMJPEGFromChannel(r.Context(), w, frameCh)
}

func (s *Server) statusPayload() map[string]any {
	stats, latest, history, events := s.monitor.Snapshot()
	stats.StreamClients = s.frames.ClientCount()
	stats.EventClients = s.events.ClientCount()

	payload := map[string]any{
		"monitor":           stats,
		"latest_detection":  latest,
		"detection_history": history,
		"events":            events,
		"message":           "Sin accidentes detectados",
		"timestamp":         float64(time.Now().Unix()),
	}
	if st, ok := s.engineStatus(); ok {
		payload["engine"] = st
		if st.Recording || st.Detected {
			payload["message"] = "Accidente detectado"
		}
	}
	return payload
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	streamStatus(r.Context(), w, s.cfg.StatusInterval, func() any { return s.statusPayload() })
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.events.Subscribe()
	defer s.events.Unsubscribe(id)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf)
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	if s.recording == nil {
		writeJSON(w, recorder.RecordingStatus{})
		return
	}
	writeJSON(w, s.recording.GetStatus())
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":%q}`, err.Error())
	}
}
