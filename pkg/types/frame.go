package types

import (
	"image"
	"image/draw"
	"math"
	"time"
)

// Frame is a decoded video frame with metadata
type Frame struct {
	Image     *image.RGBA // Pixel data, origin at (0,0)
	Timestamp time.Time   // Time the frame was pulled from the source
	FrameNum  uint64      // Sequential frame number, starting at 0
}

// NewFrame wraps an image as a frame
func NewFrame(img *image.RGBA, frameNum uint64) *Frame {
	return &Frame{Image: img, Timestamp: time.Now(), FrameNum: frameNum}
}

// Width returns the frame width in pixels
func (f *Frame) Width() int { return f.Image.Bounds().Dx() }

// Height returns the frame height in pixels
func (f *Frame) Height() int { return f.Image.Bounds().Dy() }

// Clone returns a deep copy so annotation never touches the source pixels
func (f *Frame) Clone() *Frame {
	dst := image.NewRGBA(f.Image.Bounds())
	draw.Draw(dst, dst.Bounds(), f.Image, f.Image.Bounds().Min, draw.Src)
	return &Frame{Image: dst, Timestamp: f.Timestamp, FrameNum: f.FrameNum}
}

// Box is an axis-aligned bounding box in pixel coordinates
type Box struct {
	X1, Y1, X2, Y2 float64
}

// Width returns the box width
func (b Box) Width() float64 { return b.X2 - b.X1 }

// Height returns the box height
func (b Box) Height() float64 { return b.Y2 - b.Y1 }

// Center returns the box center point
func (b Box) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Rect truncates the box to integer pixel coordinates
func (b Box) Rect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2))
}

// RawDetection is a single detector output before class names are resolved
type RawDetection struct {
	Box        Box
	Confidence float64
	ClassIndex int
}

// Detection is a detector output with its class label resolved
type Detection struct {
	Box        Box     `json:"box"`
	Confidence float64 `json:"confidence"`
	Label      string  `json:"label"`
	ClassIndex int     `json:"class_index"`
}

// StreamInfo describes the geometry and cadence of a frame source
type StreamInfo struct {
	FPS    float64
	Width  int
	Height int
}

// FrameRate returns the integer frame rate used for cooldown arithmetic.
// Sources that cannot report a rate fall back to 30; rates below one frame
// per second count as 1.
func (s StreamInfo) FrameRate() int {
	if s.FPS <= 0 || math.IsNaN(s.FPS) {
		return 30
	}
	if s.FPS < 1 {
		return 1
	}
	return int(s.FPS)
}

// EventKind names an engine lifecycle event
type EventKind string

const (
	EventClipStarted  EventKind = "clip_started"
	EventClipFinished EventKind = "clip_finished"
	EventSnapshot     EventKind = "snapshot"
)

// Event is published when a clip opens or closes or a snapshot is exported
type Event struct {
	Kind         EventKind   `json:"kind"`
	Time         time.Time   `json:"time"`
	FrameNum     uint64      `json:"frame"`
	ClipPath     string      `json:"clip_path,omitempty"`
	SessionID    string      `json:"session_id,omitempty"`
	ClipFrames   uint64      `json:"clip_frames,omitempty"`
	SnapshotPath string      `json:"snapshot_path,omitempty"`
	Detections   []Detection `json:"detections,omitempty"`
}
