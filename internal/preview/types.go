package preview

import "github.com/dj-oyu/accident-detector/pkg/types"

// BoundingBox is the integer box shape sent to browsers.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is one relevant detection as sent to browsers.
type Detection struct {
	ClassName  string      `json:"class_name"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
	BBox       BoundingBox `json:"bbox"`
}

// DetectionResult is the per-frame detection record kept in history.
type DetectionResult struct {
	FrameNumber   uint64      `json:"frame_number"`
	Timestamp     float64     `json:"timestamp"`
	NumDetections int         `json:"num_detections"`
	Version       int         `json:"version"`
	Detections    []Detection `json:"detections"`
}

// MonitorStats summarizes the preview feed.
type MonitorStats struct {
	FramesPublished uint64  `json:"frames_published"`
	CurrentFPS      float64 `json:"current_fps"`
	DetectionCount  int     `json:"detection_count"`
	StreamClients   int     `json:"stream_clients"`
	EventClients    int     `json:"event_clients"`
}

func convertDetections(dets []types.Detection) []Detection {
	out := make([]Detection, len(dets))
	for i, d := range dets {
		r := d.Box.Rect()
		out[i] = Detection{
			ClassName:  d.Label,
			ClassID:    d.ClassIndex,
			Confidence: d.Confidence,
			BBox:       BoundingBox{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy()},
		}
	}
	return out
}
