// Package detector adapts external object detectors to the engine's
// narrow Infer boundary. The neural network itself always runs outside this
// process; the backends here only move frames and results across.
package detector

import (
	"fmt"
	"strconv"

	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Object is the JSON shape of one detection on the wire and in replay files
type Object struct {
	Class      int        `json:"class"`
	Confidence float64    `json:"confidence"`
	Box        [4]float64 `json:"box"` // x1, y1, x2, y2 in pixels
}

// FrameObjects groups the detections reported for one frame
type FrameObjects struct {
	Frame   uint64   `json:"frame"`
	Objects []Object `json:"objects"`
}

func (o Object) raw() types.RawDetection {
	return types.RawDetection{
		Box:        types.Box{X1: o.Box[0], Y1: o.Box[1], X2: o.Box[2], Y2: o.Box[3]},
		Confidence: o.Confidence,
		ClassIndex: o.Class,
	}
}

func toRaw(objs []Object) []types.RawDetection {
	out := make([]types.RawDetection, 0, len(objs))
	for _, o := range objs {
		out = append(out, o.raw())
	}
	return out
}

// Resolve maps class indices to names. Indices outside classes keep their
// numeric form so they can never match a configured label by accident.
func Resolve(raw []types.RawDetection, classes []string) []types.Detection {
	out := make([]types.Detection, 0, len(raw))
	for _, r := range raw {
		label := strconv.Itoa(r.ClassIndex)
		if r.ClassIndex >= 0 && r.ClassIndex < len(classes) {
			label = classes[r.ClassIndex]
		}
		out = append(out, types.Detection{
			Box:        r.Box,
			Confidence: r.Confidence,
			Label:      label,
			ClassIndex: r.ClassIndex,
		})
	}
	return out
}

// ClassIndex finds the index of label in classes
func ClassIndex(classes []string, label string) (int, error) {
	for i, c := range classes {
		if c == label {
			return i, nil
		}
	}
	return -1, fmt.Errorf("unknown class %q", label)
}
