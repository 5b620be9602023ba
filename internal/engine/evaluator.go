package engine

import "github.com/dj-oyu/accident-detector/pkg/types"

// Evaluator filters detections by confidence and label
type Evaluator struct {
	threshold float64
	labels    map[string]struct{}
}

// NewEvaluator keeps detections with confidence >= threshold whose label is in labels
func NewEvaluator(threshold float64, labels []string) Evaluator {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return Evaluator{threshold: threshold, labels: set}
}

// Evaluate returns whether any detection passed and the passing subset
func (e Evaluator) Evaluate(dets []types.Detection) (bool, []types.Detection) {
	var out []types.Detection
	for _, d := range dets {
		if d.Confidence < e.threshold {
			continue
		}
		if _, ok := e.labels[d.Label]; !ok {
			continue
		}
		out = append(out, d)
	}
	return len(out) > 0, out
}

// Labels returns the active label filter
func (e Evaluator) Labels() []string {
	out := make([]string, 0, len(e.labels))
	for l := range e.labels {
		out = append(out, l)
	}
	return out
}
