package dataset

import (
	"errors"
	"fmt"
	"image/jpeg"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Partition is a dataset split directory
type Partition string

const (
	Train Partition = "train"
	Valid Partition = "valid"
	Test  Partition = "test"
)

// Weights is the fixed train/valid/test split in percent
var Weights = []struct {
	Partition Partition
	Weight    int
}{
	{Train, 70},
	{Valid, 20},
	{Test, 10},
}

// DrawPartition picks a partition by weighted random draw
func DrawPartition(r *rand.Rand) Partition {
	total := 0
	for _, w := range Weights {
		total += w.Weight
	}
	n := r.IntN(total)
	for _, w := range Weights {
		if n < w.Weight {
			return w.Partition
		}
		n -= w.Weight
	}
	return Weights[len(Weights)-1].Partition
}

// Label is one normalized bounding box record
type Label struct {
	ClassIndex int
	XCenter    float64
	YCenter    float64
	Width      float64
	Height     float64
}

// NewLabel normalizes a pixel box against the frame size
func NewLabel(d types.Detection, frameW, frameH int) Label {
	cx, cy := d.Box.Center()
	fw, fh := float64(frameW), float64(frameH)
	return Label{
		ClassIndex: d.ClassIndex,
		XCenter:    cx / fw,
		YCenter:    cy / fh,
		Width:      d.Box.Width() / fw,
		Height:     d.Box.Height() / fh,
	}
}

// Box converts the label back to pixel coordinates
func (l Label) Box(frameW, frameH int) types.Box {
	fw, fh := float64(frameW), float64(frameH)
	cx, cy := l.XCenter*fw, l.YCenter*fh
	w, h := l.Width*fw, l.Height*fh
	return types.Box{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// FormatLabel renders "<class> <xc> <yc> <w> <h>" with six decimals
func FormatLabel(l Label) string {
	return fmt.Sprintf("%d %.6f %.6f %.6f %.6f", l.ClassIndex, l.XCenter, l.YCenter, l.Width, l.Height)
}

// ParseLabel decodes a line written by FormatLabel
func ParseLabel(line string) (Label, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 {
		return Label{}, fmt.Errorf("label line has %d fields, want 5", len(fields))
	}
	class, err := strconv.Atoi(fields[0])
	if err != nil {
		return Label{}, fmt.Errorf("class index: %w", err)
	}
	var v [4]float64
	for i, f := range fields[1:] {
		v[i], err = strconv.ParseFloat(f, 64)
		if err != nil {
			return Label{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return Label{ClassIndex: class, XCenter: v[0], YCenter: v[1], Width: v[2], Height: v[3]}, nil
}

// Snapshot describes one exported sample
type Snapshot struct {
	Partition Partition `json:"partition"`
	ImagePath string    `json:"image_path"`
	LabelPath string    `json:"label_path"`
	Labels    int       `json:"labels"`
	Time      time.Time `json:"time"`
}

// Exporter writes raw frames and their labels into a train/valid/test tree
// at most once per cooldown.
type Exporter struct {
	mu       sync.Mutex
	root     string
	cooldown time.Duration
	quality  int
	now      func() time.Time
	rng      *rand.Rand
	lastEmit time.Time
	emitted  bool
}

// Option configures an Exporter
type Option func(*Exporter)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(e *Exporter) { e.now = now }
}

// WithRand replaces the partition random source
func WithRand(r *rand.Rand) Option {
	return func(e *Exporter) { e.rng = r }
}

// WithJPEGQuality sets the snapshot image quality
func WithJPEGQuality(q int) Option {
	return func(e *Exporter) { e.quality = q }
}

// NewExporter creates an exporter rooted at root. Directories are created
// on the first export that needs them.
func NewExporter(root string, cooldown time.Duration, opts ...Option) (*Exporter, error) {
	if root == "" {
		return nil, errors.New("retrain dir is empty")
	}
	e := &Exporter{
		root:     root,
		cooldown: cooldown,
		quality:  95,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x5eed)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Export persists frame and dets when the cooldown has elapsed. It returns
// false without error when the frame was throttled or dets is empty. The
// cooldown clock only advances on a successful write.
func (e *Exporter) Export(frame *types.Frame, dets []types.Detection) (Snapshot, bool, error) {
	if len(dets) == 0 {
		return Snapshot{}, false, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	if e.emitted && now.Sub(e.lastEmit) < e.cooldown {
		return Snapshot{}, false, nil
	}

	part := DrawPartition(e.rng)
	imgDir := filepath.Join(e.root, string(part), "images")
	lblDir := filepath.Join(e.root, string(part), "labels")
	for _, dir := range []string{imgDir, lblDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Snapshot{}, false, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	name := uniqueName(imgDir, now.Format("20060102_150405.000"))
	snap := Snapshot{
		Partition: part,
		ImagePath: filepath.Join(imgDir, name+".jpg"),
		LabelPath: filepath.Join(lblDir, name+".txt"),
		Labels:    len(dets),
		Time:      now,
	}

	if err := e.writeImage(snap.ImagePath, frame); err != nil {
		return Snapshot{}, false, err
	}

	var b strings.Builder
	for _, d := range dets {
		b.WriteString(FormatLabel(NewLabel(d, frame.Width(), frame.Height())))
		b.WriteByte('\n')
	}
	if err := os.WriteFile(snap.LabelPath, []byte(b.String()), 0o644); err != nil {
		_ = os.Remove(snap.ImagePath)
		return Snapshot{}, false, fmt.Errorf("write labels: %w", err)
	}

	e.lastEmit = now
	e.emitted = true
	return snap, true, nil
}

func (e *Exporter) writeImage(path string, frame *types.Frame) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot image: %w", err)
	}
	if err := jpeg.Encode(f, frame.Image, &jpeg.Options{Quality: e.quality}); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("encode snapshot image: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("close snapshot image: %w", err)
	}
	return nil
}

// uniqueName strips the fractional dot and appends _N when an image with
// the same stem exists.
func uniqueName(dir, stem string) string {
	stem = strings.Replace(stem, ".", "_", 1)
	name := stem
	for i := 1; ; i++ {
		if _, err := os.Stat(filepath.Join(dir, name+".jpg")); errors.Is(err, os.ErrNotExist) {
			return name
		}
		name = fmt.Sprintf("%s_%d", stem, i)
	}
}
