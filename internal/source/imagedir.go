package source

import (
	"context"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

// ImageDir replays a directory of still images as a video stream. Files are
// ordered by name and every image must share the size of the first one.
type ImageDir struct {
	files []string
	info  types.StreamInfo
	next  int
}

// OpenImageDir lists the .jpg/.jpeg/.png files in dir
func OpenImageDir(dir string, fps float64) (*ImageDir, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no images in %s", dir)
	}
	sort.Strings(files)

	first, err := decode(files[0])
	if err != nil {
		return nil, err
	}
	b := first.Bounds()

	logger.Info("Source", "Replaying %d images from %s (%dx%d @ %.2f fps)", len(files), dir, b.Dx(), b.Dy(), fps)
	return &ImageDir{
		files: files,
		info:  types.StreamInfo{FPS: fps, Width: b.Dx(), Height: b.Dy()},
	}, nil
}

// Info returns the stream geometry
func (d *ImageDir) Info() types.StreamInfo {
	return d.info
}

// Next decodes the next image; io.EOF after the last one
func (d *ImageDir) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.next >= len(d.files) {
		return nil, io.EOF
	}

	n := d.next
	d.next++

	img, err := decode(d.files[n])
	if err != nil {
		return nil, err
	}
	if img.Bounds().Dx() != d.info.Width || img.Bounds().Dy() != d.info.Height {
		return nil, fmt.Errorf("%s: size %dx%d differs from stream %dx%d",
			d.files[n], img.Bounds().Dx(), img.Bounds().Dy(), d.info.Width, d.info.Height)
	}

	return &types.Frame{Image: img, Timestamp: time.Now(), FrameNum: uint64(n)}, nil
}

// Close is a no-op
func (d *ImageDir) Close() error { return nil }

func decode(path string) (*image.RGBA, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	src, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if rgba, ok := src.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba, nil
	}
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}
