package overlay

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/dj-oyu/accident-detector/pkg/types"
)

// Red is the accident annotation color
var Red = color.RGBA{R: 255, A: 255}

const (
	boxThickness   = 2
	titleScale     = 4
	titleThickness = 2 // extra passes that thicken the glyph strokes
)

// DrawRect outlines r on img with the given stroke thickness
func DrawRect(img *image.RGBA, r image.Rectangle, c color.Color, thickness int) {
	r = r.Canon().Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	src := image.NewUniform(c)
	for i := 0; i < thickness; i++ {
		edges := []image.Rectangle{
			image.Rect(r.Min.X, r.Min.Y+i, r.Max.X, r.Min.Y+i+1),
			image.Rect(r.Min.X, r.Max.Y-i-1, r.Max.X, r.Max.Y-i),
			image.Rect(r.Min.X+i, r.Min.Y, r.Min.X+i+1, r.Max.Y),
			image.Rect(r.Max.X-i-1, r.Min.Y, r.Max.X-i, r.Max.Y),
		}
		for _, e := range edges {
			draw.Draw(img, e.Intersect(img.Bounds()), src, image.Point{}, draw.Over)
		}
	}
}

// DrawText writes text with its baseline at (x, y)
func DrawText(img *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}

// DrawTitle renders a large headline by drawing the text at native size
// on a transparent canvas and scaling it up onto img at (x, y).
func DrawTitle(img *image.RGBA, x, y int, text string, c color.Color) {
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil() + titleThickness
	height := face.Metrics().Height.Ceil()

	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	for dx := 0; dx <= titleThickness; dx++ {
		d := &font.Drawer{
			Dst:  canvas,
			Src:  image.NewUniform(c),
			Face: face,
			Dot:  fixed.P(dx, face.Metrics().Ascent.Ceil()),
		}
		d.DrawString(text)
	}

	// y is the baseline, mirroring DrawText
	top := y - face.Metrics().Ascent.Ceil()*titleScale
	dst := image.Rect(x, top, x+width*titleScale, top+height*titleScale)
	draw.NearestNeighbor.Scale(img, dst, canvas, canvas.Bounds(), draw.Over, nil)
}

// BoxLabel formats the per-detection caption
func BoxLabel(d types.Detection) string {
	return fmt.Sprintf("Accidente %.2f", d.Confidence)
}

// AnnotateDetections draws a box and caption for every detection
func AnnotateDetections(img *image.RGBA, dets []types.Detection) {
	for _, d := range dets {
		r := d.Box.Rect()
		DrawRect(img, r, Red, boxThickness)

		labelY := r.Min.Y - 10
		if labelY < 13 {
			labelY = r.Max.Y + 13
		}
		DrawText(img, r.Min.X, labelY, BoxLabel(d), Red)
	}
}

// AnnotateTitle stamps the accident headline at the top-left corner
func AnnotateTitle(img *image.RGBA) {
	DrawTitle(img, 50, 50, "Accidente Detectado", Red)
}
