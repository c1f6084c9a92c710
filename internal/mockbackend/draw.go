package mockbackend

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/anthonynsimon/bild/blur"
	"github.com/anthonynsimon/bild/clone"
	"github.com/anthonynsimon/bild/transform"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/cozy-creator/plate-gateway/internal/types"
)

const (
	boxThickness = 3
	labelPadding = 5
)

var (
	colorHigh   = color.RGBA{G: 255, A: 255}
	colorMedium = color.RGBA{R: 255, G: 255, A: 255}
	colorLow    = color.RGBA{R: 255, A: 255}
)

// BoxColor picks the annotation colour for a confidence score.
func BoxColor(conf float64) color.RGBA {
	switch {
	case conf >= 0.8:
		return colorHigh
	case conf >= 0.5:
		return colorMedium
	default:
		return colorLow
	}
}

func bboxRect(d types.Detection, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(int(d.BBox[0]), int(d.BBox[1]), int(d.BBox[2]), int(d.BBox[3]))
	return r.Intersect(bounds)
}

// Annotate draws a labelled box for every detection on a copy of img.
func Annotate(img image.Image, detections []types.Detection) *image.RGBA {
	out := clone.AsRGBA(img)
	bounds := out.Bounds()

	for i, d := range detections {
		r := bboxRect(d, bounds)
		if r.Empty() {
			continue
		}

		c := BoxColor(d.Conf)
		strokeRect(out, r, c)

		label := fmt.Sprintf("Plate #%d: %.1f%%", i+1, d.Conf*100)
		drawLabel(out, r, label, c)
	}

	return out
}

func strokeRect(dst *image.RGBA, r image.Rectangle, c color.Color) {
	src := image.NewUniform(c)
	t := boxThickness

	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+t),
		image.Rect(r.Min.X, r.Max.Y-t, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+t, r.Max.Y),
		image.Rect(r.Max.X-t, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(r), src, image.Point{}, draw.Src)
	}
}

// drawLabel puts the label above the box, or below it when there is no
// room at the top.
func drawLabel(dst *image.RGBA, r image.Rectangle, label string, c color.Color) {
	face := basicfont.Face7x13
	d := &font.Drawer{Dst: dst, Src: image.NewUniform(color.Black), Face: face}

	width := d.MeasureString(label).Ceil()
	height := face.Metrics().Height.Ceil()

	baseline := r.Min.Y - 10
	if r.Min.Y <= 30 {
		baseline = r.Max.Y + height + 10
	}

	bg := image.Rect(r.Min.X, baseline-height-labelPadding, r.Min.X+width+2*labelPadding, baseline+labelPadding)
	draw.Draw(dst, bg.Intersect(dst.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)

	d.Dot = fixed.P(r.Min.X+labelPadding, baseline)
	d.DrawString(label)
}

// BlurRegions applies a gaussian blur inside every detection box on a copy
// of img. ksize follows the odd kernel size convention; even sizes are
// rounded up.
func BlurRegions(img image.Image, detections []types.Detection, ksize int) *image.RGBA {
	if ksize%2 == 0 {
		ksize++
	}
	radius := float64(ksize-1) / 2

	out := clone.AsRGBA(img)
	bounds := out.Bounds()

	for _, d := range detections {
		r := bboxRect(d, bounds)
		if r.Empty() {
			continue
		}

		region := blur.Gaussian(transform.Crop(out, r), radius)
		draw.Draw(out, r, region, region.Bounds().Min, draw.Src)
	}

	return out
}
