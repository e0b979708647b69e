package agent

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"time"
)

// Painter renders the agent's video as JPEG frames: a dark stage with an
// orb that pulses while the agent speaks.
type Painter struct {
	Width, Height int
	Quality       int
}

// DefaultPainter renders small, cheap frames.
func DefaultPainter() Painter { return Painter{Width: 160, Height: 120, Quality: 60} }

var (
	stageColor = color.RGBA{R: 12, G: 14, B: 24, A: 255}
	idleColor  = color.RGBA{R: 52, G: 211, B: 153, A: 255}
	speakColor = color.RGBA{R: 96, G: 165, B: 250, A: 255}
)

// Paint returns one frame at time t into the call.
func (p Painter) Paint(speaking bool, t time.Duration) ([]byte, error) {
	if p.Width <= 0 || p.Height <= 0 {
		p = DefaultPainter()
	}
	img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
	cx, cy := float64(p.Width)/2, float64(p.Height)/2
	base := math.Min(cx, cy) * 0.35
	radius := base
	orb := idleColor
	if speaking {
		radius = base * (1 + 0.25*math.Abs(math.Sin(t.Seconds()*2*math.Pi*1.5)))
		orb = speakColor
	}
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			if dx*dx+dy*dy <= radius*radius {
				img.SetRGBA(x, y, orb)
			} else {
				img.SetRGBA(x, y, stageColor)
			}
		}
	}
	var buf bytes.Buffer
	q := p.Quality
	if q <= 0 {
		q = jpeg.DefaultQuality
	}
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: q}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
