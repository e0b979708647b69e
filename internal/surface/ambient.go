package surface

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
)

// AmbientConfig describes the blurred backdrop drawn behind the main surface.
type AmbientConfig struct {
	BlurRadius float64
	Opacity    float64
	Scale      float64
}

// DefaultAmbientConfig returns the backdrop blur, opacity and scale.
func DefaultAmbientConfig() AmbientConfig {
	return AmbientConfig{BlurRadius: 80, Opacity: 0.4, Scale: 1.2}
}

// Ambient is the backdrop derived from the visible handle.
type Ambient struct {
	AmbientConfig
	Active   bool
	HandleID string
	Tint     color.RGBA // mean colour of the latest JPEG frame, if any
}

// SetAmbient overrides the backdrop parameters.
func (m *Manager) SetAmbient(cfg AmbientConfig) {
	m.mu.Lock()
	m.ambient = cfg
	m.mu.Unlock()
}

// Ambient follows the visible handle; it goes inactive as soon as that handle is no longer live.
func (m *Manager) Ambient() Ambient {
	m.mu.Lock()
	h, cfg := m.visible, m.ambient
	m.mu.Unlock()

	a := Ambient{AmbientConfig: cfg}
	if h == nil || !h.Live() {
		return a
	}
	a.Active = true
	a.HandleID = h.ID()
	if v := h.Video(); v != nil {
		if f, ok := v.Latest(); ok && f.Format == "jpeg" {
			if tint, err := meanColor(f.Data); err == nil {
				a.Tint = tint
			}
		}
	}
	return a
}

// meanColor averages a sparse grid of pixels; a heavily blurred backdrop needs nothing finer.
func meanColor(data []byte) (color.RGBA, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return color.RGBA{}, err
	}
	return sampleMean(img), nil
}

func sampleMean(img image.Image) color.RGBA {
	b := img.Bounds()
	step := b.Dx() / 16
	if step < 1 {
		step = 1
	}
	var r, g, bl, n uint64
	for y := b.Min.Y; y < b.Max.Y; y += step {
		for x := b.Min.X; x < b.Max.X; x += step {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			r += uint64(cr >> 8)
			g += uint64(cg >> 8)
			bl += uint64(cb >> 8)
			n++
		}
	}
	if n == 0 {
		return color.RGBA{}
	}
	return color.RGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(bl / n), A: 255}
}
