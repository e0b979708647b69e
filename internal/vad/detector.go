package vad

// DetectorConfig holds the hysteresis thresholds for Detector.
type DetectorConfig struct {
	OnThreshold  float64 // level that starts speech
	OffThreshold float64 // level below which speech may end
	OnFrames     int     // consecutive loud samples to start
	OffFrames    int     // consecutive quiet samples to end
}

// DefaultDetectorConfig returns level thresholds with a short hysteresis.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{OnThreshold: 0.08, OffThreshold: 0.04, OnFrames: 2, OffFrames: 6}
}

// Detector turns a level stream into a speaking flag without flicker.
type Detector struct {
	cfg          DetectorConfig
	speaking     bool
	speechCount  int
	silenceCount int
}

// NewDetector returns a detector in the silent state.
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.OnFrames <= 0 {
		cfg.OnFrames = 1
	}
	if cfg.OffFrames <= 0 {
		cfg.OffFrames = 1
	}
	if cfg.OffThreshold > cfg.OnThreshold {
		cfg.OffThreshold = cfg.OnThreshold
	}
	return &Detector{cfg: cfg}
}

// Push feeds one level and reports the speaking flag and whether it flipped.
func (d *Detector) Push(level float64) (speaking, changed bool) {
	if d.speaking {
		if level < d.cfg.OffThreshold {
			d.silenceCount++
			if d.silenceCount >= d.cfg.OffFrames {
				d.speaking = false
				d.silenceCount = 0
				return false, true
			}
		} else {
			d.silenceCount = 0
		}
		return true, false
	}
	if level >= d.cfg.OnThreshold {
		d.speechCount++
		if d.speechCount >= d.cfg.OnFrames {
			d.speaking = true
			d.speechCount = 0
			return true, true
		}
	} else {
		d.speechCount = 0
	}
	return false, false
}

func (d *Detector) Speaking() bool { return d.speaking }

func (d *Detector) Reset() {
	d.speaking = false
	d.speechCount = 0
	d.silenceCount = 0
}
