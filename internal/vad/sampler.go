package vad

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chadiek/live-demo/internal/media"
)

// Config controls the sampling cadence and the spectrum buckets.
type Config struct {
	Interval  time.Duration // tick period
	BlockSize int           // DFT size
	Blocks    int           // blocks averaged per tick
	LowBin    int
	HighBin   int
	Smoothing float64 // 0 = no smoothing, close to 1 = slow
	Gain      float64
}

// DefaultConfig mirrors a small analyser: 32-point blocks, bins 1-4.
func DefaultConfig() Config {
	return Config{
		Interval:  50 * time.Millisecond,
		BlockSize: 32,
		Blocks:    8,
		LowBin:    1,
		HighBin:   4,
		Smoothing: 0.6,
		Gain:      8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = d.Interval
	}
	if c.BlockSize <= 0 {
		c.BlockSize = d.BlockSize
	}
	if c.Blocks <= 0 {
		c.Blocks = d.Blocks
	}
	if c.HighBin <= 0 {
		c.LowBin, c.HighBin = d.LowBin, d.HighBin
	}
	if c.Smoothing < 0 || c.Smoothing >= 1 {
		c.Smoothing = d.Smoothing
	}
	if c.Gain <= 0 {
		c.Gain = d.Gain
	}
	return c
}

// Sampler publishes a smoothed activity level for one audio handle.
// Its lifetime is bounded by the handle: it exits as soon as the handle
// is released or its audio track ends, or when Stop is called.
type Sampler struct {
	h       *media.Handle
	cfg     Config
	onLevel func(float64)

	level  atomic.Uint64
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// Start begins sampling h. onLevel runs on the sampler goroutine and must return quickly.
// A handle without audio yields a sampler that is already done.
func Start(h *media.Handle, cfg Config, onLevel func(float64)) *Sampler {
	s := &Sampler{
		h:       h,
		cfg:     cfg.withDefaults(),
		onLevel: onLevel,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if h == nil || h.Audio() == nil {
		close(s.doneCh)
		return s
	}
	go s.run(h.Audio())
	return s
}

func (s *Sampler) run(track media.AudioTrack) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	window := s.cfg.BlockSize * s.cfg.Blocks
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.h.Done():
			return
		case <-track.Done():
			return
		case <-ticker.C:
			if !s.h.Live() || track.Stopped() {
				return
			}
			raw := BucketLevel(track.Window(window), s.cfg.BlockSize, s.cfg.LowBin, s.cfg.HighBin) * s.cfg.Gain
			lvl := s.cfg.Smoothing*s.Level() + (1-s.cfg.Smoothing)*raw
			lvl = math.Max(0, math.Min(1, lvl))
			s.level.Store(math.Float64bits(lvl))

			select {
			case <-s.stopCh:
				return
			default:
			}
			if s.onLevel != nil {
				s.onLevel(lvl)
			}
		}
	}
}

// Level returns the latest smoothed value in [0,1].
func (s *Sampler) Level() float64 { return math.Float64frombits(s.level.Load()) }

// Stop signals the sampler to exit. It does not wait; use Wait for that.
func (s *Sampler) Stop() { s.once.Do(func() { close(s.stopCh) }) }

// Wait blocks until the sampling goroutine has exited.
func (s *Sampler) Wait() { <-s.doneCh }

func (s *Sampler) Done() <-chan struct{} { return s.doneCh }
