package session

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"github.com/chadiek/live-demo/internal/media"
	"github.com/chadiek/live-demo/internal/transport"
	"github.com/chadiek/live-demo/internal/vad"
)

// Config holds the timeouts and tuning for one Machine.
type Config struct {
	Params transport.SessionParams

	PermissionTimeout time.Duration
	ProvisionTimeout  time.Duration
	HandshakeTimeout  time.Duration
	ResumeTimeout     time.Duration // per attempt
	TeardownTimeout   time.Duration

	ResumeAttempts uint
	// ResumeBackoff builds the retry schedule for one reconnect cycle.
	ResumeBackoff func() backoff.BackOff

	Sampler  vad.Config
	Detector vad.DetectorConfig

	MaskDuration time.Duration
	ControlRate  rate.Limit
	ControlBurst int
}

// DefaultConfig returns the timeouts and retry budget a session starts with.
func DefaultConfig() Config {
	return Config{
		PermissionTimeout: 30 * time.Second,
		ProvisionTimeout:  10 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		ResumeTimeout:     5 * time.Second,
		TeardownTimeout:   3 * time.Second,
		ResumeAttempts:    3,
		Sampler:           vad.DefaultConfig(),
		Detector:          vad.DefaultDetectorConfig(),
		MaskDuration:      1200 * time.Millisecond,
		ControlRate:       rate.Every(100 * time.Millisecond),
		ControlBurst:      5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = d.PermissionTimeout
	}
	if c.ProvisionTimeout <= 0 {
		c.ProvisionTimeout = d.ProvisionTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ResumeTimeout <= 0 {
		c.ResumeTimeout = d.ResumeTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = d.TeardownTimeout
	}
	if c.ResumeAttempts == 0 {
		c.ResumeAttempts = d.ResumeAttempts
	}
	if c.ResumeBackoff == nil {
		c.ResumeBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 4 * time.Second
			return b
		}
	}
	if c.Detector.OnThreshold == 0 {
		c.Detector = d.Detector
	}
	if c.MaskDuration <= 0 {
		c.MaskDuration = d.MaskDuration
	}
	if c.ControlRate == 0 {
		c.ControlRate = d.ControlRate
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = d.ControlBurst
	}
	return c
}

// Gate acquires the local microphone.
type Gate interface {
	AcquireMicrophone(ctx context.Context) (*media.Handle, error)
}

// Surface renders remote handles. It borrows them and never stops tracks.
type Surface interface {
	Assign(h *media.Handle)
	Clear()
}

// Mask shows short status overlays while work is in flight.
type Mask interface {
	Show(label string, d time.Duration)
	Clear()
}

// Deps are the collaborators a Machine drives. Surface and Mask are optional.
type Deps struct {
	Gate    Gate
	Adapter transport.Adapter
	Surface Surface
	Mask    Mask
}

// Overlay labels shown while a stage is in flight.
const (
	LabelBooting      = "BOOTING AGENT..."
	LabelUplink       = "ESTABLISHING UPLINK..."
	LabelRestoring    = "RESTORING UPLINK..."
	LabelInterrupting = "INTERRUPTING..."
)
