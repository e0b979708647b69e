// Package agent is a loopback demo agent. It listens to the caller, waits
// for the end of each utterance and speaks it back, honouring barge-in. The
// transport bindings host it behind their agent endpoints for local runs.
package agent

import (
	"time"

	"github.com/chadiek/live-demo/internal/vad"
)

// Sink consumes agent speech at the session sample rate. Implementations
// buffer internally and pace delivery.
type Sink interface {
	WritePCM(pcm []int16)
	FlushTail()
	// Reset drops any queued audio immediately (used for barge-in).
	Reset()
}

// Turn describes one completed exchange.
type Turn struct {
	Index       int
	Heard       time.Duration
	Spoken      time.Duration
	Interrupted bool
}

type Config struct {
	SampleRate int
	// Chunk is how much reply audio is committed to the sink at a time;
	// barge-in takes effect at the next chunk boundary.
	Chunk    time.Duration
	Greeting time.Duration
	ToneHz   float64
	MaxTurn  time.Duration
	// Settle is the silence required after an utterance before replying.
	Settle   time.Duration
	Gain     float64
	Detector vad.DetectorConfig
}

// DefaultConfig returns the agent timings used by the demo servers.
func DefaultConfig() Config {
	return Config{
		SampleRate: 16000,
		Chunk:      200 * time.Millisecond,
		Greeting:   300 * time.Millisecond,
		ToneHz:     440,
		MaxTurn:    8 * time.Second,
		Settle:     300 * time.Millisecond,
		Gain:       8,
		Detector:   vad.DefaultDetectorConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleRate <= 0 {
		c.SampleRate = d.SampleRate
	}
	if c.Chunk <= 0 {
		c.Chunk = d.Chunk
	}
	if c.ToneHz <= 0 {
		c.ToneHz = d.ToneHz
	}
	if c.MaxTurn <= 0 {
		c.MaxTurn = d.MaxTurn
	}
	if c.Settle < 0 {
		c.Settle = 0
	}
	if c.Gain <= 0 {
		c.Gain = d.Gain
	}
	if c.Detector.OnThreshold == 0 {
		c.Detector = d.Detector
	}
	return c
}

type nopSink struct{}

func (nopSink) WritePCM([]int16) {}
func (nopSink) FlushTail()       {}
func (nopSink) Reset()           {}
