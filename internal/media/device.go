package media

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"
)

// Device opens a capture source and returns a running track.
// The device keeps writing into the track until the track is stopped.
type Device interface {
	Open(ctx context.Context) (*PCMTrack, error)
}

// ToneDevice synthesizes a sine tone, optionally in talk/pause bursts, so the
// demo client can run headless.
type ToneDevice struct {
	SampleRate int
	Frequency  float64
	Amplitude  float64
	Frame      time.Duration
	TalkFor    time.Duration // zero means continuous
	PauseFor   time.Duration
	OpenDelay  time.Duration // simulated device warm-up
}

func (d ToneDevice) withDefaults() ToneDevice {
	if d.SampleRate == 0 {
		d.SampleRate = 16000
	}
	if d.Frequency == 0 {
		d.Frequency = 440
	}
	if d.Amplitude == 0 {
		d.Amplitude = 6000
	}
	if d.Frame == 0 {
		d.Frame = 20 * time.Millisecond
	}
	return d
}

func (d ToneDevice) Open(ctx context.Context) (*PCMTrack, error) {
	d = d.withDefaults()
	if d.OpenDelay > 0 {
		t := time.NewTimer(d.OpenDelay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	track := NewPCMTrack("mic-tone", d.SampleRate, time.Second)
	go d.pump(track)
	return track, nil
}

func (d ToneDevice) pump(track *PCMTrack) {
	frameSamples := int(time.Duration(d.SampleRate) * d.Frame / time.Second)
	frame := make([]int16, frameSamples)
	phase := 0.0
	phaseInc := 2 * math.Pi * d.Frequency / float64(d.SampleRate)
	started := time.Now()

	ticker := time.NewTicker(d.Frame)
	defer ticker.Stop()
	for {
		select {
		case <-track.Done():
			return
		case now := <-ticker.C:
			talking := true
			if d.TalkFor > 0 {
				cycle := d.TalkFor + d.PauseFor
				talking = now.Sub(started)%cycle < d.TalkFor
			}
			for i := range frame {
				if !talking {
					frame[i] = 0
					continue
				}
				v := math.Sin(phase) * d.Amplitude
				if v > math.MaxInt16 {
					v = math.MaxInt16
				} else if v < math.MinInt16 {
					v = math.MinInt16
				}
				frame[i] = int16(v)
				phase += phaseInc
			}
			track.Write(frame)
		}
	}
}

// FileDevice loops a raw PCM16LE mono file.
type FileDevice struct {
	Path       string
	SampleRate int
	Frame      time.Duration
}

func (d FileDevice) Open(ctx context.Context) (*PCMTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(d.Path)
	if err != nil {
		return nil, fmt.Errorf("open capture file: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("capture file %s is empty", d.Path)
	}
	sr := d.SampleRate
	if sr == 0 {
		sr = 16000
	}
	frameDur := d.Frame
	if frameDur == 0 {
		frameDur = 20 * time.Millisecond
	}
	samples := DecodePCM16LE(raw)

	track := NewPCMTrack("mic-file", sr, time.Second)
	go func() {
		n := int(time.Duration(sr) * frameDur / time.Second)
		frame := make([]int16, n)
		pos := 0
		ticker := time.NewTicker(frameDur)
		defer ticker.Stop()
		for {
			select {
			case <-track.Done():
				return
			case <-ticker.C:
				for i := range frame {
					frame[i] = samples[pos]
					pos = (pos + 1) % len(samples)
				}
				track.Write(frame)
			}
		}
	}()
	return track, nil
}
