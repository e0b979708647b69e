package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/log"
)

// ErrPermissionDenied is returned when microphone access is refused.
var ErrPermissionDenied = errors.New("media: microphone permission denied")

// Prompt asks for capture permission. Headless clients answer from policy.
type Prompt func(ctx context.Context) (bool, error)

// AllowAll grants every request.
func AllowAll(context.Context) (bool, error) { return true, nil }

// DenyAll refuses every request.
func DenyAll(context.Context) (bool, error) { return false, nil }

// Gate acquires the local microphone.
type Gate struct {
	device Device
	prompt Prompt
	log    zerolog.Logger
}

// NewGate returns a gate that asks prompt before opening device.
func NewGate(device Device, prompt Prompt) *Gate {
	if prompt == nil {
		prompt = AllowAll
	}
	return &Gate{device: device, prompt: prompt, log: log.WithComponent("media-gate")}
}

type openResult struct {
	track *PCMTrack
	err   error
}

// AcquireMicrophone returns a session-owned handle with one audio track.
// If ctx ends first, a track that opens late is stopped immediately.
func (g *Gate) AcquireMicrophone(ctx context.Context) (*Handle, error) {
	ok, err := g.prompt(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if !ok {
		return nil, ErrPermissionDenied
	}
	if g.device == nil {
		return nil, fmt.Errorf("%w: no capture device", ErrPermissionDenied)
	}

	ch := make(chan openResult, 1)
	go func() {
		t, err := g.device.Open(ctx)
		ch <- openResult{track: t, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(r.err, fs.ErrPermission) {
				return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, r.err)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, r.err
		}
		if ctx.Err() != nil {
			r.track.Stop()
			return nil, ctx.Err()
		}
		g.log.Debug().Str("track", r.track.ID()).Msg("microphone acquired")
		return NewHandle(OwnerSession, r.track), nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.track != nil {
				r.track.Stop()
				g.log.Debug().Str("track", r.track.ID()).Msg("late microphone released")
			}
		}()
		return nil, ctx.Err()
	}
}
