package media

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandle_ReleaseStopsTracksOnce(t *testing.T) {
	a := NewPCMTrack("a", 16000, time.Second)
	v := NewFrameTrack("v")
	h := NewHandle(OwnerTransport, a, v)

	require.True(t, h.Live())
	require.Equal(t, a, h.Audio())
	require.Equal(t, v, h.Video())

	h.Release()
	h.Release()

	assert.True(t, h.Released())
	assert.False(t, h.Live())
	assert.True(t, a.Stopped())
	assert.True(t, v.Stopped())
	select {
	case <-h.Done():
	default:
		t.Fatalf("expected Done closed after release")
	}
}

func TestHandle_NotLiveWhenAllTracksEnded(t *testing.T) {
	a := NewPCMTrack("a", 16000, time.Second)
	h := NewHandle(OwnerSession, a)
	a.Stop()
	assert.False(t, h.Live())
	assert.False(t, h.Released())
	assert.True(t, h.AllStopped())
}

func TestPCMTrack_WindowPadsAndWraps(t *testing.T) {
	tr := NewPCMTrack("mic", 1000, 100*time.Millisecond) // 100 samples
	tr.Write([]int16{1, 2, 3})
	require.Equal(t, []int16{0, 0, 1, 2, 3}, tr.Window(5))

	big := make([]int16, 150)
	for i := range big {
		big[i] = int16(i)
	}
	tr.Write(big)
	w := tr.Window(4)
	require.Equal(t, []int16{146, 147, 148, 149}, w)
	require.Len(t, tr.Window(1000), 100)
}

func TestPCMTrack_DisabledWritesSilence(t *testing.T) {
	tr := NewPCMTrack("mic", 1000, 100*time.Millisecond)
	tr.SetEnabled(false)
	tr.Write([]int16{500, 600})
	require.Equal(t, []int16{0, 0}, tr.Window(2))
	tr.SetEnabled(true)
	tr.Write([]int16{7})
	require.Equal(t, []int16{0, 7}, tr.Window(2))
}

func TestPCMTrack_TapReceivesAndClosesOnStop(t *testing.T) {
	tr := NewPCMTrack("mic", 1000, 100*time.Millisecond)
	ch, cancel := tr.Tap(4)
	defer cancel()

	tr.Write([]int16{1, 2})
	got := <-ch
	require.Equal(t, []int16{1, 2}, got)

	tr.Stop()
	select {
	case _, ok := <-ch:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatalf("tap not closed after stop")
	}
}

func TestFrameTrack_NextWaitsForNewerFrame(t *testing.T) {
	tr := NewFrameTrack("cam")
	_, ok := tr.Latest()
	require.False(t, ok)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tr.Push("jpeg", []byte{0xff, 0xd8})
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	f, err := tr.Next(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(1), f.Seq)
	require.Equal(t, "jpeg", f.Format)

	tr.Stop()
	_, err = tr.Next(ctx, 1)
	require.ErrorIs(t, err, ErrTrackEnded)
}

type fakeDevice struct {
	release chan struct{}
	track   atomic.Pointer[PCMTrack]
	err     error
}

func (d *fakeDevice) Open(ctx context.Context) (*PCMTrack, error) {
	if d.release != nil {
		<-d.release
	}
	if d.err != nil {
		return nil, d.err
	}
	tr := NewPCMTrack("fake", 16000, time.Second)
	d.track.Store(tr)
	return tr, nil
}

func TestGate_DeniedByPrompt(t *testing.T) {
	g := NewGate(&fakeDevice{}, DenyAll)
	h, err := g.AcquireMicrophone(context.Background())
	require.Nil(t, h)
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGate_DevicePermissionErrorMapsToDenied(t *testing.T) {
	g := NewGate(&fakeDevice{err: fmt.Errorf("open: %w", fs.ErrPermission)}, AllowAll)
	_, err := g.AcquireMicrophone(context.Background())
	require.ErrorIs(t, err, ErrPermissionDenied)
}

func TestGate_GrantReturnsSessionOwnedHandle(t *testing.T) {
	d := &fakeDevice{}
	g := NewGate(d, nil)
	h, err := g.AcquireMicrophone(context.Background())
	require.NoError(t, err)
	require.Equal(t, OwnerSession, h.Owner())
	require.NotNil(t, h.Audio())
	h.Release()
	require.True(t, d.track.Load().Stopped())
}

func TestGate_CancelledWhileOpeningReleasesLateTrack(t *testing.T) {
	d := &fakeDevice{release: make(chan struct{})}
	g := NewGate(d, AllowAll)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := g.AcquireMicrophone(ctx)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)

	close(d.release)
	require.Eventually(t, func() bool {
		tr := d.track.Load()
		return tr != nil && tr.Stopped()
	}, time.Second, 5*time.Millisecond)
}

func TestGate_PromptAbandoned(t *testing.T) {
	prompt := func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}
	g := NewGate(&fakeDevice{}, prompt)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := g.AcquireMicrophone(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestToneDevice_ProducesAudio(t *testing.T) {
	tr, err := ToneDevice{SampleRate: 8000, Frame: 5 * time.Millisecond}.Open(context.Background())
	require.NoError(t, err)
	defer tr.Stop()
	require.Eventually(t, func() bool {
		for _, s := range tr.Window(40) {
			if s != 0 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestFileDevice_LoopsSamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mic.pcm")
	raw := make([]byte, 8)
	for i, v := range []int16{100, -100, 200, -200} {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(v))
	}
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	tr, err := FileDevice{Path: path, SampleRate: 1000, Frame: 4 * time.Millisecond}.Open(context.Background())
	require.NoError(t, err)
	defer tr.Stop()
	require.Eventually(t, func() bool {
		w := tr.Window(4)
		return w[0] == 100 && w[3] == -200
	}, time.Second, 2*time.Millisecond)

	_, err = FileDevice{Path: filepath.Join(t.TempDir(), "missing.pcm")}.Open(context.Background())
	require.Error(t, err)
}

func TestPCM16LE_RoundTripAndTap(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	raw := EncodePCM16LE(in)
	require.Len(t, raw, 10)
	require.Equal(t, in, DecodePCM16LE(append(raw, 0x7f)))

	tr := NewPCMTrack("mic", 16000, time.Second)
	h := NewHandle(OwnerSession, tr)
	ch, cancel, ok := TapAudio(h, 2)
	require.True(t, ok)
	tr.Write(in)
	require.Equal(t, in, <-ch)
	cancel()

	_, _, ok = TapAudio(NewHandle(OwnerTransport, NewFrameTrack("v")), 1)
	require.False(t, ok)
	_, _, ok = TapAudio(nil, 1)
	require.False(t, ok)
	h.Release()
}
