package vad

import (
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chadiek/live-demo/internal/media"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sine(sr int, hz, amp float64, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * math.Sin(2*math.Pi*hz*float64(i)/float64(sr)))
	}
	return out
}

func TestBucketLevel_SilenceIsZero(t *testing.T) {
	require.Zero(t, BucketLevel(make([]int16, 256), 32, 1, 4))
	require.Zero(t, BucketLevel(nil, 32, 1, 4))
	require.Zero(t, BucketLevel(make([]int16, 64), 32, 1, 20))
}

func TestBucketLevel_IncreasesWithLoudness(t *testing.T) {
	prev := -1.0
	for _, amp := range []float64{250, 1000, 4000, 16000} {
		lvl := BucketLevel(sine(16000, 1000, amp, 256), 32, 1, 4)
		require.Greater(t, lvl, prev, "amp=%v", amp)
		prev = lvl
	}
	// bin-centred sine: peak plus half-height neighbours averaged over four bins
	got := BucketLevel(sine(16000, 1000, 16384, 256), 32, 1, 4)
	require.InDelta(t, 0.25, got, 0.01)
}

func TestDetector_Hysteresis(t *testing.T) {
	d := NewDetector(DetectorConfig{OnThreshold: 0.5, OffThreshold: 0.2, OnFrames: 2, OffFrames: 3})

	s, changed := d.Push(0.6)
	require.False(t, s)
	require.False(t, changed)
	s, changed = d.Push(0.7)
	require.True(t, s)
	require.True(t, changed)

	// between thresholds keeps speaking
	s, _ = d.Push(0.3)
	require.True(t, s)

	d.Push(0.1)
	d.Push(0.1)
	s, changed = d.Push(0.1)
	require.False(t, s)
	require.True(t, changed)

	d.Push(0.9)
	d.Reset()
	require.False(t, d.Speaking())
}

func TestDetector_InterruptedSilenceResets(t *testing.T) {
	d := NewDetector(DetectorConfig{OnThreshold: 0.5, OffThreshold: 0.2, OnFrames: 1, OffFrames: 2})
	d.Push(1)
	d.Push(0.1)
	d.Push(0.4) // resets silence count
	s, _ := d.Push(0.1)
	require.True(t, s)
}

func newToneHandle(t *testing.T) (*media.Handle, *media.PCMTrack) {
	t.Helper()
	tr := media.NewPCMTrack("test", 16000, time.Second)
	tr.Write(sine(16000, 1000, 8000, 1600))
	return media.NewHandle(media.OwnerTransport, tr), tr
}

func TestSampler_PublishesLevelWhileLive(t *testing.T) {
	h, _ := newToneHandle(t)
	var calls atomic.Int32
	s := Start(h, Config{Interval: 5 * time.Millisecond}, func(l float64) {
		if l > 0 {
			calls.Add(1)
		}
	})
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	require.Greater(t, s.Level(), 0.0)
	require.LessOrEqual(t, s.Level(), 1.0)

	s.Stop()
	s.Wait()
	require.False(t, h.Released(), "sampler must not release a borrowed handle")
	h.Release()
}

func TestSampler_ExitsWhenHandleReleased(t *testing.T) {
	h, _ := newToneHandle(t)
	s := Start(h, Config{Interval: 5 * time.Millisecond}, nil)
	h.Release()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatalf("sampler still running after handle release")
	}
}

func TestSampler_ExitsWhenTrackEnds(t *testing.T) {
	h, tr := newToneHandle(t)
	s := Start(h, Config{Interval: 5 * time.Millisecond}, nil)
	tr.Stop()
	s.Wait()
	h.Release()
}

func TestSampler_NoAudioIsDone(t *testing.T) {
	s := Start(media.NewHandle(media.OwnerTransport, media.NewFrameTrack("v")), DefaultConfig(), nil)
	s.Wait()
	s.Stop()
	s = Start(nil, DefaultConfig(), nil)
	s.Wait()
}
