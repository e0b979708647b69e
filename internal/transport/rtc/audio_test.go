package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct{ writes int32 }

func (f *fakeTrack) WriteSample(s pionmedia.Sample) error {
	atomic.AddInt32(&f.writes, 1)
	return nil
}

func (f *fakeTrack) count() int { return int(atomic.LoadInt32(&f.writes)) }

func TestOpusPacedWriter_PacerWritesFrames(t *testing.T) {
	ft := &fakeTrack{}
	w := &OpusPacedWriter{
		track:        ft,
		frameSamples: 320,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
	}
	done := make(chan struct{})
	go func() { w.pacer(); close(done) }()

	for i := 0; i < 3; i++ {
		w.pushFrame([]byte{0x01, 0x02})
	}
	assert.Eventually(t, func() bool { return ft.count() == 3 }, time.Second, 5*time.Millisecond)
	w.Close()
	<-done
}

func TestOpusPacedWriter_ResetDrains(t *testing.T) {
	w := &OpusPacedWriter{
		track:        &fakeTrack{},
		frameSamples: 320,
		frames:       make(chan []byte, 8),
		stopCh:       make(chan struct{}),
		pcmBuf:       []int16{1, 2, 3},
	}
	w.frames <- []byte{0x01}
	w.frames <- []byte{0x02}
	w.Reset()
	assert.Empty(t, w.frames)
	assert.Empty(t, w.pcmBuf)
}

func TestOpusPacedWriter_EncodesWholeFrames(t *testing.T) {
	ft := &fakeTrack{}
	w, err := NewOpusPacedWriter(ft, 16000)
	require.NoError(t, err)
	defer w.Close()

	w.WritePCM(make([]int16, 320*3+100))
	assert.Len(t, w.pcmBuf, 100)

	w.FlushTail()
	assert.Empty(t, w.pcmBuf)
	// three frames, the padded remainder and ten frames of silence
	assert.Eventually(t, func() bool { return ft.count() == 14 }, 2*time.Second, 10*time.Millisecond)
}

func TestOpusPacedWriter_CloseUnblocksWriters(t *testing.T) {
	w := &OpusPacedWriter{
		track:        &fakeTrack{},
		frameSamples: 320,
		frames:       make(chan []byte, 1),
		stopCh:       make(chan struct{}),
	}
	w.pushFrame([]byte{1})
	done := make(chan struct{})
	go func() {
		w.pushFrame([]byte{2})
		close(done)
	}()
	w.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pushFrame blocked after Close")
	}
}
