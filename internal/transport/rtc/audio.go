package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// sampleWriter is the part of a local WebRTC track the pacer needs.
type sampleWriter interface {
	WriteSample(s pionmedia.Sample) error
}

// OpusPacedWriter encodes mono PCM to 20ms Opus frames and writes them to a
// track in real time.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	mu           sync.Mutex
}

// NewOpusPacedWriter starts a pacer for PCM at sampleRate, which must be one
// of the rates Opus supports.
func NewOpusPacedWriter(track sampleWriter, sampleRate int) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: sampleRate / 50,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers samples and queues every complete frame.
func (w *OpusPacedWriter) WritePCM(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = append(w.pcmBuf, pcm...)
	for len(w.pcmBuf) >= w.frameSamples {
		w.encode(w.pcmBuf[:w.frameSamples])
		n := copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:n]
	}
}

// FlushTail pads the remainder to a full frame and appends ~200ms of
// silence so the end of a reply is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encode(pad)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < 10; i++ {
		w.encode(silence)
	}
}

func (w *OpusPacedWriter) encode(frame []int16) {
	buf := make([]byte, 4000)
	n, err := w.enc.Encode(frame, buf)
	if err != nil || n == 0 {
		return
	}
	w.pushFrame(buf[:n])
}

// Close stops the pacer. Queued frames are dropped.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

// Reset drops everything queued, for barge-in.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}
