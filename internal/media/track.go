package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the media type carried by a Track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// ErrTrackEnded is returned by blocking reads once the track has been stopped.
var ErrTrackEnded = errors.New("media: track ended")

// Track is a single live media source.
type Track interface {
	ID() string
	Kind() Kind
	// Stop ends the track. Safe to call more than once.
	Stop()
	Stopped() bool
	Done() <-chan struct{}
}

// AudioTrack exposes mono PCM16 samples.
type AudioTrack interface {
	Track
	SampleRate() int
	// Window copies the most recent n samples (oldest first).
	Window(n int) []int16
	SetEnabled(on bool)
	Enabled() bool
}

// Frame is one encoded video frame.
type Frame struct {
	Seq    uint64
	Format string // "jpeg", "vp8", ...
	Data   []byte
	At     time.Time
}

// VideoTrack delivers encoded frames.
type VideoTrack interface {
	Track
	// Next blocks until a frame with Seq > after is available.
	Next(ctx context.Context, after uint64) (Frame, error)
	Latest() (Frame, bool)
}

type trackBase struct {
	id      string
	kind    Kind
	once    sync.Once
	stopped atomic.Bool
	done    chan struct{}
}

func newTrackBase(kind Kind, label string) trackBase {
	id := uuid.NewString()
	if label != "" {
		id = label + "-" + id[:8]
	}
	return trackBase{id: id, kind: kind, done: make(chan struct{})}
}

func (t *trackBase) ID() string            { return t.id }
func (t *trackBase) Kind() Kind            { return t.kind }
func (t *trackBase) Stopped() bool         { return t.stopped.Load() }
func (t *trackBase) Done() <-chan struct{} { return t.done }

func (t *trackBase) Stop() {
	t.once.Do(func() {
		t.stopped.Store(true)
		close(t.done)
	})
}

// PCMTrack is an AudioTrack backed by a fixed-size ring of samples.
// Producers call Write; consumers read a recent Window or attach a Tap.
type PCMTrack struct {
	trackBase
	sampleRate int
	enabled    atomic.Bool

	mu       sync.Mutex
	buf      []int16
	writePos int
	filled   int
	taps     map[int]chan []int16
	nextTap  int
}

// NewPCMTrack allocates a track holding capacity worth of audio at sampleRate.
func NewPCMTrack(label string, sampleRate int, capacity time.Duration) *PCMTrack {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	n := int(time.Duration(sampleRate) * capacity / time.Second)
	if n < sampleRate/10 {
		n = sampleRate / 10
	}
	t := &PCMTrack{
		trackBase:  newTrackBase(KindAudio, label),
		sampleRate: sampleRate,
		buf:        make([]int16, n),
		taps:       make(map[int]chan []int16),
	}
	t.enabled.Store(true)
	return t
}

func (t *PCMTrack) SampleRate() int    { return t.sampleRate }
func (t *PCMTrack) Enabled() bool      { return t.enabled.Load() }
func (t *PCMTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// Write appends samples. A disabled track records silence, the way a muted
// capture keeps producing zeroed frames.
func (t *PCMTrack) Write(samples []int16) {
	if len(samples) == 0 || t.Stopped() {
		return
	}
	chunk := make([]int16, len(samples))
	if t.Enabled() {
		copy(chunk, samples)
	}
	t.mu.Lock()
	for _, s := range chunk {
		t.buf[t.writePos] = s
		t.writePos = (t.writePos + 1) % len(t.buf)
	}
	t.filled += len(chunk)
	if t.filled > len(t.buf) {
		t.filled = len(t.buf)
	}
	for _, ch := range t.taps {
		select {
		case ch <- chunk:
		default: // slow consumer drops
		}
	}
	t.mu.Unlock()
}

// Window returns up to the last n buffered samples.
func (t *PCMTrack) Window(n int) []int16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n > len(t.buf) {
		n = len(t.buf)
	}
	out := make([]int16, n)
	avail := t.filled
	if avail > n {
		avail = n
	}
	// left-pad with silence when the ring has not filled yet
	start := (t.writePos - avail + len(t.buf)) % len(t.buf)
	for i := 0; i < avail; i++ {
		out[n-avail+i] = t.buf[(start+i)%len(t.buf)]
	}
	return out
}

// Tap returns a channel receiving every chunk written from now on. The
// channel is closed when cancel is called or the track stops.
func (t *PCMTrack) Tap(buffer int) (<-chan []int16, func()) {
	ch := make(chan []int16, buffer)
	t.mu.Lock()
	id := t.nextTap
	t.nextTap++
	t.taps[id] = ch
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.taps, id)
			t.mu.Unlock()
			close(ch)
		})
	}
	go func() {
		<-t.Done()
		cancel()
	}()
	return ch, cancel
}

// FrameTrack is a VideoTrack that keeps only the latest frame.
type FrameTrack struct {
	trackBase

	mu     sync.Mutex
	latest Frame
	seq    uint64
	notify chan struct{}
}

// NewFrameTrack returns a live video track with no frames yet.
func NewFrameTrack(label string) *FrameTrack {
	return &FrameTrack{trackBase: newTrackBase(KindVideo, label), notify: make(chan struct{})}
}

// Push publishes a frame and wakes every waiting reader.
func (t *FrameTrack) Push(format string, data []byte) uint64 {
	if t.Stopped() {
		return 0
	}
	t.mu.Lock()
	t.seq++
	t.latest = Frame{Seq: t.seq, Format: format, Data: data, At: time.Now()}
	close(t.notify)
	t.notify = make(chan struct{})
	seq := t.seq
	t.mu.Unlock()
	return seq
}

// Latest returns the newest frame, if any.
func (t *FrameTrack) Latest() (Frame, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest, t.seq > 0
}

// Next blocks until a frame newer than sequence after arrives.
func (t *FrameTrack) Next(ctx context.Context, after uint64) (Frame, error) {
	for {
		t.mu.Lock()
		if t.seq > after {
			f := t.latest
			t.mu.Unlock()
			return f, nil
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-wait:
		case <-t.Done():
			return Frame{}, ErrTrackEnded
		case <-ctx.Done():
			return Frame{}, ctx.Err()
		}
	}
}
