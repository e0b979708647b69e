package agent

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/vad"
)

// Session runs the listen/reply loop for a single call.
type Session struct {
	cfg    Config
	sink   Sink
	onTurn func(Turn)
	log    zerolog.Logger
	in     chan []int16

	mu          sync.Mutex
	det         *vad.Detector
	heard       []int16
	speaking    bool
	replyCancel context.CancelFunc
	bargeIn     bool
	muted       bool
	turns       int

	wg sync.WaitGroup
}

// NewSession constructs a new Session. onTurn may be nil.
func NewSession(cfg Config, sink Sink, onTurn func(Turn)) *Session {
	if sink == nil {
		sink = nopSink{}
	}
	cfg = cfg.withDefaults()
	return &Session{
		cfg:    cfg,
		sink:   sink,
		onTurn: onTurn,
		log:    log.WithComponent("agent"),
		in:     make(chan []int16, 64),
		det:    vad.NewDetector(cfg.Detector),
	}
}

// Start greets the caller and begins processing input. The returned stop
// cancels any reply in flight and waits for the session goroutines.
func (s *Session) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(ctx)
	}()
	if s.cfg.Greeting > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.speak(ctx, 0, tone(s.cfg.SampleRate, s.cfg.ToneHz, s.cfg.Greeting))
		}()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.wg.Wait()
		})
	}
}

// Feed hands caller audio to the session. It never blocks; audio arriving
// faster than it is processed is dropped.
func (s *Session) Feed(pcm []int16) {
	if len(pcm) == 0 {
		return
	}
	select {
	case s.in <- pcm:
	default:
	}
}

// SetMuted makes the session ignore caller audio while the caller is muted.
func (s *Session) SetMuted(muted bool) {
	s.mu.Lock()
	s.muted = muted
	if muted {
		s.heard = nil
		s.det.Reset()
	}
	s.mu.Unlock()
}

// IsSpeaking reports whether a reply is currently being voiced.
func (s *Session) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Turns returns the number of completed turns.
func (s *Session) Turns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns
}

// BargeIn cancels the current reply and drops queued audio.
func (s *Session) BargeIn() {
	s.mu.Lock()
	cancel := s.replyCancel
	if s.speaking {
		s.bargeIn = true
	}
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}

func (s *Session) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pcm := <-s.in:
			s.hear(ctx, pcm)
		}
	}
}

func (s *Session) hear(ctx context.Context, pcm []int16) {
	level := math.Min(1, vad.BucketLevel(pcm, 32, 1, 4)*s.cfg.Gain)
	maxHeard := int(time.Duration(s.cfg.SampleRate) * s.cfg.MaxTurn / time.Second)

	s.mu.Lock()
	if s.muted {
		s.mu.Unlock()
		return
	}
	userSpeaking, changed := s.det.Push(level)
	if userSpeaking || changed {
		s.heard = append(s.heard, pcm...)
	}
	if len(s.heard) > maxHeard {
		s.heard = s.heard[len(s.heard)-maxHeard:]
	}
	interrupt := changed && userSpeaking && s.speaking
	var utterance []int16
	if changed && !userSpeaking {
		utterance, s.heard = s.heard, nil
	}
	s.mu.Unlock()

	if interrupt {
		s.log.Debug().Msg("barge-in: caller started speaking")
		s.BargeIn()
	}
	if len(utterance) > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(ctx, utterance)
		}()
	}
}

func (s *Session) reply(ctx context.Context, utterance []int16) {
	if s.cfg.Settle > 0 {
		t := time.NewTimer(s.cfg.Settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
	s.mu.Lock()
	if s.speaking {
		s.mu.Unlock()
		s.log.Debug().Msg("reply dropped: already speaking")
		return
	}
	s.turns++
	idx := s.turns
	s.mu.Unlock()

	spoken, barged := s.speak(ctx, idx, utterance)
	rate := time.Duration(s.cfg.SampleRate)
	turn := Turn{
		Index:       idx,
		Heard:       time.Duration(len(utterance)) * time.Second / rate,
		Spoken:      time.Duration(spoken) * time.Second / rate,
		Interrupted: barged,
	}
	s.log.Info().Int("turn", idx).Dur("heard", turn.Heard).Dur("spoken", turn.Spoken).Bool("interrupted", barged).Msg("turn complete")
	if s.onTurn != nil {
		s.onTurn(turn)
	}
}

// speak writes pcm to the sink chunk by chunk in real time. It returns how
// many samples were committed and whether a barge-in cut it short.
func (s *Session) speak(ctx context.Context, turn int, pcm []int16) (int, bool) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.speaking {
		s.mu.Unlock()
		return 0, false
	}
	s.speaking = true
	s.replyCancel = cancel
	s.bargeIn = false
	s.mu.Unlock()

	chunk := int(time.Duration(s.cfg.SampleRate) * s.cfg.Chunk / time.Second)
	ticker := time.NewTicker(s.cfg.Chunk)
	defer ticker.Stop()
	spoken := 0
loop:
	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		s.sink.WritePCM(pcm[off:end])
		spoken = end
		select {
		case <-rctx.Done():
			break loop
		case <-ticker.C:
		}
	}

	s.mu.Lock()
	barged := s.bargeIn
	s.speaking = false
	s.replyCancel = nil
	s.bargeIn = false
	s.mu.Unlock()
	if !barged && ctx.Err() == nil {
		s.sink.FlushTail()
	}
	if turn == 0 {
		s.log.Debug().Bool("interrupted", barged).Msg("greeting done")
	}
	return spoken, barged
}

func tone(sampleRate int, hz float64, d time.Duration) []int16 {
	n := int(time.Duration(sampleRate) * d / time.Second)
	out := make([]int16, n)
	inc := 2 * math.Pi * hz / float64(sampleRate)
	phase := 0.0
	for i := range out {
		out[i] = int16(6000 * math.Sin(phase))
		phase += inc
	}
	return out
}
