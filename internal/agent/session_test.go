package agent

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSink struct {
	mu      sync.Mutex
	samples int
	flushes int
	resets  int
}

func (s *fakeSink) WritePCM(p []int16) {
	s.mu.Lock()
	s.samples += len(p)
	s.mu.Unlock()
}

func (s *fakeSink) FlushTail() {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
}

func (s *fakeSink) Reset() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *fakeSink) counts() (samples, flushes, resets int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples, s.flushes, s.resets
}

func loud(n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(12000 * math.Sin(2*math.Pi*1000*float64(i)/16000))
	}
	return out
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Greeting = 0
	cfg.Settle = 0
	cfg.Chunk = 20 * time.Millisecond
	return cfg
}

type turns struct {
	mu sync.Mutex
	ts []Turn
}

func (t *turns) add(turn Turn) {
	t.mu.Lock()
	t.ts = append(t.ts, turn)
	t.mu.Unlock()
}

func (t *turns) all() []Turn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Turn(nil), t.ts...)
}

// utter feeds n loud 20ms chunks followed by enough silence to end the utterance.
func utter(s *Session, n int) {
	for i := 0; i < n; i++ {
		s.Feed(loud(320))
	}
	for i := 0; i < 10; i++ {
		s.Feed(make([]int16, 320))
	}
}

func TestSession_RepliesAfterUtterance(t *testing.T) {
	sink := &fakeSink{}
	rec := &turns{}
	s := NewSession(testConfig(), sink, rec.add)
	stop := s.Start(context.Background())
	defer stop()

	utter(s, 10)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, 3*time.Second, 10*time.Millisecond)
	turn := rec.all()[0]
	assert.Equal(t, 1, turn.Index)
	assert.False(t, turn.Interrupted)
	assert.Greater(t, turn.Heard, 150*time.Millisecond)
	assert.Equal(t, turn.Heard, turn.Spoken)

	samples, flushes, _ := sink.counts()
	assert.Positive(t, samples)
	assert.Equal(t, 1, flushes)
	assert.False(t, s.IsSpeaking())
	assert.Equal(t, 1, s.Turns())
}

func TestSession_BargeInCutsReply(t *testing.T) {
	sink := &fakeSink{}
	rec := &turns{}
	s := NewSession(testConfig(), sink, rec.add)
	stop := s.Start(context.Background())
	defer stop()

	utter(s, 40)
	require.Eventually(t, s.IsSpeaking, 3*time.Second, 5*time.Millisecond)
	s.BargeIn()

	require.Eventually(t, func() bool { return len(rec.all()) >= 1 }, 3*time.Second, 10*time.Millisecond)
	turn := rec.all()[0]
	assert.True(t, turn.Interrupted)
	assert.Less(t, turn.Spoken, turn.Heard)
	_, flushes, resets := sink.counts()
	assert.Zero(t, flushes)
	assert.Positive(t, resets)
}

func TestSession_MutedCallerIsIgnored(t *testing.T) {
	rec := &turns{}
	s := NewSession(testConfig(), nil, rec.add)
	stop := s.Start(context.Background())
	s.SetMuted(true)
	utter(s, 10)
	time.Sleep(200 * time.Millisecond)
	stop()
	assert.Empty(t, rec.all())
}

func TestSession_GreetingAndStop(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = 2 * time.Second
	sink := &fakeSink{}
	s := NewSession(cfg, sink, nil)
	stop := s.Start(context.Background())
	require.Eventually(t, s.IsSpeaking, time.Second, 5*time.Millisecond)

	stop()
	stop()
	assert.False(t, s.IsSpeaking())
	samples, flushes, _ := sink.counts()
	assert.Positive(t, samples)
	assert.Less(t, samples, 32000, "stop cuts the greeting short")
	assert.Zero(t, flushes)
}
