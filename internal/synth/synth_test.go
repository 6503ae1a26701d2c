package synth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() engine.Config {
	return engine.Config{Credential: "mock-cred"}
}

type recordSink struct {
	mu       sync.Mutex
	starts   int
	format   engine.AudioFormat
	audio    [][]byte
	startErr error
	audioErr error
	onAudio  func()
}

func (s *recordSink) Start(format engine.AudioFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	s.format = format
	return s.startErr
}

func (s *recordSink) Audio(pcm []byte) error {
	s.mu.Lock()
	s.audio = append(s.audio, append([]byte(nil), pcm...))
	hook := s.onAudio
	err := s.audioErr
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (s *recordSink) audioCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audio)
}

func waitSession(t *testing.T, sess *Session) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return sess.Wait(ctx)
}

func TestMultiChunkUtterance(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.MaxLen = 16
	orch := NewOrchestrator(testLogger())
	sink := &recordSink{}

	text := "First sentence here. Second one follows. And a third."
	sess, err := orch.Synthesize(context.Background(), Request{
		Text:   text,
		Params: engine.DefaultParams(),
		Engine: eng,
		Config: testConfig(),
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := waitSession(t, sess); err != nil {
		t.Fatalf("expected clean finish, got %v", err)
	}
	if sink.starts != 1 {
		t.Fatalf("expected exactly one sink start, got %d", sink.starts)
	}
	if sink.format != eng.Format {
		t.Fatalf("expected engine format forwarded, got %+v", sink.format)
	}
	texts := eng.Texts()
	if len(texts) < 2 {
		t.Fatalf("expected text split into multiple chunks, got %d", len(texts))
	}
	if joined := strings.Join(texts, ""); joined != text {
		t.Fatalf("chunk concatenation mismatch:\n got %q\nwant %q", joined, text)
	}
	if sink.audioCount() != len(texts) {
		t.Fatalf("expected one audio payload per chunk, got %d for %d chunks", sink.audioCount(), len(texts))
	}
}

func TestEmptyTextCompletes(t *testing.T) {
	eng := engine.NewMockEngine()
	orch := NewOrchestrator(testLogger())
	sink := &recordSink{}

	sess, err := orch.Synthesize(context.Background(), Request{
		Text:   "",
		Params: engine.DefaultParams(),
		Engine: eng,
		Config: testConfig(),
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := waitSession(t, sess); err != nil {
		t.Fatalf("expected clean finish, got %v", err)
	}
	if sink.starts != 1 || sink.audioCount() != 0 {
		t.Fatalf("expected started sink and no audio, got starts=%d audio=%d", sink.starts, sink.audioCount())
	}
	if len(eng.Texts()) != 0 {
		t.Fatalf("expected no engine calls, got %v", eng.Texts())
	}
}

func TestMidStreamErrorAbortsRemainingChunks(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.MaxLen = 10
	eng.OnCall = func(call int, text string) []engine.Event {
		if call == 1 {
			return []engine.Event{
				{Kind: engine.EventStarted},
				{Kind: engine.EventError, Err: engine.NewError(engine.CodeAuthFailure, "token rejected")},
			}
		}
		return []engine.Event{
			{Kind: engine.EventStarted},
			{Kind: engine.EventAudio, PCM: []byte{1, 2}},
			{Kind: engine.EventComplete},
		}
	}
	orch := NewOrchestrator(testLogger())
	sink := &recordSink{}

	sess, err := orch.Synthesize(context.Background(), Request{
		Text:   "One part. Two part. Three part.",
		Params: engine.DefaultParams(),
		Engine: eng,
		Config: testConfig(),
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = waitSession(t, sess)
	if err == nil {
		t.Fatal("expected session failure")
	}
	if code := engine.CodeOf(err); code != engine.CodeAuthFailure {
		t.Fatalf("expected auth failure, got %s (%v)", code, err)
	}
	if calls := len(eng.Texts()); calls != 2 {
		t.Fatalf("expected dispatch to stop after failing chunk, got %d calls", calls)
	}
}

func TestNewUtterancePreemptsCurrent(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.OnCall = func(call int, text string) []engine.Event {
		if call == 0 {
			return nil // hang until stopped
		}
		return []engine.Event{
			{Kind: engine.EventStarted},
			{Kind: engine.EventAudio, PCM: []byte{9}},
			{Kind: engine.EventComplete},
		}
	}
	orch := NewOrchestrator(testLogger())

	first, err := orch.Synthesize(context.Background(), Request{
		Text: "first utterance", Params: engine.DefaultParams(), Engine: eng, Config: testConfig(),
	}, &recordSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Make sure the first call is actually in flight before preempting.
	deadline := time.After(2 * time.Second)
	for len(eng.Texts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first call never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}

	second, err := orch.Synthesize(context.Background(), Request{
		Text: "second utterance", Params: engine.DefaultParams(), Engine: eng, Config: testConfig(),
	}, &recordSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = waitSession(t, first)
	if code := engine.CodeOf(err); code != engine.CodeCancelled {
		t.Fatalf("expected first session cancelled, got %s (%v)", code, err)
	}
	if err := waitSession(t, second); err != nil {
		t.Fatalf("expected second session to finish, got %v", err)
	}
	if eng.StopCount() == 0 {
		t.Fatal("expected engine stop during preemption")
	}
}

func TestStopDiscardsStaleAudio(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.OnCall = func(call int, text string) []engine.Event {
		return []engine.Event{
			{Kind: engine.EventStarted},
			{Kind: engine.EventAudio, PCM: []byte{1}},
			{Kind: engine.EventAudio, PCM: []byte{2}},
			{Kind: engine.EventComplete},
		}
	}
	orch := NewOrchestrator(testLogger())

	firstAudio := make(chan struct{})
	release := make(chan struct{})
	var gateOnce sync.Once
	sink := &recordSink{}
	sink.onAudio = func() {
		gateOnce.Do(func() {
			close(firstAudio)
			<-release
		})
	}

	sess, err := orch.Synthesize(context.Background(), Request{
		Text: "short", Params: engine.DefaultParams(), Engine: eng, Config: testConfig(),
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	<-firstAudio
	orch.Stop()
	close(release)

	err = waitSession(t, sess)
	if code := engine.CodeOf(err); code != engine.CodeCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", code, err)
	}
	if got := sink.audioCount(); got != 1 {
		t.Fatalf("expected stale audio discarded, sink saw %d payloads", got)
	}
}

func TestSinkStartFailure(t *testing.T) {
	eng := engine.NewMockEngine()
	orch := NewOrchestrator(testLogger())
	sink := &recordSink{startErr: errors.New("no output device")}

	sess, err := orch.Synthesize(context.Background(), Request{
		Text: "hello", Params: engine.DefaultParams(), Engine: eng, Config: testConfig(),
	}, sink)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = waitSession(t, sess)
	if code := engine.CodeOf(err); code != engine.CodeSynthesisFailure {
		t.Fatalf("expected synthesis failure, got %s (%v)", code, err)
	}
	if len(eng.Texts()) != 0 {
		t.Fatalf("expected no engine calls after sink failure, got %v", eng.Texts())
	}
}

// silentCancelEngine closes its event stream on cancellation without a
// terminal event, as adapters may when their context is already done.
type silentCancelEngine struct {
	*engine.MockEngine
}

func (e *silentCancelEngine) Synthesize(ctx context.Context, text string, params engine.Params, cfg engine.Config) (<-chan engine.Event, error) {
	out := make(chan engine.Event, 1)
	out <- engine.Event{Kind: engine.EventStarted}
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out, nil
}

func TestCancelledContextResolvesCancelled(t *testing.T) {
	eng := &silentCancelEngine{engine.NewMockEngine()}
	orch := NewOrchestrator(testLogger())
	ctx, cancel := context.WithCancel(context.Background())

	sess, err := orch.Synthesize(ctx, Request{
		Text: "hello", Params: engine.DefaultParams(), Engine: eng, Config: testConfig(),
	}, &recordSink{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cancel()

	err = waitSession(t, sess)
	if code := engine.CodeOf(err); code != engine.CodeCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", code, err)
	}
}

func TestUnconfiguredEngineFailsFast(t *testing.T) {
	eng := engine.NewMockEngine()
	orch := NewOrchestrator(testLogger())

	_, err := orch.Synthesize(context.Background(), Request{
		Text: "hello", Params: engine.DefaultParams(), Engine: eng,
	}, &recordSink{})
	if err == nil {
		t.Fatal("expected error")
	}
	if code := engine.CodeOf(err); code != engine.CodeNotConfigured {
		t.Fatalf("expected not configured, got %s", code)
	}
}
