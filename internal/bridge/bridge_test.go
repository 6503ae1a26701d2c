package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/LonePheasantWarrior/talkify-core/internal/synth"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordCallback struct {
	mu      sync.Mutex
	order   []string
	audio   int
	errors  []int
	done    int
	stopped int
}

func (c *recordCallback) Start(format engine.AudioFormat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "start")
}

func (c *recordCallback) AudioAvailable(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "audio")
	c.audio++
}

func (c *recordCallback) Done() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "done")
	c.done++
}

func (c *recordCallback) Stopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "stopped")
	c.stopped++
}

func (c *recordCallback) Error(code int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, "error")
	c.errors = append(c.errors, code)
}

func (c *recordCallback) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.order...)
}

type countingKeepAlive struct {
	acquires atomic.Int32
	releases atomic.Int32
}

func (k *countingKeepAlive) Acquire() { k.acquires.Add(1) }
func (k *countingKeepAlive) Release() { k.releases.Add(1) }

func (k *countingKeepAlive) balanced() bool {
	return k.acquires.Load() > 0 && k.acquires.Load() == k.releases.Load()
}

func speakRequest(eng engine.Engine, text string) synth.Request {
	return synth.Request{
		Text:   text,
		Params: engine.DefaultParams(),
		Engine: eng,
		Config: engine.Config{Credential: "mock-cred"},
	}
}

func TestSpeakCompletes(t *testing.T) {
	eng := engine.NewMockEngine()
	keep := &countingKeepAlive{}
	b := New(testLogger(), synth.NewOrchestrator(testLogger()), keep, time.Second*5)
	cb := &recordCallback{}

	if err := b.Speak(context.Background(), speakRequest(eng, "hello world"), cb); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	order := cb.snapshot()
	if len(order) < 3 || order[0] != "start" || order[len(order)-1] != "done" {
		t.Fatalf("unexpected callback order: %v", order)
	}
	if cb.audio == 0 {
		t.Fatal("expected audio before done")
	}
	if !keep.balanced() {
		t.Fatalf("keep-alive unbalanced: %d acquires, %d releases", keep.acquires.Load(), keep.releases.Load())
	}
}

func TestSpeakTimesOut(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.OnCall = func(int, string) []engine.Event { return nil } // hang until stopped
	keep := &countingKeepAlive{}
	b := New(testLogger(), synth.NewOrchestrator(testLogger()), keep, 50*time.Millisecond)
	cb := &recordCallback{}

	err := b.Speak(context.Background(), speakRequest(eng, "never finishes"), cb)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if code := engine.CodeOf(err); code != engine.CodeTimeout {
		t.Fatalf("expected timeout code, got %s (%v)", code, err)
	}
	if len(cb.errors) != 1 || cb.errors[0] != HostErrorNetworkTimeout {
		t.Fatalf("expected single network-timeout host error, got %v", cb.errors)
	}
	if cb.done != 0 || cb.stopped != 0 {
		t.Fatalf("expected no other terminal callbacks, got done=%d stopped=%d", cb.done, cb.stopped)
	}
	if stops := eng.StopCount(); stops != 1 {
		t.Fatalf("expected exactly one engine stop, got %d", stops)
	}
	if !keep.balanced() {
		t.Fatal("keep-alive unbalanced after timeout")
	}
}

func TestStopUnblocksSpeak(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.OnCall = func(int, string) []engine.Event { return nil }
	keep := &countingKeepAlive{}
	b := New(testLogger(), synth.NewOrchestrator(testLogger()), keep, 5*time.Second)
	cb := &recordCallback{}

	result := make(chan error, 1)
	go func() {
		result <- b.Speak(context.Background(), speakRequest(eng, "interrupt me"), cb)
	}()

	deadline := time.After(2 * time.Second)
	for len(eng.Texts()) == 0 {
		select {
		case <-deadline:
			t.Fatal("speak never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
	b.Stop()

	var err error
	select {
	case err = <-result:
	case <-time.After(5 * time.Second):
		t.Fatal("speak did not return after stop")
	}
	if code := engine.CodeOf(err); code != engine.CodeCancelled {
		t.Fatalf("expected cancelled, got %s (%v)", code, err)
	}
	if cb.stopped != 1 {
		t.Fatalf("expected one stopped callback, got %d", cb.stopped)
	}
	if len(cb.errors) != 0 {
		t.Fatalf("expected no error callback after stop, got %v", cb.errors)
	}
	if !keep.balanced() {
		t.Fatal("keep-alive unbalanced after stop")
	}
}

func TestEngineFailureSurfacesHostCode(t *testing.T) {
	eng := engine.NewMockEngine()
	eng.OnCall = func(int, string) []engine.Event {
		return []engine.Event{
			{Kind: engine.EventStarted},
			{Kind: engine.EventError, Err: engine.NewError(engine.CodeNetworkUnavailable, "no route")},
		}
	}
	b := New(testLogger(), synth.NewOrchestrator(testLogger()), nil, time.Second)
	cb := &recordCallback{}

	err := b.Speak(context.Background(), speakRequest(eng, "hello"), cb)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(cb.errors) != 1 || cb.errors[0] != HostErrorNetwork {
		t.Fatalf("expected network host error, got %v", cb.errors)
	}
}

func TestNoCallbackAfterTerminal(t *testing.T) {
	cb := &recordCallback{}
	g := &guardedCallback{cb: cb}

	g.start(engine.AudioFormat{SampleRate: 22050, Encoding: engine.EncodingPCM16, Channels: 1})
	g.done()
	g.audio([]byte{1, 2})
	g.error(HostErrorGeneric)
	g.stopped()

	if cb.audio != 0 {
		t.Fatalf("expected late audio dropped, got %d", cb.audio)
	}
	if cb.done != 1 || cb.stopped != 0 || len(cb.errors) != 0 {
		t.Fatalf("expected single terminal, got done=%d stopped=%d errors=%v", cb.done, cb.stopped, cb.errors)
	}
}

func TestHostCodeMapping(t *testing.T) {
	cases := []struct {
		code engine.Code
		want int
	}{
		{engine.CodeInvalidRequest, HostErrorInvalidRequest},
		{engine.CodeNotConfigured, HostErrorService},
		{engine.CodeAuthFailure, HostErrorService},
		{engine.CodeRateLimited, HostErrorService},
		{engine.CodeUpstreamServerError, HostErrorService},
		{engine.CodeNetworkUnavailable, HostErrorNetwork},
		{engine.CodeNetworkTimeout, HostErrorNetworkTimeout},
		{engine.CodeTimeout, HostErrorNetworkTimeout},
		{engine.CodeSynthesisFailure, HostErrorSynthesis},
		{engine.CodeUnknown, HostErrorGeneric},
		{engine.CodeCancelled, HostErrorGeneric},
	}
	for _, tc := range cases {
		if got := HostCode(tc.code); got != tc.want {
			t.Fatalf("HostCode(%s) = %d, want %d", tc.code, got, tc.want)
		}
	}
}
