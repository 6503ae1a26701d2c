package engine

import (
	"context"
	"sync"
)

// MockEngine is a scripted in-process engine used by tests and by the
// daemon's dry-run mode. Each call emits the events returned by OnCall;
// when OnCall is nil a call emits one silent audio payload and
// completes. Returning nil from OnCall makes the call hang until it is
// stopped, which is how timeout behavior is exercised.
type MockEngine struct {
	Ident  Identity
	Format AudioFormat
	MaxLen int
	OnCall func(call int, text string) []Event

	guard CallGuard
	mu    sync.Mutex
	texts []string
	stops int
}

func NewMockEngine() *MockEngine {
	return &MockEngine{
		Ident:  Identity{ID: "mock", DisplayName: "Mock Engine", Provider: "test"},
		Format: AudioFormat{SampleRate: 22050, Encoding: EncodingPCM16, Channels: 1},
		MaxLen: 200,
	}
}

func (m *MockEngine) Identity() Identity { return m.Ident }

func (m *MockEngine) Configured(cfg Config) bool { return cfg.Valid() }

func (m *MockEngine) AudioFormat() AudioFormat { return m.Format }

func (m *MockEngine) MaxChunkLength() int { return m.MaxLen }

func (m *MockEngine) Synthesize(ctx context.Context, text string, _ Params, cfg Config) (<-chan Event, error) {
	if !m.Configured(cfg) {
		return nil, NewError(CodeNotConfigured, "mock engine missing credential")
	}
	callCtx, err := m.guard.Begin(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	call := len(m.texts)
	m.texts = append(m.texts, text)
	script := m.OnCall
	m.mu.Unlock()

	events := []Event{
		{Kind: EventStarted},
		{Kind: EventAudio, PCM: make([]byte, 320)},
		{Kind: EventComplete},
	}
	if script != nil {
		events = script(call, text)
	}

	out := make(chan Event, len(events)+1)
	go func() {
		defer close(out)
		defer m.guard.End()
		if events == nil {
			<-callCtx.Done()
			out <- Event{Kind: EventError, Err: WrapError(CodeCancelled, "mock call stopped", callCtx.Err())}
			return
		}
		for _, ev := range events {
			select {
			case out <- ev:
			case <-callCtx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *MockEngine) Stop() {
	m.mu.Lock()
	m.stops++
	m.mu.Unlock()
	m.guard.Stop()
}

func (m *MockEngine) Release() { m.guard.Release() }

func (m *MockEngine) Languages() []string { return []string{"en-US"} }

func (m *MockEngine) Voices() []Voice {
	return []Voice{{ID: "mock-1", Name: "Mock Voice", Language: "en-US"}}
}

func (m *MockEngine) DefaultVoice(string) string { return "mock-1" }
func (m *MockEngine) ValidVoice(id string) bool  { return id == "mock-1" }

// Texts returns the chunk texts dispatched so far.
func (m *MockEngine) Texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

// StopCount returns how many times Stop has been invoked.
func (m *MockEngine) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops
}
