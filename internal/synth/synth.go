package synth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/chunker"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/google/uuid"
)

// Sink receives the audio of one synthesis session. Start is called
// exactly once, before any audio, and never after the session ended.
type Sink interface {
	Start(format engine.AudioFormat) error
	Audio(pcm []byte) error
}

// Request describes one utterance to synthesize.
type Request struct {
	Text   string
	Params engine.Params
	Engine engine.Engine
	Config engine.Config
}

// Session is the handle for one in-flight utterance. It resolves
// exactly once: Err is nil after a clean finish, an *engine.Error
// otherwise (including cancellation).
type Session struct {
	ID string

	ctx       context.Context
	cancel    context.CancelFunc
	eng       engine.Engine
	cancelled atomic.Bool
	once      sync.Once
	done      chan struct{}
	err       error
}

// Done closes when the session has resolved.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err is valid after Done closes.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the session resolves or ctx expires.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return engine.WrapError(engine.CodeTimeout, "wait aborted", ctx.Err())
	}
}

func (s *Session) finish(err error) {
	s.once.Do(func() {
		if err != nil {
			s.err = engine.WrapError(engine.CodeUnknown, "synthesis failed", err)
		}
		s.cancel()
		close(s.done)
	})
}

// preempt marks the session cancelled and resolves it. Events still in
// flight from the engine are drained and discarded afterwards.
func (s *Session) preempt(reason string) {
	s.cancelled.Store(true)
	s.eng.Stop()
	s.finish(engine.NewError(engine.CodeCancelled, reason))
}

// Orchestrator runs utterances against an engine one at a time: it
// splits text into provider-sized chunks, sequences one engine call per
// chunk, and forwards audio to the session's sink. Starting a new
// utterance preempts the current one.
type Orchestrator struct {
	log *slog.Logger

	mu      sync.Mutex
	current *Session
}

func NewOrchestrator(log *slog.Logger) *Orchestrator {
	return &Orchestrator{log: log.With("component", "synth")}
}

// Synthesize begins a session and returns its handle without blocking.
// Any session already in flight is stopped first and resolves as
// cancelled.
func (o *Orchestrator) Synthesize(ctx context.Context, req Request, sink Sink) (*Session, error) {
	if req.Engine == nil {
		return nil, engine.NewError(engine.CodeInvalidRequest, "no engine selected")
	}
	if !req.Engine.Configured(req.Config) {
		return nil, engine.NewError(engine.CodeNotConfigured, "engine not configured")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &Session{
		ID:     uuid.NewString(),
		ctx:    sessCtx,
		cancel: cancel,
		eng:    req.Engine,
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	if o.current != nil {
		o.current.preempt("superseded by new utterance")
	}
	o.current = sess
	o.mu.Unlock()

	o.log.Debug("session started",
		"session_id", sess.ID,
		"engine", string(req.Engine.Identity().ID),
		"text_runes", len([]rune(req.Text)))

	go o.run(sess, req, sink)
	return sess, nil
}

// Stop cancels the in-flight session, if any. Idempotent.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	sess := o.current
	o.mu.Unlock()
	if sess != nil {
		sess.preempt("stopped")
	}
}

func (o *Orchestrator) run(sess *Session, req Request, sink Sink) {
	defer func() {
		o.mu.Lock()
		if o.current == sess {
			o.current = nil
		}
		o.mu.Unlock()
	}()

	started := time.Now()
	chunks := chunker.Split(req.Text, req.Engine.MaxChunkLength())

	// The sink learns the format before any chunk is dispatched, so
	// downstream buffers exist before the first byte arrives.
	if err := sink.Start(req.Engine.AudioFormat()); err != nil {
		sess.finish(engine.WrapError(engine.CodeSynthesisFailure, "sink rejected session", err))
		return
	}

	for i, chunk := range chunks {
		if sess.cancelled.Load() || sess.ctx.Err() != nil {
			sess.finish(engine.NewError(engine.CodeCancelled, "session cancelled"))
			return
		}
		if err := o.speakChunk(sess, req, sink, i, chunk); err != nil {
			o.log.Warn("session failed",
				"session_id", sess.ID,
				"chunk", i,
				"code", string(engine.CodeOf(err)))
			sess.finish(err)
			return
		}
	}

	o.log.Debug("session complete",
		"session_id", sess.ID,
		"chunks", len(chunks),
		"elapsed_ms", time.Since(started).Milliseconds())
	sess.finish(nil)
}

// speakChunk runs one engine call to completion. The event channel is
// always drained to its close, with stale events discarded once the
// session is cancelled.
func (o *Orchestrator) speakChunk(sess *Session, req Request, sink Sink, index int, text string) error {
	events, err := req.Engine.Synthesize(sess.ctx, text, req.Params, req.Config)
	if err != nil {
		return err
	}

	var terminal error
	resolved := false
	for ev := range events {
		if sess.cancelled.Load() {
			continue
		}
		if resolved {
			continue
		}
		switch ev.Kind {
		case engine.EventStarted:
			// Chunk accepted upstream; nothing to forward.
		case engine.EventAudio:
			if err := sink.Audio(ev.PCM); err != nil {
				terminal = engine.WrapError(engine.CodeSynthesisFailure, "sink write failed", err)
				resolved = true
				req.Engine.Stop()
			}
		case engine.EventError:
			terminal = ev.Err
			resolved = true
		case engine.EventComplete:
			resolved = true
		}
	}

	if sess.cancelled.Load() {
		return engine.NewError(engine.CodeCancelled, "session cancelled")
	}
	if !resolved {
		// Engines may drop the terminal event once their context is
		// done; a closed stream under a cancelled context is a
		// cancellation, not a protocol violation.
		if sess.ctx.Err() != nil {
			return engine.WrapError(engine.CodeCancelled, "session cancelled", sess.ctx.Err())
		}
		return engine.NewError(engine.CodeSynthesisFailure, "engine stream ended without terminal event")
	}
	if terminal != nil {
		o.log.Debug("chunk failed", "session_id", sess.ID, "chunk", index)
	}
	return terminal
}
