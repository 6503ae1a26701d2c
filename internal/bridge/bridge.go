package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/LonePheasantWarrior/talkify-core/internal/synth"
)

// Host error codes, as the embedding platform defines them.
const (
	HostErrorGeneric        = -1
	HostErrorSynthesis      = -3
	HostErrorService        = -4
	HostErrorNetwork        = -6
	HostErrorNetworkTimeout = -7
	HostErrorInvalidRequest = -8
)

// DefaultTimeout bounds one Speak call when the config does not say
// otherwise.
const DefaultTimeout = 5 * time.Minute

// Callback is the host-facing notification surface for one utterance.
// Start arrives before any audio; exactly one of Done, Stopped, or
// Error ends the utterance, after which no further calls are made.
type Callback interface {
	Start(format engine.AudioFormat)
	AudioAvailable(pcm []byte)
	Done()
	Stopped()
	Error(code int)
}

// KeepAlive lets the host hold a wake lock (or equivalent) for the
// duration of one utterance. Acquire and Release are balanced on every
// exit path.
type KeepAlive interface {
	Acquire()
	Release()
}

// NopKeepAlive is for hosts without power management.
type NopKeepAlive struct{}

func (NopKeepAlive) Acquire() {}
func (NopKeepAlive) Release() {}

// Bridge adapts the asynchronous synthesis core to a host expecting a
// blocking call per utterance: Speak returns only after the utterance
// resolved or the time budget ran out.
type Bridge struct {
	log     *slog.Logger
	orch    *synth.Orchestrator
	keep    KeepAlive
	timeout time.Duration
}

func New(log *slog.Logger, orch *synth.Orchestrator, keep KeepAlive, timeout time.Duration) *Bridge {
	if keep == nil {
		keep = NopKeepAlive{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{
		log:     log.With("component", "bridge"),
		orch:    orch,
		keep:    keep,
		timeout: timeout,
	}
}

// Speak synthesizes one utterance and blocks until it resolves. The
// returned error mirrors what the callback was told: nil after Done,
// a cancelled error after Stopped, a typed error after Error.
func (b *Bridge) Speak(ctx context.Context, req synth.Request, cb Callback) error {
	if cb == nil {
		return engine.NewError(engine.CodeInvalidRequest, "nil callback")
	}

	b.keep.Acquire()
	defer b.keep.Release()

	guarded := &guardedCallback{cb: cb}

	sess, err := b.orch.Synthesize(ctx, req, (*callbackSink)(guarded))
	if err != nil {
		code := engine.CodeOf(err)
		guarded.error(HostCode(code))
		return err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-sess.Done():
	case <-timer.C:
		b.log.Warn("utterance exceeded time budget", "session_id", sess.ID, "budget", b.timeout)
		b.orch.Stop()
		<-sess.Done()
		guarded.error(HostCode(engine.CodeTimeout))
		return engine.NewError(engine.CodeTimeout, "utterance exceeded time budget")
	case <-ctx.Done():
		b.orch.Stop()
		<-sess.Done()
		guarded.stopped()
		return engine.WrapError(engine.CodeCancelled, "host abandoned utterance", ctx.Err())
	}

	err = sess.Err()
	switch {
	case err == nil:
		guarded.done()
		return nil
	case engine.CodeOf(err) == engine.CodeCancelled:
		guarded.stopped()
		return err
	default:
		guarded.error(HostCode(engine.CodeOf(err)))
		return err
	}
}

// Stop interrupts the in-flight utterance; the blocked Speak call then
// returns with the callback's Stopped notification.
func (b *Bridge) Stop() {
	b.orch.Stop()
}

// HostCode maps the failure taxonomy onto host error codes.
func HostCode(code engine.Code) int {
	switch code {
	case engine.CodeInvalidRequest:
		return HostErrorInvalidRequest
	case engine.CodeNotConfigured, engine.CodeAuthFailure, engine.CodeRateLimited, engine.CodeUpstreamServerError:
		return HostErrorService
	case engine.CodeNetworkUnavailable:
		return HostErrorNetwork
	case engine.CodeNetworkTimeout, engine.CodeTimeout:
		return HostErrorNetworkTimeout
	case engine.CodeSynthesisFailure:
		return HostErrorSynthesis
	default:
		return HostErrorGeneric
	}
}

// guardedCallback serializes callback delivery and drops everything
// after the terminal notification, so late events from an unwinding
// session never reach the host.
type guardedCallback struct {
	cb     Callback
	mu     sync.Mutex
	closed bool
}

func (g *guardedCallback) start(format engine.AudioFormat) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.cb.Start(format)
}

func (g *guardedCallback) audio(pcm []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.cb.AudioAvailable(pcm)
}

func (g *guardedCallback) done() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.cb.Done()
}

func (g *guardedCallback) stopped() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.cb.Stopped()
}

func (g *guardedCallback) error(code int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	g.cb.Error(code)
}

// callbackSink feeds session audio into the guarded callback.
type callbackSink guardedCallback

func (s *callbackSink) Start(format engine.AudioFormat) error {
	(*guardedCallback)(s).start(format)
	return nil
}

func (s *callbackSink) Audio(pcm []byte) error {
	(*guardedCallback)(s).audio(pcm)
	return nil
}
