package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/bus"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/LonePheasantWarrior/talkify-core/internal/protocol"
	"github.com/LonePheasantWarrior/talkify-core/internal/store"
	"github.com/LonePheasantWarrior/talkify-core/internal/synth"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Relay exposes the synthesis core on the bus: speak requests come in
// on a well-known subject, audio and lifecycle updates go out on
// per-session subjects.
type Relay struct {
	log      *slog.Logger
	bus      *bus.Client
	registry *engine.Registry
	prefs    *store.Store
	orch     *synth.Orchestrator
	budget   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription

	meter      metric.Meter
	requests   metric.Int64Counter
	failures   metric.Int64Counter
	audioBytes metric.Int64Counter
	duration   metric.Float64Histogram
}

// New builds a relay. budget caps how long a single session may run
// before the relay stops it and reports a timeout.
func New(parent context.Context, busClient *bus.Client, registry *engine.Registry, prefs *store.Store, orch *synth.Orchestrator, budget time.Duration, log *slog.Logger) *Relay {
	ctx, cancel := context.WithCancel(parent)
	r := &Relay{
		log:      log.With(slog.String("component", "relay")),
		bus:      busClient,
		registry: registry,
		prefs:    prefs,
		orch:     orch,
		budget:   budget,
		ctx:      ctx,
		cancel:   cancel,
		meter:    otel.Meter("github.com/LonePheasantWarrior/talkify-core/runtime"),
	}
	r.initMetrics()
	return r
}

func (r *Relay) initMetrics() {
	var err error
	if r.requests, err = r.meter.Int64Counter("talkify.speak.requests"); err != nil {
		r.log.Warn("failed to register request counter", slog.String("error", err.Error()))
	}
	if r.failures, err = r.meter.Int64Counter("talkify.speak.failures"); err != nil {
		r.log.Warn("failed to register failure counter", slog.String("error", err.Error()))
	}
	if r.audioBytes, err = r.meter.Int64Counter("talkify.speak.audio_bytes"); err != nil {
		r.log.Warn("failed to register audio byte counter", slog.String("error", err.Error()))
	}
	if r.duration, err = r.meter.Float64Histogram("talkify.speak.duration_ms"); err != nil {
		r.log.Warn("failed to register duration histogram", slog.String("error", err.Error()))
	}
}

func (r *Relay) Start() error {
	speakSub, err := r.bus.Subscribe(protocol.SubjectSpeakRequest, r.handleSpeak)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, speakSub)

	stopSub, err := r.bus.Subscribe(protocol.SubjectStopRequest, r.handleStop)
	if err != nil {
		return err
	}
	r.subs = append(r.subs, stopSub)
	return nil
}

func (r *Relay) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Relay) Healthy() bool { return len(r.subs) > 0 }

func (r *Relay) handleStop(*nats.Msg) {
	r.orch.Stop()
}

func (r *Relay) handleSpeak(msg *nats.Msg) {
	var req protocol.SpeakRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.log.Warn("failed to decode speak request", slog.String("error", err.Error()))
		return
	}
	if req.SessionID == "" {
		r.log.Warn("speak request without session id dropped")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.speak(req)
	}()
}

func (r *Relay) speak(req protocol.SpeakRequest) {
	started := time.Now()
	eng, known := r.resolveEngine(req.Engine)
	attrs := metric.WithAttributes(attribute.String("engine", string(eng.Identity().ID)))
	if r.requests != nil {
		r.requests.Add(r.ctx, 1, attrs)
	}
	if !known && req.Engine != "" {
		r.log.Warn("unknown engine requested, using default",
			slog.String("requested", req.Engine),
			slog.String("session_id", req.SessionID))
	}

	cfg, ok, err := r.prefs.EngineConfig(r.ctx, eng.Identity().ID)
	if err != nil {
		r.log.Warn("engine config lookup failed", slog.String("error", err.Error()))
	}
	if !ok {
		r.failSession(req, eng, engine.NewError(engine.CodeNotConfigured, "engine not configured"), started)
		return
	}
	if req.Voice != "" && eng.ValidVoice(req.Voice) {
		cfg.Voice = req.Voice
	}

	sink := &busSink{relay: r, req: req, engineID: string(eng.Identity().ID)}
	sess, err := r.orch.Synthesize(r.ctx, synth.Request{
		Text:   req.Text,
		Params: requestParams(req),
		Engine: eng,
		Config: cfg,
	}, sink)
	if err != nil {
		r.failSession(req, eng, err, started)
		return
	}

	waitCtx := r.ctx
	if r.budget > 0 {
		var cancelWait context.CancelFunc
		waitCtx, cancelWait = context.WithTimeout(r.ctx, r.budget)
		defer cancelWait()
	}
	err = sess.Wait(waitCtx)
	if engine.CodeOf(err) == engine.CodeTimeout {
		// The session overran its budget. Stop it and wait for the
		// engine to unwind before closing the stream.
		r.log.Warn("session exceeded time budget, stopping",
			slog.String("session_id", req.SessionID),
			slog.Duration("budget", r.budget))
		r.orch.Stop()
		<-sess.Done()
	}
	sink.finish()
	if r.duration != nil {
		r.duration.Record(r.ctx, float64(time.Since(started).Milliseconds()), attrs)
	}

	switch {
	case err == nil:
		r.publishStatus(req, string(eng.Identity().ID), protocol.StateComplete, nil)
	case engine.CodeOf(err) == engine.CodeCancelled:
		r.publishStatus(req, string(eng.Identity().ID), protocol.StateStopped, nil)
	default:
		if r.failures != nil {
			r.failures.Add(r.ctx, 1, metric.WithAttributes(
				attribute.String("engine", string(eng.Identity().ID)),
				attribute.String("code", string(engine.CodeOf(err)))))
		}
		r.publishStatus(req, string(eng.Identity().ID), protocol.StateFailed, err)
	}
}

func (r *Relay) failSession(req protocol.SpeakRequest, eng engine.Engine, err error, started time.Time) {
	if r.failures != nil {
		r.failures.Add(r.ctx, 1, metric.WithAttributes(
			attribute.String("engine", string(eng.Identity().ID)),
			attribute.String("code", string(engine.CodeOf(err)))))
	}
	if r.duration != nil {
		r.duration.Record(r.ctx, float64(time.Since(started).Milliseconds()),
			metric.WithAttributes(attribute.String("engine", string(eng.Identity().ID))))
	}
	r.publishStatus(req, string(eng.Identity().ID), protocol.StateFailed, err)
}

func (r *Relay) resolveEngine(id string) (engine.Engine, bool) {
	if id != "" {
		return r.registry.Get(engine.ID(id))
	}
	selected, err := r.prefs.SelectedEngine(r.ctx, r.registry.Default().Identity().ID)
	if err != nil {
		r.log.Warn("selected engine lookup failed", slog.String("error", err.Error()))
	}
	return r.registry.Get(selected)
}

func (r *Relay) publishStatus(req protocol.SpeakRequest, engineID, state string, cause error) {
	status := protocol.SessionStatus{
		SessionID: req.SessionID,
		State:     state,
		Engine:    engineID,
		Timestamp: time.Now().UTC(),
	}
	if cause != nil {
		status.ErrorCode = string(engine.CodeOf(cause))
		status.Error = cause.Error()
	}
	if err := r.bus.PublishJSON(protocol.StatusSubject(req.SessionID), status); err != nil {
		r.log.Warn("failed to publish session status", slog.String("error", err.Error()))
	}
}

// busSink publishes session audio as per-session bus messages.
type busSink struct {
	relay    *Relay
	req      protocol.SpeakRequest
	engineID string

	mu       sync.Mutex
	format   engine.AudioFormat
	sequence int
	started  bool
}

func (s *busSink) Start(format engine.AudioFormat) error {
	s.mu.Lock()
	s.format = format
	s.started = true
	s.mu.Unlock()
	s.relay.publishStatus(s.req, s.engineID, protocol.StateStarted, nil)
	return nil
}

func (s *busSink) Audio(pcm []byte) error {
	s.mu.Lock()
	chunk := protocol.AudioChunk{
		SessionID:  s.req.SessionID,
		Sequence:   s.sequence,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		PCM:        pcm,
	}
	s.sequence++
	s.mu.Unlock()
	if s.relay.audioBytes != nil {
		s.relay.audioBytes.Add(s.relay.ctx, int64(len(pcm)),
			metric.WithAttributes(attribute.String("engine", s.engineID)))
	}
	return s.publish(chunk)
}

// finish closes the audio stream with an empty final chunk so
// subscribers can stop waiting without watching the status subject.
func (s *busSink) finish() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	chunk := protocol.AudioChunk{
		SessionID:  s.req.SessionID,
		Sequence:   s.sequence,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		Final:      true,
	}
	s.sequence++
	s.mu.Unlock()
	if err := s.publish(chunk); err != nil {
		s.relay.log.Warn("failed to publish final chunk", slog.String("error", err.Error()))
	}
}

func (s *busSink) publish(chunk protocol.AudioChunk) error {
	return s.relay.bus.PublishJSON(protocol.AudioSubject(chunk.SessionID), chunk)
}

// requestParams fills neutral defaults for fields the request left at
// zero.
func requestParams(req protocol.SpeakRequest) engine.Params {
	params := engine.DefaultParams()
	if req.Pitch > 0 {
		params.Pitch = req.Pitch
	}
	if req.Rate > 0 {
		params.Rate = req.Rate
	}
	if req.Volume > 0 {
		params.Volume = req.Volume
	}
	params.Language = req.Language
	return params
}
