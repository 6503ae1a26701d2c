package doubao

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/google/uuid"
)

const (
	defaultEndpoint = "https://openspeech.bytedance.com/api/v1/tts/ws_binary"
	defaultCluster  = "volcano_tts"
	defaultVoice    = "zh_female_qingxin"

	// Terminal success sentinel on the response stream. Not an audio
	// line and not an error.
	codeSuccessDone = 20000000

	maxChunkRunes = 300
)

type synthRequest struct {
	App   appBlock   `json:"app"`
	User  userBlock  `json:"user"`
	Audio audioBlock `json:"audio"`
	Req   reqBlock   `json:"request"`
}

type appBlock struct {
	AppID   string `json:"appid"`
	Token   string `json:"token"`
	Cluster string `json:"cluster"`
}

type userBlock struct {
	UID string `json:"uid"`
}

type audioBlock struct {
	VoiceType    string `json:"voice_type"`
	Encoding     string `json:"encoding"`
	SampleRate   int    `json:"rate"`
	SpeechRate   int    `json:"speech_rate"`
	PitchRate    int    `json:"pitch_rate"`
	LoudnessRate int    `json:"loudness_rate"`
}

type reqBlock struct {
	ReqID     string `json:"reqid"`
	Text      string `json:"text"`
	Operation string `json:"operation"`
}

// synthLine is one newline-delimited JSON frame of the response body.
// code 0 with data carries base64 PCM; code 0 with sentence is sentence
// metadata the pipeline ignores; codeSuccessDone ends the stream.
type synthLine struct {
	Code     int             `json:"code"`
	Message  string          `json:"message"`
	Data     string          `json:"data"`
	Sentence json.RawMessage `json:"sentence"`
}

// Engine streams synthesis from the Doubao HTTP endpoint: one POST per
// text chunk, audio arriving as newline-delimited JSON frames.
type Engine struct {
	log    *slog.Logger
	client *http.Client
	guard  engine.CallGuard
}

func New(log *slog.Logger) *Engine {
	return &Engine{
		log: log.With("engine", string(engine.Doubao)),
		client: &http.Client{
			Timeout: 0, // per-call deadline comes from the context
		},
	}
}

func (e *Engine) Identity() engine.Identity {
	return engine.Identity{
		ID:          engine.Doubao,
		DisplayName: "Doubao TTS",
		Provider:    "Volcengine",
	}
}

func (e *Engine) Configured(cfg engine.Config) bool {
	return cfg.Valid() && strings.TrimSpace(cfg.Extra["appid"]) != ""
}

func (e *Engine) AudioFormat() engine.AudioFormat {
	return engine.AudioFormat{SampleRate: 24000, Encoding: engine.EncodingPCM16, Channels: 1}
}

func (e *Engine) MaxChunkLength() int { return maxChunkRunes }

func (e *Engine) Synthesize(ctx context.Context, text string, params engine.Params, cfg engine.Config) (<-chan engine.Event, error) {
	if !e.Configured(cfg) {
		return nil, engine.NewError(engine.CodeNotConfigured, "doubao credential or appid missing")
	}
	if strings.TrimSpace(text) == "" {
		return nil, engine.NewError(engine.CodeInvalidRequest, "empty text")
	}

	callCtx, err := e.guard.Begin(ctx)
	if err != nil {
		return nil, err
	}

	voice := cfg.Voice
	if voice == "" {
		voice = defaultVoice
	}
	cluster := cfg.Extra["cluster"]
	if cluster == "" {
		cluster = defaultCluster
	}

	payload := synthRequest{
		App: appBlock{
			AppID:   cfg.Extra["appid"],
			Token:   cfg.Credential,
			Cluster: cluster,
		},
		User: userBlock{UID: "talkify"},
		Audio: audioBlock{
			VoiceType:    voice,
			Encoding:     "pcm",
			SampleRate:   e.AudioFormat().SampleRate,
			SpeechRate:   mapParam(params.Rate),
			PitchRate:    mapParam(params.Pitch),
			LoudnessRate: mapParam(params.Volume),
		},
		Req: reqBlock{
			ReqID:     uuid.NewString(),
			Text:      text,
			Operation: "submit",
		},
	}

	events := make(chan engine.Event)
	go e.run(callCtx, payload, cfg, events)
	return events, nil
}

func (e *Engine) run(ctx context.Context, payload synthRequest, cfg engine.Config, events chan<- engine.Event) {
	defer e.guard.End()
	defer close(events)

	started := time.Now()
	err := e.stream(ctx, payload, cfg, events)
	// A dropped terminal send means ctx is done; the consumer reads the
	// cancellation off the closed channel.
	if err != nil {
		typed := engine.ClassifyTransport(err)
		e.log.Warn("synthesis call failed",
			"code", string(typed.Code),
			"credential", engine.MaskCredential(cfg.Credential),
			"error", typed.Message)
		e.send(ctx, events, engine.Event{Kind: engine.EventError, Err: typed})
		return
	}
	e.log.Debug("synthesis call complete", "elapsed_ms", time.Since(started).Milliseconds())
	e.send(ctx, events, engine.Event{Kind: engine.EventComplete})
}

func (e *Engine) stream(ctx context.Context, payload synthRequest, cfg engine.Config, events chan<- engine.Event) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := cfg.Extra["endpoint"]
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer;"+cfg.Credential)

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return engine.ClassifyHTTP(resp.StatusCode, fmt.Sprintf("doubao returned status %s", resp.Status))
	}

	if !e.send(ctx, events, engine.Event{Kind: engine.EventStarted}) {
		return ctx.Err()
	}

	// Audio frames are base64 and can exceed bufio.Scanner's default
	// token limit, so read raw lines instead.
	reader := bufio.NewReader(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, readErr := reader.ReadBytes('\n')
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			done, lineErr := e.handleLine(ctx, trimmed, events)
			if lineErr != nil {
				return lineErr
			}
			if done {
				return nil
			}
		}
		if readErr == io.EOF {
			// Stream ended without the success sentinel.
			return engine.NewError(engine.CodeSynthesisFailure, "doubao stream ended before completion")
		}
		if readErr != nil {
			return readErr
		}
	}
}

func (e *Engine) handleLine(ctx context.Context, line []byte, events chan<- engine.Event) (bool, error) {
	var frame synthLine
	if err := json.Unmarshal(line, &frame); err != nil {
		return false, engine.WrapError(engine.CodeSynthesisFailure, "malformed doubao frame", err)
	}

	switch {
	case frame.Code == codeSuccessDone:
		return true, nil
	case frame.Code != 0:
		msg := frame.Message
		if msg == "" {
			msg = fmt.Sprintf("doubao error code %d", frame.Code)
		}
		return false, classifyProviderCode(frame.Code, msg)
	case frame.Data != "":
		pcm, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			return false, engine.WrapError(engine.CodeSynthesisFailure, "invalid audio payload", err)
		}
		if len(pcm) > 0 {
			if !e.send(ctx, events, engine.Event{Kind: engine.EventAudio, PCM: pcm}) {
				return false, ctx.Err()
			}
		}
		return false, nil
	default:
		// Sentence metadata frame. Nothing downstream needs it.
		return false, nil
	}
}

func (e *Engine) send(ctx context.Context, events chan<- engine.Event, ev engine.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) Stop()    { e.guard.Stop() }
func (e *Engine) Release() { e.guard.Release() }

func (e *Engine) Languages() []string {
	return []string{"zh-CN", "en-US"}
}

func (e *Engine) Voices() []engine.Voice {
	return []engine.Voice{
		{ID: "zh_female_qingxin", Name: "Qingxin", Language: "zh-CN"},
		{ID: "zh_male_chunhou", Name: "Chunhou", Language: "zh-CN"},
		{ID: "zh_female_shuangkuai", Name: "Shuangkuai", Language: "zh-CN"},
		{ID: "en_female_sarah", Name: "Sarah", Language: "en-US"},
		{ID: "en_male_adam", Name: "Adam", Language: "en-US"},
	}
}

func (e *Engine) DefaultVoice(language string) string {
	for _, v := range e.Voices() {
		if strings.EqualFold(v.Language, language) {
			return v.ID
		}
	}
	return defaultVoice
}

func (e *Engine) ValidVoice(id string) bool {
	for _, v := range e.Voices() {
		if v.ID == id {
			return true
		}
	}
	return false
}

// mapParam converts a host-range value (0-200, 100 neutral) into the
// provider's asymmetric range of -50..100 with 0 neutral.
func mapParam(v int) int {
	if v < 0 {
		v = 0
	}
	if v > 200 {
		v = 200
	}
	if v <= 100 {
		return (v - 100) / 2
	}
	return v - 100
}

// classifyProviderCode maps in-band doubao error codes to the taxonomy.
func classifyProviderCode(code int, msg string) *engine.Error {
	switch code {
	case 3001, 3003:
		return engine.NewError(engine.CodeInvalidRequest, msg)
	case 3005, 4001, 4002:
		return engine.NewError(engine.CodeAuthFailure, msg)
	case 4003:
		return engine.NewError(engine.CodeRateLimited, msg)
	case 3010, 3011, 5000:
		return engine.NewError(engine.CodeUpstreamServerError, msg)
	default:
		return engine.NewError(engine.CodeSynthesisFailure, msg)
	}
}
