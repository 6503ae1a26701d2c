package xfyun

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/gorilla/websocket"
)

const (
	defaultEndpoint = "wss://tts-api.xfyun.cn/v2/tts"
	defaultVoice    = "xiaoyan"

	// Server-side frame status values.
	statusLast = 2

	maxChunkRunes = 256

	handshakeTimeout = 10 * time.Second
)

// credential is "appid:apikey:apisecret" as a single stored secret.
type credential struct {
	appID     string
	apiKey    string
	apiSecret string
}

func parseCredential(raw string) (credential, bool) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return credential{}, false
	}
	c := credential{
		appID:     strings.TrimSpace(parts[0]),
		apiKey:    strings.TrimSpace(parts[1]),
		apiSecret: strings.TrimSpace(parts[2]),
	}
	if c.appID == "" || c.apiKey == "" || c.apiSecret == "" {
		return credential{}, false
	}
	return c, true
}

type requestFrame struct {
	Common   commonBlock   `json:"common"`
	Business businessBlock `json:"business"`
	Data     dataBlock     `json:"data"`
}

type commonBlock struct {
	AppID string `json:"app_id"`
}

type businessBlock struct {
	AUE    string `json:"aue"`
	AUF    string `json:"auf"`
	VCN    string `json:"vcn"`
	Speed  int    `json:"speed"`
	Volume int    `json:"volume"`
	Pitch  int    `json:"pitch"`
	TTE    string `json:"tte"`
}

type dataBlock struct {
	Status int    `json:"status"`
	Text   string `json:"text"`
}

type responseFrame struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	SID     string `json:"sid"`
	Data    struct {
		Audio  string `json:"audio"`
		Status int    `json:"status"`
	} `json:"data"`
}

// Engine streams synthesis over the Xfyun websocket API: one signed
// connection per text chunk, audio arriving as base64 PCM frames until
// the server marks the last frame.
type Engine struct {
	log    *slog.Logger
	dialer *websocket.Dialer
	guard  engine.CallGuard
}

func New(log *slog.Logger) *Engine {
	return &Engine{
		log: log.With("engine", string(engine.Xfyun)),
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

func (e *Engine) Identity() engine.Identity {
	return engine.Identity{
		ID:          engine.Xfyun,
		DisplayName: "Xfyun TTS",
		Provider:    "iFlytek",
	}
}

func (e *Engine) Configured(cfg engine.Config) bool {
	if !cfg.Valid() {
		return false
	}
	_, ok := parseCredential(cfg.Credential)
	return ok
}

func (e *Engine) AudioFormat() engine.AudioFormat {
	return engine.AudioFormat{SampleRate: 16000, Encoding: engine.EncodingPCM16, Channels: 1}
}

func (e *Engine) MaxChunkLength() int { return maxChunkRunes }

func (e *Engine) Synthesize(ctx context.Context, text string, params engine.Params, cfg engine.Config) (<-chan engine.Event, error) {
	cred, ok := parseCredential(cfg.Credential)
	if !ok {
		return nil, engine.NewError(engine.CodeNotConfigured, "xfyun credential must be appid:apikey:apisecret")
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
	frame := requestFrame{
		Common: commonBlock{AppID: cred.appID},
		Business: businessBlock{
			AUE:    "raw",
			AUF:    "audio/L16;rate=16000",
			VCN:    voice,
			Speed:  mapParam(params.Rate),
			Volume: mapParam(params.Volume),
			Pitch:  mapParam(params.Pitch),
			TTE:    "UTF8",
		},
		Data: dataBlock{
			Status: statusLast,
			Text:   base64.StdEncoding.EncodeToString([]byte(text)),
		},
	}

	endpoint := cfg.Extra["endpoint"]
	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	events := make(chan engine.Event)
	go e.run(callCtx, endpoint, cred, frame, events)
	return events, nil
}

func (e *Engine) run(ctx context.Context, endpoint string, cred credential, frame requestFrame, events chan<- engine.Event) {
	defer e.guard.End()
	defer close(events)

	err := e.stream(ctx, endpoint, cred, frame, events)
	// A dropped terminal send means ctx is done; the consumer reads the
	// cancellation off the closed channel.
	if err != nil {
		typed := classifyStreamError(ctx, err)
		e.log.Warn("synthesis call failed",
			"code", string(typed.Code),
			"app_id", cred.appID,
			"api_key", engine.MaskCredential(cred.apiKey),
			"error", typed.Message)
		e.send(ctx, events, engine.Event{Kind: engine.EventError, Err: typed})
		return
	}
	e.send(ctx, events, engine.Event{Kind: engine.EventComplete})
}

func (e *Engine) stream(ctx context.Context, endpoint string, cred credential, frame requestFrame, events chan<- engine.Event) error {
	signed, err := signURL(endpoint, cred, time.Now().UTC())
	if err != nil {
		return engine.WrapError(engine.CodeInvalidRequest, "invalid xfyun endpoint", err)
	}

	conn, resp, err := e.dialer.DialContext(ctx, signed, nil)
	if err != nil {
		if resp != nil {
			return engine.ClassifyHTTP(resp.StatusCode, fmt.Sprintf("xfyun handshake rejected: %s", resp.Status))
		}
		return err
	}
	defer conn.Close()

	// ReadMessage has no context awareness, so cancellation tears the
	// connection down underneath it.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-watchDone:
		}
	}()

	if err := conn.WriteJSON(frame); err != nil {
		return err
	}

	if !e.send(ctx, events, engine.Event{Kind: engine.EventStarted}) {
		return ctx.Err()
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var reply responseFrame
		if err := json.Unmarshal(message, &reply); err != nil {
			return engine.WrapError(engine.CodeSynthesisFailure, "malformed xfyun frame", err)
		}
		if reply.Code != 0 {
			msg := reply.Message
			if msg == "" {
				msg = fmt.Sprintf("xfyun error code %d", reply.Code)
			}
			return classifyProviderCode(reply.Code, msg)
		}
		if reply.Data.Audio != "" {
			pcm, err := base64.StdEncoding.DecodeString(reply.Data.Audio)
			if err != nil {
				return engine.WrapError(engine.CodeSynthesisFailure, "invalid audio payload", err)
			}
			if len(pcm) > 0 {
				if !e.send(ctx, events, engine.Event{Kind: engine.EventAudio, PCM: pcm}) {
					return ctx.Err()
				}
			}
		}
		if reply.Data.Status == statusLast {
			return nil
		}
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
		{ID: "xiaoyan", Name: "Xiaoyan", Language: "zh-CN"},
		{ID: "aisjiuxu", Name: "Jiuxu", Language: "zh-CN"},
		{ID: "aisxping", Name: "Xiaoping", Language: "zh-CN"},
		{ID: "aisjinger", Name: "Jinger", Language: "zh-CN"},
		{ID: "x4_enus_luna", Name: "Luna", Language: "en-US"},
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
// provider's 0-100 range with 50 neutral.
func mapParam(v int) int {
	if v < 0 {
		v = 0
	}
	if v > 200 {
		v = 200
	}
	return v / 2
}

// signURL builds the HMAC-SHA256 signed handshake URL the provider
// expects: the signature covers host, date, and the GET request line.
func signURL(endpoint string, cred credential, now time.Time) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	date := now.Format(http.TimeFormat)
	origin := fmt.Sprintf("host: %s\ndate: %s\nGET %s HTTP/1.1", u.Host, date, u.Path)

	mac := hmac.New(sha256.New, []byte(cred.apiSecret))
	mac.Write([]byte(origin))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	auth := fmt.Sprintf(
		`api_key="%s", algorithm="hmac-sha256", headers="host date request-line", signature="%s"`,
		cred.apiKey, signature)

	query := url.Values{}
	query.Set("authorization", base64.StdEncoding.EncodeToString([]byte(auth)))
	query.Set("date", date)
	query.Set("host", u.Host)
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func classifyStreamError(ctx context.Context, err error) *engine.Error {
	if ctx.Err() != nil {
		return engine.WrapError(engine.CodeCancelled, "call cancelled", ctx.Err())
	}
	return engine.ClassifyTransport(err)
}

// classifyProviderCode maps in-band xfyun error codes to the taxonomy.
func classifyProviderCode(code int, msg string) *engine.Error {
	switch code {
	case 10005, 10313, 11200, 11201:
		return engine.NewError(engine.CodeAuthFailure, msg)
	case 11202, 11203, 10110:
		return engine.NewError(engine.CodeRateLimited, msg)
	case 10109, 10160, 10161:
		return engine.NewError(engine.CodeInvalidRequest, msg)
	default:
		return engine.NewError(engine.CodeSynthesisFailure, msg)
	}
}
