package localexec

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/mattn/go-shellwords"
)

const (
	defaultVoice  = "default"
	maxChunkRunes = 500
)

// execRequest is the JSON document written to the child's stdin.
type execRequest struct {
	Text       string `json:"text"`
	Voice      string `json:"voice"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	Pitch      int    `json:"pitch"`
	Rate       int    `json:"rate"`
	Volume     int    `json:"volume"`
}

// execResponse is one JSON line of the child's stdout.
type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

// Engine shells out to a local synthesizer process per text chunk. The
// command line lives in the engine config so the runtime owner can
// point it at espeak-ng, piper, or any wrapper speaking the JSON-lines
// protocol.
type Engine struct {
	log   *slog.Logger
	guard engine.CallGuard
}

func New(log *slog.Logger) *Engine {
	return &Engine{log: log.With("engine", string(engine.Local))}
}

func (e *Engine) Identity() engine.Identity {
	return engine.Identity{
		ID:          engine.Local,
		DisplayName: "Local Process",
		Provider:    "local",
	}
}

// Configured is true when the credential holds a command line: for
// local synthesis the credential is the command itself.
func (e *Engine) Configured(cfg engine.Config) bool {
	args, err := parseCommand(cfg)
	return err == nil && len(args) > 0
}

func (e *Engine) AudioFormat() engine.AudioFormat {
	return engine.AudioFormat{SampleRate: 22050, Encoding: engine.EncodingPCM16, Channels: 1}
}

func (e *Engine) MaxChunkLength() int { return maxChunkRunes }

func (e *Engine) Synthesize(ctx context.Context, text string, params engine.Params, cfg engine.Config) (<-chan engine.Event, error) {
	args, err := parseCommand(cfg)
	if err != nil {
		return nil, engine.WrapError(engine.CodeNotConfigured, "invalid local command", err)
	}
	if len(args) == 0 {
		return nil, engine.NewError(engine.CodeNotConfigured, "local command not configured")
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
	req := execRequest{
		Text:       text,
		Voice:      voice,
		SampleRate: e.AudioFormat().SampleRate,
		Channels:   e.AudioFormat().Channels,
		Pitch:      params.Pitch,
		Rate:       params.Rate,
		Volume:     params.Volume,
	}

	events := make(chan engine.Event)
	go e.run(callCtx, args, req, events)
	return events, nil
}

func (e *Engine) run(ctx context.Context, args []string, req execRequest, events chan<- engine.Event) {
	defer e.guard.End()
	defer close(events)

	err := e.stream(ctx, args, req, events)
	// A dropped terminal send means ctx is done; the consumer reads the
	// cancellation off the closed channel.
	if err != nil {
		typed := classifyExecError(ctx, err)
		e.log.Warn("local synthesis failed", "command", args[0], "code", string(typed.Code), "error", typed.Message)
		e.send(ctx, events, engine.Event{Kind: engine.EventError, Err: typed})
		return
	}
	e.send(ctx, events, engine.Event{Kind: engine.EventComplete})
}

func (e *Engine) stream(ctx context.Context, args []string, req execRequest, events chan<- engine.Event) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return engine.WrapError(engine.CodeNotConfigured, "local synthesizer failed to start", err)
	}

	if _, err := stdin.Write(data); err != nil {
		cmd.Wait()
		return err
	}
	stdin.Close()

	if !e.send(ctx, events, engine.Event{Kind: engine.EventStarted}) {
		cmd.Wait()
		return ctx.Err()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			cmd.Wait()
			return engine.WrapError(engine.CodeSynthesisFailure, "malformed synthesizer output", err)
		}
		if resp.Error != "" {
			cmd.Wait()
			return engine.NewError(engine.CodeSynthesisFailure, resp.Error)
		}
		if resp.PCMBase64 != "" {
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				cmd.Wait()
				return engine.WrapError(engine.CodeSynthesisFailure, "invalid audio payload", err)
			}
			if len(pcm) > 0 {
				if !e.send(ctx, events, engine.Event{Kind: engine.EventAudio, PCM: pcm}) {
					cmd.Wait()
					return ctx.Err()
				}
			}
		}
		if resp.Final {
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return engine.WrapError(engine.CodeSynthesisFailure, "local synthesizer exited with error", err)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return scanErr
	}
	return nil
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
	return []string{"en-US", "zh-CN"}
}

func (e *Engine) Voices() []engine.Voice {
	return []engine.Voice{
		{ID: "default", Name: "Default", Language: "en-US"},
	}
}

func (e *Engine) DefaultVoice(string) string { return defaultVoice }

// ValidVoice accepts any non-blank id; the catalog of a local
// synthesizer is not enumerable from here.
func (e *Engine) ValidVoice(id string) bool {
	return strings.TrimSpace(id) != ""
}

func parseCommand(cfg engine.Config) ([]string, error) {
	command := strings.TrimSpace(cfg.Credential)
	if command == "" {
		return nil, nil
	}
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse synthesizer command: %w", err)
	}
	return args, nil
}

func classifyExecError(ctx context.Context, err error) *engine.Error {
	if ctx.Err() != nil {
		return engine.WrapError(engine.CodeCancelled, "call cancelled", ctx.Err())
	}
	return engine.ClassifyTransport(err)
}
