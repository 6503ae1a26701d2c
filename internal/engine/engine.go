package engine

import (
	"context"
	"strings"
)

// ID identifies a synthesis engine.
type ID string

const (
	Doubao ID = "doubao"
	Xfyun  ID = "xfyun"
	Local  ID = "local"
)

// KnownIDs lists the compiled-in engine identities.
func KnownIDs() []ID {
	return []ID{Doubao, Xfyun, Local}
}

// ValidID reports whether id names a compiled-in engine.
func ValidID(id ID) bool {
	switch id {
	case Doubao, Xfyun, Local:
		return true
	}
	return false
}

// Identity is the immutable description of an engine.
type Identity struct {
	ID          ID
	DisplayName string
	Provider    string
}

// Encoding names a PCM sample encoding.
type Encoding string

const EncodingPCM16 Encoding = "pcm_s16le"

// AudioFormat describes the audio an engine produces. It is fixed per
// engine and must be known before the first byte reaches any sink.
type AudioFormat struct {
	SampleRate int
	Encoding   Encoding
	Channels   int
}

// Params are per-request synthesis parameters in the host's range:
// pitch/rate/volume run 0-200 with 100 as the neutral value. Engines
// convert them into whatever their provider expects.
type Params struct {
	Pitch    int
	Rate     int
	Volume   int
	Language string
}

// DefaultParams returns neutral synthesis parameters.
func DefaultParams() Params {
	return Params{Pitch: 100, Rate: 100, Volume: 100}
}

// Config is the per-engine credential/voice bundle. The synthesis core
// borrows it read-only for the lifetime of one call; loading and
// persistence belong to the configuration collaborator.
type Config struct {
	Credential string
	Voice      string
	Extra      map[string]string
}

// Valid reports whether the config carries a usable credential.
func (c Config) Valid() bool {
	return strings.TrimSpace(c.Credential) != ""
}

// Voice describes one catalog entry of an engine.
type Voice struct {
	ID       string
	Name     string
	Language string
}

// EventKind discriminates streaming notifications from an engine.
type EventKind int

const (
	EventStarted EventKind = iota
	EventAudio
	EventComplete
	EventError
)

// Event is one streaming notification for a single chunk synthesis call.
// Exactly one terminal event (EventComplete or EventError) is delivered
// per call, after which the channel closes. A cancelled call may close
// the channel without a terminal event; consumers treat that as the
// cancellation it is.
type Event struct {
	Kind EventKind
	PCM  []byte
	Err  error
}

// Engine is the capability set every provider adapter implements. An
// adapter owns at most one in-flight network call; callers sequence
// chunks so that Synthesize is never invoked while a previous call from
// the same instance is unresolved.
type Engine interface {
	Identity() Identity

	// Configured reports whether cfg is sufficient to reach the provider.
	Configured(cfg Config) bool

	// AudioFormat returns the fixed output format of this engine.
	AudioFormat() AudioFormat

	// MaxChunkLength returns the provider's per-call text limit in runes.
	MaxChunkLength() int

	// Synthesize begins streaming synthesis of a single text chunk. It
	// does not block: events arrive on the returned channel, which closes
	// after the terminal event. Callers must drain the channel until it
	// closes, even after Stop. Fail-fast conditions (released engine,
	// unusable config) are reported synchronously.
	Synthesize(ctx context.Context, text string, params Params, cfg Config) (<-chan Event, error)

	// Stop cancels any in-flight call. Idempotent; safe with nothing in
	// flight and safe from a goroutine other than the caller's.
	Stop()

	// Release frees adapter resources. Synthesize fails fast afterwards.
	Release()

	Languages() []string
	Voices() []Voice
	DefaultVoice(language string) string
	ValidVoice(id string) bool
}

// MaskCredential renders a secret safe for logs, keeping at most a
// two-rune prefix and suffix.
func MaskCredential(secret string) string {
	runes := []rune(secret)
	if len(runes) == 0 {
		return ""
	}
	if len(runes) <= 6 {
		return strings.Repeat("*", len(runes))
	}
	return string(runes[:2]) + strings.Repeat("*", len(runes)-4) + string(runes[len(runes)-2:])
}
