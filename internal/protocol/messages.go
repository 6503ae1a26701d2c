package protocol

import "time"

// SpeakRequest asks the runtime to synthesize one utterance.
type SpeakRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
	Engine    string `json:"engine,omitempty"`
	Voice     string `json:"voice,omitempty"`
	Language  string `json:"language,omitempty"`
	Pitch     int    `json:"pitch,omitempty"`
	Rate      int    `json:"rate,omitempty"`
	Volume    int    `json:"volume,omitempty"`
}

// AudioChunk carries one PCM payload of a session's audio stream.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SessionStatus announces session lifecycle transitions.
type SessionStatus struct {
	SessionID string    `json:"session_id"`
	State     string    `json:"state"`
	Engine    string    `json:"engine,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session states carried by SessionStatus.
const (
	StateStarted  = "started"
	StateComplete = "complete"
	StateStopped  = "stopped"
	StateFailed   = "failed"
)

const (
	SubjectSpeakRequest = "tts.speak.request"
	SubjectStopRequest  = "tts.speak.stop"
	SubjectAudioPrefix  = "tts.speak.audio"
	SubjectStatusPrefix = "tts.speak.status"
)

// AudioSubject is the per-session audio stream subject.
func AudioSubject(sessionID string) string {
	return SubjectAudioPrefix + "." + sessionID
}

// StatusSubject is the per-session lifecycle subject.
func StatusSubject(sessionID string) string {
	return SubjectStatusPrefix + "." + sessionID
}
