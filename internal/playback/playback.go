package playback

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Output is where decoded PCM ends up: a sound device, a WAV file, a
// memory buffer. FramesPlayed lags FramesWritten until the output has
// drained its internal buffer.
type Output interface {
	Open(format engine.AudioFormat) error
	Write(pcm []byte) (int, error)
	FramesWritten() int64
	FramesPlayed() int64
	Close() error
}

const drainPollInterval = 20 * time.Millisecond

// Player feeds synthesis audio to an output and knows when the output
// has actually finished sounding it, not merely buffered it.
type Player struct {
	log *slog.Logger
	out Output

	mu      sync.Mutex
	opened  bool
	stopped bool
	format  engine.AudioFormat
}

func NewPlayer(log *slog.Logger, out Output) *Player {
	return &Player{log: log.With("component", "playback"), out: out}
}

// Start opens the output for a new utterance, replacing any previous
// one.
func (p *Player) Start(format engine.AudioFormat) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.opened {
		if err := p.out.Close(); err != nil {
			return err
		}
		p.opened = false
	}
	if err := p.out.Open(format); err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	p.opened = true
	p.stopped = false
	p.format = format
	p.log.Debug("output opened",
		"sample_rate", format.SampleRate,
		"channels", format.Channels)
	return nil
}

// Audio queues one PCM payload. Implements the session sink contract.
func (p *Player) Audio(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened || p.stopped {
		return nil
	}
	if _, err := p.out.Write(pcm); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// Stop abandons the current utterance; queued audio may be truncated.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

// WaitForCompletion blocks until the output has played everything that
// was written, polling the output's progress. No written audio resolves
// immediately. A stalled output resolves when ctx expires.
func (p *Player) WaitForCompletion(ctx context.Context) error {
	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		opened, stopped := p.opened, p.stopped
		p.mu.Unlock()
		if !opened || stopped {
			return nil
		}
		written := p.out.FramesWritten()
		if written == 0 || p.out.FramesPlayed() >= written {
			return nil
		}
		select {
		case <-ctx.Done():
			return engine.WrapError(engine.CodeTimeout, "playback did not drain", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close releases the output.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	p.opened = false
	return p.out.Close()
}

// MemoryOutput buffers PCM in memory and reports it played as soon as
// it is written. Used by tests and by callers that only want the bytes.
type MemoryOutput struct {
	mu     sync.Mutex
	format engine.AudioFormat
	pcm    []byte
	open   bool

	// PlayedLag artificially delays the played counter behind the
	// written counter until Drain is called.
	PlayedLag bool
	lagged    int64
}

func (m *MemoryOutput) Open(format engine.AudioFormat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.format = format
	m.pcm = nil
	m.lagged = 0
	m.open = true
	return nil
}

func (m *MemoryOutput) Write(pcm []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return 0, fmt.Errorf("output closed")
	}
	m.pcm = append(m.pcm, pcm...)
	return len(pcm), nil
}

func (m *MemoryOutput) FramesWritten() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames()
}

func (m *MemoryOutput) FramesPlayed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PlayedLag {
		return m.lagged
	}
	return m.frames()
}

// Drain marks all buffered audio as played.
func (m *MemoryOutput) Drain() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lagged = m.frames()
}

func (m *MemoryOutput) frames() int64 {
	bytesPerFrame := 2 * m.format.Channels
	if bytesPerFrame == 0 {
		return 0
	}
	return int64(len(m.pcm) / bytesPerFrame)
}

func (m *MemoryOutput) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = false
	return nil
}

// PCM returns a copy of everything written so far.
func (m *MemoryOutput) PCM() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.pcm...)
}

// Format returns the format the output was opened with.
func (m *MemoryOutput) Format() engine.AudioFormat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// WAVOutput collects an utterance and encodes it to a WAV file on
// close. Playback progress tracks writes, since a file has no drain
// lag.
type WAVOutput struct {
	Path string

	mu     sync.Mutex
	format engine.AudioFormat
	pcm    []byte
	open   bool
}

func (w *WAVOutput) Open(format engine.AudioFormat) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if format.Encoding != engine.EncodingPCM16 {
		return fmt.Errorf("unsupported encoding %q", format.Encoding)
	}
	w.format = format
	w.pcm = nil
	w.open = true
	return nil
}

func (w *WAVOutput) Write(pcm []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return 0, fmt.Errorf("output closed")
	}
	w.pcm = append(w.pcm, pcm...)
	return len(pcm), nil
}

func (w *WAVOutput) FramesWritten() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	bytesPerFrame := 2 * w.format.Channels
	if bytesPerFrame == 0 {
		return 0
	}
	return int64(len(w.pcm) / bytesPerFrame)
}

func (w *WAVOutput) FramesPlayed() int64 { return w.FramesWritten() }

func (w *WAVOutput) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		return nil
	}
	w.open = false
	if len(w.pcm) == 0 {
		return nil
	}

	file, err := os.Create(w.Path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()
	return encodePCM16(file, w.pcm, w.format.SampleRate, w.format.Channels)
}

func encodePCM16(file *os.File, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	buffer := &audio.IntBuffer{Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate}}
	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer.Data = samples

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
