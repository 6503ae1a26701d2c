package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LonePheasantWarrior/talkify-core/internal/bridge"
	"github.com/LonePheasantWarrior/talkify-core/internal/config"
	"github.com/LonePheasantWarrior/talkify-core/internal/engine"
	"github.com/LonePheasantWarrior/talkify-core/internal/playback"
	"github.com/LonePheasantWarrior/talkify-core/internal/runtime"
	"github.com/LonePheasantWarrior/talkify-core/internal/synth"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		engineID    string
		voice       string
		outPath     string
		pitch       int
		rate        int
		volume      int
		showVersion bool
		verbose     bool
	)

	flag.StringVar(&configPath, "config", "talkify.yaml", "Path to configuration file")
	flag.StringVar(&engineID, "engine", "", "Engine to use (defaults to selected_engine)")
	flag.StringVar(&voice, "voice", "", "Voice id override")
	flag.StringVar(&outPath, "out", "utterance.wav", "Output WAV path")
	flag.IntVar(&pitch, "pitch", 100, "Pitch, 0-200 with 100 neutral")
	flag.IntVar(&rate, "rate", 100, "Speech rate, 0-200 with 100 neutral")
	flag.IntVar(&volume, "volume", 100, "Volume, 0-200 with 100 neutral")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&verbose, "verbose", false, "Debug logging")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: talkify-speak [flags] <text>")
		os.Exit(2)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(logger, configPath, engineID, voice, outPath, flag.Arg(0), pitch, rate, volume); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath, engineID, voice, outPath, text string, pitch, rate, volume int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	registry := runtime.BuildRegistry(engine.ID(cfg.SelectedEngine), logger)
	defer registry.ReleaseAll()

	id := engine.ID(engineID)
	if engineID == "" {
		id = engine.ID(cfg.SelectedEngine)
	}
	eng, known := registry.Get(id)
	if !known && engineID != "" {
		return fmt.Errorf("unknown engine %q", engineID)
	}

	engCfg, ok := cfg.EngineSnapshot(eng.Identity().ID)
	if !ok {
		return fmt.Errorf("engine %q has no configuration", eng.Identity().ID)
	}
	if voice != "" {
		if !eng.ValidVoice(voice) {
			return fmt.Errorf("voice %q not known to engine %q", voice, eng.Identity().ID)
		}
		engCfg.Voice = voice
	}

	player := playback.NewPlayer(logger, &playback.WAVOutput{Path: outPath})
	defer player.Close()

	orch := synth.NewOrchestrator(logger)
	b := bridge.New(logger, orch, nil, time.Duration(cfg.Bridge.TimeoutSeconds)*time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	params := engine.Params{Pitch: pitch, Rate: rate, Volume: volume}
	err = b.Speak(ctx, synth.Request{
		Text:   text,
		Params: params,
		Engine: eng,
		Config: engCfg,
	}, &cliCallback{player: player})
	if err != nil {
		return err
	}

	if err := player.WaitForCompletion(ctx); err != nil {
		return err
	}
	if err := player.Close(); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", outPath)
	return nil
}

// cliCallback forwards utterance audio into the player and reports
// terminal failures.
type cliCallback struct {
	player *playback.Player
}

func (c *cliCallback) Start(format engine.AudioFormat) {
	if err := c.player.Start(format); err != nil {
		fmt.Fprintf(os.Stderr, "playback start failed: %v\n", err)
	}
}

func (c *cliCallback) AudioAvailable(pcm []byte) {
	if err := c.player.Audio(pcm); err != nil {
		fmt.Fprintf(os.Stderr, "playback write failed: %v\n", err)
	}
}

func (c *cliCallback) Done() {}

func (c *cliCallback) Stopped() {
	fmt.Fprintln(os.Stderr, "synthesis stopped")
}

func (c *cliCallback) Error(code int) {
	fmt.Fprintf(os.Stderr, "synthesis failed with host code %d\n", code)
}
