package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chadiek/voice-assistant/internal/agent"
	"github.com/chadiek/voice-assistant/internal/audio"
	"github.com/chadiek/voice-assistant/internal/backend"
	"github.com/chadiek/voice-assistant/internal/capture"
	"github.com/chadiek/voice-assistant/internal/config"
	"github.com/chadiek/voice-assistant/internal/journal"
	"github.com/chadiek/voice-assistant/internal/observability"
	"github.com/chadiek/voice-assistant/internal/playback"
	"github.com/chadiek/voice-assistant/internal/recognizer"
)

func main() {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	observability.Setup(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, os.Stdout)
	if err != nil {
		observability.Logger().Error("startup failed", "err", err)
		os.Exit(1)
	}
	runErr := a.run(ctx, os.Stdin)
	a.close()
	if runErr != nil {
		observability.Logger().Error("input", "err", runErr)
		os.Exit(1)
	}
}

func newApp(cfg config.ClientConfig, out io.Writer) (*app, error) {
	log := observability.Component("voicechat")
	sink, err := openJournal(cfg)
	if err != nil {
		return nil, err
	}

	client := backend.NewClient(cfg.BackendURL)
	client.HTTPClient.Timeout = cfg.RequestTimeout

	rec := recognizer.NewAssemblyAI(cfg.AssemblyAIKey, recognizer.FFmpegMic)
	rec.SampleRate = cfg.SampleRate
	if !recognizer.MicAvailable() {
		log.Warn("ffmpeg not found, speech capture will be unavailable")
		rec.NewSource = nil
	}

	player := audio.NewFFplay()
	player.Command = cfg.PlayerCommand
	if err := player.Available(); err != nil {
		log.Warn("playback may fail", "err", err)
	}

	policy := agent.FailureRollback
	if strings.EqualFold(cfg.FailurePolicy, "apologize") {
		policy = agent.FailureApologize
	}

	a := &app{
		capture: capture.NewSession(rec).WithLocale(cfg.Locale),
		agent: agent.NewController(client).
			WithJournal(sink).
			WithFailurePolicy(policy).
			WithTimeout(cfg.RequestTimeout).
			WithMode(cfg.Mode),
		player:  playback.NewController(client, player),
		journal: sink,
		log:     log,
		out:     out,
	}
	a.listen()
	log.Info("ready", "backend", cfg.BackendURL, "conversation_id", a.agent.ID(), "journal", cfg.JournalDriver)
	return a, nil
}

func openJournal(cfg config.ClientConfig) (journal.Sink, error) {
	switch strings.ToLower(cfg.JournalDriver) {
	case "sqlite":
		s, err := journal.NewSQLite(cfg.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return s, nil
	case "supabase":
		s, err := journal.NewSupabase(journal.SupabaseConfig{
			URL:            cfg.Supabase.URL,
			ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
			Table:          cfg.JournalTable,
		})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		return s, nil
	default:
		return journal.Nop{}, nil
	}
}
