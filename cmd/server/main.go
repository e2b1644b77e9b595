package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chadiek/voice-assistant/internal/config"
	"github.com/chadiek/voice-assistant/internal/httpserver"
	"github.com/chadiek/voice-assistant/internal/llm"
	"github.com/chadiek/voice-assistant/internal/observability"
	"github.com/chadiek/voice-assistant/internal/storage"
	"github.com/chadiek/voice-assistant/internal/tts"
)

func main() {
	cfg, err := config.LoadServer(os.Args[1:])
	if err != nil {
		observability.Logger().Error("config", "err", err)
		os.Exit(2)
	}
	log := observability.Setup(os.Stderr, cfg.LogFormat, cfg.LogLevel)

	h := httpserver.Handlers{}
	if chat, err := newChat(cfg); err != nil {
		log.Warn("chat disabled", "err", err)
	} else {
		h.Chat = chat
	}
	if speech, err := newSpeech(cfg); err != nil {
		log.Warn("speech disabled", "err", err)
	} else {
		h.Speech = speech
	}

	var archive *storage.Archive
	if cfg.Supabase.Configured() {
		up, err := storage.NewSupabase(storage.Config{
			URL:            cfg.Supabase.URL,
			ServiceRoleKey: cfg.Supabase.ServiceRoleKey,
			Bucket:         cfg.SupabaseBucket,
		})
		if err != nil {
			log.Warn("speech archive disabled", "err", err)
		} else {
			archive = storage.NewArchive(up, "speech", 32)
			h = h.WithArchive(archive)
		}
	}

	e := httpserver.New(cfg.AllowOrigins, cfg.BodyLimit)
	h.Register(e)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info("server listening", "addr", cfg.HTTPAddress, "chat", cfg.ChatProvider, "speech", cfg.SpeechProvider)
		serverErrors <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn("graceful shutdown failed", "err", err)
		_ = server.Close()
	}
	if archive != nil {
		_ = archive.Close()
	}
}

func newChat(cfg config.ServerConfig) (*llm.Client, error) {
	p, err := llm.ProviderByName(cfg.ChatProvider)
	if err != nil {
		return nil, err
	}
	return llm.NewClient(p, cfg.ChatKey(), cfg.ChatModel)
}

func newSpeech(cfg config.ServerConfig) (tts.Synthesizer, error) {
	if strings.EqualFold(cfg.SpeechProvider, "deepgram") {
		if cfg.DeepgramKey == "" {
			return nil, errors.New("deepgram: API key missing")
		}
		return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel), nil
	}
	lf, err := tts.NewLemonfoxClient(cfg.LemonfoxKey, cfg.LemonfoxVoice)
	if err != nil {
		return nil, err
	}
	return lf, nil
}
