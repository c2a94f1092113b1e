package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Copilot/internal/adapters/deepgram"
	"github.com/dkeye/Copilot/internal/adapters/gemini"
	router "github.com/dkeye/Copilot/internal/adapters/http"
	wsignal "github.com/dkeye/Copilot/internal/adapters/signal"
	"github.com/dkeye/Copilot/internal/agent"
	"github.com/dkeye/Copilot/internal/app"
	"github.com/dkeye/Copilot/internal/config"
	"github.com/dkeye/Copilot/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	pool, err := media.NewPool(media.Config{
		NumWorkers:  cfg.Media.Workers,
		RTCMinPort:  cfg.Media.RTCMinPort,
		RTCMaxPort:  cfg.Media.RTCMaxPort,
		AnnouncedIP: cfg.Media.AnnouncedIP,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start media workers")
	}

	users := app.NewUserRegistry()
	rooms := app.NewRoomRegistry(pool, media.NewRegistry(), users)

	var stt agent.LiveTranscriber
	if cfg.STT.APIKey != "" {
		stt = deepgram.New(deepgram.Config{
			APIKey:      cfg.STT.APIKey,
			Model:       cfg.STT.Model,
			Language:    cfg.STT.Language,
			Endpointing: cfg.STT.Endpointing,
		})
	} else {
		log.Warn().Msg("stt api key missing, coaching disabled")
	}

	var model agent.ChatModel
	if cfg.LLM.APIKey != "" {
		model = gemini.New(gemini.Config{
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			Temperature: cfg.LLM.Temperature,
			MaxTokens:   cfg.LLM.MaxTokens,
		})
	} else {
		log.Warn().Msg("llm api key missing, coaching disabled")
	}

	ctl := wsignal.NewController(ctx, wsignal.Config{
		Dev:        cfg.Mode == "debug",
		SendBuffer: cfg.Signal.SendBuffer,
		ReadLimit:  cfg.Signal.ReadLimit,
		JoinLimit:  cfg.Signal.JoinLimit,
		JoinWindow: cfg.Signal.JoinWindow,
	}, users, rooms, stt, model)

	r := router.SetupRouter(cfg, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Copilot server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
