package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voiceconf/internal/adapters/http"
	"github.com/dkeye/voiceconf/internal/app"
	"github.com/dkeye/voiceconf/internal/app/orch"
	"github.com/dkeye/voiceconf/internal/config"
	"github.com/dkeye/voiceconf/internal/engine/pionsfu"
)

func setupLogger(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func engineConfig(cfg config.RTCConfig) pionsfu.Config {
	ec := pionsfu.Config{
		UDPPortMin:  uint16(cfg.UDPPortMin),
		UDPPortMax:  uint16(cfg.UDPPortMax),
		AnnouncedIP: cfg.AnnouncedIP,

		IncludeLoopback: cfg.IncludeLoopback,
	}
	for _, url := range cfg.ICEServers {
		ec.ICEServers = append(ec.ICEServers, webrtc.ICEServer{URLs: []string{url}})
	}
	return ec
}

func conferenceSettings(cfg *config.Config) app.ConferenceSettings {
	return app.ConferenceSettings{
		MaxParticipants: cfg.Limits.MaxParticipants,
		Participant: app.ParticipantLimits{
			MaxAudioProducers: cfg.Limits.MaxAudioProducers,
			MaxVideoProducers: cfg.Limits.MaxVideoProducers,
		},
		RequestTimeout: cfg.Limits.RequestTimeout,
	}
}

// watchWorkers exits the process when a routing worker dies. Rooms placed on it
// are unusable and clients reconnect to a fresh instance.
func watchWorkers(pool *app.WorkerPool, grace time.Duration) {
	death, ok := <-pool.Died()
	if !ok {
		return
	}
	log.Error().Err(death.Err).Int("index", death.Index).Int("pid", death.PID).
		Dur("grace", grace).Msg("routing worker died, exiting")
	time.Sleep(grace)
	os.Exit(1)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Console logger until the config says otherwise.
	setupLogger(config.LogConfig{Level: "info"})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	pool := app.NewWorkerPool(pionsfu.NewFactory(engineConfig(cfg.RTC)), cfg.Workers.Count, cfg.Workers.UsageTimeout)
	if err := pool.CreateWorkers(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start routing workers")
	}
	defer pool.Close()
	go watchWorkers(pool, cfg.Workers.DeathGrace)

	reg := app.NewRegistry(pool, conferenceSettings(cfg), app.SimplePolicy{})
	o := &orch.Orchestrator{
		Registry: reg,
		Workers:  pool,
	}

	r := router.SetupRouter(ctx, cfg, o)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", addr).Int("workers", pool.Len()).Msg("VoiceConf server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	for _, c := range reg.Conferences() {
		if err := o.CloseConference(c.ID, "server shutting down"); err != nil {
			log.Warn().Err(err).Str("conference", string(c.ID)).Msg("close conference")
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
