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

	router "github.com/meshvoice/sfu/internal/adapters/http"
	"github.com/meshvoice/sfu/internal/adapters/mediaserver"
	wssignal "github.com/meshvoice/sfu/internal/adapters/signal"
	"github.com/meshvoice/sfu/internal/audio"
	"github.com/meshvoice/sfu/internal/config"
	"github.com/meshvoice/sfu/internal/gateway"
	"github.com/meshvoice/sfu/internal/mcs"
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
		log.Error().Err(err).Msg("failed to load config")
	}

	gw := gateway.NewRedisPubSub(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err := gw.Ping(ctx); err != nil {
		log.Error().Err(err).Msg("redis unreachable")
	}
	defer func() {
		if err := gw.Close(); err != nil {
			log.Warn().Err(err).Msg("gateway close")
		}
	}()

	msClient := mediaserver.NewClient(cfg.MediaServer.URL)
	if err := msClient.Dial(ctx); err != nil {
		log.Error().Err(err).Msg("media server unreachable, starting degraded")
	}
	defer msClient.Close()

	ctrl := mcs.NewController(msClient)

	opts := audio.Options{
		ConnectionTimeout:      cfg.Audio.ConnectionTimeout,
		PermissionProbeTimeout: cfg.Audio.PermissionProbeTimeout,
		FlowTimeout:            cfg.Audio.FlowTimeout,
		StateTimeout:           cfg.Audio.StateTimeout,
		ClientMediaServer:      cfg.Audio.ClientMediaServer,
		OriginMediaServer:      cfg.Audio.OriginMediaServer,
		PermissionProbe:        cfg.Audio.PermissionProbe,
		EjectOnUserLeft:        cfg.Audio.EjectOnUserLeft,
		RecordingsDir:          cfg.Audio.RecordingsDir,
	}

	sig := wssignal.NewController()
	audioManager := audio.NewAudioManager(ctrl, gw, sig, opts)
	sig.Audio = audioManager

	unsubscribe, err := audioManager.ListenEvents(ctx, gw)
	if err != nil {
		log.Error().Err(err).Msg("control-plane subscription failed")
	} else {
		defer unsubscribe()
	}

	r := router.SetupRouter(ctx, cfg, ctrl, sig)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("SFU audio server started")
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
