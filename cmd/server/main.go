package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chadiek/live-demo/internal/agent"
	"github.com/chadiek/live-demo/internal/api"
	"github.com/chadiek/live-demo/internal/blob"
	"github.com/chadiek/live-demo/internal/config"
	"github.com/chadiek/live-demo/internal/enrich"
	"github.com/chadiek/live-demo/internal/httpserver"
	"github.com/chadiek/live-demo/internal/log"
	"github.com/chadiek/live-demo/internal/store"
	"github.com/chadiek/live-demo/internal/transport/rtc"
	"github.com/chadiek/live-demo/internal/transport/socket"
)

func main() {
	cfg := config.LoadServer()
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "live-demo-server"})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg); err != nil {
		log.WithComponent("server").Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Server) error {
	logger := log.WithComponent("server")

	st, err := store.Open(ctx, store.Config{Driver: cfg.DatabaseDriver, DSN: cfg.DatabaseDSN})
	if err != nil {
		return err
	}
	defer st.Close()

	var blobs blob.Store = blob.NewMemory()
	bcfg := blob.Config{URL: cfg.SupabaseURL, ServiceRoleKey: cfg.SupabaseServiceRoleKey, Bucket: cfg.SupabaseBucket}
	if bcfg.Enabled() {
		sb, err := blob.NewSupabase(bcfg)
		if err != nil {
			return err
		}
		blobs = sb
	}

	handlers := api.NewHandlers(api.Options{
		Store:  st,
		Enrich: enrich.NewClient(cfg.EnrichChatURL, cfg.EnrichAPIKey, cfg.EnrichModel, cfg.EnrichExtractURL),
		Blobs:  blobs,
		Endpoints: api.Endpoints{
			RTC:        cfg.AgentSignalingURL,
			Socket:     cfg.AgentSocketURL,
			ICEServers: cfg.ICEServersJSON,
		},
		SessionTTL: cfg.SessionTTL,
		MaxUpload:  cfg.MaxUpload,
	})
	defer handlers.Close()

	tokens := api.Tokens{Store: st}
	rtcAgent, err := rtc.NewAgentServer(rtc.AgentConfig{
		Agent:      agent.DefaultConfig(),
		ICEServers: cfg.ICEServersJSON,
		Authorize:  tokens.Signalling,
	})
	if err != nil {
		return fmt.Errorf("rtc agent: %w", err)
	}
	socketAgent := socket.NewAgentServer(socket.AgentConfig{
		Agent:     agent.DefaultConfig(),
		Authorize: tokens.Request,
	})

	e := httpserver.New(httpserver.Deps{
		API:         handlers,
		Health:      st,
		AdminToken:  cfg.AdminToken,
		RTCAgent:    rtcAgent,
		SocketAgent: socketAgent,
	})
	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = server.Close()
		}
		return nil
	})
	return g.Wait()
}
