package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"go-relay/internal/access"
	"go-relay/internal/api"
	"go-relay/internal/auth"
	"go-relay/internal/broker"
	"go-relay/internal/config"
	"go-relay/internal/messaging"
	"go-relay/internal/metrics"
	"go-relay/internal/realtime"
	"go-relay/internal/store"
	"go-relay/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			setupLogging(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("[STORE] DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), nil
	}
	return store.NewPostgres(ctx, cfg.DatabaseURL)
}

func serve(ctx context.Context, cfg *config.Config) error {
	b, err := broker.New(ctx, cfg.BrokerBackend, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer b.Close()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	m := metrics.New()
	gate := access.NewGate(st)
	publisher := realtime.NewPublisher(b, m)
	svc := messaging.NewService(st, gate, publisher)

	hub := ws.NewHub(gate, publisher, m)
	go hub.Run(ctx)
	go func() {
		if err := ws.Relay(ctx, b, hub); err != nil {
			log.Error().Err(err).Msg("[RELAY] Broker subscription failed")
		}
	}()
	svc.SetPresenceSource(hub)

	gateway := ws.NewGateway(hub, auth.NewVerifier(cfg.TokenSecret), m, ws.GatewayOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Rate:           cfg.GatewayRate,
		Burst:          cfg.GatewayBurst,
	})

	if cfg.BrokerAPIKey == "" {
		log.Warn().Msg("[API] BROKER_API_KEY not set, server publish API disabled")
	}

	server := api.NewServer(api.Options{
		Service:     svc,
		Issuer:      auth.NewIssuer(cfg.TokenSecret, cfg.TokenTTL),
		Sessions:    auth.NewSessions(cfg.SessionSecret),
		Publisher:   publisher,
		Metrics:     m,
		APIKey:      cfg.BrokerAPIKey,
		Gateway:     gateway,
		Connections: hub,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Port).Str("broker", cfg.BrokerBackend).Msg("Relay server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
