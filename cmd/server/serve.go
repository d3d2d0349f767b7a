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

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"securechat/internal/config"
	"securechat/internal/httpserver"
	"securechat/internal/keycustody"
	"securechat/internal/keyexchange"
	"securechat/internal/logging"
	"securechat/internal/roomkeys"
	"securechat/internal/security"
	"securechat/internal/service"
	"securechat/internal/store/postgres"
	"securechat/internal/store/sqlite"
	"securechat/internal/store/sqlstore"
	"securechat/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and socket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("build logger: %w", err)
		}
		defer func() { _ = log.Sync() }()
		return serve(cfg, log)
	},
}

func openStore(cfg *config.Config) (*sqlstore.Store, error) {
	if cfg.DBDriver == config.DriverPostgres {
		return postgres.NewStore(cfg.DatabaseURL)
	}
	return sqlite.NewStore(cfg.SQLitePath)
}

func serve(cfg *config.Config, log *zap.Logger) error {
	// Initialize database
	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, cfg.AccessTokenTTL())
	passwordHasher := security.NewPasswordHasher(cfg.BcryptCost)
	sealer, err := security.NewSealer([]byte(cfg.EncryptKey))
	if err != nil {
		return fmt.Errorf("initialize sealer: %w", err)
	}

	// Key management
	custody := keycustody.New(store.KeyPairs, keycustody.Options{
		KDF:      cfg.KDFParams(),
		RSABits:  cfg.RSABits,
		Lifetime: cfg.KeyPairLifetime(),
	}, log)
	vault := roomkeys.New(store.Envelopes, custody, log)
	kms := keyexchange.NewKeyManagementService(store.Rooms, store.Sessions, sealer, log)

	svc := httpserver.Services{
		Auth:       service.NewAuthService(store.Users, tokenSvc, passwordHasher),
		Rooms:      service.NewRoomService(store.Rooms, store.Messages, vault, custody, kms, log),
		Messages:   service.NewMessageService(store.Rooms, store.Messages, vault, custody, log),
		Encryption: service.NewEncryptionService(custody, vault, log),
	}

	// Initialize WebSocket hub
	ctx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	hub := ws.NewHub(cfg.TypingWindow(), log)
	go hub.Run(ctx)
	svc.Rooms.SetMembership(hub)

	socket := ws.MakeHandler(hub, ws.Deps{
		Auth:     svc.Auth,
		Rooms:    svc.Rooms,
		Messages: svc.Messages,
		Keys:     kms,
	}, ws.Options{
		AllowedOrigins:  cfg.CORSOrigins,
		EventsPerSecond: cfg.SocketEventsPerSecond,
		Burst:           cfg.SocketBurst,
	}, log)

	router := httpserver.NewRouter(cfg, log, svc, socket, hub)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", cfg.HTTPAddr()), zap.String("app", cfg.AppName))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", zap.Error(err))
	}
	return nil
}
