package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/CodeRoomLab/coderoom/internal/accounts"
	"github.com/CodeRoomLab/coderoom/internal/auth"
	"github.com/CodeRoomLab/coderoom/internal/config"
	"github.com/CodeRoomLab/coderoom/internal/database"
	"github.com/CodeRoomLab/coderoom/internal/docsync"
	"github.com/CodeRoomLab/coderoom/internal/filetree"
	"github.com/CodeRoomLab/coderoom/internal/guests"
	"github.com/CodeRoomLab/coderoom/internal/ident"
	"github.com/CodeRoomLab/coderoom/internal/logging"
	"github.com/CodeRoomLab/coderoom/internal/presence"
	"github.com/CodeRoomLab/coderoom/internal/rooms"
	"github.com/CodeRoomLab/coderoom/internal/server"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coderoom-api",
		Short: "CodeRoom collaborative editing backend",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("guest-ttl-minutes", defaults.GetInt("guest.ttl_minutes"), "Guest session TTL in minutes")
	cmd.PersistentFlags().Int("guest-max-lifetime-minutes", defaults.GetInt("guest.max_lifetime_minutes"), "Guest session lifetime ceiling in minutes")
	cmd.PersistentFlags().Int("sweep-interval-minutes", defaults.GetInt("sweep.interval_minutes"), "Background sweep interval in minutes")
	cmd.PersistentFlags().String("filetree-base-url", defaults.GetString("filetree.base_url"), "File tree service base URL (empty disables)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "guest.ttl_minutes", "guest-ttl-minutes")
	bindFlag(cmd, "guest.max_lifetime_minutes", "guest-max-lifetime-minutes")
	bindFlag(cmd, "sweep.interval_minutes", "sweep-interval-minutes")
	bindFlag(cmd, "filetree.base_url", "filetree-base-url")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	idProvider := ident.NewUUIDProvider()

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        "coderoom-auth",
		Audience:      "coderoom-api",
		TokenTTL:      appConfig.TokenTTL,
	})

	revocations, err := auth.NewRevocationStore(auth.RevocationStoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	accountService, err := accounts.NewService(accounts.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// The guest service needs the room directory for promotion, and the room
	// directory's orphan sweep needs the guest service. The sweep closure is
	// bound late to break the construction cycle.
	var guestService *guests.Service

	roomService, err := rooms.NewService(rooms.ServiceConfig{
		Database:   db,
		IDProvider: idProvider,
		OwnerExists: func(ctx context.Context, principalID string) (bool, error) {
			if _, err := accountService.Get(ctx, principalID); err == nil {
				return true, nil
			} else if !errors.Is(err, accounts.ErrAccountNotFound) {
				return false, err
			}
			if guestService == nil {
				return false, nil
			}
			result, err := guestService.Validate(ctx, principalID)
			if err != nil {
				return false, err
			}
			return result.Valid, nil
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	guestService, err = guests.NewService(guests.ServiceConfig{
		Database:    db,
		IDProvider:  idProvider,
		Accounts:    accountService,
		Rooms:       roomService,
		SessionTTL:  appConfig.GuestSessionTTL,
		MaxLifetime: appConfig.GuestMaxLifetime,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	resolver, err := auth.NewResolver(auth.ResolverConfig{
		Tokens:      tokenIssuer,
		Revocations: revocations,
		Accounts:    accountService,
		Guests:      guestService,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	engine, err := docsync.NewEngine(docsync.EngineConfig{
		Snapshots: roomService,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	broadcaster := presence.NewBroadcaster()

	var fileTreeClient filetree.Client
	if appConfig.FileTreeBaseURL != "" {
		fileTreeClient = filetree.NewHTTPClient(appConfig.FileTreeBaseURL)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Resolver:    resolver,
		Tokens:      tokenIssuer,
		Revocations: revocations,
		Accounts:    accountService,
		Guests:      guestService,
		Rooms:       roomService,
		Engine:      engine,
		Presence:    broadcaster,
		FileTree:    fileTreeClient,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go runSweeps(signalCtx, appConfig.SweepInterval, logger, guestService, roomService, revocations)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSweeps periodically expires guest sessions, deletes rooms orphaned by
// expired owners, and prunes spent revocation records.
func runSweeps(ctx context.Context, interval time.Duration, logger *zap.Logger, guestService *guests.Service, roomService *rooms.Service, revocations *auth.RevocationStore) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := guestService.SweepExpired(ctx)
			if err != nil {
				logger.Error("guest sweep failed", zap.Error(err))
			} else if len(expired) > 0 {
				logger.Info("guest sessions expired", zap.Int("count", len(expired)))
			}

			orphaned, err := roomService.SweepOrphans(ctx)
			if err != nil {
				logger.Error("orphan sweep failed", zap.Error(err))
			} else if orphaned > 0 {
				logger.Info("orphaned rooms deleted", zap.Int("count", orphaned))
			}

			pruned, err := revocations.SweepExpired(ctx)
			if err != nil {
				logger.Error("revocation sweep failed", zap.Error(err))
			} else if pruned > 0 {
				logger.Info("revocation records pruned", zap.Int64("count", pruned))
			}
		}
	}
}
