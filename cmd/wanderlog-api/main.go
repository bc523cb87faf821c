package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/config"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/database"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/events"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/server"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/social"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "wanderlog-api",
		Short: "Wanderlog notification and real-time delivery service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand(), newAnnounceCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "PostgreSQL connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("token.ttl_minutes"), "Backend token TTL in minutes")
	cmd.PersistentFlags().Int("realtime-capacity", defaults.GetInt("realtime.capacity"), "Maximum concurrent notification streams")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Backend signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "token.ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "realtime.capacity", "realtime-capacity")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

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

// services holds the components shared by the server and the operator commands.
type services struct {
	config    config.AppConfig
	logger    *zap.Logger
	db        *gorm.DB
	directory *users.Service
	store     *notifications.Store
	tokens    *auth.TokenIssuer
}

func openServices() (*services, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.Open(database.Options{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		return nil, err
	}

	directory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		return nil, err
	}

	store, err := notifications.NewStore(notifications.StoreConfig{
		Database:        db,
		Directory:       directory,
		Logger:          logger,
		DefaultPageSize: appConfig.DefaultPageSize,
		MaxPageSize:     appConfig.MaxPageSize,
	})
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return nil, err
	}

	return &services{
		config:    appConfig,
		logger:    logger,
		db:        db,
		directory: directory,
		store:     store,
		tokens:    tokens,
	}, nil
}

func (r *services) Close() {
	if sqlDB, err := r.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = r.logger.Sync()
}

func runServer(ctx context.Context) error {
	svc, err := openServices()
	if err != nil {
		return err
	}
	defer svc.Close()
	logger := svc.logger

	registry := realtime.NewRegistry(svc.config.RealtimeCapacity)
	bus := events.NewBus(svc.config.EventQueueSize, logger)

	socialService, err := social.NewService(social.ServiceConfig{
		Database:      svc.db,
		Publisher:     bus,
		Notifications: svc.store,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	dispatcher, err := delivery.NewDispatcher(delivery.Config{
		Store:      svc.store,
		Registry:   registry,
		Profiles:   svc.directory,
		References: socialService,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	bus.Subscribe(dispatcher.Handle)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: svc.tokens,
		Notifications:  svc.store,
		Social:         socialService,
		Registry:       registry,
		Profiles:       svc.directory,
		Stream: server.StreamSettings{
			Timeout:           svc.config.StreamTimeout,
			HeartbeatInterval: svc.config.HeartbeatInterval,
			BufferSize:        svc.config.StreamBufferSize,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	go bus.Run(busCtx)

	// Streams never go idle, so their requests are cancelled ahead of Shutdown.
	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	httpServer := &http.Server{
		Addr:              svc.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return requestCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", svc.config.HTTPAddress),
			zap.Int("stream_capacity", registry.Capacity()))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	cancelRequests()
	shutdownErr := httpServer.Shutdown(shutdownCtx)

	bus.Close()
	select {
	case <-bus.Done():
	case <-shutdownCtx.Done():
		logger.Warn("event bus did not drain before shutdown deadline")
	}
	logger.Info("server stopped", zap.Int("open_streams", registry.Len()))
	return shutdownErr
}

type issuedTokenPayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func newIssueTokenCommand() *cobra.Command {
	var userID, nickname string
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Register a user and print a backend token for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			name := nickname
			if strings.TrimSpace(name) == "" {
				name = userID
			}
			if _, err := svc.directory.Register(cmd.Context(), userID, name); err != nil {
				return err
			}
			token, expiresIn, err := svc.tokens.IssueBackendToken(cmd.Context(), userID)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(issuedTokenPayload{AccessToken: token, ExpiresIn: expiresIn, TokenType: "Bearer"})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User identifier (token subject)")
	cmd.Flags().StringVar(&nickname, "nickname", "", "Display name shown as the notification sender")
	return cmd
}

func newAnnounceCommand() *cobra.Command {
	var userID, message string
	cmd := &cobra.Command{
		Use:   "announce",
		Short: "Store a system notification for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(userID) == "" || strings.TrimSpace(message) == "" {
				return fmt.Errorf("--user and --message are required")
			}
			svc, err := openServices()
			if err != nil {
				return err
			}
			defer svc.Close()

			notification, err := svc.store.Create(cmd.Context(), notifications.CreateRequest{
				RecipientID: userID,
				Kind:        notifications.KindSystem,
				Payload:     notifications.Payload{CommentExcerpt: message},
			})
			if err != nil {
				return err
			}
			svc.logger.Info("system notification stored",
				zap.String("notification_id", notification.ID),
				zap.String("recipient_id", userID))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Recipient user identifier")
	cmd.Flags().StringVar(&message, "message", "", "Announcement text")
	return cmd
}
