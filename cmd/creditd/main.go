package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/closetloop/credit/internal/httpserver"
	"github.com/closetloop/credit/internal/store/gormstore"
	"github.com/closetloop/credit/pkg/credit"
)

const (
	flagDatabaseURL       = "database-url"
	flagListenAddr        = "listen-addr"
	flagAllowedOrigins    = "allowed-origins"
	flagSessionSigningKey = "session-signing-key"
	flagSessionIssuer     = "session-issuer"
	flagSessionCookie     = "session-cookie"

	configKeyDatabaseURL       = "database_url"
	configKeyListenAddr        = "listen_addr"
	configKeyAllowedOrigins    = "allowed_origins"
	configKeySessionSigningKey = "session_signing_key"
	configKeySessionIssuer     = "session_issuer"
	configKeySessionCookie     = "session_cookie"

	defaultDatabaseURL = "sqlite:///tmp/closetloop-credit.db"
	defaultListenAddr  = ":8080"
)

type runtimeConfig struct {
	DatabaseURL string
	HTTP        httpserver.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Clothing-exchange credit ledger server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL or sqlite connection string")
	cmd.PersistentFlags().String(flagListenAddr, defaultListenAddr, "HTTP listen address")
	cmd.PersistentFlags().String(flagAllowedOrigins, "", "comma-delimited CORS origins")
	cmd.PersistentFlags().String(flagSessionSigningKey, "", "HMAC key for session tokens")
	cmd.PersistentFlags().String(flagSessionIssuer, "", "expected session token issuer")
	cmd.PersistentFlags().String(flagSessionCookie, "", "session cookie name")

	cmd.AddCommand(newSeedCommand(cfg))

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		configKeyDatabaseURL:       "DATABASE_URL",
		configKeyListenAddr:        "HTTP_LISTEN_ADDR",
		configKeyAllowedOrigins:    "ALLOWED_ORIGINS",
		configKeySessionSigningKey: "SESSION_SIGNING_KEY",
		configKeySessionIssuer:     "SESSION_ISSUER",
		configKeySessionCookie:     "SESSION_COOKIE",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, env); err != nil {
			return err
		}
	}
	flags := map[string]string{
		configKeyDatabaseURL:       flagDatabaseURL,
		configKeyListenAddr:        flagListenAddr,
		configKeyAllowedOrigins:    flagAllowedOrigins,
		configKeySessionSigningKey: flagSessionSigningKey,
		configKeySessionIssuer:     flagSessionIssuer,
		configKeySessionCookie:     flagSessionCookie,
	}
	for key, flag := range flags {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString(configKeyDatabaseURL)
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.HTTP = httpserver.Config{
		ListenAddr:        viper.GetString(configKeyListenAddr),
		AllowedOrigins:    httpserver.ParseAllowedOrigins(viper.GetString(configKeyAllowedOrigins)),
		SessionSigningKey: viper.GetString(configKeySessionSigningKey),
		SessionIssuer:     viper.GetString(configKeySessionIssuer),
		SessionCookieName: viper.GetString(configKeySessionCookie),
	}
	if cfg.HTTP.SessionSigningKey == "" {
		return fmt.Errorf("session signing key is required")
	}
	return nil
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, err := openDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer func() { _ = cleanup() }()

	if err := gormstore.Migrate(gormDB); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	store := gormstore.New(gormDB)
	clock := func() int64 { return time.Now().UTC().Unix() }
	service, err := credit.NewService(store, clock, credit.WithOperationLogger(zapOperationLogger{logger: logger}))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}

	return httpserver.Run(ctx, cfg.HTTP, service, logger)
}

// zapOperationLogger mirrors ledger operations into structured logs.
type zapOperationLogger struct {
	logger *zap.Logger
}

func (operationLogger zapOperationLogger) LogOperation(ctx context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.String("status", entry.Status),
	}
	if entry.EntryID != nil {
		fields = append(fields, zap.String("entry_id", entry.EntryID.String()))
	}
	if entry.RewardID != nil {
		fields = append(fields, zap.String("reward_id", entry.RewardID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("ledger operation failed", fields...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}

func newSeedCommand(cfg *runtimeConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert demo users and the reward catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			gormDB, cleanup, err := openDatabase(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("database open: %w", err)
			}
			defer func() { _ = cleanup() }()
			if err := gormstore.Migrate(gormDB); err != nil {
				return fmt.Errorf("auto migrate: %w", err)
			}
			return seedDemoData(cmd.Context(), gormstore.New(gormDB))
		},
	}
}

func seedDemoData(ctx context.Context, store *gormstore.Store) error {
	users := []gormstore.User{
		{UserID: "11111111-1111-4111-8111-111111111111", Nickname: "mina"},
		{UserID: "22222222-2222-4222-8222-222222222222", Nickname: "jun"},
	}
	for _, user := range users {
		if err := store.UpsertUser(ctx, user); err != nil {
			return err
		}
	}
	rewards := []gormstore.Reward{
		{
			RewardID:    "33333333-3333-4333-8333-333333333333",
			Name:        "Tote bag",
			Description: "Upcycled canvas tote from party leftovers",
			Cost:        40,
			ImageURL:    "https://cdn.closetloop.example/rewards/tote.jpg",
			Type:        credit.RewardGoods.String(),
			Stock:       5,
			Details:     datatypes.JSON([]byte(`{"material":"canvas","origin":"upcycled"}`)),
		},
		{
			RewardID:    "44444444-4444-4444-8444-444444444444",
			Name:        "Repair workshop seat",
			Description: "One seat at the monthly mending workshop",
			Cost:        60,
			ImageURL:    "https://cdn.closetloop.example/rewards/workshop.jpg",
			Type:        credit.RewardService.String(),
			Stock:       12,
			Details:     datatypes.JSON([]byte(`{"duration_minutes":90}`)),
		},
	}
	for _, reward := range rewards {
		if err := store.UpsertReward(ctx, reward); err != nil {
			return err
		}
	}
	return nil
}

func openDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "credit.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
