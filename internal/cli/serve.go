package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sakif/qaplanet/internal/auth"
	"github.com/sakif/qaplanet/internal/config"
	"github.com/sakif/qaplanet/internal/generate"
	"github.com/sakif/qaplanet/internal/generate/openai"
	"github.com/sakif/qaplanet/internal/logger"
	"github.com/sakif/qaplanet/internal/metrics"
	"github.com/sakif/qaplanet/internal/rate"
	"github.com/sakif/qaplanet/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().IntP("port", "p", 0, "Listen port, overrides the config")

	RootCmd.AddCommand(cmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Read(configPath)
	if err != nil {
		return err
	}
	applyFlags(cfg)
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel, cfg.PrettyLog)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	// handler helpers log through the global logger
	zap.ReplaceGlobals(log)

	log.Debug("configuration loaded", zap.Any("config", cfg.Redacted()))

	db, err := openStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	tokens, err := auth.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}

	var limiter rate.Limiter
	if cfg.Redis.Addr != "" {
		client, err := rate.Connect(rate.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		defer client.Close()
		limiter = rate.NewRedis(client, log)
	} else {
		log.Info("no redis configured, rate limits are per process")
		limiter = rate.NewMemory()
	}

	if cfg.Generate.APIKey == "" {
		log.Warn("no generation API key configured, the provider will likely reject requests")
	}
	provider := openai.New(openai.Config{
		BaseURL:     cfg.Generate.BaseURL,
		APIKey:      cfg.Generate.APIKey,
		Model:       cfg.Generate.Model,
		Timeout:     cfg.Generate.Timeout,
		MaxTokens:   cfg.Generate.MaxTokens,
		Temperature: cfg.Generate.Temperature,
	}, log)

	srv, err := server.New(server.Config{
		Port:              cfg.Port,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		WriteTimeout:      cfg.Generate.Timeout + time.Minute,
		CORSOrigins:       cfg.CORSOrigins,
		Version:           Version,
		GeneratePerMinute: cfg.Rate.GeneratePerMinute,
		CommentPerMinute:  cfg.Rate.CommentPerMinute,
	}, server.Deps{
		DB:        db,
		Tokens:    tokens,
		Passwords: auth.NewPasswordService(),
		Generator: generate.NewPool(provider, cfg.Generate.MaxConcurrent, 2*time.Second, log),
		Limiter:   limiter,
		Metrics:   metrics.New(),
	}, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("qaplanet starting",
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.DBPath),
		zap.String("version", Version),
	)
	return srv.Start(ctx)
}
