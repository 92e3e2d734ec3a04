// Concierge event recommendation service
// Serves the public chat API plus metrics and health listeners
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nainya/concierge/internal/config"
	"github.com/nainya/concierge/internal/logger"
	"github.com/nainya/concierge/internal/server"
)

const (
	Version   = "0.3.0"
	BuildTime = "dev"
	appName   = "concierge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath string
	logLevel   string
	pretty     bool
}

func rootCmd() *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Conversational event recommendations",
		Long: `Concierge answers chat turns with event recommendations drawn from a
cached per-city corpus. Every call is authenticated, rate limited per
identity and recorded in an owner-scoped conversation store.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&flags.pretty, "pretty", false, "Human readable console logs")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the chat API",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "warm",
			Short: "Refresh the corpus cache for every supported city once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return warm(cmd.Context(), flags)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func loadConfig(flags globalFlags) (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.pretty {
		cfg.Log.Pretty = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	return cfg, log, nil
}

func serve(ctx context.Context, flags globalFlags) error {
	cfg, log, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := buildServices(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	uptimeStop := make(chan struct{})
	defer close(uptimeStop)
	go svc.metrics.RunUptime(uptimeStop)

	if cfg.Corpus.WarmSchedule != "" {
		warmer := newWarmer(cfg, svc.corpus, log)
		if err := warmer.Start(ctx); err != nil {
			return err
		}
		defer warmer.Stop()
	}

	api, err := server.New(server.Deps{
		Verifier:      svc.verifier,
		RateLimiter:   svc.rateLimiter,
		Pipeline:      svc.pipeline,
		Conversations: svc.store,
		Authorizer:    svc.authorizer,
		Metrics:       svc.metrics,
		Logger:        log,
	}, server.Options{
		Addr:         cfg.Server.HTTPAddr,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	})
	if err != nil {
		return err
	}
	obs := server.NewObservabilityServer(cfg.Server.ObservabilityAddr, nil, svc.readyChecks, log)

	errCh := make(chan error, 3)
	go func() { errCh <- api.Start() }()
	go func() { errCh <- obs.Start() }()

	var health *server.HealthServer
	if cfg.Server.GrpcAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GrpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Server.GrpcAddr, err)
		}
		health = server.NewHealthServer(svc.metrics, log)
		go func() { errCh <- health.Serve(lis) }()
		health.SetServing(true)
	}

	log.LogServerStart(cfg.Server.HTTPAddr, cfg.Storage.Backend)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		log.Error("listener failed").Err(runErr).Send()
	}

	if health != nil {
		health.SetServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := api.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed").Err(err).Send()
	}
	if err := obs.Shutdown(shutdownCtx); err != nil {
		log.Error("observability shutdown failed").Err(err).Send()
	}
	if health != nil {
		health.Stop()
	}
	return runErr
}

func warm(ctx context.Context, flags globalFlags) error {
	cfg, log, err := loadConfig(flags)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	redisClient := newRedisClient(cfg)
	if redisClient != nil {
		defer redisClient.Close()
	}
	manager := newCorpusManager(cfg, redisClient, log)

	failed := newWarmer(cfg, manager, log).WarmAll(ctx)
	if failed > 0 {
		return fmt.Errorf("%d of %d cities failed to refresh", failed, len(cfg.Pipeline.SupportedCities))
	}
	return nil
}
