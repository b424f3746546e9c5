// Command signalsd is the core process (spec §6): it starts the
// Orchestrator worker and the Read API against a single Snapshot Store
// backend, selected from environment variables with no required flags.
// Grounded on the teacher's cmd/cryptorun/main.go for the zerolog
// console-writer setup and cobra root command shape, and on
// original_source/api/__main__.py for the "one process, one backend, env-
// configured port" entrypoint contract this domain actually needs (the
// teacher's menu-driven multi-subcommand CLI has no counterpart here —
// this core has exactly one long-running mode).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/signalsd/internal/breaker"
	"github.com/sawpanic/signalsd/internal/cache"
	"github.com/sawpanic/signalsd/internal/config"
	"github.com/sawpanic/signalsd/internal/httpapi"
	"github.com/sawpanic/signalsd/internal/httpfetch"
	"github.com/sawpanic/signalsd/internal/llm"
	"github.com/sawpanic/signalsd/internal/orchestrator"
	"github.com/sawpanic/signalsd/internal/ratelimit"
	"github.com/sawpanic/signalsd/internal/store"
	"github.com/sawpanic/signalsd/internal/store/localstore"
	"github.com/sawpanic/signalsd/internal/store/postgres"
)

const version = "v0.1.0"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	var profilePath string

	rootCmd := &cobra.Command{
		Use:     "signalsd",
		Short:   "signalsd runs the Orchestrator worker and the Read API",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(profilePath)
		},
	}
	rootCmd.Flags().StringVar(&profilePath, "profile", "profiles/default.yaml", "path to the profile YAML")

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("signalsd exited with error")
	}
}

func run(profilePath string) error {
	profile, err := config.Load(profilePath)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}

	runtimeCfg := config.LoadRuntimeConfig()

	st, err := openStore(runtimeCfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	httpTimeout := profile.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}
	breakers := breaker.NewRegistry()
	limiters := ratelimit.NewRegistry(5, 10)
	httpClient := httpfetch.New(httpTimeout, breakers, limiters)

	enricher := buildEnricher(profile, runtimeCfg)

	etherscanKey := os.Getenv("ETHERSCAN_API_KEY")
	whaleAlertKey := os.Getenv("WHALE_ALERT_API_KEY")
	arkhamKey := os.Getenv("ARKHAM_API_KEY")

	orch := orchestrator.New(profile, st, runtimeCfg, httpClient, enricher, etherscanKey, whaleAlertKey, arkhamKey)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchDone := make(chan struct{})
	go func() {
		orch.Run(ctx)
		close(orchDone)
	}()

	sigCache := buildCache(runtimeCfg)
	serverCfg := httpapi.DefaultServerConfig(runtimeCfg)
	server := httpapi.NewServer(serverCfg, profile, st, sigCache, runtimeCfg.CacheTTL)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		<-orchDone
		return err
	case err := <-errCh:
		return err
	}
}

func openStore(cfg config.RuntimeConfig) (store.Store, error) {
	if cfg.UsePostgres() {
		log.Info().Msg("using postgres snapshot store")
		return postgres.Open(cfg.PostgresDSN)
	}
	log.Info().Str("path", cfg.LocalDBPath).Msg("using embedded snapshot store")
	return localstore.Open(cfg.LocalDBPath)
}

func buildEnricher(profile *config.Profile, cfg config.RuntimeConfig) llm.Enricher {
	if !profile.LLMEnrichment.Enabled || cfg.LLMAPIKey == "" {
		return llm.NoopEnricher{}
	}
	timeout := profile.LLMEnrichment.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return llm.NewClient(cfg.LLMAPIBaseURL, cfg.LLMAPIKey, cfg.LLMModel, timeout)
}

func buildCache(cfg config.RuntimeConfig) cache.Cache {
	if cfg.RedisAddr != "" {
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis signal cache")
		return cache.NewRedis(cfg.RedisAddr)
	}
	return cache.NewMemory()
}
