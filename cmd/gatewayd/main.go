// Package main provides the entry point for the gateway daemon.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/relaygate/gateway/internal/admission"
	"github.com/relaygate/gateway/internal/agentsession"
	"github.com/relaygate/gateway/internal/config"
	"github.com/relaygate/gateway/internal/llmqueue"
	"github.com/relaygate/gateway/internal/logging"
	"github.com/relaygate/gateway/internal/lru"
	"github.com/relaygate/gateway/internal/metrics"
	"github.com/relaygate/gateway/internal/progress"
	"github.com/relaygate/gateway/internal/provider"
	"github.com/relaygate/gateway/internal/repo"
	"github.com/relaygate/gateway/internal/server"
	"github.com/relaygate/gateway/internal/storage"
	"github.com/relaygate/gateway/internal/tool"
	"github.com/relaygate/gateway/internal/tool/builtin"
	"github.com/relaygate/gateway/internal/toolcache"

	gomcpserver "github.com/mark3labs/mcp-go/server"
)

// Version and BuildTime are set at build time via -ldflags.
var (
	Version   = "0.1.0"
	BuildTime = "dev"
)

var (
	port       int
	mcpPort    int
	dataDir    string
	configFile string
	logLevel   string
	prettyLogs bool
)

var rootCmd = &cobra.Command{
	Use:     "gatewayd",
	Short:   "relaygate gateway daemon",
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP port to listen on")
	rootCmd.Flags().IntVar(&mcpPort, "mcp-port", 8081, "Port for the MCP tool-bridge SSE server")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "./data", "Directory for on-disk JSON storage")
	rootCmd.Flags().StringVar(&configFile, "config", "", "Path to a YAML config file (optional)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.Flags().BoolVar(&prettyLogs, "pretty", false, "Human-readable console log output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logging.Init(logging.Config{
		Level:  logging.ParseLevel(logLevel),
		Output: os.Stderr,
		Pretty: prettyLogs,
	})

	logging.Info().Str("version", Version).Str("buildTime", BuildTime).Msg("starting gateway daemon")

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	store := storage.New(dataDir)

	users := repo.NewFileUserRepo(store)
	conversations := repo.NewFileConversationRepo(store)
	messages := repo.NewFileMessageRepo(store)

	adm := admission.New(admission.Config{
		MaxGlobal:      cfg.Admission.MaxSSEConnections,
		MaxPerUser:     cfg.Admission.MaxSSEConnectionsPerUser,
		ReleaseRate:    cfg.Admission.ReleaseRate,
		TokenTTL:       cfg.Admission.TokenTTL,
		RetryJitterMin: cfg.Admission.RetryJitterMin,
		RetryJitterMax: cfg.Admission.RetryJitterMax,
		AbuseWindow:    cfg.Admission.AbuseWindow,
		AbuseThreshold: cfg.Admission.AbuseThreshold,
		AbuseCooldown:  cfg.Admission.AbuseCooldown,
	})

	queue := llmqueue.New(llmqueue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxRPM:        cfg.Queue.MaxRPM,
		Timeout:       cfg.Queue.Timeout,
	})

	plans := repo.NewFilePlanRepo(store)

	registry := tool.NewRegistry()
	if err := registry.Register(builtin.NewWebFetchPlugin()); err != nil {
		logging.Warn().Err(err).Msg("failed to register webfetch tool")
	}
	if err := registry.Register(builtin.NewPlanPlugin(plans)); err != nil {
		logging.Warn().Err(err).Msg("failed to register plan tool")
	}
	if err := registry.Register(builtin.NewDateTimePlugin()); err != nil {
		logging.Warn().Err(err).Msg("failed to register datetime tool")
	}
	cache := toolcache.New(toolcache.Config{})
	executor := tool.NewExecutor(registry, cache, tool.NewRateLimiter())
	adapters := tool.DefaultAdapterChain()

	progressStore := progress.New(store, progress.DefaultTTL)
	sessions := agentsession.New(store, agentsession.DefaultTTL)

	lruCfg := lru.Config{
		MaxActiveConversationsPerUser:   cfg.LRU.MaxActiveConversationsPerUser,
		AutoArchiveAfter:                cfg.LRU.AutoArchiveAfter,
		MaxArchivedConversationsPerUser: cfg.LRU.MaxArchivedConversationsPerUser,
		DeleteArchivedAfter:             cfg.LRU.DeleteArchivedAfter,
	}
	scheduler := lru.New(lruCfg, store, conversations, messages)

	providers := initProviders(cfg)

	met := metrics.New()

	srv := server.New(&server.Config{
		Port:         port,
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
	}, server.Deps{
		Providers:     providers,
		Admission:     adm,
		Queue:         queue,
		Registry:      registry,
		Executor:      executor,
		Adapters:      adapters,
		Progress:      progressStore,
		Sessions:      sessions,
		Users:         users,
		Conversations: conversations,
		Messages:      messages,
		LRU:           scheduler,
		Metrics:       met,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go scheduler.RunPeriodicSweeps(ctx)

	mcpSrv := gomcpserver.NewSSEServer(builtin.NewMCPServer(registry, executor),
		gomcpserver.WithBaseURL(fmt.Sprintf("http://localhost:%d", mcpPort)))
	go func() {
		logging.Info().Int("port", mcpPort).Msg("MCP tool bridge listening")
		if err := mcpSrv.Start(fmt.Sprintf(":%d", mcpPort)); err != nil && err != http.ErrServerClosed {
			logging.Error().Err(err).Msg("MCP bridge server error")
		}
	}()

	go func() {
		logging.Info().Int("port", port).Msg("HTTP server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := mcpSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("MCP bridge shutdown error")
	}

	logging.Info().Msg("gateway daemon stopped")
	return nil
}

// initProviders builds the modelType -> Provider map from configuration,
// warning (not failing) when an individual provider cannot be constructed
// so the rest of the gateway still starts.
func initProviders(cfg *config.Config) map[string]provider.Provider {
	out := make(map[string]provider.Provider)

	localCfg := provider.NewLocalConfigFromEnv()
	if cfg.Providers.OllamaAPIURL != "" {
		localCfg.BaseURL = cfg.Providers.OllamaAPIURL
	}
	if cfg.Providers.OllamaModel != "" {
		localCfg.DefaultModel = cfg.Providers.OllamaModel
	}
	out["local"] = provider.NewLocalProvider(localCfg)

	arkCfg := provider.NewArkConfigFromEnv()
	if cfg.Providers.ArkAPIKey != "" {
		arkCfg.APIKey = cfg.Providers.ArkAPIKey
	}
	if cfg.Providers.ArkAPIURL != "" {
		arkCfg.BaseURL = cfg.Providers.ArkAPIURL
	}
	if arkCfg.APIKey != "" {
		arkProvider, err := provider.NewArkProvider(context.Background(), arkCfg)
		if err != nil {
			logging.Warn().Err(err).Msg("failed to initialize volcano ark provider")
		} else {
			out["volcano"] = arkProvider
		}
	}

	return out
}
