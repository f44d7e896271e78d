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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ethernity-cloud/etny-agent/pkg/config"
	"github.com/ethernity-cloud/etny-agent/pkg/log"
	"github.com/ethernity-cloud/etny-agent/pkg/metrics"
	"github.com/ethernity-cloud/etny-agent/pkg/node"
	"github.com/ethernity-cloud/etny-agent/pkg/supervisor"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// workerRestartInterval recycles every network worker with a fresh
// chain client and clean in-memory state once a day.
const workerRestartInterval = 24 * time.Hour

var (
	agentCfg   config.Agent
	listenAddr string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "etny-agent",
	Short: "Ethernity Cloud compute provider agent",
	Long: `The agent advertises this host's capacity on the Ethernity Cloud
marketplace, matches incoming task requests against it, and executes
the resulting orders inside an SGX enclave stack, submitting results
back on-chain. One worker runs per configured network.`,
	Version: Version,
	RunE:    runAgent,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"etny-agent version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	config.LoadEnv()
	if err := agentCfg.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	config.RegisterNetworkFlags(rootCmd)
	rootCmd.Flags().StringVar(&listenAddr, "listenaddr", "127.0.0.1:9090", "metrics and health listen address")
}

func runAgent(cmd *cobra.Command, args []string) error {
	log.Init(log.Config{
		Level:      log.Level(agentCfg.LogLevel),
		JSONOutput: agentCfg.LogJSON,
	})
	metrics.SetVersion(Version)
	logger := log.WithComponent("main")

	networks, err := agentCfg.ResolveNetworks(cmd)
	if err != nil {
		return err
	}
	logger.Info().Int("networks", len(networks)).Str("version", Version).Msg("starting agent")

	baseDir := config.DefaultCacheDir()
	sup := supervisor.New(workerRestartInterval, nil)
	collector := metrics.NewCollector()

	for i := range networks {
		nc := &networks[i]
		worker, err := node.NewWorker(&agentCfg, nc, baseDir, sup.Slot(), sup.Gate())
		if err != nil {
			return fmt.Errorf("failed to create %s worker: %w", nc.Name, err)
		}
		sup.Add(supervisor.Worker{Name: nc.Name, Run: worker.Run})
		collector.Register(worker)
	}

	collector.Start()
	defer collector.Stop()

	httpServer := serveHTTP(logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("agent stopped")
	return nil
}

// serveHTTP exposes the metrics and health endpoints in the background.
func serveHTTP(logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	server := &http.Server{Addr: listenAddr, Handler: mux}
	go func() {
		logger.Info().Str("addr", listenAddr).Msg("serving metrics and health endpoints")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return server
}
