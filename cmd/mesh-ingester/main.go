package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/mesh-ingester/internal/analytics"
	"github.com/route-beacon/mesh-ingester/internal/config"
	"github.com/route-beacon/mesh-ingester/internal/correlation"
	"github.com/route-beacon/mesh-ingester/internal/dedup"
	"github.com/route-beacon/mesh-ingester/internal/diagnostics"
	"github.com/route-beacon/mesh-ingester/internal/geocode"
	meshhttp "github.com/route-beacon/mesh-ingester/internal/http"
	"github.com/route-beacon/mesh-ingester/internal/lifecycle"
	"github.com/route-beacon/mesh-ingester/internal/metrics"
	"github.com/route-beacon/mesh-ingester/internal/meshwire"
	"github.com/route-beacon/mesh-ingester/internal/mqttsource"
	"github.com/route-beacon/mesh-ingester/internal/nodestate"
	"github.com/route-beacon/mesh-ingester/internal/pending"
	"github.com/route-beacon/mesh-ingester/internal/publish"
)

var (
	configPath   string
	logLevelFlag string

	version = "dev"
)

func main() {
	root := &cobra.Command{
		Use:   "mesh-ingester",
		Short: "Fan-in ingester for region-scoped mesh radio telemetry brokers",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON source-descriptor configuration file")
	root.PersistentFlags().StringVar(&logLevelFlag, "log-level", "", "Override log level (debug, info, warn, error)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	root.AddCommand(serveCmd, versionCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelFlag != "" {
		cfg.Service.LogLevel = logLevelFlag
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func runServe() error {
	cfg, logger := loadConfig()
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting mesh-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.String("meshtastic_mode", cfg.Service.MeshtasticMode),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := analytics.Dial(ctx, cfg.Clickhouse, logger.Named("analytics"))
	if err != nil {
		logger.Fatal("failed to connect to clickhouse", zap.Error(err))
	}
	defer conn.Close()

	writer := analytics.NewWriter(conn, cfg.Clickhouse.Table)
	pipeline := analytics.NewPipeline(writer, cfg.Clickhouse.BatchSize, cfg.Clickhouse.FlushInterval(), logger.Named("analytics.pipeline"))

	var geocoder geocode.Geocoder
	if cfg.Geocode.BoundariesPath != "" {
		geocoder, err = geocode.LoadBoundaries(cfg.Geocode.BoundariesPath)
		if err != nil {
			logger.Fatal("failed to load geocode boundaries", zap.Error(err))
		}
	} else {
		logger.Warn("geocode.boundaries_path not set, country/subdivision will always be unknown")
		geocoder = geocode.Unset{}
	}

	dedupWindow := dedup.New()
	defer dedupWindow.Stop()

	decoder := meshwire.NewDecoder(cfg.Crypto.ChannelKeyBase64)

	diagSink, err := diagnostics.Open(cfg.Diagnostics.DecodeFailureSinkPath, logger.Named("diagnostics"))
	if err != nil {
		logger.Fatal("failed to open decode-failure diagnostic sink", zap.Error(err))
	}
	defer diagSink.Close()

	events := make(chan correlation.SourceEvent, 256)

	// sourceCtx governs only the MQTT source clients, so it can be
	// cancelled first on shutdown ("stop accepting new events") without
	// tearing down the correlation engine, analytical pipeline, or
	// downstream publisher before they have drained.
	sourceCtx, cancelSources := context.WithCancel(ctx)
	defer cancelSources()

	sources := make(map[string]*correlation.SourceState, len(cfg.Sources))
	clients := make(map[string]*mqttsource.Client, len(cfg.Sources))
	httpSources := make(map[string]meshhttp.SourceStatus, len(cfg.Sources))
	statsSources := make([]lifecycle.SourceStats, 0, len(cfg.Sources))

	now := time.Now()
	for label, srcCfg := range cfg.Sources {
		if !srcCfg.Enabled {
			logger.Info("source disabled, skipping", zap.String("source", label))
			continue
		}

		nodes := nodestate.Load(srcCfg.CacheFile, logger.Named("nodestate."+label))
		pendingTelemetry, valid, expired := pending.LoadTelemetry(srcCfg.CacheFile+".telemetry", now, logger.Named("pending.telemetry."+label))
		if valid > 0 || expired > 0 {
			logger.Info("pending telemetry cache reloaded",
				zap.String("source", label), zap.Int("valid", valid), zap.Int("expired_dropped", expired))
		}
		pendingNodeInfo := pending.NewNodeInfo()

		state := &correlation.SourceState{
			Label:            label,
			PublishToWesense: srcCfg.PublishToWesense,
			Nodes:            nodes,
			PendingTelemetry: pendingTelemetry,
			PendingNodeInfo:  pendingNodeInfo,
		}
		sources[label] = state

		client := mqttsource.New(label, srcCfg, decoder, events, diagSink, logger.Named("mqttsource"))
		clients[label] = client
		httpSources[label] = client
		statsSources = append(statsSources, lifecycle.SourceStats{Label: label, Messages: client, Correlated: state})
	}

	if len(clients) == 0 {
		logger.Fatal("no enabled sources configured")
	}

	downstream := publish.New(cfg.Publisher, cfg.Service.MeshtasticMode, logger.Named("publish"))

	engine := correlation.New(sources, dedupWindow, geocoder, pipeline, downstream,
		cfg.Service.IngestionNodeID, cfg.Service.MeshtasticMode, logger.Named("correlation"), nil)

	go pipeline.Run(ctx)

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx, events)
	}()

	var clientsWG sync.WaitGroup
	for label, client := range clients {
		client := client
		label := label
		clientsWG.Add(1)
		go func() {
			defer clientsWG.Done()
			if err := client.Run(sourceCtx); err != nil && sourceCtx.Err() == nil {
				logger.Error("mqtt source exited unexpectedly", zap.String("source", label), zap.Error(err))
			}
		}()
	}

	if err := downstream.Start(ctx); err != nil {
		logger.Warn("downstream publisher initial connect failed, continuing in background", zap.Error(err))
	}

	httpServer := meshhttp.NewServer(cfg.Service.HTTPListen, conn, httpSources, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	statsInterval := time.Duration(cfg.Service.StatsIntervalSeconds) * time.Second
	statsReporter := lifecycle.NewStatsReporter(nil, statsInterval, statsSources, logger.Named("stats"))
	statsDone := make(chan struct{})
	go func() {
		defer close(statsDone)
		statsReporter.Run(ctx)
	}()

	logger.Info("all sources and HTTP server started", zap.Int("source_count", len(clients)))

	sig := lifecycle.WaitForSignal()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Ordered graceful shutdown: each step only starts once the previous
	// one has fully quiesced, so an in-flight correlation never sees a
	// downstream dependency disappear out from under it.
	lifecycle.Shutdown(shutdownCtx, logger, []lifecycle.Shutdowner{
		{Name: "mqtt source clients", Stop: func(ctx context.Context) error {
			// 1. Stop accepting new events.
			cancelSources()
			return waitOrTimeout(ctx, &clientsWG)
		}},
		{Name: "correlation engine drain", Stop: func(ctx context.Context) error {
			// 2. Drain the inbound queue to quiescence: safe to close now
			// that every source client has stopped enqueuing.
			close(events)
			select {
			case <-engineDone:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("correlation engine did not drain in time")
			}
		}},
		{Name: "analytics pipeline flush", Stop: func(ctx context.Context) error {
			// 3-4. Flush the analytical writer buffer and stop the flush
			// timer; Close blocks until Run has drained and returned.
			pipeline.Close()
			return nil
		}},
		{Name: "node state persistence", Stop: func(ctx context.Context) error {
			// 5. Persist NodeRecord state for every enabled source.
			// PendingTelemetry saves itself on every Append/Drain, so
			// nothing further is needed for it here.
			for _, state := range sources {
				state.Nodes.Save()
			}
			return nil
		}},
		{Name: "http", Stop: func(ctx context.Context) error { return httpServer.Shutdown(ctx) }},
		{Name: "downstream publisher", Stop: func(ctx context.Context) error {
			// 6. Disconnect the downstream publisher last: every reading
			// the correlation engine committed has already either been
			// published or the engine itself has stopped running.
			return downstream.Disconnect(ctx)
		}},
	})

	cancel()
	select {
	case <-statsDone:
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached waiting for stats reporter to stop")
	}

	logger.Info("mesh-ingester stopped")
	return nil
}

// waitOrTimeout blocks until wg completes or ctx is done, whichever comes
// first, returning an error in the latter case.
func waitOrTimeout(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for goroutines to stop")
	}
}
