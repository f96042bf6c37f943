// Fieldlink Core - real-time device connectivity.
//
// This is the main entry point for the fieldlink service. It runs:
//   - one raw-TCP wire broker per broker-enabled device
//   - one WebSocket proxy per connected device, with a viewer listener
//   - the ingest pipeline that persists and merges every event
//   - the broadcast hub behind the /realtime/ws live stream
//   - the HTTP control API
//
// Optional outputs are the upstream MQTT relay and the InfluxDB mirror.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/fieldlink-core/internal/api"
	"github.com/nerrad567/fieldlink-core/internal/broker"
	"github.com/nerrad567/fieldlink-core/internal/connectivity"
	"github.com/nerrad567/fieldlink-core/internal/hub"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/logging"
	"github.com/nerrad567/fieldlink-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/fieldlink-core/internal/metrics"
	"github.com/nerrad567/fieldlink-core/internal/proxy"
	"github.com/nerrad567/fieldlink-core/internal/relay"
	"github.com/nerrad567/fieldlink-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// shutdownTimeout bounds the final flush and listener teardown.
const shutdownTimeout = 15 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting fieldlink",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"database_driver", cfg.Database.Driver,
		"level", cfg.Logging.Level,
	)

	store, err := openStorage(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	health := map[string]api.HealthChecker{"database": store.health}

	// Outputs fed by the pipeline, in publish order: live stream first.
	h := hub.New(cfg.Hub)
	h.SetLogger(log.Component("hub"))
	h.SetMetrics(m)
	publishers := telemetry.MultiPublisher{h}

	var workers []connectivity.Worker

	mqttClient, err := connectMQTT(cfg.MQTT, log)
	if err != nil {
		return err
	}
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		rel := relay.New(cfg.MQTT, mqttClient)
		rel.SetLogger(log.Component("relay"))
		rel.SetMetrics(m)
		publishers = append(publishers, rel)
		workers = append(workers, rel)
		health["mqtt"] = mqttClient
	}

	influxClient, err := connectInfluxDB(cfg.InfluxDB, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		publishers = append(publishers, influxdb.NewMirror(influxClient))
		health["influxdb"] = influxClient
	}

	pipeline := telemetry.NewPipeline(telemetry.Config{
		ImmediateSaveCooldown: cfg.Ingest.ImmediateSaveCooldown,
		FlushInterval:         cfg.Ingest.FlushInterval,
		MaxPending:            cfg.Ingest.MaxPending,
		InitialStateLimit:     cfg.Ingest.InitialStateLimit,
	}, store.events, publishers)
	pipeline.SetLogger(log.Component("ingest"))
	pipeline.SetMetrics(m)

	brokers := broker.NewOrchestrator(cfg.Broker, pipeline)
	brokers.SetLogger(log.Component("broker"))
	brokers.SetMetrics(m)

	proxies := proxy.NewRegistry(cfg.Proxy, cfg.WebSocket, pipeline, h)
	proxies.SetLogger(log.Component("proxy"))
	proxies.SetMetrics(m)

	if mqttClient != nil {
		router := relay.NewCommandRouter(cfg.MQTT, mqttClient, proxies)
		router.SetLogger(log.Component("relay"))
		if startErr := router.Start(); startErr != nil {
			return fmt.Errorf("starting MQTT command router: %w", startErr)
		}
		defer func() {
			if stopErr := router.Stop(); stopErr != nil {
				log.Warn("error stopping MQTT command router", "error", stopErr)
			}
		}()
	}

	if cfg.Ingest.Retention > 0 {
		if pruner, ok := store.events.(telemetry.Pruner); ok {
			retention := telemetry.NewRetention(pruner, cfg.Ingest.Retention)
			retention.SetLogger(log.Component("retention"))
			workers = append(workers, retention)
		}
	}

	manager := connectivity.New(connectivity.Config{AutoResume: cfg.Proxy.AutoResume}, connectivity.Deps{
		Directory: store.devices,
		Store:     store.events,
		Pipeline:  pipeline,
		Brokers:   brokers,
		Proxies:   proxies,
		Hub:       h,
		Workers:   workers,
	})
	manager.SetLogger(log.Component("connectivity"))

	if _, startErr := manager.Start(ctx); startErr != nil {
		return fmt.Errorf("starting connectivity core: %w", startErr)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if stopErr := manager.Shutdown(shutdownCtx); stopErr != nil {
			log.Error("error stopping connectivity core", "error", stopErr)
		}
	}()

	server, err := api.New(api.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Metrics:  cfg.Metrics,
		Logger:   log.Component("api"),
		Manager:  manager,
		Hub:      h,
		Health:   health,
		Gatherer: reg,
		Version:  version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete, waiting for shutdown signal",
		"api", server.Addr().String(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (no new requests or viewers)
	// 2. Connectivity core (brokers, proxies, final flush, hub)
	// 3. MQTT command router and client, InfluxDB
	// 4. Database

	log.Info("fieldlink stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses FIELDLINK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FIELDLINK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT opens the upstream relay connection. It returns nil when
// the relay is disabled.
func connectMQTT(cfg config.MQTTConfig, log *logging.Logger) (*mqtt.Client, error) {
	if !cfg.Enabled {
		log.Info("MQTT relay disabled")
		return nil, nil
	}

	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
		"topic_prefix", cfg.TopicPrefix,
	)
	return client, nil
}

// connectInfluxDB opens the numeric telemetry mirror. It returns nil when
// the mirror is disabled.
func connectInfluxDB(cfg config.InfluxDBConfig, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}

	client, err := influxdb.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})

	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client, nil
}
