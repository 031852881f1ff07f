package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nerrad567/gray-logic-mihome/internal/api"
	"github.com/nerrad567/gray-logic-mihome/internal/bridges/mihome"
	"github.com/nerrad567/gray-logic-mihome/internal/device"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-mihome/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-mihome/migrations"
)

// Background maintenance intervals.
const (
	historyPruneInterval   = time.Hour
	transportStatsInterval = time.Minute
	pruneTimeout           = 30 * time.Second
)

// run is the bridge service, separated from the command for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting Gray Logic Mi Home bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Report history
	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	history := device.NewSQLiteHistoryRepository(db.DB)

	// MQTT, with the bridge's offline health message as last will
	will, err := bridgeWill(cfg)
	if err != nil {
		return err
	}
	mqttClient, err := mqtt.Connect(cfg.MQTT, will)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	mqttClient.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	// InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, cfg.MiHome.BridgeID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Gateway transport and bridge
	transport, err := mihome.NewTransport(transportConfig(cfg.MiHome))
	if err != nil {
		return fmt.Errorf("creating transport: %w", err)
	}
	transport.SetLogger(log.Component("transport"))
	transport.SetOnError(func(err error) {
		log.Error("multicast socket failed", "error", err)
	})
	defer func() {
		log.Info("closing multicast transport")
		if closeErr := transport.Close(); closeErr != nil {
			log.Error("error closing transport", "error", closeErr)
		}
	}()

	opts := mihome.BridgeOptions{
		Config:     bridgeConfig(cfg.MiHome),
		MQTTClient: &mqttBridgeAdapter{client: mqttClient},
		Transport:  transport,
		History:    history,
		Logger:     log.Component("mihome"),
	}
	if influxClient != nil {
		opts.Metrics = influxClient
	}
	bridge, err := mihome.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	defer func() {
		log.Info("stopping bridge")
		bridge.Stop()
	}()
	log.Info("bridge started", "gateways", len(cfg.MiHome.Gateways))

	// HTTP API (optional)
	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log,
			Bridge:   bridge,
			History:  history,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API server disabled")
	}

	// Background maintenance
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()
	go pruneHistoryLoop(loopCtx, history, cfg.MiHome.HistoryRetention, historyPruneInterval, log)
	if influxClient != nil {
		go influxClient.SampleTransport(loopCtx, transportStatsInterval, func() influxdb.TransportCounters {
			return transportCounters(bridge.TransportStats())
		})
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: loops, API, bridge, transport,
	// InfluxDB, MQTT, database.

	log.Info("Gray Logic Mi Home bridge stopped")
	return nil
}

// bridgeWill builds the MQTT last will that marks the bridge offline on the
// health topic if the connection drops without a clean shutdown.
func bridgeWill(cfg *config.Config) (*mqtt.Will, error) {
	payload, err := json.Marshal(mihome.NewLWTMessage(cfg.MiHome.BridgeID))
	if err != nil {
		return nil, fmt.Errorf("building last will: %w", err)
	}
	return &mqtt.Will{
		Topic:   mqtt.Topics{}.BridgeHealth(mihome.Protocol),
		Payload: payload,
	}, nil
}

// transportConfig maps configuration onto the shared multicast transport.
func transportConfig(cfg config.MiHomeConfig) mihome.TransportConfig {
	return mihome.TransportConfig{
		Group:         cfg.MulticastGroup,
		Port:          cfg.Port,
		MulticastPort: cfg.MulticastPort,
		Interface:     cfg.Interface,
	}
}

// bridgeConfig maps configuration onto the bridge.
func bridgeConfig(cfg config.MiHomeConfig) mihome.BridgeConfig {
	gateways := make([]mihome.GatewayConfig, 0, len(cfg.Gateways))
	for _, gw := range cfg.Gateways {
		gateways = append(gateways, mihome.GatewayConfig{
			SID:  gw.SID,
			Host: gw.Host,
			Port: gw.Port,
			Key:  gw.Key,
		})
	}
	return mihome.BridgeConfig{
		ID:                   cfg.BridgeID,
		Version:              version,
		Gateways:             gateways,
		LivenessInterval:     cfg.LivenessInterval,
		GatewayOnlineTimeout: cfg.GatewayOnlineTimeout,
		DeviceOnlineTimeout:  cfg.DeviceOnlineTimeout,
		DiscoveryInterval:    cfg.DiscoveryInterval,
		ScanTimeout:          cfg.ScanTimeout,
		HealthInterval:       cfg.HealthInterval,
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}

// historyPruner is the part of the history repository the prune loop uses.
type historyPruner interface {
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)
}

// pruneHistoryLoop deletes history older than retention every interval.
// A zero retention keeps history forever.
func pruneHistoryLoop(ctx context.Context, repo historyPruner, retention, interval time.Duration, log *logging.Logger) {
	if retention <= 0 {
		log.Info("history pruning disabled")
		return
	}

	prune := func() {
		pruneCtx, cancel := context.WithTimeout(ctx, pruneTimeout)
		defer cancel()
		removed, err := repo.PruneHistory(pruneCtx, retention)
		if err != nil {
			log.Warn("history prune failed", "error", err)
			return
		}
		if removed > 0 {
			log.Info("history pruned", "removed", removed, "retention", retention.String())
		}
	}

	prune()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

// transportCounters converts the socket counters to an InfluxDB sample.
func transportCounters(stats mihome.TransportStats) influxdb.TransportCounters {
	return influxdb.TransportCounters{
		Open:         stats.Open,
		Listeners:    stats.Listeners,
		MessagesRx:   stats.MessagesRx,
		MessagesTx:   stats.MessagesTx,
		DecodeErrors: stats.DecodeErrors,
		Dropped:      stats.Dropped,
		Reopens:      stats.Reopens,
	}
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
// - Infrastructure mqtt: func(topic, payload []byte) error
// - Mi Home bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client *mqtt.Client
}

// Publish implements mihome.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements mihome.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// IsConnected implements mihome.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
