// TasFleet Core - Tasmota Device State Synchronization Engine
//
// This is the main entry point for the TasFleet Core application.
// TasFleet keeps a canonical, persistent view of a fleet of
// Tasmota-firmware devices observed over one or more MQTT brokers:
//   - Passive state accumulation from telemetry and command results
//   - Active bootstrap polling for devices missing baseline metadata
//   - Durable snapshots with crash-safe rehydration
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/tasfleet/internal/bridge"
	"github.com/nerrad567/tasfleet/internal/device"
	"github.com/nerrad567/tasfleet/internal/infrastructure/config"
	"github.com/nerrad567/tasfleet/internal/infrastructure/influxdb"
	"github.com/nerrad567/tasfleet/internal/infrastructure/logging"
	"github.com/nerrad567/tasfleet/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Run the application
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting TasFleet Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the snapshot repository
	repo, err := device.NewBoltRepository(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("opening snapshot store: %w", err)
	}
	defer func() {
		log.Info("closing snapshot store")
		if closeErr := repo.Close(); closeErr != nil {
			log.Error("error closing snapshot store", "error", closeErr)
		}
	}()
	log.Info("snapshot store opened", "path", cfg.Store.Path)

	// Initialise the device store
	store := device.NewStore(repo, device.Options{
		FlushInterval:   cfg.GetFlushInterval(),
		PollInterval:    cfg.GetPollInterval(),
		PollMaxAttempts: cfg.Engine.PollMaxAttempts,
	})
	store.SetLogger(log.With("component", "device"))

	// Hydrate persisted snapshots before any live traffic arrives
	snapshots, err := repo.FetchAll()
	if err != nil {
		return fmt.Errorf("loading snapshots: %w", err)
	}
	store.Hydrate(snapshots)
	log.Info("device store hydrated", "snapshots", len(snapshots))

	// Create the bridge between MQTT traffic and the store
	fleetBridge := bridge.New(store)
	fleetBridge.SetLogger(log.With("component", "bridge"))

	// Connect to InfluxDB (optional)
	if cfg.InfluxDB.Enabled {
		influxClient, influxErr := influxdb.Connect(cfg.InfluxDB)
		if influxErr != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", influxErr)
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

		// Set up InfluxDB error callback
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})

		fleetBridge.SetTelemetry(influxClient)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Connect every configured broker and attach it to the bridge
	clients := make([]*mqtt.Client, 0, len(cfg.Connections))
	defer func() {
		for _, client := range clients {
			log.Info("disconnecting from MQTT", "connection_id", client.ConnectionID())
			if closeErr := client.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}
	}()

	for _, connCfg := range cfg.Connections {
		client, connErr := mqtt.Connect(connCfg)
		if connErr != nil {
			return fmt.Errorf("connecting to MQTT %q: %w", connCfg.ID, connErr)
		}
		clients = append(clients, client)
		log.Info("MQTT connected",
			"connection_id", connCfg.ID,
			"broker", fmt.Sprintf("%s:%d", connCfg.Broker.Host, connCfg.Broker.Port),
			"client_id", connCfg.Broker.ClientID,
		)

		client.SetLogger(log.With("component", "mqtt", "connection_id", connCfg.ID))
		connID := connCfg.ID
		client.SetOnConnect(func() {
			log.Info("MQTT reconnected", "connection_id", connID)
		})
		client.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "connection_id", connID, "error", err)
		})

		// #nosec G115 -- QoS validated to 0..2 during config load
		if attachErr := fleetBridge.Attach(client, byte(connCfg.QoS)); attachErr != nil {
			return fmt.Errorf("attaching connection %q: %w", connCfg.ID, attachErr)
		}
	}

	// Wire command dispatch and start the engine's periodic behaviour
	store.SetCommander(fleetBridge)
	store.Start()
	defer func() {
		log.Info("stopping device store")
		store.Stop()
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, clients); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	// Wait for shutdown signal
	<-ctx.Done()

	stats := store.GetStats()
	log.Info("shutdown signal received, cleaning up",
		"devices", stats.Records,
		"online", stats.Online,
		"dirty", stats.Dirty,
	)

	// Deferred calls run in reverse order:
	// 1. Device store (final flush)
	// 2. MQTT clients
	// 3. InfluxDB (if enabled)
	// 4. Snapshot store

	log.Info("TasFleet Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses TASFLEET_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("TASFLEET_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all broker connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - clients: Connected MQTT clients to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, clients []*mqtt.Client) error {
	for _, client := range clients {
		if err := client.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt %q: %w", client.ConnectionID(), err)
		}
	}
	return nil
}
