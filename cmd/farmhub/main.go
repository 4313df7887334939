// Farmhub - remote device farm control plane
//
// This is the main entry point for the farmhub hub process. It owns one
// adb server connection, tracks every attached Android device, and exposes
// the farm over HTTP/WebSocket with optional MQTT and InfluxDB mirrors.
package main

import (
	"context"
	"fmt"
	"os"

	_ "github.com/rlanyon/farmhub/migrations"

	"github.com/rlanyon/farmhub/internal/adb"
	"github.com/rlanyon/farmhub/internal/announce"
	"github.com/rlanyon/farmhub/internal/device"
	"github.com/rlanyon/farmhub/internal/history"
	"github.com/rlanyon/farmhub/internal/infrastructure/config"
	"github.com/rlanyon/farmhub/internal/infrastructure/database"
	"github.com/rlanyon/farmhub/internal/infrastructure/logging"
	"github.com/rlanyon/farmhub/internal/infrastructure/mqtt"
	"github.com/rlanyon/farmhub/internal/infrastructure/telemetry"
	"github.com/rlanyon/farmhub/internal/service"
	"github.com/rlanyon/farmhub/internal/ws"
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
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Interrupt handling lives in the service runner: first signal triggers a
// graceful release, second forces exit.
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting farmhub",
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

	// Open database (optional; disables history when off)
	var historyRepo *history.Repository
	if cfg.Database.Enabled {
		db, openErr := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if openErr != nil {
			return fmt.Errorf("opening database: %w", openErr)
		}
		defer func() {
			log.Info("closing database")
			if closeErr := db.Close(); closeErr != nil {
				log.Error("error closing database", "error", closeErr)
			}
		}()
		log.Info("database connected", "path", cfg.Database.Path)

		if migrateErr := db.Migrate(ctx); migrateErr != nil {
			return fmt.Errorf("running migrations: %w", migrateErr)
		}
		log.Info("database migrations complete")

		historyRepo = history.NewRepository(db.DB)
	} else {
		log.Info("database disabled, state history off")
	}

	// Connect to MQTT broker (optional announcer)
	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
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
	} else {
		log.Info("MQTT disabled")
	}

	// Connect to InfluxDB (optional)
	var telemetryClient *telemetry.Client
	if cfg.Telemetry.Enabled {
		telemetryClient, err = telemetry.Connect(cfg.Telemetry)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := telemetryClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.Telemetry.URL,
			"org", cfg.Telemetry.Org,
			"bucket", cfg.Telemetry.Bucket,
		)

		telemetryClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// adb client: both the enumeration source and the command executor
	adbClient := adb.NewClient(cfg.ADB, log)

	// Device registry
	centerOpts := device.CenterOptions{
		Name:       cfg.Farm.Name,
		Enumerator: adbClient,
		Commander:  adbClient,
		Logger:     log,
		Tracker:    cfg.Tracker,
	}
	if historyRepo != nil {
		centerOpts.History = historyRepo
	}
	if telemetryClient != nil {
		centerOpts.Metrics = telemetryClient
	}
	center, err := device.NewCenter(centerOpts)
	if err != nil {
		return fmt.Errorf("creating control center: %w", err)
	}
	log.Info("control center created", "id", center.ID(), "name", center.Name())

	// WebSocket routing: the tracker factory claims the device-list action
	// on plain connections and the DTRC code on multiplexed channels; the
	// mux factory claims the multiplex action and feeds channels back
	// through the router.
	router := ws.NewRouter()
	trackerFactory := ws.NewTrackerFactory(center, log)
	router.HandleRequest(trackerFactory.Request)
	router.HandleChannel(trackerFactory.Channel)
	router.HandleRequest(ws.NewMuxFactory(router, log).Request)

	serverDeps := ws.Deps{
		Config:   cfg.API,
		WS:       cfg.WebSocket,
		Security: cfg.Security,
		Logger:   log,
		Center:   center,
		Router:   router,
		Version:  version,
	}
	if historyRepo != nil {
		serverDeps.History = historyRepo
	}
	server, err := ws.New(serverDeps)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Assemble the service runner. Registration order is start order;
	// release runs in the same order on shutdown.
	runner := service.NewRunner(log)

	if cfg.ADB.Managed {
		adbServer, srvErr := adb.NewServer(cfg.ADB, log)
		if srvErr != nil {
			return fmt.Errorf("creating adb server supervisor: %w", srvErr)
		}
		runner.Register(adbServer)
	}

	runner.Register(center)

	if historyRepo != nil {
		runner.Register(history.NewPruner(historyRepo, cfg.Database.RetainDays, log))
	}

	if mqttClient != nil {
		announcer, annErr := announce.New(center, mqttClient, log)
		if annErr != nil {
			return fmt.Errorf("creating announcer: %w", annErr)
		}
		runner.Register(announcer)
	}

	runner.Register(server)

	log.Info("initialisation complete")
	return runner.Run(ctx)
}

// getConfigPath returns the configuration file path.
// Uses FARMHUB_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("FARMHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
