package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/nerrad567/runnable-bridge/internal/accessory"
	"github.com/nerrad567/runnable-bridge/internal/api"
	"github.com/nerrad567/runnable-bridge/internal/bridges/mqttbridge"
	"github.com/nerrad567/runnable-bridge/internal/communicator"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/config"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/runnable-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/runnable-bridge/internal/process"
	"github.com/nerrad567/runnable-bridge/migrations"
)

const (
	// lockFileName sits next to the database and guards against a second
	// bridge driving the same runnable and cache.
	lockFileName = "runnablebridge.lock"

	// statusPollInterval is how often supervisor transitions are sampled.
	statusPollInterval = 2 * time.Second
)

// ErrAlreadyRunning is returned when another bridge holds the instance lock.
var ErrAlreadyRunning = errors.New("another runnablebridge instance is running")

// serve runs the bridge until ctx is cancelled.
func serve(ctx context.Context, configPath string) error {
	log := logging.Default()
	log.Info("starting runnablebridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"accessories", len(cfg.Accessories),
		"level", cfg.Logging.Level,
	)

	unlock, err := acquireInstanceLock(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer unlock()

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	comm := communicator.New(communicator.Config{
		CommandLine: cfg.Runnable.Run,
		Interval:    cfg.Runnable.Interval(),
		Process:     processConfig(cfg.Runnable),
	})
	comm.SetLogger(log.Component("runnable"))

	platform, err := accessory.NewPlatform(definitions(cfg.Accessories), comm, accessory.NewSQLiteCache(db.DB))
	if err != nil {
		return fmt.Errorf("creating accessory platform: %w", err)
	}
	platform.SetLogger(log.Component("accessory"))

	// History observers are registered before Start so restored values
	// and the first runnable messages are recorded.
	var history *influxdb.Client
	if cfg.InfluxDB.Enabled {
		history, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := history.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		history.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		platform.Observe(func(c accessory.Change) {
			history.WriteCharacteristic(c.Name, c.Characteristic, c.Value, c.Source, c.Timestamp)
		})
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := platform.Start(ctx); err != nil {
		return fmt.Errorf("starting accessory platform: %w", err)
	}
	defer func() {
		log.Info("stopping runnable")
		platform.Shutdown()
	}()

	go watchRunnable(ctx, comm, history, log)

	if cfg.MQTT.Enabled {
		stop, err := startMQTT(cfg.MQTT, platform, comm, log)
		if err != nil {
			return err
		}
		defer stop()
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Platform: platform,
			Runnable: comm,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, waiting for shutdown signal")
	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	return nil
}

// acquireInstanceLock takes the lock file next to the database.
func acquireInstanceLock(dbPath string) (unlock func(), err error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring instance lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, lock.Path())
	}
	return func() { _ = lock.Unlock() }, nil
}

// startMQTT connects to the broker and starts the accessory bridge.
func startMQTT(cfg config.MQTTConfig, platform mqttbridge.Platform, comm mqttbridge.MessageSource, log *logging.Logger) (stop func(), err error) {
	client, err := mqtt.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)

	bridge, err := mqttbridge.New(mqttbridge.Options{
		MQTT:     client,
		Platform: platform,
		Topics:   client.Topics(),
		QoS:      byte(cfg.QoS),
		Messages: comm,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("creating MQTT bridge: %w", err)
	}
	bridge.SetLogger(log.Component("mqttbridge"))

	if err := bridge.Start(); err != nil {
		client.Close()
		return nil, fmt.Errorf("starting MQTT bridge: %w", err)
	}

	return func() {
		bridge.Stop()
		log.Info("disconnecting from MQTT", "stats", bridge.Stats())
		if closeErr := client.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}, nil
}

// watchRunnable logs supervisor transitions and records them as history.
func watchRunnable(ctx context.Context, comm *communicator.Communicator, history *influxdb.Client, log *logging.Logger) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	var last process.Stats
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		stats := comm.Stats().Runnable
		if stats == nil || (stats.Status == last.Status && stats.RestartCount == last.RestartCount) {
			continue
		}

		log.Info("runnable status",
			"status", stats.Status,
			"pid", stats.PID,
			"retries", stats.RetryCount,
			"restarts", stats.RestartCount,
		)
		if history != nil {
			history.WriteRunnableStatus(string(stats.Status), stats.RetryCount, stats.RestartCount)
		}
		last = *stats
	}
}

// processConfig maps the runnable section onto supervisor settings. A
// configured max_retries of 0 means no automatic restarts.
func processConfig(r config.RunnableConfig) process.Config {
	maxRetries := r.MaxRetries
	if maxRetries == 0 {
		maxRetries = -1
	}
	return process.Config{
		Name:            "runnable",
		Shell:           r.Shell,
		Env:             r.Env,
		WorkDir:         r.WorkDir,
		MaxRetries:      maxRetries,
		RestartDelay:    r.RestartDelay(),
		WriteTimeout:    r.WriteTimeout(),
		GracefulTimeout: r.GracefulTimeout(),
		MaxBufferBytes:  r.MaxBufferBytes,
	}
}

func definitions(accs []config.AccessoryConfig) []accessory.Definition {
	defs := make([]accessory.Definition, 0, len(accs))
	for _, a := range accs {
		defs = append(defs, accessory.Definition{
			Name:            a.Name,
			Service:         a.Service,
			Characteristics: a.Characteristics,
		})
	}
	return defs
}
