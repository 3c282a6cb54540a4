// cmd/meter-eye/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/sua-org/meter-eye/internal/camera"
	"github.com/sua-org/meter-eye/internal/config"
	"github.com/sua-org/meter-eye/internal/core"
	"github.com/sua-org/meter-eye/internal/export"
	"github.com/sua-org/meter-eye/internal/logging"
	"github.com/sua-org/meter-eye/internal/registry"
	"github.com/sua-org/meter-eye/internal/storage"
	"github.com/sua-org/meter-eye/internal/supervisor"
)

// Exit codes.
const (
	exitOK          = 0
	exitConfigError = 1
	exitIOError     = 2
	exitInterrupted = 130
)

func main() {
	// .env in the working directory is optional.
	godotenv.Load()

	configPath := flag.String("config", "", "path to YAML config file")
	flag.StringVar(configPath, "c", "", "path to YAML config file (shorthand)")
	flag.Parse()

	cmd := "run"
	args := flag.Args()
	if len(args) > 0 {
		cmd = args[0]
		args = args[1:]
	}

	switch cmd {
	case "run":
		os.Exit(runService(resolveConfigPath(*configPath)))
	case "migrate":
		os.Exit(runMigrate(resolveConfigPath(*configPath), args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected run or migrate)\n", cmd)
		os.Exit(exitConfigError)
	}
}

func resolveConfigPath(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return config.DefaultPath()
}

func runMigrate(configPath string, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	jsonPath := fs.String("json", "", "path to legacy JSON config file")
	fs.Parse(args)

	src := *jsonPath
	if src == "" {
		src = "config.json"
	}

	if _, err := config.MigrateFromJSON(src, configPath); err != nil {
		fmt.Fprintf(os.Stderr, "migration failed: %v\n", err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return exitConfigError
		}
		return exitIOError
	}
	fmt.Printf("migrated config saved to: %s\n", configPath)
	return exitOK
}

func runService(configPath string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", configPath, err)
		var cfgErr *config.Error
		if errors.As(err, &cfgErr) {
			return exitConfigError
		}
		return exitIOError
	}

	log, err := logging.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		return exitIOError
	}
	defer log.Sync()

	if len(cfg.Cameras) == 0 {
		log.Error("no cameras configured", zap.String("path", configPath))
		return exitConfigError
	}
	log.Info("config loaded",
		zap.String("path", configPath), zap.Int("cameras", len(cfg.Cameras)))

	reg := registry.New()

	// Snapshot archive is optional; a failure only disables it.
	var archive storage.ImageStore
	if cfg.Export.Storage.Enabled {
		store, err := storage.NewMinioStore(cfg.Export.Storage, log)
		if err != nil {
			log.Warn("snapshot archive disabled", zap.Error(err))
		} else {
			archive = store
		}
	}

	var sinks []export.Sink
	if cfg.Export.HTTP.Enabled {
		sinks = append(sinks, export.NewHTTPSink(cfg.Export.HTTP, log))
	}
	if cfg.Export.Database.Enabled {
		sinks = append(sinks, export.NewDatabaseSink(cfg.Export.Database, log))
	}
	if cfg.Export.MQTT.Enabled {
		sinks = append(sinks, export.NewMQTTSink(cfg.Export.MQTT, log))
	}

	dispatcher := export.NewDispatcher(sinks, log)
	unsubscribe := reg.Subscribe(dispatcher.Submit)
	defer unsubscribe()

	var readingCount atomic.Uint64
	reg.Subscribe(func(core.Emission) { readingCount.Add(1) })

	ctx, cancelSinks := context.WithCancel(context.Background())
	defer cancelSinks()
	if err := dispatcher.Start(ctx); err != nil {
		log.Error("exporter start failed", zap.Error(err))
		return exitIOError
	}

	sup := supervisor.New(reg, camera.OpenRTSP, archive, log)
	sup.Apply(cfg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()
	start := time.Now()

	log.Info("service started")
	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				log.Info("reload requested")
				if err := sup.Reload(configPath); err != nil {
					log.Warn("reload failed, keeping previous config", zap.Error(err))
				}
				continue
			}
			log.Info("shutting down", zap.String("signal", sig.String()))
			sup.Shutdown()
			cancelSinks()
			dispatcher.Stop()
			elapsed := time.Since(start)
			log.Info("goodbye",
				zap.Uint64("readings", readingCount.Load()),
				zap.Duration("uptime", elapsed.Round(time.Second)))
			return exitInterrupted
		case <-statsTicker.C:
			count := readingCount.Load()
			elapsed := time.Since(start).Seconds()
			log.Info("stats",
				zap.Uint64("readings", count),
				zap.Float64("rate_per_sec", float64(count)/elapsed))
		}
	}
}
