package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/lyralabs/companion-gateway/internal/config"
	"github.com/lyralabs/companion-gateway/internal/logger"
	"github.com/lyralabs/companion-gateway/internal/metrics"
	"github.com/lyralabs/companion-gateway/internal/server"
	"github.com/lyralabs/companion-gateway/internal/tracing"
)

var (
	configFile = flag.String("config", "", "Path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
	gitCommit  = "unknown"
)

func main() {
	flag.Parse()

	fmt.Printf("Companion Gateway v%s (commit: %s, built: %s)\n", version, gitCommit, buildTime)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logLevel, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level: %v\n", err)
		os.Exit(1)
	}

	var logOutput *os.File
	switch cfg.Logging.Output {
	case "stdout":
		logOutput = os.Stdout
	case "stderr":
		logOutput = os.Stderr
	default:
		logOutput, err = os.OpenFile(cfg.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
			os.Exit(1)
		}
		defer logOutput.Close()
	}

	logger.Init(logLevel, cfg.Logging.Format, logOutput)

	log := logger.Get().WithComponent("main")
	log.Info("starting companion gateway", logger.Fields{
		"version":    version,
		"git_commit": gitCommit,
		"build_time": buildTime,
	})

	if len(cfg.Logging.RedactPatterns) > 0 {
		if err := logger.Get().SetRedactPatterns(cfg.Logging.RedactPatterns); err != nil {
			log.Error("failed to set redact patterns", logger.Fields{
				"error": err.Error(),
			})
			os.Exit(1)
		}
	}

	for component, levelStr := range cfg.Logging.ComponentLevels {
		level, err := logger.ParseLevel(levelStr)
		if err != nil {
			log.Warn("invalid component log level", logger.Fields{
				"component": component,
				"level":     levelStr,
				"error":     err.Error(),
			})
			continue
		}
		logger.Get().SetComponentLevel(component, level)
	}

	metrics.Init()

	if err := tracing.Init(&tracing.Config{
		Enabled:        cfg.Observability.TracingEnabled,
		Endpoint:       cfg.Observability.TracingEndpoint,
		ServiceName:    "companion-gateway",
		ServiceVersion: version,
		Environment:    os.Getenv("COMPANION_ENVIRONMENT"),
		SampleRate:     cfg.Observability.SampleRate,
	}); err != nil {
		log.Error("failed to initialize tracing", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer tracing.Shutdown(context.Background())

	srv, err := server.New(context.Background(), cfg)
	if err != nil {
		log.Error("failed to build server", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("configuration loaded", logger.Fields{
		"http_port":          cfg.Server.HTTPPort,
		"rate_limit_enabled": cfg.RateLimit.Enabled,
		"chat_enabled":       cfg.Chat.Enabled,
		"fleet_enabled":      cfg.Fleet.Enabled,
		"agents":             len(cfg.Agents),
	})

	if err := srv.Start(); err != nil {
		log.Error("server error", logger.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	log.Info("companion gateway stopped")
}
