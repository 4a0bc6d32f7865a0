// Package main starts the stream adapter daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/ibs-source/stream-queue-adapter/internal/adapter"
	"github.com/ibs-source/stream-queue-adapter/internal/config"
	"github.com/ibs-source/stream-queue-adapter/internal/log"
	"github.com/ibs-source/stream-queue-adapter/internal/metrics"
	"github.com/ibs-source/stream-queue-adapter/internal/provider"
)

var (
	produceFlag   = flag.Bool("produce", false, "Read batches from stdin, one event per line, and send them")
	namespaceFlag = flag.String("namespace", "default", "Stream namespace used by -produce")
	tailFlag      = flag.Bool("tail", true, "Log every batch received on every queue")
)

func run() int {
	logger := log.New()
	logger.Info("Starting stream adapter")

	cfg, err := loadAndLogConfig(logger)
	if err != nil {
		return 1
	}

	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		logger.Error("Failed to register metrics: %v", err)
		return 1
	}

	p, a, err := initializeServices(cfg, m, logger)
	if err != nil {
		return 1
	}

	return runMainLoop(p, a, cfg, reg, logger)
}

func loadAndLogConfig(logger *log.Logger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Failed to load configuration: %v", err)
		return nil, err
	}

	logger.Info("Configuration loaded successfully")
	logger.InfoWithFields(logrus.Fields{
		"provider":   cfg.Provider.Name,
		"broker":     cfg.Broker.Kind,
		"queues":     cfg.Provider.QueueCount,
		"cache":      cfg.Provider.CacheSize,
		"serializer": cfg.Provider.Serializer,
		"failure":    cfg.Provider.FailureHandler,
	}, "Provider settings")
	return cfg, nil
}

func initializeServices(cfg *config.Config, m *metrics.Metrics, logger *log.Logger) (*provider.Provider, *adapter.Adapter, error) {
	b, err := newBroker(cfg, logger)
	if err != nil {
		logger.Error("Failed to connect to %s broker: %v", cfg.Broker.Kind, err)
		return nil, nil, err
	}
	logger.Info("Connected to %s broker", cfg.Broker.Kind)

	p, err := provider.New(cfg.Provider, b, logger.Named("provider"),
		provider.WithMetrics(m),
		provider.WithPipeline(cfg.Pipeline),
	)
	if err != nil {
		logger.Error("Failed to create provider: %v", err)
		_ = b.Close()
		return nil, nil, err
	}
	a, err := p.Adapter()
	if err != nil {
		logger.Error("Failed to create adapter: %v", err)
		_ = b.Close()
		return nil, nil, err
	}
	return p, a, nil
}

func runMainLoop(p *provider.Provider, a *adapter.Adapter, cfg *config.Config, reg *prometheus.Registry, logger *log.Logger) int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 2)
	var wg sync.WaitGroup

	if cfg.Metrics.Address != "" {
		srv := newMetricsServer(cfg.Metrics.Address, reg)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serveMetrics(ctx, srv, cfg.Pipeline.ShutdownTimeout, logger); err != nil {
				errChan <- err
			}
		}()
	}

	if err := a.Start(ctx); err != nil {
		logger.Error("Failed to start adapter: %v", err)
		return 1
	}
	logger.Info("Adapter %s started with %d queues", a.Name(), len(a.Queues()))

	wg.Add(1)
	go func() {
		defer wg.Done()
		logAdapterErrors(a.Errors(), logger)
	}()

	if *tailFlag {
		for _, q := range a.Queues() {
			wg.Add(1)
			go func() {
				defer wg.Done()
				tailQueue(ctx, p.NewReader(q, a.StartToken(q)), cfg.Pipeline.PollInterval, logger)
			}()
		}
	}

	if *produceFlag {
		// Not joined on shutdown; a read from stdin cannot be interrupted
		go func() {
			if err := produce(ctx, a, *namespaceFlag, os.Stdin, logger); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- err
			}
		}()
	}

	code := 0
	select {
	case sig := <-sigChan:
		logger.Info("Received signal %v, initiating graceful shutdown", sig)
	case err := <-errChan:
		logger.Error("Runtime error: %v", err)
		code = 1
	}
	cancel()

	if !handleGracefulShutdown(a, &wg, cfg, logger) {
		return 1
	}
	return code
}

func main() {
	// Keep main minimal to ensure defers in run() execute correctly.
	os.Exit(run())
}
