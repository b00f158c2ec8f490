// Tagstream - RFID Asset Tracking and Event Processing
// Copyright 2026 Ferrum Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/ferrum-labs/tagstream

// Package main is the Tagstream service entry point.
//
// Tagstream connects to a fleet of RFID readers (raw TCP or MQTT),
// batches their tag reads, persists batches to Postgres, estimates tag
// locations by signal-weighted triangulation, detects read collisions,
// and evaluates automation rules (restricted zones, excess velocity,
// misplaced items, chain of custody). Derived events go out on a NATS
// JetStream for downstream consumers.
//
// Startup order:
//
//  1. Configuration: Koanf v2 layered defaults / YAML file / environment
//  2. Stores: Postgres (objects, batches, alerts) and Badger dead-letter
//  3. Outbound bus: external or embedded NATS JetStream
//  4. Reader manager, health monitor, batching pipeline
//  5. Supervision tree: readers / pipeline / outbound layers
//  6. Prometheus metrics endpoint
//
// Shutdown on SIGINT/SIGTERM seals the open batch, drains sealed
// batches, and stops the tree.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ferrum-labs/tagstream/internal/alert"
	"github.com/ferrum-labs/tagstream/internal/bus"
	"github.com/ferrum-labs/tagstream/internal/collision"
	"github.com/ferrum-labs/tagstream/internal/config"
	"github.com/ferrum-labs/tagstream/internal/health"
	"github.com/ferrum-labs/tagstream/internal/location"
	"github.com/ferrum-labs/tagstream/internal/logging"
	"github.com/ferrum-labs/tagstream/internal/pipeline"
	"github.com/ferrum-labs/tagstream/internal/reader"
	"github.com/ferrum-labs/tagstream/internal/rules"
	"github.com/ferrum-labs/tagstream/internal/store"
	"github.com/ferrum-labs/tagstream/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides discovery)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func run(configPath string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().Int("readers", len(cfg.Readers)).Int("zones", len(cfg.Zones)).Msg("starting tagstream")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Stores.
	if cfg.Store.PostgresDSN == "" {
		return fmt.Errorf("store.postgres_dsn is required")
	}
	pg, err := store.NewPostgres(ctx, cfg.Store.PostgresDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	dlq, err := store.OpenDeadLetterStore(cfg.Store.DeadLetterDir)
	if err != nil {
		return err
	}
	defer dlq.Close()

	alerts := alert.NewManager(pg)

	// Outbound bus.
	var publisher *bus.Publisher
	if cfg.Bus.Enabled {
		url := cfg.Bus.URL
		if cfg.Bus.Embedded {
			srv, err := bus.NewEmbeddedServer(bus.ServerConfig{StoreDir: cfg.Bus.StoreDir})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			url = srv.ClientURL()
		}
		publisher, err = bus.NewPublisher(bus.DefaultPublisherConfig(url))
		if err != nil {
			return err
		}
		defer publisher.Close()
		alerts.RegisterNotifier(publisher)
	}

	// Zone geometry shared by the estimator and the rules.
	zones := make([]location.Zone, 0, len(cfg.Zones))
	for _, z := range cfg.Zones {
		zones = append(zones, location.Zone{
			Name: z.Name, X: z.CenterX, Y: z.CenterY,
			Restricted: z.Restricted, Exit: z.Exit,
		})
	}
	readerZones := make(map[string]string, len(cfg.Readers))
	for _, r := range cfg.Readers {
		readerZones[r.ID] = r.Zone
	}
	zoneMap, err := location.NewZoneMap(zones, readerZones)
	if err != nil {
		return err
	}

	// Pipeline stages.
	batcher := pipeline.NewBatcher(pipeline.BatcherConfig{
		BatchSize: cfg.Batching.BatchSize,
		MaxAge:    cfg.Batching.BatchMaxAge,
		QueueSize: cfg.Batching.QueueSize,
	})

	// Reader fleet.
	endpoints := make([]reader.Endpoint, 0, len(cfg.Readers))
	for _, r := range cfg.Readers {
		endpoints = append(endpoints, reader.Endpoint{
			ID:           r.ID,
			Address:      r.Address,
			Transport:    string(r.Transport),
			Zone:         r.Zone,
			AntennaCount: r.AntennaCount,
			PowerDBm:     r.PowerDBm,
			Sensitivity:  r.Sensitivity,
		})
	}
	opts := reader.Options{
		HandshakeTimeout: cfg.Connection.HandshakeTimeout,
		CommandTimeout:   cfg.Connection.CommandTimeout,
		ReconnectBase:    cfg.Connection.ReconnectBase,
		ReconnectMax:     cfg.Connection.ReconnectMax,
		MaxRetries:       cfg.Connection.MaxRetries,
	}
	factory := transportFactory(cfg, opts)
	manager := reader.NewManager(endpoints, opts, factory, batcher)
	manager.SetAlerts(alerts)

	// Health monitoring.
	readerIDs := make([]string, 0, len(cfg.Readers))
	for _, r := range cfg.Readers {
		readerIDs = append(readerIDs, r.ID)
	}
	monitor := health.NewMonitor(readerIDs, manager, alerts, health.Config{
		ProbeInterval: cfg.Health.ProbeInterval,
		ProbeTimeout:  cfg.Health.ProbeTimeout,
		HistorySize:   cfg.Health.HistorySize,
	})
	manager.SetMonitor(monitor)

	// Rules.
	engine := rules.NewEngine(alerts)
	// Lockdown orders ride the outbound bus; without one the rule still
	// alerts but takes no action.
	var zoneCtl rules.ZoneController
	if publisher != nil {
		zoneCtl = publisher
	}
	engine.Register(rules.NewUnauthorizedZoneRule(zoneMap, pg, zoneCtl))
	engine.Register(rules.NewExcessVelocityRule(cfg.Estimator.SpeedThreshold, manager))
	engine.Register(rules.NewMisplacedItemRule(pg, pg))
	engine.Register(rules.NewChainOfCustodyRule(cfg.Rules.CustodyClasses, pg))

	estimator := location.NewEstimator(zoneMap, location.Config{Window: cfg.Estimator.Window})
	detector := collision.NewDetector(collision.Config{
		Window:  cfg.Collision.Window,
		MinTags: cfg.Collision.MinTags,
	})

	var streamPub pipeline.StreamPublisher
	if publisher != nil {
		streamPub = publisher
	}
	processor, err := pipeline.NewProcessor(batcher.Sealed(), pipeline.ProcessorDeps{
		Batches:    pg,
		Objects:    pg,
		Movements:  pg,
		Collisions: pg,
		DeadLetter: dlq,
		Estimator:  estimator,
		Detector:   detector,
		Engine:     engine,
		Alerts:     alerts,
		Publisher:  streamPub,
	}, pipeline.ProcessorConfig{
		Workers:        cfg.Batching.Workers,
		PersistRetries: cfg.Batching.PersistRetries,
		PersistTimeout: cfg.Batching.PersistTimeout,
	})
	if err != nil {
		return err
	}

	// Reader state transitions go out on the bus.
	if publisher != nil {
		manager.AddStateListener(func(ch reader.StateChange) {
			if err := publisher.PublishReaderState(context.Background(), ch.ReaderID, string(ch.To)); err != nil {
				logging.Debug().Err(err).Str("reader", ch.ReaderID).Msg("reader state publish failed")
			}
		})
	}

	// Supervision tree.
	slogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	tree := supervisor.NewTree(slogger, supervisor.DefaultTreeConfig())
	for _, c := range manager.Conns() {
		tree.AddReader(c)
	}
	tree.AddPipelineService(batcher)
	tree.AddPipelineService(processor)
	tree.AddPipelineService(monitor)

	// Metrics endpoint.
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logging.Info().Str("listen", cfg.Metrics.Listen).Msg("metrics endpoint up")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	errCh := tree.ServeBackground(ctx)

	// The tree's shutdown order lets the batcher seal and the processor
	// drain before the deferred store closes run.
	var treeErr error
	select {
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
		treeErr = <-errCh
	case treeErr = <-errCh:
	}
	if treeErr != nil && !errors.Is(treeErr, context.Canceled) {
		return fmt.Errorf("supervision tree: %w", treeErr)
	}
	if metricsSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(sctx)
	}
	manager.Shutdown()
	logging.Info().Msg("tagstream stopped")
	return nil
}

// transportFactory picks the transport per endpoint: raw sockets dial the
// reader directly, mqtt readers share the configured broker.
func transportFactory(cfg *config.Config, opts reader.Options) reader.TransportFactory {
	tcp := reader.TCPFactory(opts.HandshakeTimeout)
	mqtt := reader.MQTTFactory(reader.MQTTConfig{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		Username: cfg.MQTT.Username,
		Password: cfg.MQTT.Password,
		QoS:      cfg.MQTT.QoS,
	})
	return func(ep reader.Endpoint) (reader.Transport, error) {
		switch config.TransportKind(ep.Transport) {
		case config.TransportMQTT:
			return mqtt(ep)
		case config.TransportTCP, "":
			return tcp(ep)
		default:
			return nil, fmt.Errorf("reader %s: unknown transport %q", ep.ID, ep.Transport)
		}
	}
}
