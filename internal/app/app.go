// Package app wires the engine to its configured backends. Both binaries
// build on it.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"attendguard/internal/attendance"
	"attendguard/internal/config"
	"attendguard/internal/devicetrust"
	"attendguard/internal/events"
	"attendguard/internal/faceclient"
	"attendguard/internal/ledger"
	"attendguard/internal/metrics"
	"attendguard/internal/queue"
	"attendguard/internal/store"
)

// App is a fully wired engine.
type App struct {
	Service *attendance.Service
	Hub     *events.Hub
	Metrics *metrics.Collector
	Face    *faceclient.Client
	// Queue is set when events go through the redis queue.
	Queue queue.Queue

	db      *store.DB
	redis   *store.Redis
	closers []func() error
	log     *zap.Logger
}

// Build connects the backends named in cfg. reg receives the engine metrics.
func Build(cfg config.App, log *zap.Logger, reg prometheus.Registerer) (*App, error) {
	a := &App{log: log}
	if err := a.build(cfg, reg); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg config.App, reg prometheus.Registerer) error {
	if cfg.LedgerBackend == "redis" || cfg.EventBackend == "redis" {
		r, err := store.NewRedis(cfg.RedisAddr)
		if err != nil {
			return err
		}
		a.redis = r
		a.closers = append(a.closers, a.redis.Client.Close)
	}

	deps := attendance.Deps{Logger: a.log}
	switch cfg.StoreBackend {
	case "postgres":
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect db: %w", err)
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		pg := store.NewPostgres(db.Client)
		deps.Store = pg
		deps.Roster = pg
		deps.Devices = devicetrust.NewStore(pg)
	default:
		a.log.Warn("memory store in use: data is lost on restart and every student counts as enrolled")
		deps.Store = attendance.NewMemoryStore()
		deps.Roster = attendance.RosterFunc(func(context.Context, string, string) (bool, error) { return true, nil })
		deps.Devices = devicetrust.NewStore(devicetrust.NewMemoryRepository())
	}

	if cfg.LedgerBackend == "redis" {
		deps.Ledger = ledger.NewRedis(a.redis.Client)
	} else {
		deps.Ledger = ledger.NewMemory()
	}

	a.Metrics = metrics.New(reg)
	deps.Metrics = a.Metrics

	a.Hub = events.NewHub(a.log, cfg.WSOriginPatterns...)
	sinks := []events.Emitter{a.Hub}
	switch cfg.EventBackend {
	case "redis":
		a.Queue = queue.NewRedisQueue(a.redis.Client, queue.DefaultKey, a.log)
		sinks = append(sinks, events.NewQueueSink(a.Queue))
		a.Metrics.WatchQueue(a.Queue)
	case "kafka":
		k, err := events.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, k.Close)
		sinks = append(sinks, k)
	case "amqp":
		m, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, m.Close)
		sinks = append(sinks, m)
	}
	deps.Emitter = events.NewFanout(a.log, sinks...)

	a.Face = faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	deps.Analyzer = a.Face

	a.Service = attendance.NewService(deps, cfg.Engine())
	return nil
}

// Health reports each backend in use.
func (a *App) Health(ctx context.Context) map[string]bool {
	out := make(map[string]bool)
	if a.db != nil {
		out["db"] = a.db.Healthy(ctx)
	}
	if a.redis != nil {
		out["redis"] = a.redis.Healthy(ctx)
	}
	return out
}

// Close releases backends in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
