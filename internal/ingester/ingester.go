package ingester

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/katasec/dstream-ingester-mysql/internal/binlog"
	"github.com/katasec/dstream-ingester-mysql/internal/checkpoint"
	"github.com/katasec/dstream-ingester-mysql/internal/config"
	"github.com/katasec/dstream-ingester-mysql/internal/db"
	"github.com/katasec/dstream-ingester-mysql/internal/handler"
	"github.com/katasec/dstream-ingester-mysql/internal/locking"
	"github.com/katasec/dstream-ingester-mysql/internal/message"
	"github.com/katasec/dstream-ingester-mysql/internal/metrics"
	"github.com/katasec/dstream-ingester-mysql/internal/pii"
	"github.com/katasec/dstream-ingester-mysql/internal/publisher"
	"github.com/katasec/dstream-ingester-mysql/internal/replication"
	"github.com/katasec/dstream-ingester-mysql/internal/schema"
	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// Ingester is one replication handler process: the MySQL connection, the
// checkpoint store, the publisher and the agent that drives them.
type Ingester struct {
	config    *config.Config
	dbConn    *sql.DB
	store     cdc.CheckpointStore
	publisher cdc.Publisher
	registry  *prometheus.Registry
	agent     *replication.Agent
	log       hclog.Logger
}

// New connects to every dependency named in cfg and wires the agent. On error
// anything already opened is closed again.
func New(ctx context.Context, cfg *config.Config, log hclog.Logger) (ing *Ingester, err error) {
	lockTimeout, err := cfg.Lock.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid lock.timeout: %w", err)
	}
	leaseTTL, err := cfg.Lock.GetLeaseTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid lock.lease_ttl: %w", err)
	}
	gracePeriod, err := cfg.Shutdown.GetGracePeriod()
	if err != nil {
		return nil, fmt.Errorf("invalid shutdown.grace_period: %w", err)
	}

	classifier, err := pii.Load(cfg.PIIYAMLPath, log)
	if err != nil {
		return nil, err
	}

	ing = &Ingester{config: cfg, log: log}
	defer func() {
		if err != nil {
			_ = ing.Stop()
		}
	}()

	ing.dbConn, err = db.Connect(ctx, db.DriverMySQL, cfg.MySQL.DSN(), log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to DB: %w", err)
	}

	ing.store, err = checkpoint.New(ctx, cfg.Checkpoint, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store: %w", err)
	}

	ing.publisher, err = publisher.New(ctx, cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}

	ing.registry = prometheus.NewRegistry()
	ing.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(ing.registry)

	lockerFactory := locking.NewLockerFactory(
		cfg.Lock.Type,
		cfg.Lock.ConnectionString,
		cfg.Lock.ContainerName,
		leaseTTL,
		log.Named("lock"),
	)
	locks := locking.NewService(lockerFactory, cfg.Lock.SessionRetries, log)

	registry := schema.NewRegistry(db.NewTableMetadata(ing.dbConn), cfg.ClusterName, log)
	builder := message.NewBuilder(cfg.ClusterName, message.Projection{
		IncludeIdentifiers: cfg.Projection.IncludeIdentifiers,
		Fields:             cfg.Projection.Fields,
		FullRow:            cfg.Projection.FullRow,
	}, classifier)

	dispatcher := replication.NewDispatcher(
		handler.NewSchemaHandler(registry, cfg.RegisterDryRun, log),
		handler.NewDataHandler(registry, builder, ing.publisher, cfg.RegisterDryRun, log),
		m,
		log,
	)
	controller := replication.NewShutdownController(cfg.SourceID, ing.publisher, ing.store, dispatcher.CurrentCategory, m, log)
	resumer := replication.NewResumer(ing.store, binlog.NewSource(cfg.MySQL, ing.dbConn, log), log)

	ing.agent = replication.NewAgent(replication.Options{
		SourceID:    cfg.SourceID,
		LockPath:    cfg.Lock.Path,
		LockTimeout: lockTimeout,
		GracePeriod: gracePeriod,
	}, locks, resumer, dispatcher, controller, m, log)

	return ing, nil
}

// Start runs replication until shutdown. A nil error means the process exited
// through the graceful shutdown path.
func (s *Ingester) Start(ctx context.Context, signals <-chan os.Signal) error {
	s.log.Info("Starting MySQL ingester", "source", s.config.SourceID, "cluster", s.config.ClusterName)

	if s.config.MetricsAddr != "" {
		metricsCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go metrics.Serve(metricsCtx, s.config.MetricsAddr, s.registry, s.log.Named("metrics"))
	}

	return s.agent.Run(ctx, signals)
}

// Stop closes the publisher, the checkpoint store and the database connection.
func (s *Ingester) Stop() error {
	s.log.Info("Stopping MySQL ingester")
	var errs []error
	if s.publisher != nil {
		errs = append(errs, s.publisher.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.dbConn != nil {
		errs = append(errs, s.dbConn.Close())
	}
	return errors.Join(errs...)
}
