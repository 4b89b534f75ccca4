package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cafeorders/cmd/server/config"
	"cafeorders/internal/collaborators"
	ordersdb "cafeorders/internal/db/orders"
	"cafeorders/internal/events"
	"cafeorders/internal/inventory"
	"cafeorders/internal/observability"
	"cafeorders/internal/orders"
	"cafeorders/internal/orders/saga"
	"cafeorders/internal/realtime"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const schemaSetupTimeout = 5 * time.Second

// Durable checkpoints over in-memory orders suit development only: after a restart a
// finished saga replays from its checkpoint alone, without line items or total.
const volatileOrdersWarning = "saga checkpoints outlive in-memory orders; set DATABASE_URL outside development"

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// services is the wired order service and the resources it owns.
type services struct {
	orchestrator *orders.Orchestrator
	hub          *realtime.Hub
	closers      []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

func (s *services) own(name string, close func() error) {
	s.closers = append(s.closers, namedCloser{name: name, close: close})
}

// Close releases owned resources in reverse acquisition order.
func (s *services) Close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		c := s.closers[i]
		if err := c.close(); err != nil {
			logger.Warn("close resource", zap.String("resource", c.name), zap.Error(err))
		}
	}
	s.closers = nil
}

// storeSet is the storage backing one orchestrator. Memory stores are replaced by
// Postgres when DATABASE_URL is set and by Redis for stock and locking when REDIS_URL is.
type storeSet struct {
	orders      orders.OrderStore
	payments    orders.PaymentRecordStore
	ledger      orders.LedgerStore
	checkpoints saga.Store
	recon       orders.ReconciliationStore
	stock       inventory.Store
	locker      saga.Locker
}

func buildServices(ctx context.Context, logger *zap.Logger, metrics *observability.Metrics) (_ *services, err error) {
	svc := &services{hub: realtime.NewHub(logger.Named("realtime"))}
	defer func() {
		if err != nil {
			svc.Close(logger)
		}
	}()

	sagaCfg, err := orders.LoadSagaConfigFromEnv()
	if err != nil {
		return nil, err
	}
	collabCfg, err := config.LoadCollaborators()
	if err != nil {
		return nil, err
	}
	catalog, customers, err := buildCollaborators(collabCfg, logger)
	if err != nil {
		return nil, err
	}
	customers = orders.NewGuardedCustomers(customers, sagaCfg.NewGuard())
	gateway := orders.NewGuardedGateway(orders.NewSimulatedGateway(collabCfg.PaymentSuccessRate), sagaCfg.NewGuard())

	stores := storeSet{
		orders:   orders.NewMemoryOrderStore(),
		payments: orders.NewMemoryPaymentStore(),
		ledger:   orders.NewMemoryLedgerStore(),
		recon:    orders.NewMemoryReconciliation(),
		stock:    orders.NewMemoryInventory(),
	}

	storageCfg := config.LoadStorage()
	if storageCfg.DatabaseURL != "" {
		if err := svc.usePostgres(ctx, storageCfg.DatabaseURL, &stores); err != nil {
			return nil, err
		}
		logger.Info("postgres stores enabled")
	}
	if config.RedisEnabled() {
		if err := svc.useRedis(ctx, logger, &stores); err != nil {
			return nil, err
		}
		logger.Info("redis inventory and locking enabled")
	}
	if stores.checkpoints == nil {
		journal, err := svc.journal(storageCfg.CheckpointWALPath, logger.Named("journal"))
		if err != nil {
			return nil, err
		}
		stores.checkpoints = journal
		if storageCfg.CheckpointWALPath == "" {
			logger.Warn("saga checkpoints are kept in memory only")
		}
	}
	if storageCfg.DatabaseURL == "" && (storageCfg.CheckpointWALPath != "" || config.RedisEnabled()) {
		logger.Warn(volatileOrdersWarning)
	}

	sinks := []orders.EventPublisher{}
	if kafkaCfg := config.LoadKafka(); kafkaCfg.Enabled() {
		kafkaPub := events.NewKafkaPublisher(events.NewKafkaWriter(kafkaCfg.Brokers, kafkaCfg.Topic))
		svc.own("kafka writer", kafkaPub.Close)
		sinks = append(sinks, kafkaPub)
		logger.Info("kafka events enabled", zap.Strings("brokers", kafkaCfg.Brokers), zap.String("topic", kafkaCfg.Topic))
	}

	opts := []orders.Option{
		orders.WithLogger(logger.Named("orders")),
		orders.WithObserver(metrics),
		orders.WithPublisher(events.NewFanoutPublisher(svc.hub, sinks...)),
		orders.WithReconciliation(stores.recon),
	}
	if stores.locker != nil {
		opts = append(opts, orders.WithLocker(stores.locker))
	}

	orchestrator, err := orders.NewOrchestrator(orders.Collaborators{
		Orders:      stores.orders,
		Catalog:     catalog,
		Customers:   customers,
		Inventory:   inventory.NewCatalogSeeded(stores.stock, catalog),
		Payments:    orders.NewPaymentService(stores.payments, gateway),
		Loyalty:     orders.NewLoyaltyService(stores.ledger, customers, sagaCfg.LoyaltyRate),
		Checkpoints: stores.checkpoints,
	}, sagaCfg, opts...)
	if err != nil {
		return nil, err
	}
	svc.orchestrator = orchestrator
	return svc, nil
}

func buildCollaborators(cfg config.CollaboratorConfig, logger *zap.Logger) (orders.Catalog, orders.CustomerDirectory, error) {
	var (
		catalog   orders.Catalog
		customers orders.CustomerDirectory
	)
	if cfg.MenuURL != "" {
		catalog = collaborators.NewCatalogClient(cfg.MenuURL, cfg.Timeout, nil)
	}
	if cfg.CustomerURL != "" {
		customers = collaborators.NewCustomerClient(cfg.CustomerURL, cfg.Timeout, nil)
	}
	if catalog != nil && customers != nil {
		return catalog, customers, nil
	}

	seed, err := loadSeed(cfg.SeedFile)
	if err != nil {
		return nil, nil, err
	}
	if catalog == nil {
		catalog = orders.NewMemoryCatalog(seed.Items...)
		logger.Info("in-memory catalog", zap.Int("items", len(seed.Items)))
	}
	if customers == nil {
		customers = orders.NewMemoryCustomers(seed.Customers...)
		logger.Info("in-memory customers", zap.Int("customers", len(seed.Customers)))
	}
	return catalog, customers, nil
}

func (s *services) usePostgres(ctx context.Context, dsn string, stores *storeSet) error {
	db, err := openDB("pgx", dsn)
	if err != nil {
		return err
	}
	s.own("postgres", db.Close)

	setupCtx, cancel := context.WithTimeout(ctx, schemaSetupTimeout)
	defer cancel()
	if err := db.PingContext(setupCtx); err != nil {
		return err
	}

	orderStore, err := ordersdb.NewOrderStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}
	paymentStore, err := ordersdb.NewPaymentStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}
	ledgerStore, err := ordersdb.NewLedgerStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}
	sagaStore, err := ordersdb.NewSagaStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}
	reconStore, err := ordersdb.NewReconciliationStoreWithSchema(setupCtx, db)
	if err != nil {
		return err
	}

	stores.orders = orderStore
	stores.payments = paymentStore
	stores.ledger = ledgerStore
	stores.checkpoints = sagaStore
	stores.recon = reconStore
	return nil
}

func (s *services) useRedis(ctx context.Context, logger *zap.Logger, stores *storeSet) error {
	cfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		return err
	}
	s.own("redis", client.Close)

	stores.stock = inventory.NewRedisStore(client)
	stores.locker = saga.NewRedisLocker(client, cfg.LockTTL, cfg.LockRetry).WithLogger(logger.Named("lock"))
	if stores.checkpoints == nil {
		stores.checkpoints = saga.NewRedisStore(client, cfg.CheckpointTTL)
	}
	return nil
}

func (s *services) journal(walPath string, logger *zap.Logger) (*saga.Journal, error) {
	if walPath == "" {
		return saga.NewJournal(nil), nil
	}
	wal, err := saga.NewFileWAL(walPath)
	if err != nil {
		return nil, err
	}
	s.own("checkpoint wal", wal.Close)
	return saga.NewJournalWithRecovery(wal, logger)
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := errors.Join(redisotel.InstrumentTracing(client), redisotel.InstrumentMetrics(client)); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
