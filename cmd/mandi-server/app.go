package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/admission"
	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/dispatch"
	"github.com/mandihq/mandi/eventstore"
	"github.com/mandihq/mandi/extract"
	"github.com/mandihq/mandi/gateway"
	"github.com/mandihq/mandi/journal"
	"github.com/mandihq/mandi/ledger"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/parser"
	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/queue"
	"github.com/mandihq/mandi/recovery"
	"github.com/mandihq/mandi/scoring"
	"github.com/mandihq/mandi/selector"
	"github.com/mandihq/mandi/uploads"
)

// app is the wired object graph shared by the serve and worker commands.
type app struct {
	pool      *pgxpool.Pool
	redis     *redis.Client
	publisher queue.Publisher

	catalog    *catalog.Store
	events     *eventstore.Store
	journal    *journal.Store
	orders     *lifecycle.OrderStore
	retries    *lifecycle.RetryStore
	machine    *lifecycle.Machine
	scorer     *scoring.Scorer
	uploads    *uploads.Store
	notifier   *notify.Notifier
	dispatcher *dispatch.Dispatcher
	worker     *recovery.Worker
}

// buildApp connects the backends and wires every service. The object graph
// mirrors the processing path: catalog and parser feed the dispatcher, the
// dispatcher drives the machine, and the recovery worker drives the
// dispatcher from the durable queues.
func buildApp(ctx context.Context) (*app, error) {
	var clock = clockz.RealClock

	var pool, err = postgres.Connect(ctx, Config.DB.URL)
	if err != nil {
		return nil, err
	}
	if err = postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	rdb, err := newRedis()
	if err != nil {
		pool.Close()
		return nil, err
	}
	pub, err := newPublisher()
	if err != nil {
		pool.Close()
		return nil, err
	}
	var broker = queue.NewEvents(pub)

	var cat = catalog.NewStore(pool)
	products, err := cat.ListProducts(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("loading product catalog: %w", err)
	}
	log.WithField("products", len(products)).Info("loaded product catalog")
	var psr = parser.New(catalog.NewResolver(products))

	scorer, err := scoring.NewScorer(pool, clock, scoring.Weights{
		ResponseSpeed:        Config.Selection.WeightResponse,
		AcceptanceRate:       Config.Selection.WeightAcceptance,
		PriceCompetitiveness: Config.Selection.WeightPrice,
		DeliverySuccess:      Config.Selection.WeightDelivery,
		CancellationRate:     Config.Selection.WeightCancellation,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	strategy, err := selector.ParseStrategy(Config.Selection.Strategy)
	if err != nil {
		pool.Close()
		return nil, err
	}
	var selStore = selector.NewStore(pool)
	var sel = selector.New(cat, scorer, selStore, selStore, clock, strategy)

	controller, err := admission.NewController(admission.DefaultPolicies)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var orders = lifecycle.NewOrderStore(pool, clock)
	var retries = lifecycle.NewRetryStore(pool, clock)
	var machine = lifecycle.NewMachine(pool, clock, orders, cat,
		ledger.New(pool), scorer, retries, broker)

	notifier, err := notify.New(gateway.New(Config.Gateway.URL, Config.Gateway.Token), rdb, clock)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var wfJournal = journal.NewStore(pool, clock, dispatch.WorkflowTypes)
	var evStore = eventstore.NewStore(pool, clock)
	var uploadStore = uploads.NewStore(pool)

	dispatcher, err := dispatch.New(dispatch.Deps{
		DB:        pool,
		Clock:     clock,
		Catalog:   cat,
		Parser:    psr,
		Admission: controller,
		Rejected:  admission.NewRejectedStore(pool),
		Selector:  sel,
		Machine:   machine,
		Orders:    orders,
		Retries:   retries,
		Journal:   wfJournal,
		Notifier:  notifier,
		Escalator: broker,
		Extractor: extract.New(Config.Extractor.URL, Config.Extractor.Token),
		Uploads:   uploadStore,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	worker, err := recovery.New(recovery.Deps{
		DB:         pool,
		Clock:      clock,
		Events:     evStore,
		Journal:    wfJournal,
		Dispatcher: dispatcher,
		Retries:    retries,
		Orders:     orders,
		Scorer:     scorer,
		Catalog:    cat,
		Notifier:   notifier,
		Escalator:  broker,
		Redis:      rdb,
	}, recovery.Config{
		Interval:          Config.Recovery.Interval,
		Batch:             Config.Recovery.Batch,
		StalledThreshold:  Config.Recovery.StalledThreshold,
		StalledEscalation: Config.Recovery.StalledEscalation,
		NudgeAfter:        time.Duration(Config.Recovery.NudgeAfterDays) * 24 * time.Hour,
	})
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &app{
		pool:       pool,
		redis:      rdb,
		publisher:  pub,
		catalog:    cat,
		events:     evStore,
		journal:    wfJournal,
		orders:     orders,
		retries:    retries,
		machine:    machine,
		scorer:     scorer,
		uploads:    uploadStore,
		notifier:   notifier,
		dispatcher: dispatcher,
		worker:     worker,
	}, nil
}

// close releases backends in reverse dependency order.
func (a *app) close() {
	if err := a.publisher.Close(); err != nil {
		log.WithError(err).Warn("closing broker publisher")
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.WithError(err).Warn("closing redis client")
		}
	}
	a.pool.Close()
}

func newRedis() (*redis.Client, error) {
	if Config.Redis.URL == "" {
		return nil, nil
	}
	var opt, err = redis.ParseURL(Config.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
	}
	return redis.NewClient(opt), nil
}

func newPublisher() (queue.Publisher, error) {
	if Config.Broker.URL == "" {
		log.Info("BROKER_URL unset, domain event fan-out disabled")
		return queue.Nop{}, nil
	}
	return queue.Dial(Config.Broker.URL)
}
