package appbootstrap

import (
	"context"
	"fmt"

	"evidence-ledger/config"
	"evidence-ledger/core/analytics"
	"evidence-ledger/core/audit"
	"evidence-ledger/core/blobs"
	"evidence-ledger/core/events"
	"evidence-ledger/core/evidence"
	"evidence-ledger/core/firkits"
	"evidence-ledger/core/incidents"
	"evidence-ledger/core/rbac"
	"evidence-ledger/core/risk"
	"evidence-ledger/core/stations"
	"evidence-ledger/core/store"
	"evidence-ledger/core/users"
	"evidence-ledger/core/utils"

	"go.uber.org/zap"
)

// Runtime holds every service the ledger exposes, wired against one database.
type Runtime struct {
	DB        *store.DB
	Logger    *utils.Logger
	Policy    *rbac.Policy
	Audit     *audit.Recorder
	Emitter   *events.Emitter
	Blobs     blobs.Store
	Users     *users.Service
	Stations  *stations.Service
	Incidents *incidents.Service
	Evidence  *evidence.Service
	Risk      *risk.Ledger
	FIRKits   *firkits.Service
	Analytics *analytics.Aggregator
	Scheduler *analytics.Scheduler
}

// Overrides replaces the outbound adapters picked from config. Zero values keep the defaults.
type Overrides struct {
	Publisher  events.Publisher
	Blobs      blobs.Store
	AuditStore store.AuditStore
}

func Compose(ctx context.Context, cfg *config.AppConfig, db *store.DB, logger *utils.Logger, ov Overrides) (*Runtime, error) {
	usersStore := store.NewUsersStore()
	stationsStore := store.NewStationsStore()
	incidentsStore := store.NewIncidentsStore()
	evidenceStore := store.NewEvidenceStore()
	riskStore := store.NewRiskStore()
	auditStore := ov.AuditStore
	if auditStore == nil {
		auditStore = store.NewAuditStore()
	}
	kitsStore := store.NewFIRKitsStore()
	analyticsStore := store.NewAnalyticsStore()

	policy, err := rbac.NewPolicy()
	if err != nil {
		return nil, err
	}
	blobStore := ov.Blobs
	if blobStore == nil {
		if blobStore, err = blobs.New(ctx, cfg.Evidence); err != nil {
			return nil, err
		}
	}
	publisher := ov.Publisher
	if publisher == nil {
		if publisher, err = newPublisher(cfg.Events, logger); err != nil {
			return nil, err
		}
	}
	emitter := events.NewEmitter(publisher, cfg.Events.PublishTimeout, logger)
	recorder := audit.NewRecorder(db, auditStore, logger)

	incidentsSvc := incidents.NewService(db, incidentsStore, evidenceStore, stationsStore, usersStore, riskStore, recorder, policy, emitter, logger)
	ledger := risk.NewLedger(db, riskStore, usersStore, incidentsStore, recorder, policy, incidentsSvc, risk.Options{
		Threshold: cfg.EffectiveThreshold(),
		Async:     cfg.Reactor.Async,
		Timeout:   cfg.Reactor.Timeout,
	}, logger)
	aggregator := analytics.NewAggregator(db, incidentsStore, analyticsStore, logger)

	return &Runtime{
		DB:        db,
		Logger:    logger,
		Policy:    policy,
		Audit:     recorder,
		Emitter:   emitter,
		Blobs:     blobStore,
		Users:     users.NewService(db, usersStore, incidentsStore, auditStore, recorder, policy, logger),
		Stations:  stations.NewService(db, stationsStore, recorder, policy),
		Incidents: incidentsSvc,
		Evidence:  evidence.NewService(db, evidenceStore, incidentsStore, kitsStore, blobStore, recorder, cfg.Evidence.MaxBytes, logger),
		Risk:      ledger,
		FIRKits:   firkits.NewService(db, kitsStore, incidentsStore, stationsStore, recorder, policy),
		Analytics: aggregator,
		Scheduler: analytics.NewScheduler(cfg.Analytics, aggregator, logger),
	}, nil
}

func newPublisher(cfg config.EventsConfig, logger *utils.Logger) (events.Publisher, error) {
	if len(cfg.Brokers) == 0 {
		logger.Info("no event brokers configured, state changes go to the log")
		return events.NewLogPublisher(logger), nil
	}
	pub, err := events.NewKafkaPublisher(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher: %w", err)
	}
	logger.Info("publishing state changes to kafka", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return pub, nil
}

// Drain waits for pending breach reactions, then flushes and closes the event publisher.
func (rt *Runtime) Drain() error {
	rt.Risk.Wait()
	return rt.Emitter.Close()
}
