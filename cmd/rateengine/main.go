package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"RateEngine/internal/config"
	"RateEngine/internal/core"
	"RateEngine/internal/event"
	"RateEngine/internal/ingestion"
	"RateEngine/internal/math"
	"RateEngine/internal/observability"
	"RateEngine/internal/oracle"
	"RateEngine/internal/persistence"
	"RateEngine/internal/projection"
	"RateEngine/internal/query"
	"RateEngine/internal/rates"
	"RateEngine/internal/server"
)

const (
	rawChanSize      = 4096
	injectedChanSize = 256
	publishChanSize  = 4096
	shutdownTimeout  = 30 * time.Second
)

func main() {
	log := observability.NewLogger("main")

	cfgPath := os.Getenv("RATE_CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "configs/rateengine.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfgPath).Msg("load config")
	}
	svcCfg := cfg.Service

	rateConfigs, err := cfg.RateConfigs()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid collateral config")
	}
	store, err := rates.NewConfigStore(rateConfigs)
	if err != nil {
		log.Fatal().Err(err).Msg("build config store")
	}
	log.Info().
		Str("config", cfgPath).
		Int("collaterals", store.CollateralCount()).
		Msg("RateEngine starting")

	// --- Context with graceful shutdown ---
	// ingestCtx stops intake; workerCtx is the backstop for the drain.
	ingestCtx, stopIngest := context.WithCancel(context.Background())
	defer stopIngest()
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()
	healthChecker.SetNotReady("starting")

	// --- Yield feed, seeded from config ---
	feed := oracle.NewFeed()
	seedFeed(feed, cfg.InitialYields(), log)

	// --- Postgres (optional) ---
	var (
		db       *sql.DB
		recovery *core.RecoveryState
	)
	if svcCfg.PostgresDSN != "" {
		db, err = openPostgres(ingestCtx, svcCfg.PostgresDSN)
		if err != nil {
			log.Fatal().Err(err).Msg("postgres")
		}
		defer db.Close()
		log.Info().Msg("Postgres connected")

		migrator := persistence.NewMigrator(db, svcCfg.MigrationsDir, observability.NewLogger("migrate"))
		if _, err := migrator.Up(ingestCtx); err != nil {
			log.Fatal().Err(err).Msg("run migrations")
		}

		if err := persistConfigSet(ingestCtx, db, store, log); err != nil {
			log.Fatal().Err(err).Msg("persist config set")
		}

		recovery, err = recoverState(ingestCtx, db, svcCfg.IdempotencyLRUCapacity, metrics, log)
		if err != nil {
			log.Fatal().Err(err).Msg("recovery")
		}
	} else {
		log.Warn().Msg("no Postgres DSN configured, running memory-only")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure); the projection channel drops.
	persistChan := make(chan core.CoreOutput, svcCfg.PersistChanSize)
	projectionChan := make(chan core.CoreOutput, svcCfg.ProjectionChanSize)

	// --- Quote engine ---
	var dbChecker core.DBIdempotencyChecker
	if db != nil {
		dbChecker = persistence.NewPostgresIdempotencyChecker(db)
	}
	engine := core.NewQuoteEngine(store, feed, core.EngineConfig{
		LRUCapacity:    svcCfg.IdempotencyLRUCapacity,
		YieldMaxAge:    svcCfg.YieldMaxAge,
		DBChecker:      dbChecker,
		Metrics:        metrics,
		Logger:         observability.NewLogger("core"),
		PersistChan:    persistChan,
		ProjectionChan: projectionChan,
	})
	if recovery != nil {
		engine.Restore(recovery)
	}

	// --- Rate history for the query API ---
	history := projection.NewRateHistory(query.MaxHistoryLimit)
	if db != nil {
		// The projection channel drops under load, so the table can lag the log.
		if err := projection.RebuildLatestRates(ingestCtx, db, observability.NewLogger("projection")); err != nil {
			log.Fatal().Err(err).Msg("rebuild latest rates")
		}
		if err := projection.WarmHistory(ingestCtx, db, history, query.MaxHistoryLimit); err != nil {
			log.Fatal().Err(err).Msg("warm rate history")
		}
	}

	// --- NATS (optional) ---
	var (
		nc          *nats.Conn
		js          ingestion.Publisher
		subscriber  *ingestion.NATSSubscriber
		publishChan chan core.CoreOutput
	)
	rawEventChan := make(chan ingestion.RawEvent, rawChanSize)
	if svcCfg.NATSURL != "" {
		conn, jetStream, err := ingestion.ConnectNATS(svcCfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			log.Fatal().Err(err).Msg("nats connect")
		}
		nc, js = conn, jetStream
		defer nc.Close()
		log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS connected")

		natsLog := observability.NewLogger("ingestion")
		if err := ingestion.EnsureStreams(ingestCtx, jetStream, natsLog); err != nil {
			log.Fatal().Err(err).Msg("ensure NATS streams")
		}
		if err := ingestion.EnsureOutboundStream(ingestCtx, jetStream, natsLog); err != nil {
			log.Fatal().Err(err).Msg("ensure outbound stream")
		}

		subscriber = ingestion.NewNATSSubscriber(jetStream, rawEventChan, natsLog)
		if err := subscriber.Subscribe(ingestCtx, ingestion.DefaultSubjects()); err != nil {
			log.Fatal().Err(err).Msg("nats subscribe")
		}
		publishChan = make(chan core.CoreOutput, publishChanSize)
	} else {
		log.Warn().Msg("no NATS URL configured, quotes are not published")
	}

	// --- Services ---
	injectedChan := make(chan event.Event, injectedChanSize)
	ingestService := ingestion.NewGRPCIngestService(injectedChan)

	// The API prices against the wall clock; the engine uses event time.
	apiModel := rates.NewRateModel(store, oracle.NewStalenessGuard(feed, svcCfg.YieldMaxAge))

	deps := &server.Deps{
		Model:   apiModel,
		Rates:   query.NewMemoryService(history),
		Ingest:  ingestService,
		Metrics: metrics,
		Health:  healthChecker,
		Logger:  observability.NewLogger("server"),
	}
	if db != nil {
		qs := query.NewQueryService(db)
		deps.Rates = qs
		deps.Integrity = qs
	}
	grpcServer, err := server.NewGRPCServer(svcCfg.GRPCAddr, svcCfg.HTTPAddr, deps)
	if err != nil {
		log.Fatal().Err(err).Msg("build server")
	}

	// --- Start goroutines ---
	errChan := make(chan error, 10)
	report := func(name string, err error) {
		if err != nil && !errors.Is(err, context.Canceled) {
			errChan <- fmt.Errorf("%s: %w", name, err)
		}
	}

	// 1. Persistence, or a pass-through when running memory-only
	persistDone := make(chan struct{})
	go func() {
		defer close(persistDone)
		if publishChan != nil {
			defer close(publishChan)
		}
		if db == nil {
			forwardOutputs(persistChan, publishChan, metrics)
			return
		}
		worker := persistence.NewQuoteWorker(db, persistChan, svcCfg.PersistBatchSize, svcCfg.PersistFlushTimeout,
			metrics, observability.NewLogger("persistence"))
		if publishChan != nil {
			worker.ForwardTo(publishChan)
		}
		report("persistence", worker.Run(workerCtx))
	}()

	// 2. Latest-rate projection
	projectionDone := make(chan struct{})
	go func() {
		defer close(projectionDone)
		w := projection.NewLatestRateWorker(db, history, projectionChan, metrics, observability.NewLogger("projection"))
		report("projection", w.Run(workerCtx))
	}()

	// 3. Outbound publisher
	publishDone := make(chan struct{})
	go func() {
		defer close(publishDone)
		if publishChan == nil {
			return
		}
		p := ingestion.NewOutboundPublisher(js, publishChan, metrics, observability.NewLogger("publisher"))
		report("publisher", p.Run(workerCtx))
	}()

	// 4. Dispatcher: the only goroutine touching the engine
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		d := ingestion.NewDispatcher(engine, rawEventChan, injectedChan, metrics, observability.NewLogger("dispatcher"))
		report("dispatcher", d.Run(ingestCtx))
	}()

	// 5. gRPC server and HTTP/JSON gateway
	go func() { report("grpc", grpcServer.StartGRPC(ingestCtx)) }()
	go func() { report("http", grpcServer.StartHTTPGateway(ingestCtx)) }()

	// 6. Prometheus metrics server
	go func() { report("metrics", serveMetrics(ingestCtx, svcCfg.MetricsAddr, log)) }()

	// 7. Channel depth sampling
	go sampleChannels(ingestCtx, metrics, map[string]func() (int, int){
		"persist":    func() (int, int) { return len(persistChan), cap(persistChan) },
		"projection": func() (int, int) { return len(projectionChan), cap(projectionChan) },
		"raw":        func() (int, int) { return len(rawEventChan), cap(rawEventChan) },
	})

	healthChecker.SetReady(true)
	log.Info().
		Int64("sequence", engine.Sequence()).
		Str("grpc", svcCfg.GRPCAddr).
		Str("http", svcCfg.HTTPAddr).
		Str("metrics", svcCfg.MetricsAddr).
		Msg("RateEngine ready")

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	// --- Graceful shutdown ---
	// Stop intake, let the dispatcher finish, then drain the pipeline in
	// order: persistence (which closes the publish channel), projection,
	// publisher.
	healthChecker.SetNotReady("shutting down")
	if subscriber != nil {
		subscriber.Stop()
	}
	stopIngest()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// The engine may still be blocked on the persist channel if the
	// dispatcher did not stop, so the channels are only closed after it has.
	if waitFor(shutdownCtx, "dispatcher", dispatchDone, log) {
		close(persistChan)
		close(projectionChan)
		waitFor(shutdownCtx, "persistence", persistDone, log)
		waitFor(shutdownCtx, "projection", projectionDone, log)
		waitFor(shutdownCtx, "publisher", publishDone, log)
	}
	stopWorkers()

	log.Info().Int64("sequence", engine.Sequence()).Msg("RateEngine shutdown complete")
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return db, nil
}

// persistConfigSet stores the packed words of the running config and reads
// them back; the reloaded set must hold the same words.
func persistConfigSet(ctx context.Context, db *sql.DB, store *rates.ConfigStore, log zerolog.Logger) error {
	repo := persistence.NewConfigRepository(db)
	setID, err := repo.SaveActive(ctx, store)
	if err != nil {
		return err
	}
	reloaded, activeID, err := repo.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("reload config set: %w", err)
	}
	if activeID != setID || !slices.Equal(reloaded.Slots(), store.Slots()) {
		return fmt.Errorf("config set %s does not match the running config", activeID)
	}
	log.Info().Str("config_set", setID.String()).Int("collaterals", store.CollateralCount()).Msg("config set active")
	return nil
}

// recoverState checks the hash chain and loads what the engine needs to
// resume. It returns nil on an empty log.
func recoverState(ctx context.Context, db *sql.DB, recentKeys int, metrics *observability.Metrics, log zerolog.Logger) (*core.RecoveryState, error) {
	start := time.Now()
	loader := persistence.NewRecoveryLoader(db, recentKeys)

	checked, err := loader.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	st, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	metrics.RecoveryEventsLoaded.Add(float64(checked))
	metrics.RecoveryDuration.Set(time.Since(start).Seconds())
	if st == nil {
		log.Info().Msg("empty event log, cold start from sequence 0")
		return nil, nil
	}
	log.Info().
		Int64("events_verified", checked).
		Int64("next_sequence", st.NextSequence).
		Dur("took", time.Since(start)).
		Msg("recovered from event log")
	return st, nil
}

// seedFeed installs the configured initial yields below any real reading,
// so the first feed update always supersedes them.
func seedFeed(feed *oracle.Feed, yields []math.Apy, log zerolog.Logger) {
	now := time.Now().UTC()
	for i, apy := range yields {
		if math.IsZero(apy) {
			continue
		}
		feed.Update(uint8(i), oracle.Reading{Apy: apy, Sequence: -1, Timestamp: now})
		log.Info().Int("ilk", i).Str("apy", apy.String()).Msg("seeded yield")
	}
}

// forwardOutputs stands in for the persistence worker when there is no
// database: quotes go straight to out, or nowhere when out is nil.
func forwardOutputs(in <-chan core.CoreOutput, out chan<- core.CoreOutput, metrics *observability.Metrics) {
	for o := range in {
		if out == nil || o.Quote == nil {
			continue
		}
		select {
		case out <- o:
		default:
			metrics.PublishDrops.Inc()
		}
	}
}

func serveMetrics(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()
	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func sampleChannels(ctx context.Context, metrics *observability.Metrics, chans map[string]func() (int, int)) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for name, depth := range chans {
				size, capacity := depth()
				metrics.SetChannelMetrics(name, size, capacity)
			}
		}
	}
}

func waitFor(ctx context.Context, stage string, done <-chan struct{}, log zerolog.Logger) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		log.Warn().Str("stage", stage).Msg("shutdown timed out")
		return false
	}
}
