package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"tradecore/config"
	"tradecore/internal/audit"
	"tradecore/internal/engine"
	"tradecore/internal/execution"
	"tradecore/internal/indicator"
	"tradecore/internal/ledger"
	"tradecore/internal/logger"
	"tradecore/internal/marketdata/agg"
	"tradecore/internal/markethours"
	"tradecore/internal/metrics"
	"tradecore/internal/monitor"
	"tradecore/internal/notification"
	"tradecore/internal/reconcile"
	"tradecore/internal/retest"
	"tradecore/internal/retry"
	"tradecore/internal/screening"
	"tradecore/internal/strategy"
	redisstore "tradecore/internal/store/redis"
	"tradecore/pkg/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[engine] starting...")

	// ---- Load config from env ----
	cfg := config.Load()
	logger.Init("engine", logger.ParseLevel(cfg.LogLevel))

	instruments := cfg.ParseInstruments()
	if len(instruments) == 0 {
		log.Fatalf("[engine] INSTRUMENTS is empty, nothing to trade")
	}
	log.Printf("[engine] universe: %v", instruments)

	loc, err := time.LoadLocation(cfg.SessionTZ)
	if err != nil {
		log.Fatalf("[engine] bad SESSION_TZ %q: %v", cfg.SessionTZ, err)
	}
	session := markethours.NewSession(loc, cfg.SessionOpenMin, cfg.SessionCloseMin, cfg.FlattenLead)
	for _, band := range cfg.ParseBlackouts() {
		session.Blackout = append(session.Blackout, markethours.Window{Start: band[0], End: band[1]})
	}
	for _, day := range cfg.ParseHolidays() {
		session.Holidays[day] = true
	}

	// ---- Metrics & health ----
	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()

	// ---- Context for graceful shutdown ----
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// ---- Audit sink (off hot path) ----
	os.MkdirAll(filepath.Dir(cfg.AuditDBPath), 0o755)
	sink, err := audit.NewSink(cfg.AuditDBPath)
	if err != nil {
		log.Fatalf("[engine] audit init failed: %v", err)
	}
	sink.OnDrop = func() { prom.AuditDrops.Inc() }
	go sink.Run(ctx)
	health.SetAuditOK(true)
	log.Println("[engine] audit sink ready")

	// ---- Redis publisher (optional, engine runs without it) ----
	var publisher *redisstore.Publisher
	publisher, err = redisstore.New(redisstore.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Printf("[engine] WARNING: redis init failed: %v (continuing without redis)", err)
		publisher = nil
		health.SetRedisConnected(false)
	} else {
		publisher.OnBreakerState = func(st redisstore.State) { prom.RedisBreakerState.Set(float64(st)) }
		health.SetRedisConnected(true)
		log.Println("[engine] redis publisher ready")
	}

	// ---- Periodic liveness checks ----
	if publisher != nil {
		health.StartLivenessChecker(ctx, publisher.Client(), sink.DB(), 10*time.Second)
	} else {
		health.StartLivenessChecker(ctx, nil, sink.DB(), 10*time.Second)
	}

	// ---- Alerting backends ----
	backends := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		backends = append(backends, notification.NewWebhookNotifier(cfg.WebhookURL, "engine"))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		backends = append(backends, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	notifier := notification.NewMulti(backends...)

	// ---- Venue client + login ----
	client := venue.NewClient(venue.ClientConfig{
		BaseURL:    cfg.VenueBaseURL,
		APIKey:     cfg.VenueAPIKey,
		ClientCode: cfg.VenueClientCode,
		Password:   cfg.VenuePassword,
		TOTPSecret: cfg.VenueTOTPSecret,
	})
	if err := client.Login(ctx); err != nil {
		log.Fatalf("[engine] venue login failed: %v", err)
	}
	log.Println("[engine] venue session ready")

	// ---- Market data ----
	feed := venue.NewFeed(venue.FeedConfig{
		URL:       cfg.VenueFeedURL,
		APIKey:    cfg.VenueAPIKey,
		Reconnect: retry.DefaultPolicy().Unlimited(),
	})
	feed.OnReconnect = func() { prom.FeedReconnect.Inc() }

	aggregator := agg.New(time.Minute, 0)
	aggregator.OnDroppedTicks = func(n uint64) { prom.DroppedTicks.Add(float64(n)) }
	aggregator.OnRebuild = func() { prom.BarsRebuilt.Inc() }

	// ---- Trading core ----
	lg := ledger.New()
	policy := retry.DefaultPolicy()
	exec := execution.NewExecutor(lg, client, policy, sink)

	retests := retest.NewQueue(retest.Config{
		ToleranceBps: cfg.RetestToleranceBps,
		TTL:          cfg.RetestTTL,
	}, lg, exec, sink)
	retests.OnResolved = func(outcome string) { prom.RetestsTotal.WithLabelValues(outcome).Inc() }

	mon := monitor.New(lg, exec, session, sink, policy, aggregator.LastPrice)
	mon.OnStopMove = func(reason string) { prom.StopMovesTotal.WithLabelValues(reason).Inc() }
	mon.OnExit = func(reason string) { prom.ExitsTotal.WithLabelValues(reason).Inc() }

	recon := reconcile.New(lg, client, sink, notifier)
	recon.OnPhantom = func() { prom.ReconPhantoms.Inc() }
	recon.OnUnknown = func() { prom.ReconUnknowns.Inc() }

	limits := screening.DefaultRiskLimits()
	limits.MaxOpenPositions = cfg.MaxPositions
	limits.MaxRiskPerTrade = cfg.MaxRiskPerUnit
	pipeline := screening.New(screening.Config{
		FailOpen: cfg.FailOpen,
		Disabled: cfg.ParseDisabledLevels(),
	}, screening.DefaultLevels(limits, nil), sink)

	lib := indicator.New()
	router := strategy.NewRouter(
		strategy.DefaultConfig(),
		lib,
		strategy.NewBreakout(strategy.DefaultBreakoutConfig(), lib),
		strategy.NewMeanReversion(strategy.DefaultMeanRevConfig(), lib),
		session,
		lg.Held,
	)

	// ---- Supervisor ----
	deps := engine.Deps{
		Feed:     feed,
		Agg:      aggregator,
		Router:   router,
		Pipeline: pipeline,
		Retests:  retests,
		Ledger:   lg,
		Exec:     exec,
		Monitor:  mon,
		Recon:    recon,
		Session:  session,
		Rec:      sink,
		Notifier: notifier,
		Metrics:  prom,
		Health:   health,
	}
	// Assign only a live publisher: a nil *Publisher in the interface
	// field would pass the supervisor's nil check and then panic.
	if publisher != nil {
		deps.Publisher = publisher
	}
	sup, err := engine.New(engine.Config{
		Instruments:       instruments,
		MonitorInterval:   cfg.MonitorInterval,
		RebuildInterval:   cfg.RebuildInterval,
		RetestInterval:    cfg.RetestInterval,
		RouterInterval:    cfg.RouterInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		SnapshotInterval:  cfg.SnapshotInterval,
	}, deps)
	if err != nil {
		log.Fatalf("[engine] init failed: %v", err)
	}

	// An expired venue session must never place unauthenticated entries.
	client.SessionExpiryHook = func() {
		sup.SuspendEntries("venue session expired")
	}

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("[engine] start failed: %v", err)
	}
	health.SetFeedConnected(true)
	log.Printf("[engine] running. %s", session.StatusString(time.Now()))

	// ---- Wait for shutdown signal ----
	<-sigCh
	log.Println("[engine] shutdown signal received, cleaning up...")
	sup.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Stop(shutdownCtx)

	if publisher != nil {
		publisher.Close()
	}
	sink.Close()
	log.Println("[engine] shutdown complete.")
}
