package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the execution engine.
type Metrics struct {
	// Market data
	TicksTotal    prometheus.Counter
	DroppedTicks  prometheus.Counter
	BarsRebuilt   prometheus.Counter
	FeedReconnect prometheus.Counter

	// Signal path
	SignalsTotal  *prometheus.CounterVec // labels: strategy
	BlockedTotal  *prometheus.CounterVec // labels: level
	ApprovedTotal prometheus.Counter

	// Orders and positions
	OrdersTotal    *prometheus.CounterVec // labels: outcome=placed|failed
	OpenPositions  prometheus.Gauge
	StopMovesTotal *prometheus.CounterVec // labels: reason=breakeven|trailing
	ExitsTotal     *prometheus.CounterVec // labels: reason
	RetestsPending prometheus.Gauge
	RetestsTotal   *prometheus.CounterVec // labels: outcome=filled|expired

	// Reconciliation
	ReconPhantoms prometheus.Counter
	ReconUnknowns prometheus.Counter

	// Infrastructure
	AuditDrops        prometheus.Counter
	RedisBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	LoopDuration      *prometheus.HistogramVec // labels: loop
}

// NewMetrics registers and returns all Prometheus metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_ticks_total",
			Help: "Total ticks received from the market feed",
		}),
		DroppedTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_dropped_ticks_total",
			Help: "Ticks dropped by full ring buffers",
		}),
		BarsRebuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_bars_rebuilt_total",
			Help: "Bar series rebuilds completed",
		}),
		FeedReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_feed_reconnects_total",
			Help: "Market feed reconnection attempts",
		}),

		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_total",
			Help: "Signals generated, by strategy",
		}, []string{"strategy"}),
		BlockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_signals_blocked_total",
			Help: "Signals blocked by screening, by level",
		}, []string{"level"}),
		ApprovedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_signals_approved_total",
			Help: "Signals that passed all screening levels",
		}),

		OrdersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Order placements, by outcome",
		}, []string{"outcome"}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Currently open positions",
		}),
		StopMovesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_stop_moves_total",
			Help: "Protective stop adjustments, by reason",
		}, []string{"reason"}),
		ExitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Position exits, by reason",
		}, []string{"reason"}),
		RetestsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_retests_pending",
			Help: "Breakout signals waiting for retest confirmation",
		}),
		RetestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_retests_total",
			Help: "Retest resolutions, by outcome",
		}, []string{"outcome"}),

		ReconPhantoms: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_recon_phantoms_total",
			Help: "Local positions removed because the venue reports them closed",
		}),
		ReconUnknowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_recon_unknowns_total",
			Help: "Venue positions with no local record",
		}),

		AuditDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "engine_audit_drops_total",
			Help: "Audit events dropped by a full sink buffer",
		}),
		RedisBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "engine_redis_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		LoopDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_loop_duration_seconds",
			Help:    "Per-cycle duration of the engine loops",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		}, []string{"loop"}),
	}

	prometheus.MustRegister(
		m.TicksTotal,
		m.DroppedTicks,
		m.BarsRebuilt,
		m.FeedReconnect,
		m.SignalsTotal,
		m.BlockedTotal,
		m.ApprovedTotal,
		m.OrdersTotal,
		m.OpenPositions,
		m.StopMovesTotal,
		m.ExitsTotal,
		m.RetestsPending,
		m.RetestsTotal,
		m.ReconPhantoms,
		m.ReconUnknowns,
		m.AuditDrops,
		m.RedisBreakerState,
		m.LoopDuration,
	)

	return m
}

// HealthStatus represents the engine health.
type HealthStatus struct {
	mu sync.RWMutex

	Running        bool      `json:"running"`
	Suspended      bool      `json:"suspended"`
	FeedConnected  bool      `json:"feed_connected"`
	LastTickTime   time.Time `json:"last_tick_time"`
	RedisConnected bool      `json:"redis_connected"`
	AuditOK        bool      `json:"audit_ok"`
	OpenPositions  int       `json:"open_positions"`

	// Liveness probe results
	RedisLatencyMs float64   `json:"redis_latency_ms"`
	AuditLatencyMs float64   `json:"audit_latency_ms"`
	LastCheckAt    time.Time `json:"last_check_at"`
	StartedAt      time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

func (h *HealthStatus) SetRunning(v bool) {
	h.mu.Lock()
	h.Running = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetSuspended(v bool) {
	h.mu.Lock()
	h.Suspended = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetFeedConnected(v bool) {
	h.mu.Lock()
	h.FeedConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetLastTickTime(t time.Time) {
	h.mu.Lock()
	h.LastTickTime = t
	h.mu.Unlock()
}

func (h *HealthStatus) SetRedisConnected(v bool) {
	h.mu.Lock()
	h.RedisConnected = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetAuditOK(v bool) {
	h.mu.Lock()
	h.AuditOK = v
	h.mu.Unlock()
}

func (h *HealthStatus) SetOpenPositions(n int) {
	h.mu.Lock()
	h.OpenPositions = n
	h.mu.Unlock()
}

// CheckRedis pings Redis and records latency plus connectivity.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	start := time.Now()
	err := rdb.Ping(ctx).Err()
	latency := time.Since(start)

	h.mu.Lock()
	h.RedisConnected = err == nil
	h.RedisLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// CheckAudit pings the audit database and records latency plus health.
func (h *HealthStatus) CheckAudit(ctx context.Context, db *sql.DB) {
	start := time.Now()
	err := db.PingContext(ctx)
	latency := time.Since(start)

	h.mu.Lock()
	h.AuditOK = err == nil
	h.AuditLatencyMs = float64(latency.Microseconds()) / 1000.0
	h.LastCheckAt = time.Now()
	h.mu.Unlock()
}

// StartLivenessChecker runs periodic dependency checks.
func (h *HealthStatus) StartLivenessChecker(ctx context.Context, rdb *goredis.Client, auditDB *sql.DB, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
				if rdb != nil {
					h.CheckRedis(probeCtx, rdb)
				}
				if auditDB != nil {
					h.CheckAudit(probeCtx, auditDB)
				}
				cancel()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if !h.Running || !h.FeedConnected || !h.AuditOK {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}
	if !h.Running && !h.FeedConnected {
		overallStatus = "unhealthy"
	}

	tickAge := ""
	if !h.LastTickTime.IsZero() {
		tickAge = time.Since(h.LastTickTime).Round(time.Millisecond).String()
	}

	status := struct {
		Status         string  `json:"status"`
		Uptime         string  `json:"uptime"`
		Running        bool    `json:"running"`
		Suspended      bool    `json:"suspended"`
		FeedConnected  bool    `json:"feed_connected"`
		LastTickTime   string  `json:"last_tick_time"`
		TickAge        string  `json:"tick_age"`
		OpenPositions  int     `json:"open_positions"`
		RedisConnected bool    `json:"redis_connected"`
		RedisLatencyMs float64 `json:"redis_latency_ms"`
		AuditOK        bool    `json:"audit_ok"`
		AuditLatencyMs float64 `json:"audit_latency_ms"`
		LastCheckAt    string  `json:"last_check_at"`
	}{
		Status:         overallStatus,
		Uptime:         time.Since(h.StartedAt).Round(time.Second).String(),
		Running:        h.Running,
		Suspended:      h.Suspended,
		FeedConnected:  h.FeedConnected,
		LastTickTime:   h.LastTickTime.Format(time.RFC3339),
		TickAge:        tickAge,
		OpenPositions:  h.OpenPositions,
		RedisConnected: h.RedisConnected,
		RedisLatencyMs: h.RedisLatencyMs,
		AuditOK:        h.AuditOK,
		AuditLatencyMs: h.AuditLatencyMs,
		LastCheckAt:    h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	health *HealthStatus
	addr   string
	srv    *http.Server
}

// NewServer creates a metrics and health server.
func NewServer(addr string, health *HealthStatus) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", health.ServeHTTP)

	return &Server{
		health: health,
		addr:   addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[metrics] server listening on %s", s.addr)
		if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("[metrics] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) {
	s.srv.Shutdown(ctx)
}
