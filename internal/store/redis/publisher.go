// Package redis publishes engine snapshots for external consumers
// (dashboards, other processes) to read. Everything here is observability
// output: the engine's decision path never reads from Redis, and every
// write goes through a circuit breaker so a dead Redis cannot slow the
// trading loops down.
package redis

import (
	"context"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tradecore/internal/model"
)

const (
	// Bar streams keep roughly a session's worth of 1m bars.
	barStreamMaxLen = 500
	latestTTL       = 30 * time.Minute
)

// Config configures the snapshot publisher.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Publisher writes status snapshots and completed bars to Redis.
type Publisher struct {
	client  *goredis.Client
	breaker *CircuitBreaker

	// OnBreakerState is called with the new breaker state on every
	// transition (optional, for metrics).
	OnBreakerState func(State)
}

// New creates a Publisher and pings the server once. A failed ping is an
// error at startup; later outages are absorbed by the breaker.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := &Publisher{client: client, breaker: NewCircuitBreaker(5, 10*time.Second)}
	p.watchBreaker()

	log.Printf("[redis] connected to %s", cfg.Addr)
	return p, nil
}

// watchBreaker logs breaker transitions and forwards them to the
// OnBreakerState hook.
func (p *Publisher) watchBreaker() {
	p.breaker.OnStateChange = func(from, to State) {
		log.Printf("[redis] breaker %s -> %s", from, to)
		if p.OnBreakerState != nil {
			p.OnBreakerState(to)
		}
	}
}

// Client exposes the underlying connection for liveness checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Healthy reports whether the breaker currently admits writes.
func (p *Publisher) Healthy() bool {
	return p.breaker.CurrentState() != StateOpen
}

// PublishStatus writes the engine status snapshot and notifies
// subscribers. payload is the JSON-encoded snapshot.
func (p *Publisher) PublishStatus(ctx context.Context, payload []byte) error {
	return p.breaker.Execute(func() error {
		pipe := p.client.Pipeline()
		pipe.Set(ctx, "engine:status", payload, latestTTL)
		pipe.Publish(ctx, "pub:engine:status", payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// PublishBar appends a completed bar to the instrument's stream, updates
// the latest key, and notifies subscribers.
func (p *Publisher) PublishBar(ctx context.Context, bar model.Bar) error {
	payload := string(bar.JSON())
	streamKey := "bars:1m:" + bar.Instrument
	return p.breaker.Execute(func() error {
		pipe := p.client.Pipeline()
		pipe.XAdd(ctx, &goredis.XAddArgs{
			Stream: streamKey,
			MaxLen: barStreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{"data": payload},
		})
		pipe.Set(ctx, "bars:1m:latest:"+bar.Instrument, payload, latestTTL)
		pipe.Publish(ctx, "pub:"+streamKey, payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// PublishPositions writes the open-position snapshot. payload is the
// JSON-encoded position list.
func (p *Publisher) PublishPositions(ctx context.Context, payload []byte) error {
	return p.breaker.Execute(func() error {
		pipe := p.client.Pipeline()
		pipe.Set(ctx, "engine:positions", payload, latestTTL)
		pipe.Publish(ctx, "pub:engine:positions", payload)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// Close closes the client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
