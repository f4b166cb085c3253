package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/internal/model"
	"tradecore/internal/retry"
)

const (
	heartbeatInterval = 10 * time.Second
	readDeadline      = 30 * time.Second
	writeTimeout      = 5 * time.Second
)

// FeedConfig configures the websocket market feed.
type FeedConfig struct {
	URL       string
	APIKey    string
	FeedToken string

	// Reconnect controls the backoff between connection attempts. The
	// feed reconnects forever; use Policy.Unlimited().
	Reconnect retry.Policy

	// BufSize is the capacity of the tick channel. When consumers fall
	// behind, ticks are dropped and counted rather than blocking reads.
	BufSize int
}

// tickMessage is the wire format of one trade event.
type tickMessage struct {
	Instrument string `json:"instrument"`
	Price      int64  `json:"price"` // minor units
	Qty        int64  `json:"qty"`
	TS         int64  `json:"ts"` // unix milliseconds
}

// Feed is the websocket model.MarketFeed implementation. After the first
// successful Connect it keeps itself connected until Close or context
// cancellation, replaying subscriptions in deterministic order on every
// reconnect.
type Feed struct {
	cfg    FeedConfig
	dialer *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	subs   map[string]bool
	closed bool
	cancel context.CancelFunc

	connected atomic.Bool
	dropped   atomic.Int64
	ticks     chan model.Tick

	// OnReconnect, if set, is called after every successful reconnect.
	OnReconnect func()
}

// NewFeed creates a market feed.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.BufSize == 0 {
		cfg.BufSize = 4096
	}
	return &Feed{
		cfg:    cfg,
		dialer: websocket.DefaultDialer,
		subs:   make(map[string]bool),
		ticks:  make(chan model.Tick, cfg.BufSize),
	}
}

// Connect blocks until the first successful connection or ctx
// cancellation, then maintains the connection in the background.
func (f *Feed) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()

	if err := f.dial(runCtx); err != nil {
		cancel()
		return err
	}
	go f.run(runCtx)
	return nil
}

// Subscribe registers instruments for tick delivery. Safe before
// Connect; the set is replayed after every reconnect.
func (f *Feed) Subscribe(instruments []string) error {
	f.mu.Lock()
	for _, in := range instruments {
		f.subs[in] = true
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || !f.connected.Load() {
		return nil
	}
	return f.sendSubscribe(conn)
}

// IsConnected reports current connection state.
func (f *Feed) IsConnected() bool { return f.connected.Load() }

// Ticks returns the tick delivery channel.
func (f *Feed) Ticks() <-chan model.Tick { return f.ticks }

// Dropped returns how many ticks were discarded because the channel was
// full.
func (f *Feed) Dropped() int64 { return f.dropped.Load() }

// Close tears the connection down and stops reconnecting.
func (f *Feed) Close() error {
	f.mu.Lock()
	f.closed = true
	if f.cancel != nil {
		f.cancel()
	}
	conn := f.conn
	f.mu.Unlock()

	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		return conn.Close()
	}
	return nil
}

// dial attempts connections with capped backoff until one succeeds or
// ctx ends, then replays subscriptions before resuming delivery.
func (f *Feed) dial(ctx context.Context) error {
	header := http.Header{}
	header.Set("X-API-Key", f.cfg.APIKey)
	header.Set("X-Feed-Token", f.cfg.FeedToken)

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, resp, err := f.dialer.DialContext(ctx, f.cfg.URL, header)
		if err != nil {
			delay := f.cfg.Reconnect.Backoff(attempt)
			if resp != nil {
				log.Printf("[feed] dial failed (status %s), retry in %s", resp.Status, delay)
			} else {
				log.Printf("[feed] dial failed: %v, retry in %s", err, delay)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readDeadline))
		})

		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()

		if err := f.sendSubscribe(conn); err != nil {
			log.Printf("[feed] resubscribe failed: %v", err)
			conn.Close()
			continue
		}

		f.connected.Store(true)
		log.Printf("[feed] connected to %s (%d instruments)", f.cfg.URL, f.subCount())
		if f.OnReconnect != nil {
			f.OnReconnect()
		}
		return nil
	}
}

// run owns the read and heartbeat loops and redials on failure.
func (f *Feed) run(ctx context.Context) {
	for {
		f.readLoop(ctx)
		f.connected.Store(false)

		f.mu.Lock()
		done := f.closed
		f.mu.Unlock()
		if done || ctx.Err() != nil {
			return
		}

		log.Printf("[feed] connection lost, reconnecting")
		if err := f.dial(ctx); err != nil {
			return
		}
	}
}

func (f *Feed) readLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}

	stopPing := make(chan struct{})
	go f.heartbeat(conn, stopPing)
	defer close(stopPing)

	conn.SetReadDeadline(time.Now().Add(readDeadline))
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[feed] read: %v", err)
			}
			conn.Close()
			return
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msg tickMessage
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Instrument == "" {
			continue
		}
		tick := model.Tick{
			Instrument: msg.Instrument,
			Price:      msg.Price,
			Qty:        msg.Qty,
			TS:         time.UnixMilli(msg.TS).UTC(),
		}
		select {
		case f.ticks <- tick:
		default:
			f.dropped.Add(1)
		}
	}
}

func (f *Feed) heartbeat(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// sendSubscribe replays the full subscription set in sorted order, so
// the request stream is identical on every reconnect.
func (f *Feed) sendSubscribe(conn *websocket.Conn) error {
	f.mu.Lock()
	instruments := make([]string, 0, len(f.subs))
	for in := range f.subs {
		instruments = append(instruments, in)
	}
	f.mu.Unlock()

	if len(instruments) == 0 {
		return nil
	}
	sort.Strings(instruments)

	req := map[string]any{
		"action":      "subscribe",
		"instruments": instruments,
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(req); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

func (f *Feed) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
