package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	defaultBufferSize = 1024
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Sink buffers events in memory and persists them to SQLite in batched
// transactions off the hot path.
type Sink struct {
	db *sql.DB
	ch chan Event

	// OnDrop is called with 1 each time an event is discarded because the
	// buffer was full (optional, for metrics).
	OnDrop func()
}

// DB returns the underlying sql.DB for health checks.
func (s *Sink) DB() *sql.DB { return s.db }

// NewSink opens (or creates) the audit database at path with WAL mode.
func NewSink(path string) (*Sink, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("audit: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			ts         INTEGER NOT NULL,
			kind       TEXT    NOT NULL,
			instrument TEXT,
			reason     TEXT,
			fields     TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_events_kind_ts ON events (kind, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: schema: %w", err)
	}

	log.Printf("[audit] opened database at %s", path)
	return &Sink{
		db: db,
		ch: make(chan Event, defaultBufferSize),
	}, nil
}

// Record enqueues an event without blocking. Drops (and counts) the event
// if the buffer is full.
func (s *Sink) Record(e Event) {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	select {
	case s.ch <- e:
	default:
		if s.OnDrop != nil {
			s.OnDrop()
		}
	}
}

// Run drains the buffer into SQLite with transaction batching: a batch is
// committed every defaultBatchSize events or defaultFlushDelay, whichever
// comes first. Blocks until ctx is cancelled, then flushes what remains.
func (s *Sink) Run(ctx context.Context) {
	batch := make([]Event, 0, defaultBatchSize)
	ticker := time.NewTicker(defaultFlushDelay)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			log.Printf("[audit] batch insert error: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain anything already buffered before exit.
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}

		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= defaultBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()
		}
	}
}

// Close releases the database handle. Call after Run has returned.
func (s *Sink) Close() error {
	return s.db.Close()
}

func (s *Sink) insertBatch(batch []Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO events (ts, kind, instrument, reason, fields) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, e := range batch {
		var fields []byte
		if len(e.Fields) > 0 {
			fields, _ = json.Marshal(e.Fields)
		}
		if _, err := stmt.Exec(e.TS.UnixNano(), string(e.Kind), e.Instrument, e.Reason, string(fields)); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
