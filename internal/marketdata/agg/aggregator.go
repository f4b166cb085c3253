// Package agg folds the live tick stream into fixed-interval OHLCV bars.
//
// Ticks land in a bounded per-instrument ring buffer; once full the oldest
// are silently dropped and counted, which is the intended overload behavior,
// not an error. Bars are (re)built on the aggregator's own schedule,
// independent of tick arrival rate, by grouping buffered ticks into interval
// buckets. Historical bars fetched once at startup are merged with
// live-built bars; on a duplicate bucket the most recent write wins.
package agg

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"tradecore/internal/model"
	"tradecore/internal/ringbuf"
)

// DefaultRingCapacity bounds the per-instrument tick buffer.
const DefaultRingCapacity = 5000

// Aggregator builds interval bars from a stream of ticks.
type Aggregator struct {
	mu       sync.Mutex
	interval time.Duration
	ringCap  int

	rings map[string]*ringbuf.Ring       // live tick buffers
	hist  map[string]map[int64]model.Bar // merged bars by bucket start (Unix seconds)
	cache map[string][]model.Bar         // last rebuilt sequence, sorted by Start
	last  map[string]int64               // last traded price per instrument

	reportedDrops uint64

	// OnDroppedTicks is called from Rebuild with the number of ticks
	// dropped since the previous rebuild (optional, for metrics).
	OnDroppedTicks func(n uint64)

	// OnRebuild is called after every completed rebuild pass (optional,
	// for metrics).
	OnRebuild func()
}

// New creates an Aggregator with the given bar interval.
// ringCap <= 0 falls back to DefaultRingCapacity.
func New(interval time.Duration, ringCap int) *Aggregator {
	if ringCap <= 0 {
		ringCap = DefaultRingCapacity
	}
	return &Aggregator{
		interval: interval,
		ringCap:  ringCap,
		rings:    make(map[string]*ringbuf.Ring),
		hist:     make(map[string]map[int64]model.Bar),
		cache:    make(map[string][]model.Bar),
		last:     make(map[string]int64),
	}
}

// Ingest buffers a single tick. Non-blocking and safe for concurrent use;
// it never performs I/O and never waits on a channel.
func (a *Aggregator) Ingest(t model.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	r, ok := a.rings[t.Instrument]
	if !ok {
		r = ringbuf.New(a.ringCap)
		a.rings[t.Instrument] = r
	}
	r.Push(t)
	a.last[t.Instrument] = t.Price
}

// MergeHistorical merges bars fetched from an external history source into
// the bar sequences. Timestamps are normalized to UTC and aligned to the
// bar interval before merge; duplicate bucket starts are deduplicated with
// most-recent-write-wins, so re-ingesting the same bar is idempotent.
func (a *Aggregator) MergeHistorical(bars []model.Bar) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, b := range bars {
		b.Start = b.Start.UTC().Truncate(a.interval)
		m, ok := a.hist[b.Instrument]
		if !ok {
			m = make(map[int64]model.Bar)
			a.hist[b.Instrument] = m
		}
		m[b.Start.Unix()] = b
	}
}

// Snapshot returns the most recently rebuilt bar sequence for an
// instrument, ordered by bucket start, as a defensive copy.
func (a *Aggregator) Snapshot(instrument string) []model.Bar {
	a.mu.Lock()
	defer a.mu.Unlock()

	src := a.cache[instrument]
	out := make([]model.Bar, len(src))
	copy(out, src)
	return out
}

// LastPrice returns the most recent traded price for an instrument.
func (a *Aggregator) LastPrice(instrument string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.last[instrument]
	return p, ok
}

// Instruments returns the instruments seen so far (ticks or history).
func (a *Aggregator) Instruments() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool, len(a.rings)+len(a.hist))
	for k := range a.rings {
		seen[k] = true
	}
	for k := range a.hist {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Rebuild regroups every instrument's buffered ticks into interval buckets
// and overlays them on the historical sequence. Live buckets win over
// historical ones with the same start (they are the more recent write).
func (a *Aggregator) Rebuild() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var totalDrops uint64
	for instrument, r := range a.rings {
		totalDrops += r.Dropped()
		live := a.bucketize(instrument, r.Snapshot())

		merged := make(map[int64]model.Bar, len(a.hist[instrument])+len(live))
		for ts, b := range a.hist[instrument] {
			merged[ts] = b
		}
		for ts, b := range live {
			merged[ts] = b
		}
		a.cache[instrument] = sortBars(merged)
	}

	// Instruments with history but no live ticks yet still get a sequence.
	for instrument, m := range a.hist {
		if _, ok := a.rings[instrument]; !ok {
			a.cache[instrument] = sortBars(m)
		}
	}

	if totalDrops > a.reportedDrops {
		delta := totalDrops - a.reportedDrops
		a.reportedDrops = totalDrops
		if a.OnDroppedTicks != nil {
			a.OnDroppedTicks(delta)
		}
	}
	if a.OnRebuild != nil {
		a.OnRebuild()
	}
}

// Run rebuilds bar sequences on a fixed schedule until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	log.Printf("[agg] rebuild loop started (every %v, bar interval %v)", every, a.interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Rebuild()
		}
	}
}

// bucketize groups ticks into interval buckets: open=first, high=max,
// low=min, close=last, volume=sum. Caller holds a.mu.
func (a *Aggregator) bucketize(instrument string, ticks []model.Tick) map[int64]model.Bar {
	out := make(map[int64]model.Bar)
	for _, t := range ticks {
		start := t.TS.UTC().Truncate(a.interval)
		ts := start.Unix()

		b, ok := out[ts]
		if !ok {
			out[ts] = model.Bar{
				Instrument: instrument,
				Start:      start,
				Open:       t.Price,
				High:       t.Price,
				Low:        t.Price,
				Close:      t.Price,
				Volume:     t.Qty,
				TickCount:  1,
			}
			continue
		}

		if t.Price > b.High {
			b.High = t.Price
		}
		if t.Price < b.Low {
			b.Low = t.Price
		}
		b.Close = t.Price
		b.Volume += t.Qty
		b.TickCount++
		out[ts] = b
	}
	return out
}

func sortBars(m map[int64]model.Bar) []model.Bar {
	out := make([]model.Bar, 0, len(m))
	for _, b := range m {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}
