package ringbuf

import (
	"testing"
	"time"

	"tradecore/internal/model"
)

func tick(price int64) model.Tick {
	return model.Tick{Instrument: "AAPL", Price: price, Qty: 1, TS: time.Now().UTC()}
}

func TestRing_PushAndSnapshot(t *testing.T) {
	r := New(4)

	r.Push(tick(1))
	r.Push(tick(2))
	r.Push(tick(3))

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 ticks, got %d", len(snap))
	}
	for i, want := range []int64{1, 2, 3} {
		if snap[i].Price != want {
			t.Errorf("snap[%d].Price = %d, want %d", i, snap[i].Price, want)
		}
	}
	if r.Dropped() != 0 {
		t.Errorf("expected 0 dropped, got %d", r.Dropped())
	}
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := New(4)

	for p := int64(1); p <= 6; p++ {
		r.Push(tick(p))
	}

	if r.Len() != 4 {
		t.Fatalf("expected len 4, got %d", r.Len())
	}
	if r.Dropped() != 2 {
		t.Errorf("expected 2 dropped, got %d", r.Dropped())
	}

	snap := r.Snapshot()
	for i, want := range []int64{3, 4, 5, 6} {
		if snap[i].Price != want {
			t.Errorf("snap[%d].Price = %d, want %d", i, snap[i].Price, want)
		}
	}
}

func TestRing_CapacityRoundedToPow2(t *testing.T) {
	r := New(5000)
	if r.Cap() != 8192 {
		t.Errorf("expected capacity 8192, got %d", r.Cap())
	}

	r = New(1)
	if r.Cap() != 2 {
		t.Errorf("expected minimum capacity 2, got %d", r.Cap())
	}
}

func TestRing_SnapshotIsACopy(t *testing.T) {
	r := New(4)
	r.Push(tick(10))

	snap := r.Snapshot()
	snap[0].Price = 999

	again := r.Snapshot()
	if again[0].Price != 10 {
		t.Errorf("snapshot mutation leaked into ring: got %d", again[0].Price)
	}
}
