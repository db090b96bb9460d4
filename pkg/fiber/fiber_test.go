package fiber

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func withFakeClock(t *testing.T) *clockwork.FakeClock {
	fake := clockwork.NewFakeClockAt(time.Unix(1700000000, 0))
	previous := Clock
	Clock = fake
	t.Cleanup(func() { Clock = previous })
	return fake
}

func TestDeadlinesNearest(t *testing.T) {
	fake := withFakeClock(t)
	d := NewDeadlines(5*time.Second, 30*time.Second, 300*time.Second)

	if got := d.Nearest(); !got.Equal(fake.Now().Add(5 * time.Second)) {
		t.Fatalf("nearest %v", got)
	}

	// Once headers arrive the parse deadline is dropped.
	d.ClearParse()
	if got := d.Nearest(); !got.Equal(fake.Now().Add(30 * time.Second)) {
		t.Fatalf("nearest after parse %v", got)
	}
}

func TestDeadlinesUpdateAdvancesInactivity(t *testing.T) {
	fake := withFakeClock(t)
	d := NewDeadlines(0, 30*time.Second, 300*time.Second)
	first := d.Inactivity

	fake.Advance(10 * time.Second)
	d.Update()
	if !d.Inactivity.After(first) {
		t.Fatalf("inactivity deadline did not advance")
	}
	// The request deadline is absolute and never moves.
	if !d.Request.Equal(first.Add(270 * time.Second)) {
		t.Fatalf("request deadline moved: %v", d.Request)
	}
}

func TestDeadlinesExpired(t *testing.T) {
	fake := withFakeClock(t)
	d := NewDeadlines(5*time.Second, 0, 0)
	if d.Expired() {
		t.Fatalf("fresh deadlines must not be expired")
	}
	fake.Advance(6 * time.Second)
	if !d.Expired() {
		t.Fatalf("lapsed parse deadline must report expired")
	}
}

func TestZeroDeadlinesUnset(t *testing.T) {
	withFakeClock(t)
	d := NewDeadlines(0, 0, 0)
	if !d.Nearest().IsZero() {
		t.Fatalf("unset deadlines must yield the zero time")
	}
	if d.Expired() {
		t.Fatalf("unset deadlines never expire")
	}
}

func TestBusSignalOrder(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var order []int

	for i := 0; i < 3; i++ {
		i := i
		bus.Watch("ready", func(arg any) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}
	bus.Signal("ready", nil)

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Fatalf("watchers ran out of order: %v", order)
	}

	// Signals with no watchers are a no-op.
	bus.Signal("unknown", nil)
}

func TestSpawnAbsorbsPanic(t *testing.T) {
	done := make(chan struct{})
	Spawn("panicky", func() {
		defer close(done)
		panic("boom")
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("fiber did not run")
	}
}
