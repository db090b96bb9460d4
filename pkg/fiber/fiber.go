// Package fiber renders the engine's cooperative task model onto
// goroutines with blocking, deadline-aware I/O. The fiber vocabulary is
// kept — Spawn, Yield, Sleep, Watch/Signal, StartEvent — but scheduling is
// the Go runtime's; the engine never assumes parallelism within a single
// connection, and shared host state is guarded where handlers can touch it
// concurrently.
package fiber

import (
	"runtime"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("pkg", "fiber")

// Clock is the injectable time source for sleeps, timers and deadlines.
// Tests substitute a fake clock; production uses the real one.
var Clock clockwork.Clock = clockwork.NewRealClock()

// Spawn starts fn as a new fiber. Panics are absorbed and logged so a
// misbehaving handler cannot take the process down.
func Spawn(name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("fiber", name).Errorf("fiber panic: %v", r)
			}
		}()
		fn()
	}()
}

// Yield gives other runnable fibers a turn.
func Yield() {
	runtime.Gosched()
}

// Sleep suspends the calling fiber until the absolute time passes.
func Sleep(until time.Time) {
	d := until.Sub(Clock.Now())
	if d > 0 {
		Clock.Sleep(d)
	}
}

// Delay suspends the calling fiber for a duration.
func Delay(d time.Duration) {
	if d > 0 {
		Clock.Sleep(d)
	}
}

// StartEvent schedules fn to run on a fresh fiber after delay.
func StartEvent(fn func(), delay time.Duration) {
	Spawn("event", func() {
		Delay(delay)
		fn()
	})
}

// watcher is one registered signal observer.
type watcher struct {
	fn func(arg any)
}

// Bus dispatches named signals to watchers. Watch registers an observer;
// Signal invokes every observer for the name on the signaling fiber.
type Bus struct {
	mu       sync.Mutex
	watchers map[string][]watcher
}

// NewBus returns an empty signal bus.
func NewBus() *Bus {
	return &Bus{watchers: make(map[string][]watcher)}
}

// Watch registers fn for the named signal.
func (b *Bus) Watch(name string, fn func(arg any)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.watchers[name] = append(b.watchers[name], watcher{fn: fn})
}

// Signal invokes all watchers of name with arg, in registration order.
func (b *Bus) Signal(name string, arg any) {
	b.mu.Lock()
	observers := append([]watcher(nil), b.watchers[name]...)
	b.mu.Unlock()
	for _, w := range observers {
		w.fn(arg)
	}
}
