// Package watchdog implements the safety watchdog register bank:
// word-0 timeout, word-3 self-clearing trigger, word-4 observed
// minimum trigger time, word-6 status read-back, and word-8's
// two-step stop handshake. A 100ms task decrements the live countdown
// and zeroes every output bank when it reaches zero.
package watchdog

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kbusgw/kbusmodbusgw/internal/events"
	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
)

const (
	wordTimeout = 0
	wordTrigger = 3
	wordMinTime = 4
	wordStatus  = 6
	wordStop    = 8
)

const decrementPeriod = 100 * time.Millisecond

const (
	stopArm = 0x55AA
	stopGo  = 0xAA55
)

// DefaultTimeoutTicks is the factory-default timeout, in 100ms units
// (10 seconds).
const DefaultTimeoutTicks = 100

// Watchdog is the safety watchdog: it decrements a countdown at a
// fixed 100ms rate while active, and zeroes all output register banks
// when the countdown reaches zero without having been retriggered.
type Watchdog struct {
	banks *regbank.Banks
	log   *zap.Logger

	mu          sync.Mutex
	active      bool
	countdown   int // remaining 100ms ticks
	stopPending bool

	trips atomic.Uint64

	events *events.Bus

	cancel chan struct{}
	done   chan struct{}
}

// SetEvents wires b to receive watchdog_armed/watchdog_tripped/
// watchdog_stopped events. Optional; a nil Bus is a valid no-op.
func (w *Watchdog) SetEvents(b *events.Bus) {
	w.events = b
}

// New builds a Watchdog bound to banks, with the default timeout
// preloaded into word 0.
func New(banks *regbank.Banks, log *zap.Logger) *Watchdog {
	w := &Watchdog{banks: banks, log: log}
	banks.Watchdog.Set(wordTimeout, DefaultTimeoutTicks)
	banks.Watchdog.Set(wordMinTime, DefaultTimeoutTicks)
	return w
}

// Start launches the 100ms decrement task. Stop must be called to
// release it.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.cancel != nil {
		w.mu.Unlock()
		return
	}
	w.cancel = make(chan struct{})
	w.done = make(chan struct{})
	cancel := w.cancel
	done := w.done
	w.mu.Unlock()

	go w.run(cancel, done)
}

// Stop halts the decrement task.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	close(cancel)
	<-done
}

func (w *Watchdog) run(cancel, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(decrementPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-cancel:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick decrements the live countdown by one unit while active,
// expiring the watchdog (and zeroing outputs) if it reaches zero.
func (w *Watchdog) tick() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.countdown--
	if w.countdown < 0 {
		w.countdown = 0
	}
	if w.countdown < int(mustGetWord(w.banks.Watchdog, wordMinTime)) {
		w.banks.Watchdog.Set(wordMinTime, uint16(w.countdown))
	}
	expired := w.countdown == 0
	if expired {
		w.active = false
		w.banks.Watchdog.Set(wordStatus, 0)
	}
	w.mu.Unlock()

	if expired {
		w.trips.Add(1)
		if w.log != nil {
			w.log.Warn("watchdog: timeout expired, zeroing outputs")
		}
		w.events.Publish(events.KindWatchdogTripped, map[string]interface{}{"trips": w.trips.Load()})
		w.banks.ClearOutputs()
	}
}

// TripCount reports how many times the watchdog has expired since it
// was created.
func (w *Watchdog) TripCount() uint64 {
	return w.trips.Load()
}

func mustGetWord(b *regbank.WordBank, i int) uint16 {
	v, _ := b.Get(i)
	return v
}

// Trigger reloads the countdown from word 0 and activates the
// watchdog if it wasn't already. The Modbus dispatcher calls it on
// every inbound request while the watchdog is active; a word-3 write
// takes the same path through HandleWordWrite.
func (w *Watchdog) Trigger() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.triggerLocked()
}

// HandleWordWrite applies the watchdog's special per-word write
// semantics for the WATCHDOG bank, returning ok=false with an
// exception-worthy reason when the write is rejected.
func (w *Watchdog) HandleWordWrite(localIndex int, value uint16) (ok bool, illegalValue bool, illegalFunction bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch localIndex {
	case wordTimeout:
		if w.active {
			return false, true, false // ILLEGAL_DATA_VALUE: only honored while inactive
		}
		w.banks.Watchdog.Set(wordTimeout, value)
		return true, false, false

	case wordTrigger:
		if value > 0 {
			w.triggerLocked()
		}
		w.banks.Watchdog.Set(wordTrigger, 0) // self-clearing
		return true, false, false

	case wordMinTime:
		return false, false, true // ILLEGAL_FUNCTION: read-only

	case wordStatus:
		return false, false, true // status is read-back only

	case wordStop:
		switch {
		case value == stopArm:
			w.stopPending = true
		case value == stopGo && w.stopPending:
			w.stopLocked()
		default:
			w.stopPending = false
		}
		w.banks.Watchdog.Set(wordStop, value)
		return true, false, false

	default:
		w.banks.Watchdog.Set(localIndex, value)
		return true, false, false
	}
}

func (w *Watchdog) triggerLocked() {
	timeout := mustGetWord(w.banks.Watchdog, wordTimeout)
	if timeout == 0 {
		return
	}
	wasInactive := !w.active
	if wasInactive {
		// modbusWatchdog_resetMinimalTime(timeout) runs only on the
		// inactive -> active transition, not on every retrigger.
		w.banks.Watchdog.Set(wordMinTime, timeout)
	}
	w.countdown = int(timeout)
	w.active = true
	w.banks.Watchdog.Set(wordStatus, 1)
	if wasInactive {
		w.events.Publish(events.KindWatchdogArmed, map[string]interface{}{"timeout_ticks": timeout})
	}
}

func (w *Watchdog) stopLocked() {
	wasActive := w.active
	w.active = false
	w.stopPending = false
	w.countdown = 0
	w.banks.Watchdog.Set(wordStatus, 0)
	if wasActive {
		w.events.Publish(events.KindWatchdogStopped, nil)
	}
}

// IsActive reports whether the watchdog is currently counting down.
func (w *Watchdog) IsActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}
