package watchdog

import (
	"testing"

	"github.com/kbusgw/kbusmodbusgw/internal/regbank"
)

func TestNewWatchdogDefaults(t *testing.T) {
	banks := regbank.NewBanks()
	New(banks, nil)
	if v, _ := banks.Watchdog.Get(wordTimeout); v != DefaultTimeoutTicks {
		t.Fatalf("word0 = %d, want %d", v, DefaultTimeoutTicks)
	}
}

func TestTriggerActivates(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	if w.IsActive() {
		t.Fatal("should start inactive")
	}
	w.Trigger()
	if !w.IsActive() {
		t.Fatal("should be active after Trigger")
	}
	if v, _ := banks.Watchdog.Get(wordStatus); v != 1 {
		t.Fatalf("status word = %d, want 1", v)
	}
}

func TestHandleWordWriteTimeoutRejectedWhileActive(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	w.Trigger()

	ok, illegalValue, illegalFunction := w.HandleWordWrite(wordTimeout, 50)
	if ok || !illegalValue || illegalFunction {
		t.Fatalf("HandleWordWrite(timeout) while active = %v,%v,%v; want false,true,false", ok, illegalValue, illegalFunction)
	}
}

func TestHandleWordWriteTimeoutAllowedWhileInactive(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)

	ok, illegalValue, illegalFunction := w.HandleWordWrite(wordTimeout, 50)
	if !ok || illegalValue || illegalFunction {
		t.Fatalf("HandleWordWrite(timeout) while inactive = %v,%v,%v; want true,false,false", ok, illegalValue, illegalFunction)
	}
	if v, _ := banks.Watchdog.Get(wordTimeout); v != 50 {
		t.Fatalf("word0 = %d, want 50", v)
	}
}

func TestHandleWordWriteMinTimeReadOnly(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	ok, _, illegalFunction := w.HandleWordWrite(wordMinTime, 1)
	if ok || !illegalFunction {
		t.Fatalf("HandleWordWrite(minTime) = %v,%v; want false,true", ok, illegalFunction)
	}
}

func TestHandleWordWriteTriggerSelfClears(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	ok, _, _ := w.HandleWordWrite(wordTrigger, 1)
	if !ok {
		t.Fatal("HandleWordWrite(trigger) should succeed")
	}
	if !w.IsActive() {
		t.Fatal("writing >0 to trigger should activate the watchdog")
	}
	if v, _ := banks.Watchdog.Get(wordTrigger); v != 0 {
		t.Fatalf("trigger word = %d, want 0 (self-clearing)", v)
	}
}

func TestStopHandshake(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	w.Trigger()

	// First write of 0x55AA only arms stopPending; watchdog stays active.
	ok, _, _ := w.HandleWordWrite(wordStop, stopArm)
	if !ok {
		t.Fatal("arming write should succeed")
	}
	if !w.IsActive() {
		t.Fatal("arming alone should not stop the watchdog")
	}

	// Second write of 0xAA55 completes the handshake.
	ok, _, _ = w.HandleWordWrite(wordStop, stopGo)
	if !ok {
		t.Fatal("stop write should succeed")
	}
	if w.IsActive() {
		t.Fatal("watchdog should be inactive after the stop handshake")
	}
}

func TestStopHandshakeWrongOrderDoesNothing(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	w.Trigger()

	// stopGo without a preceding arm clears stopPending but does not stop.
	w.HandleWordWrite(wordStop, stopGo)
	if !w.IsActive() {
		t.Fatal("unsolicited stopGo should not stop the watchdog")
	}
}

func TestStopHandshakeOtherValueClearsPending(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	w.Trigger()

	w.HandleWordWrite(wordStop, stopArm)
	w.HandleWordWrite(wordStop, 0x1234) // any other value clears pending
	w.HandleWordWrite(wordStop, stopGo) // now a no-op: pending was cleared
	if !w.IsActive() {
		t.Fatal("stopGo after pending was cleared by an intervening write should not stop")
	}
}

func TestTickExpirationZeroesOutputs(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	banks.Watchdog.Set(wordTimeout, 1)
	banks.PDOut1.Set(0, 0xBEEF)
	w.Trigger()

	w.tick() // countdown 1 -> 0, expires

	if w.IsActive() {
		t.Fatal("watchdog should be inactive after expiring")
	}
	if v, _ := banks.PDOut1.Get(0); v != 0 {
		t.Fatalf("PDOut1[0] = %#04x after expiration, want 0", v)
	}
	if v, _ := banks.Watchdog.Get(wordStatus); v != 0 {
		t.Fatalf("status word = %d after expiration, want 0", v)
	}
	if w.TripCount() != 1 {
		t.Fatalf("TripCount() = %d, want 1", w.TripCount())
	}
}

func TestTickInactiveIsNoOp(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	banks.PDOut1.Set(0, 0xBEEF)
	w.tick()
	if v, _ := banks.PDOut1.Get(0); v != 0xBEEF {
		t.Fatal("tick while inactive must not touch outputs")
	}
}

func TestTriggerResetsMinTimeOnReactivation(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	banks.Watchdog.Set(wordTimeout, 2)
	w.Trigger()
	w.tick() // countdown 2->1
	w.tick() // countdown 1->0, expires; minTime now tracks the low-water mark

	if w.IsActive() {
		t.Fatal("expected watchdog to have expired")
	}

	// Expired -> re-armed with a new timeout: word 4 must reset to the
	// current timeout, not stay at its prior low-water mark.
	banks.Watchdog.Set(wordTimeout, 10)
	w.Trigger()
	if v, _ := banks.Watchdog.Get(wordMinTime); v != 10 {
		t.Fatalf("minTime after reactivation = %d, want 10 (reset to the new timeout)", v)
	}
}

func TestTriggerDoesNotResetMinTimeWhileAlreadyActive(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	banks.Watchdog.Set(wordTimeout, 10)
	w.Trigger()
	w.tick()
	w.tick()
	w.tick() // minTime now 7

	w.Trigger() // retrigger while still active: must not reset minTime
	if v, _ := banks.Watchdog.Get(wordMinTime); v != 7 {
		t.Fatalf("minTime after retrigger while active = %d, want 7 (unchanged)", v)
	}
}

func TestMinTimeTracksLowestCountdown(t *testing.T) {
	banks := regbank.NewBanks()
	w := New(banks, nil)
	banks.Watchdog.Set(wordTimeout, 10)
	w.Trigger()
	w.tick()
	w.tick()
	w.tick()
	if v, _ := banks.Watchdog.Get(wordMinTime); v != 7 {
		t.Fatalf("minTime = %d, want 7 after three ticks from timeout 10", v)
	}
}
