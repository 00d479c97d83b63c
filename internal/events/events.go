// Package events defines the gateway's single internal event stream.
// The cycle engine, the watchdog, and the config loader are its only
// producers; the websocket hub, the audit log, and the MQTT publisher
// are its optional consumers, all fed from the one channel a Bus
// owns. It is a one-way notification feed — nothing reads state back
// from it.
package events

import "time"

// Kind identifies what occurrence an Event carries.
type Kind string

const (
	KindBusErrorEntered Kind = "bus_error_entered"
	KindBusErrorCleared Kind = "bus_error_cleared"
	KindWatchdogArmed   Kind = "watchdog_armed"
	KindWatchdogTripped Kind = "watchdog_tripped"
	KindWatchdogStopped Kind = "watchdog_stopped"
	KindConfigReload    Kind = "config_reload"
)

// Event is one gateway occurrence worth telling every subscriber
// about.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Detail    map[string]interface{}
}

// Bus carries events from any number of producers to the reader of
// C; each event is received once, by one reader. A nil
// *Bus is valid and every method on it is a no-op, so wiring a
// producer to Publish is optional.
type Bus struct {
	ch chan Event
}

// NewBus returns a Bus with a bounded backlog.
func NewBus() *Bus {
	return &Bus{ch: make(chan Event, 64)}
}

// Publish enqueues an event. It never blocks the calling goroutine —
// a full backlog drops the event rather than stall the cycle engine
// or the watchdog's decrement task.
func (b *Bus) Publish(kind Kind, detail map[string]interface{}) {
	if b == nil {
		return
	}
	select {
	case b.ch <- Event{Kind: kind, Timestamp: time.Now(), Detail: detail}:
	default:
	}
}

// C returns the channel a single dispatch loop should drain. Calling
// it on a nil Bus returns a nil channel, which blocks forever in a
// select — the caller's context branch still fires.
func (b *Bus) C() <-chan Event {
	if b == nil {
		return nil
	}
	return b.ch
}
