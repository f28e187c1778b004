package bfd

import "time"

// Event is a one-way notification of a local state transition, published
// whenever §4.6's transition actions fire. Grounded on keepalived's
// bfd_event.c, which writes a fixed record {iname[32], state byte,
// sent_time} down a pipe to a parent process; the wire shape here is the
// same three fields, just carried as a Go value instead of a pipe record.
type Event struct {
	Instance string
	State    State
	At       time.Time
}

// EventSink receives Events published by the engine. Publish must not
// block: the engine is single-threaded, and a sink that blocks stalls
// every session. Implementations that need buffering (e.g. a channel)
// must drop and count on backpressure rather than block.
type EventSink interface {
	Publish(Event)
}

// noopSink discards every event. Used when the engine is constructed
// without an explicit sink (tests, or a caller that only wants timers).
type noopSink struct{}

func (noopSink) Publish(Event) {}
