// Package eventsink provides concrete, swappable implementations of
// bfd.EventSink. The core bfd package defines the Event and EventSink
// types itself (to avoid an import cycle, since netio and bfd both sit
// below this package); eventsink aliases them and adds the daemon-facing
// implementations spec.md Section 1's "emit_event" external interface
// calls for.
//
// Grounded in keepalived/bfd/bfd_event.c, which writes a fixed record
// {iname[32], state byte, sent_time} down a pipe to a parent process on
// every local state transition.
package eventsink

import (
	"log/slog"
	"sync"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// Event is a published state-transition notification.
type Event = bfd.Event

// Sink receives Events. Publish must not block.
type Sink = bfd.EventSink

// ChannelSink forwards every Event onto a bounded channel, the default
// wiring for consumers (e.g. a BGP or routing-table bridge) that want to
// react to BFD state changes without sharing the engine's goroutine.
//
// Publish never blocks: if the channel is full, the event is dropped and
// Dropped is incremented, mirroring the teacher's non-blocking
// channel-send pattern for inbound packet delivery rather than stalling
// the single-threaded engine behind a slow consumer.
type ChannelSink struct {
	ch      chan Event
	onDrop  func()
	mu      sync.Mutex
	dropped uint64
}

// NewChannelSink returns a ChannelSink whose channel has the given
// capacity. A capacity of 0 means every Publish with no ready receiver
// is dropped immediately.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, capacity)}
}

// NewChannelSinkWithDropHook is NewChannelSink plus a callback invoked
// once per dropped event, in addition to the built-in Dropped() count.
// The daemon wires onDrop to its Prometheus collector so event-sink
// backpressure shows up alongside the rest of the engine's metrics.
func NewChannelSinkWithDropHook(capacity int, onDrop func()) *ChannelSink {
	return &ChannelSink{ch: make(chan Event, capacity), onDrop: onDrop}
}

// Publish implements Sink.
func (c *ChannelSink) Publish(ev Event) {
	select {
	case c.ch <- ev:
	default:
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
		if c.onDrop != nil {
			c.onDrop()
		}
	}
}

// Events returns the channel consumers should range over.
func (c *ChannelSink) Events() <-chan Event {
	return c.ch
}

// Dropped reports how many events have been discarded due to a full
// channel since construction.
func (c *ChannelSink) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// LogSink publishes every Event as a structured log line. This is the
// CLI's default sink when no external consumer is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a LogSink writing through logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Publish implements Sink.
func (l *LogSink) Publish(ev Event) {
	l.logger.Info("bfd state change",
		slog.String("instance", ev.Instance),
		slog.String("state", ev.State.String()),
		slog.Time("at", ev.At),
	)
}

// MultiSink fans a single Publish out to every sink it wraps, in order.
// The daemon uses it to log every transition (LogSink) while also
// offering a ChannelSink for an external consumer, without either one
// knowing about the other.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink returns a MultiSink that forwards to every sink given.
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Publish implements Sink.
func (m *MultiSink) Publish(ev Event) {
	for _, s := range m.sinks {
		s.Publish(ev)
	}
}

// RecordingSink collects every published Event into a slice, for test
// assertions.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Publish implements Sink.
func (r *RecordingSink) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of every Event recorded so far, in publish order.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Last returns the most recently published Event, if any.
func (r *RecordingSink) Last() (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return Event{}, false
	}
	return r.events[len(r.events)-1], true
}
