package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// ErrNoListeners indicates that Run was called without any listeners.
var ErrNoListeners = errors.New("receiver run: no listeners provided")

// Inbound is a decoded BFD Control packet plus its transport metadata,
// handed from a Receiver's read goroutine to the engine's single event
// loop over a channel. The engine is the only goroutine that ever reads
// or mutates Session state; Receiver goroutines only do socket I/O and
// packet decoding.
type Inbound struct {
	Pkt  bfd.ControlPacket
	Meta PacketMeta
}

// Receiver reads BFD Control packets from one or more Listeners, decodes
// them, and forwards them on a channel for the engine to process.
//
// The Receiver handles:
//   - Buffer management via bfd.PacketPool
//   - Packet unmarshaling via bfd.UnmarshalControlPacket
//   - Context-aware graceful shutdown
//
// It deliberately does not touch Session or Registry state: that
// ownership belongs entirely to the engine goroutine reading the
// channel (spec single-threaded event loop, no locking).
type Receiver struct {
	out    chan<- Inbound
	logger *slog.Logger
}

// NewReceiver creates a Receiver that forwards decoded packets on out.
func NewReceiver(out chan<- Inbound, logger *slog.Logger) *Receiver {
	return &Receiver{
		out:    out,
		logger: logger.With(slog.String("component", "netio.receiver")),
	}
}

// Run reads from all listeners concurrently until ctx is cancelled.
// Each listener gets its own goroutine. Run blocks until all listener
// goroutines complete (i.e., until ctx is cancelled and all reads
// return).
//
// Errors from individual packet reads are logged but do not stop the
// receiver. Only context cancellation terminates the loop.
func (r *Receiver) Run(ctx context.Context, listeners ...*Listener) error {
	if len(listeners) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(listeners))

	for _, ln := range listeners {
		go func(l *Listener) {
			r.recvLoop(ctx, l)
			done <- struct{}{}
		}(ln)
	}

	for range len(listeners) {
		<-done
	}

	return nil
}

// recvLoop reads packets from a single Listener in a loop until ctx
// is cancelled. Each received packet is unmarshaled and forwarded on
// the out channel. Errors from individual reads are logged but do not
// stop the loop; only context cancellation terminates it.
func (r *Receiver) recvLoop(ctx context.Context, ln *Listener) {
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.recvOne(ctx, ln); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error", slog.String("error", err.Error()))
		}
	}
}

// recvOne performs a single receive-unmarshal-forward cycle.
func (r *Receiver) recvOne(ctx context.Context, ln *Listener) error {
	raw, meta, err := ln.Recv(ctx)
	if err != nil {
		return fmt.Errorf("recv: %w", err)
	}

	var pkt bfd.ControlPacket
	if err := bfd.UnmarshalControlPacket(raw, &pkt); err != nil {
		r.logger.Debug("invalid BFD packet",
			slog.String("src", meta.SrcAddr.String()),
			slog.String("error", err.Error()),
		)
		return nil // Drop invalid packets silently per RFC 5880 Section 6.8.6.
	}

	select {
	case r.out <- Inbound{Pkt: pkt, Meta: meta}:
	case <-ctx.Done():
	}

	return nil
}
