//go:build integration

// Package integration_test drives two full bfd.Engine instances against
// each other over in-memory sockets, exercising the same wire path
// cmd/gobfd runs in production without opening real UDP sockets.
package integration_test

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

// bridgeSocket is a bfd.OutputSocket that decodes every sent packet and
// delivers it straight into the peer engine's inbound channel, standing
// in for a real UDP round trip between two hosts.
type bridgeSocket struct {
	peerSrc netip.Addr
	out     chan<- bfd.Inbound
	ctx     context.Context
}

func (b *bridgeSocket) SendPacket(buf []byte) error {
	if b.ctx.Err() != nil {
		return nil
	}
	var pkt bfd.ControlPacket
	if err := bfd.UnmarshalControlPacket(buf, &pkt); err != nil {
		return err
	}
	select {
	case b.out <- bfd.Inbound{Pkt: pkt, Src: b.peerSrc}:
	case <-b.ctx.Done():
	}
	return nil
}

func (b *bridgeSocket) Close() error { return nil }

type harness struct {
	reg    *bfd.Registry
	engine *bfd.Engine
	sink   *recordingSink
	inbox  chan bfd.Inbound
}

// recordingSink collects every published Event for assertions, mirroring
// internal/bfd's own test helper of the same name.
type recordingSink struct {
	mu     sync.Mutex
	events []bfd.Event
}

func (r *recordingSink) Publish(ev bfd.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) last() (bfd.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return bfd.Event{}, false
	}
	return r.events[len(r.events)-1], true
}

func newHarness(t *testing.T, name string, discr uint32, neighbor netip.AddrPort) *harness {
	t.Helper()
	reg := bfd.NewRegistry()
	s := bfd.NewSession(name, discr, slog.Default())
	s.Neighbor = neighbor
	s.DesiredMinTx = 10 * time.Millisecond
	s.RequiredMinRx = 10 * time.Millisecond
	s.IdleTx = 100 * time.Millisecond
	s.DetectMult = 3
	if err := reg.Add(s); err != nil {
		t.Fatalf("Add: %v", err)
	}
	sink := &recordingSink{}
	return &harness{
		reg:    reg,
		engine: bfd.NewEngine(reg, sink, nil, slog.Default()),
		sink:   sink,
		inbox:  make(chan bfd.Inbound, 8),
	}
}

// TestTwoEnginesConverge wires two Engines back to back with no real
// sockets: each session's OutputSocket decodes its own transmissions and
// feeds them directly into the other engine's inbound channel. Two
// independently-scheduled dispatchers should still negotiate up to Up
// the same way two real hosts would (spec.md Section 8, scenario 1,
// run bidirectionally instead of against a scripted peer).
func TestTwoEnginesConverge(t *testing.T) {
	t.Parallel()

	addrA := netip.MustParseAddrPort("192.0.2.1:3784")
	addrB := netip.MustParseAddrPort("192.0.2.2:3784")

	hA := newHarness(t, "to-b", 0x2001, addrB)
	hB := newHarness(t, "to-a", 0x2002, addrA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, _ := hA.reg.ByName("to-b")
	sessB, _ := hB.reg.ByName("to-a")
	sessA.OutSocket = &bridgeSocket{peerSrc: addrB.Addr(), out: hB.inbox, ctx: ctx}
	sessB.OutSocket = &bridgeSocket{peerSrc: addrA.Addr(), out: hA.inbox, ctx: ctx}

	now := time.Now()
	hA.engine.ArmSession(sessA, now)
	hB.engine.ArmSession(sessB, now)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- hA.engine.Run(ctx, hA.inbox) }()
	go func() { doneB <- hB.engine.Run(ctx, hB.inbox) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sessA.LocalState == bfd.StateUp && sessB.LocalState == bfd.StateUp {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if sessA.LocalState != bfd.StateUp {
		t.Errorf("side A LocalState = %v, want Up", sessA.LocalState)
	}
	if sessB.LocalState != bfd.StateUp {
		t.Errorf("side B LocalState = %v, want Up", sessB.LocalState)
	}
	if ev, ok := hA.sink.last(); !ok || ev.State != bfd.StateUp {
		t.Errorf("side A last event = %+v, ok=%v; want State=Up", ev, ok)
	}
	if ev, ok := hB.sink.last(); !ok || ev.State != bfd.StateUp {
		t.Errorf("side B last event = %+v, ok=%v; want State=Up", ev, ok)
	}

	cancel()
	for _, done := range []chan error{doneA, doneB} {
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	}
}

// TestTwoEnginesDetectPeerLoss severs the bridge after Up is reached and
// asserts both sides independently expire to Down with diag
// ControlTimeExpired, without either side's loop observing the other's
// internal state directly.
func TestTwoEnginesDetectPeerLoss(t *testing.T) {
	t.Parallel()

	addrA := netip.MustParseAddrPort("192.0.2.10:3784")
	addrB := netip.MustParseAddrPort("192.0.2.20:3784")

	hA := newHarness(t, "to-b", 0x2011, addrB)
	hB := newHarness(t, "to-a", 0x2012, addrA)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessA, _ := hA.reg.ByName("to-b")
	sessB, _ := hB.reg.ByName("to-a")

	bridgeCtx, stopBridge := context.WithCancel(ctx)
	sessA.OutSocket = &bridgeSocket{peerSrc: addrB.Addr(), out: hB.inbox, ctx: bridgeCtx}
	sessB.OutSocket = &bridgeSocket{peerSrc: addrA.Addr(), out: hA.inbox, ctx: bridgeCtx}

	now := time.Now()
	hA.engine.ArmSession(sessA, now)
	hB.engine.ArmSession(sessB, now)

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	go func() { doneA <- hA.engine.Run(ctx, hA.inbox) }()
	go func() { doneB <- hB.engine.Run(ctx, hB.inbox) }()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if sessA.LocalState == bfd.StateUp && sessB.LocalState == bfd.StateUp {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if sessA.LocalState != bfd.StateUp || sessB.LocalState != bfd.StateUp {
		cancel()
		<-doneA
		<-doneB
		t.Fatalf("sessions never reached Up (A=%v B=%v)", sessA.LocalState, sessB.LocalState)
	}

	// local_detect_time = DetectMult(3) * negotiated tx interval(10ms) = 30ms.
	stopBridge()
	time.Sleep(200 * time.Millisecond)

	cancel()
	for _, done := range []chan error{doneA, doneB} {
		if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	}

	if sessA.LocalState != bfd.StateDown {
		t.Errorf("side A LocalState = %v, want Down", sessA.LocalState)
	}
	if sessA.LocalDiag != bfd.DiagControlTimeExpired {
		t.Errorf("side A LocalDiag = %v, want ControlTimeExpired", sessA.LocalDiag)
	}
	if sessB.LocalState != bfd.StateDown {
		t.Errorf("side B LocalState = %v, want Down", sessB.LocalState)
	}
	if sessB.LocalDiag != bfd.DiagControlTimeExpired {
		t.Errorf("side B LocalDiag = %v, want ControlTimeExpired", sessB.LocalDiag)
	}
}
