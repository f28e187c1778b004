package bfd

import (
	"context"
	"log/slog"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Engine — spec.md Section 5, Section 4.2-4.6, Section 4.8
// -------------------------------------------------------------------------
//
// Engine is the single-threaded cooperative event loop that owns every
// Session, the shared Wheel, and the Registry's demux indexes. Exactly
// one goroutine ever calls Run; nothing in this file takes a lock,
// because nothing else is ever allowed to touch a Session concurrently
// with it (spec.md Section 5). Packet I/O, timer firing and reload
// requests are the event sources, serialised through a single select.
//
// Grounded on keepalived/bfd/bfd_scheduler.c's dispatcher thread, which
// drives the same two event sources (socket readiness, timer heap) out
// of one select loop.

// Inbound is a decoded Control packet plus the address it arrived from,
// handed to the engine by whatever owns the listening socket. It lives
// here, not in internal/netio, because netio already imports bfd for
// ControlPacket; the transport layer converts its own netio.Inbound into
// this type at the channel boundary.
type Inbound struct {
	Pkt ControlPacket
	Src netip.Addr
}

// TimerMetrics receives a count each time one of the engine's timers
// fires. A nil TimerMetrics is treated as a no-op sink.
type TimerMetrics interface {
	RecordTimerFire(role string)
}

// Engine drives every registered Session's FSM and timers from a single
// goroutine.
type Engine struct {
	registry *Registry
	wheel    *Wheel
	sink     EventSink
	metrics  TimerMetrics
	logger   *slog.Logger
	reloadCh chan reloadRequest
}

// reloadRequest carries a pending Reload call onto the engine's own
// goroutine via Run's select, so the merge in Reload never races with
// handleInbound/fireTimers running concurrently on another goroutine.
type reloadRequest struct {
	newReg      *Registry
	openSocket  func(s *Session) (OutputSocket, error)
	closeSocket func(s *Session, sock OutputSocket)
	result      chan *Registry
}

// NewEngine constructs an Engine over reg. sink may be nil, in which case
// published events are discarded; metrics may be nil, in which case
// timer-fire counters are skipped.
func NewEngine(reg *Registry, sink EventSink, metrics TimerMetrics, logger *slog.Logger) *Engine {
	if sink == nil {
		sink = noopSink{}
	}
	return &Engine{
		registry: reg,
		wheel:    NewWheel(),
		sink:     sink,
		metrics:  metrics,
		logger:   logger.With(slog.String("component", "bfd.engine")),
		reloadCh: make(chan reloadRequest),
	}
}

// RequestReload hands newReg to the engine's own event-loop goroutine for
// a race-free reload (spec.md Section 4.8): the actual merge in Reload
// runs inside Run's select, serialized against every in-flight
// handleInbound/fireTimers call exactly like any other event. It blocks
// until Run has processed the request or ctx is cancelled first. Must
// not be called while the engine has no goroutine in Run — it would
// block forever (or until ctx cancellation).
//
// closeSocket replaces Reload's default sock.Close() for every socket a
// reload retires, so a caller that owns resources tied to sock (e.g. an
// allocated source port) can release them at the same point the socket
// is closed rather than leaking them across a SIGHUP. A nil closeSocket
// falls back to calling sock.Close() directly.
func (e *Engine) RequestReload(ctx context.Context, newReg *Registry, openSocket func(s *Session) (OutputSocket, error), closeSocket func(s *Session, sock OutputSocket)) (*Registry, error) {
	req := reloadRequest{newReg: newReg, openSocket: openSocket, closeSocket: closeSocket, result: make(chan *Registry, 1)}
	select {
	case e.reloadCh <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case merged := <-req.result:
		return merged, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Registry returns the engine's current Registry.
func (e *Engine) Registry() *Registry { return e.registry }

// ArmSession prepares a freshly added, never-yet-scheduled session to
// start running: a disabled session goes straight to AdminDown with no
// timers; an enabled one gets its first out tick at the idle rate.
// Exp/rst stay idle until a packet or a later transition arms them.
func (e *Engine) ArmSession(s *Session, now time.Time) {
	if s.Disabled {
		s.LocalState = StateAdminDown
		s.LocalDiag = DiagAdminDown
		return
	}
	s.IdleLocalTxInterval()
	e.scheduleOut(s, now)
}

// Run is the engine's main loop. It blocks until ctx is cancelled,
// servicing the earliest timer deadline and the inbound channel from a
// single select so no two sessions are ever handled concurrently.
func (e *Engine) Run(ctx context.Context, inbound <-chan Inbound) error {
	for {
		var timerC <-chan time.Time
		var pending *time.Timer
		if deadline, ok := e.wheel.NextDeadline(); ok {
			wait := time.Until(deadline)
			if wait < 0 {
				wait = 0
			}
			pending = time.NewTimer(wait)
			timerC = pending.C
		}

		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			e.DrainAll(time.Now())
			return ctx.Err()

		case in := <-inbound:
			if pending != nil {
				pending.Stop()
			}
			e.handleInbound(in, time.Now())

		case now := <-timerC:
			e.fireTimers(now)

		case req := <-e.reloadCh:
			if pending != nil {
				pending.Stop()
			}
			merged := e.Reload(req.newReg, req.openSocket, req.closeSocket, time.Now())
			req.result <- merged
		}
	}
}

// DrainAll transitions every non-AdminDown session to AdminDown,
// transmitting a final control packet with DiagAdminDown so peers see an
// intentional shutdown rather than a detected failure (RFC 5880 Section
// 6.8.16). Called by Run itself just before returning on context
// cancellation, so the drain runs on the same goroutine as every other
// session mutation rather than racing a separate shutdown goroutine.
func (e *Engine) DrainAll(now time.Time) {
	for _, s := range e.registry.All() {
		if s.LocalState == StateAdminDown {
			continue
		}
		e.SetAdminDown(s, now)
		e.transmit(s, now)
	}
}

// Close closes every session's output socket. Callers invoke this once,
// after Run has returned, during daemon shutdown.
func (e *Engine) Close() error {
	var firstErr error
	for _, s := range e.registry.All() {
		if s.OutSocket == nil {
			continue
		}
		if err := s.OutSocket.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// -------------------------------------------------------------------------
// Packet reception — spec.md Section 4.3, Section 4.5, Section 4.6
// -------------------------------------------------------------------------

// handleInbound demultiplexes a decoded packet to its session and drives
// it through interval recomputation and the FSM. Unmatched, disabled, and
// AdminDown sessions are dropped silently (spec.md Section 4.5, Section 7).
func (e *Engine) handleInbound(in Inbound, now time.Time) {
	s, found := e.registry.Demux(&in.Pkt, in.Src)
	if !found {
		e.logger.Debug("no session for packet", slog.String("src", in.Src.String()))
		return
	}
	if s.Disabled || s.LocalState == StateAdminDown {
		return
	}

	s.LastSeen = now
	s.RemoteState = in.Pkt.State
	s.RemoteDiag = in.Pkt.Diag
	s.RemoteDiscr = in.Pkt.MyDiscriminator
	s.RemoteMinTxInterval = durationFromMicroseconds(in.Pkt.DesiredMinTxInterval)
	s.RemoteMinRxInterval = durationFromMicroseconds(in.Pkt.RequiredMinRxInterval)
	s.RemoteDemand = in.Pkt.Demand
	s.RemoteDetectMult = in.Pkt.DetectMult

	// spec.md Section 4.3: an interval increase while Up must wait for a
	// completed Poll/Final exchange; only recompute now if the packet
	// carried Poll or Final, or the session isn't Up yet.
	if in.Pkt.Final || in.Pkt.Poll || s.LocalState != StateUp {
		prevLocalTx := s.LocalTxInterval
		s.RecomputeLocalTxInterval()
		s.RecomputeRemoteTxInterval()
		if s.LocalTxInterval < prevLocalTx && s.Out.Scheduled() {
			e.wheel.Cancel(&s.Out)
			e.scheduleOut(s, now)
		}
	}
	s.RecomputeDetectTimes()
	s.LogParameters()

	if in.Pkt.Final {
		s.Poll = false
	}

	result := ApplyEvent(s.LocalState, RecvStateToEvent(in.Pkt.State))
	e.applyResult(s, result, now)

	if s.LocalState == StateUp || s.LocalState == StateInit {
		e.armExp(s, now)
	}

	if in.Pkt.Poll {
		s.Final = true
		e.immediateTransmit(s, now)
	}
}

// applyResult executes an FSM outcome: diagnostic side effects always
// apply, and if the state actually changed, the new state's entry
// sequence runs, followed by any immediate send and event publication
// the transition calls for (spec.md Section 4.6).
func (e *Engine) applyResult(s *Session, result FSMResult, now time.Time) {
	immediateSend := false
	notify := false

	for _, a := range result.Actions {
		switch a {
		case ActionSetDiagTimeExpired:
			s.LocalDiag = DiagControlTimeExpired
		case ActionSetDiagNeighborDown:
			s.LocalDiag = DiagNeighborDown
		case ActionSetDiagAdminDown:
			s.LocalDiag = DiagAdminDown
		case ActionSendControl:
			immediateSend = true
		case ActionNotifyUp, ActionNotifyDown:
			notify = true
		}
	}

	if !result.Changed {
		return
	}

	s.LocalState = result.NewState
	e.onStateEntry(s, now)

	if immediateSend {
		e.immediateTransmit(s, now)
	}
	if notify {
		e.publish(s, now)
	}
}

// onStateEntry runs the arm/cancel sequence for a freshly entered state
// (spec.md Section 4.6). Only the timers that section names for each
// state are touched here; out's own schedule is left alone except on
// AdminDown entry/exit, since out runs continuously whenever the session
// is enabled regardless of Down/Init/Up.
func (e *Engine) onStateEntry(s *Session, now time.Time) {
	switch s.LocalState {
	case StateDown:
		s.IdleLocalTxInterval()
		e.wheel.Cancel(&s.Exp)
		e.wheel.Cancel(&s.Rst)
		e.scheduleRst(s, now)

	case StateAdminDown:
		s.IdleLocalTxInterval()
		e.wheel.Cancel(&s.Out)
		e.wheel.Cancel(&s.Exp)
		// rst is deliberately left untouched (spec.md Section 4.6: "Do
		// NOT arm rst" says nothing about cancelling one already running).

	case StateInit, StateUp:
		e.wheel.Cancel(&s.Rst)
		// exp is armed by the caller once the fresh local_detect_time is
		// known (handleInbound re-arms on every accepted packet, not just
		// on entry, per spec.md Section 4.4).
	}
}

// -------------------------------------------------------------------------
// Timer fires — spec.md Section 4.4
// -------------------------------------------------------------------------

// fireTimers drains every timer whose deadline is at or before now,
// dispatching each to its role handler. More than one timer can be ready
// in the same wakeup.
func (e *Engine) fireTimers(now time.Time) {
	for {
		owner, role, ok := e.wheel.PopReady(now)
		if !ok {
			return
		}
		s, found := e.registry.ByName(owner)
		if !found {
			// Session vanished between schedule and fire (reload tore it
			// down); nothing left to do.
			continue
		}
		if e.metrics != nil {
			e.metrics.RecordTimerFire(role.String())
		}
		switch role {
		case RoleOut:
			s.Out = TimerHandle{}
			e.fireOut(s, now)
		case RoleExp:
			s.Exp = TimerHandle{}
			e.fireExp(s, now)
		case RoleRst:
			s.Rst = TimerHandle{}
			e.fireRst(s, now)
		}
	}
}

// fireOut sends the periodic Control packet and reschedules itself,
// unless Demand mode has suppressed periodic transmission (spec.md
// Section 4.6: "when remote_demand is set and both endpoints are Up, the
// transmitter is cancelled").
func (e *Engine) fireOut(s *Session, now time.Time) {
	if s.RemoteDemand && s.LocalState == StateUp && s.RemoteState == StateUp {
		return
	}
	e.transmit(s, now)
	if s.LocalState == StateAdminDown {
		// transmit forced the session down (send failure); out stays
		// cancelled until the session is reloaded or re-enabled.
		return
	}
	e.scheduleOut(s, now)
}

// fireExp runs the detection-timeout path: the remote discriminator is
// considered stale, and the Down transition fires with diag EXPIRED
// (spec.md Section 4.4).
func (e *Engine) fireExp(s *Session, now time.Time) {
	s.RemoteDiscr = 0
	result := ApplyEvent(s.LocalState, EventTimerExpired)
	e.applyResult(s, result, now)
}

// fireRst re-randomizes the local discriminator and clears stale remote
// state while staying Down (spec.md Section 4.4), so a returning peer
// never mistakes a reset session for the one it used to know.
func (e *Engine) fireRst(s *Session, now time.Time) {
	newDiscr, err := e.registry.NewLocalDiscriminator()
	if err != nil {
		e.logger.Error("allocate discriminator on session reset",
			slog.String("instance", s.Name), slog.String("error", err.Error()))
		e.scheduleRst(s, now)
		return
	}
	e.registry.rekeyDiscriminator(s, newDiscr)
	s.resetToInitial(newDiscr)
	s.LogParameters()
}

// -------------------------------------------------------------------------
// Timer scheduling helpers
// -------------------------------------------------------------------------

// scheduleOut arms the out timer at now plus a jittered local_tx_intv
// (RFC 5880 Section 6.8.7). s.Out must be idle.
func (e *Engine) scheduleOut(s *Session, now time.Time) {
	interval := ApplyJitter(s.LocalTxInterval, s.DetectMult)
	if interval <= 0 {
		interval = s.LocalTxInterval
	}
	e.wheel.Schedule(&s.Out, s.Name, RoleOut, now.Add(interval))
}

// armExp cancels any running detection timer and re-arms it at the
// current local_detect_time, or leaves it idle if that time is zero
// (no remote detect multiplier learned yet).
func (e *Engine) armExp(s *Session, now time.Time) {
	e.wheel.Cancel(&s.Exp)
	if s.LocalDetectTime <= 0 {
		return
	}
	e.wheel.Schedule(&s.Exp, s.Name, RoleExp, now.Add(s.LocalDetectTime))
}

// scheduleRst arms the reset-to-initial timer at local_detect_time, or
// leaves it idle if that time is zero.
func (e *Engine) scheduleRst(s *Session, now time.Time) {
	if s.LocalDetectTime <= 0 {
		return
	}
	e.wheel.Schedule(&s.Rst, s.Name, RoleRst, now.Add(s.LocalDetectTime))
}

// immediateTransmit sends a Control packet right now and reschedules the
// out timer from this moment, so Poll responses and ActionSendControl
// transitions don't get followed by a redundant send a moment later.
func (e *Engine) immediateTransmit(s *Session, now time.Time) {
	e.transmit(s, now)
	if s.LocalState == StateAdminDown {
		return
	}
	e.wheel.Cancel(&s.Out)
	e.scheduleOut(s, now)
}

// transmit builds and sends s's next Control packet. A send failure is a
// persistent error (the socket opened successfully once): the session is
// forced to AdminDown rather than retried (spec.md Section 7).
func (e *Engine) transmit(s *Session, now time.Time) {
	if s.OutSocket == nil {
		return
	}
	pkt := s.BuildPacket()
	buf := make([]byte, HeaderSize)
	if _, err := MarshalControlPacket(&pkt, buf); err != nil {
		e.logger.Error("marshal outgoing packet",
			slog.String("instance", s.Name), slog.String("error", err.Error()))
		return
	}
	if err := s.OutSocket.SendPacket(buf); err != nil {
		e.logger.Warn("send failed, forcing session admin-down",
			slog.String("instance", s.Name), slog.String("error", err.Error()))
		e.forceAdminDown(s, now)
	}
}

// forceAdminDown takes s to AdminDown after an unrecoverable local error.
// Unlike the administrative EventAdminDown path, this also marks the
// session Disabled: without a working socket there is nothing a later
// AdminUp could usefully re-enable until the session is reloaded.
func (e *Engine) forceAdminDown(s *Session, now time.Time) {
	s.Disabled = true
	e.wheel.Cancel(&s.Out)
	e.wheel.Cancel(&s.Exp)
	e.wheel.Cancel(&s.Rst)
	s.LocalState = StateAdminDown
	s.LocalDiag = DiagAdminDown
	s.IdleLocalTxInterval()
	e.publish(s, now)
}

// publish sends an Event for s's current state to the configured sink.
func (e *Engine) publish(s *Session, now time.Time) {
	e.sink.Publish(Event{Instance: s.Name, State: s.LocalState, At: now})
}

// -------------------------------------------------------------------------
// Administrative control — RFC 5880 Section 6.8.16
// -------------------------------------------------------------------------

// SetAdminDown administratively disables s.
func (e *Engine) SetAdminDown(s *Session, now time.Time) {
	result := ApplyEvent(s.LocalState, EventAdminDown)
	e.applyResult(s, result, now)
}

// SetAdminUp re-enables a previously AdminDown session, returning it to
// Down and restarting its out timer.
func (e *Engine) SetAdminUp(s *Session, now time.Time) {
	result := ApplyEvent(s.LocalState, EventAdminUp)
	e.applyResult(s, result, now)
	if result.Changed {
		e.scheduleOut(s, now)
	}
}

// -------------------------------------------------------------------------
// Reload coordinator — spec.md Section 4.8
// -------------------------------------------------------------------------

// Reload executes the six-step reload sequence. The caller has already
// stopped the receive task (step 1) and built newReg by parsing fresh
// configuration (step 3); Reload performs steps 2 and 4-6: suspending
// and closing the old registry's sessions, copying runtime state and
// suspended deadlines across for every name match, opening new output
// sockets via openSocket for enabled sessions that do not already carry
// one, and resuming or freshly arming timers.
//
// Grounded on keepalived's SIGHUP handler, which runs this same
// suspend/reparse/resume sequence synchronously rather than tearing the
// process down.
func (e *Engine) Reload(newReg *Registry, openSocket func(s *Session) (OutputSocket, error), closeSocket func(s *Session, sock OutputSocket), now time.Time) *Registry {
	for _, old := range e.registry.All() {
		e.wheel.Suspend(&old.Out, &old.OutSnapshot)
		e.wheel.Suspend(&old.Exp, &old.ExpSnapshot)
		e.wheel.Suspend(&old.Rst, &old.RstSnapshot)
		if old.OutSocket != nil {
			if closeSocket != nil {
				closeSocket(old, old.OutSocket)
			} else if err := old.OutSocket.Close(); err != nil {
				e.logger.Warn("close output socket on reload",
					slog.String("instance", old.Name), slog.String("error", err.Error()))
			}
			old.OutSocket = nil
		}
	}

	for _, next := range newReg.All() {
		prev, ok := e.registry.ByName(next.Name)
		if !ok {
			continue
		}
		newReg.rekeyDiscriminator(next, prev.LocalDiscr)
		next.LocalDiscr = prev.LocalDiscr
		next.LocalState = prev.LocalState
		next.LocalDiag = prev.LocalDiag
		next.Poll = prev.Poll
		next.Final = prev.Final
		next.LocalTxInterval = prev.LocalTxInterval
		next.LocalDetectTime = prev.LocalDetectTime
		next.RemoteState = prev.RemoteState
		next.RemoteDiag = prev.RemoteDiag
		next.RemoteDiscr = prev.RemoteDiscr
		next.RemoteMinTxInterval = prev.RemoteMinTxInterval
		next.RemoteMinRxInterval = prev.RemoteMinRxInterval
		next.RemoteDemand = prev.RemoteDemand
		next.RemoteDetectMult = prev.RemoteDetectMult
		next.RemoteTxInterval = prev.RemoteTxInterval
		next.RemoteDetectTime = prev.RemoteDetectTime
		next.LastSeen = prev.LastSeen
		next.OutSnapshot = prev.OutSnapshot
		next.ExpSnapshot = prev.ExpSnapshot
		next.RstSnapshot = prev.RstSnapshot
		next.Out = prev.Out
		next.Exp = prev.Exp
		next.Rst = prev.Rst
	}

	for _, next := range newReg.All() {
		if next.Disabled {
			next.LocalState = StateAdminDown
			next.LocalDiag = DiagAdminDown
			continue
		}
		if next.OutSocket != nil {
			// Already opened while newReg was built; keep it rather than
			// open (and leak) a second one.
			continue
		}
		sock, err := openSocket(next)
		if err != nil {
			e.logger.Warn("open output socket on reload, disabling session",
				slog.String("instance", next.Name), slog.String("error", err.Error()))
			next.Disabled = true
			next.LocalState = StateAdminDown
			next.LocalDiag = DiagAdminDown
			continue
		}
		next.OutSocket = sock
	}

	e.wheel = NewWheel()
	for _, next := range newReg.All() {
		if next.Disabled || next.LocalState == StateAdminDown {
			if next.Out.Suspended() {
				e.wheel.Discard(&next.Out, &next.OutSnapshot)
			}
			if next.Exp.Suspended() {
				e.wheel.Discard(&next.Exp, &next.ExpSnapshot)
			}
			if next.Rst.Suspended() {
				e.wheel.Discard(&next.Rst, &next.RstSnapshot)
			}
			next.Out, next.Exp, next.Rst = TimerHandle{}, TimerHandle{}, TimerHandle{}
			continue
		}
		e.resumeOrArm(next, RoleOut, &next.Out, &next.OutSnapshot, now)
		e.resumeOrArm(next, RoleExp, &next.Exp, &next.ExpSnapshot, now)
		e.resumeOrArm(next, RoleRst, &next.Rst, &next.RstSnapshot, now)
	}

	e.registry = newReg
	return newReg
}

// resumeOrArm resumes h from snap if it carries a suspended deadline
// from the prior registry, or schedules a fresh one for a session that
// never had a timer running (a newly added instance).
func (e *Engine) resumeOrArm(s *Session, role TimerRole, h *TimerHandle, snap *TimerSnapshot, now time.Time) {
	if h.Suspended() {
		e.wheel.Resume(h, s.Name, role, snap)
		return
	}
	switch role {
	case RoleOut:
		e.scheduleOut(s, now)
	case RoleExp:
		e.armExp(s, now)
	case RoleRst:
		// rst is armed only by the Down-entry FSM action (onStateEntry),
		// never spontaneously here: a session with no suspended rst
		// simply has none running, same as a freshly armed session.
	}
}
