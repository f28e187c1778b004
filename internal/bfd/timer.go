package bfd

import (
	"container/heap"
	"fmt"
	"time"
)

// -------------------------------------------------------------------------
// Timer discipline — spec.md Section 4.4
// -------------------------------------------------------------------------
//
// Three independent timer roles drive a session:
//
//	out  transmit:  fires the periodic Control packet send
//	exp  expire:    fires when the detection time elapses with no packet
//	rst  reset:     fires once, on Down entry, to re-randomize the
//	                discriminator and clear stale remote state
//
// Grounded on keepalived/bfd/bfd_scheduler.c's bfd_sender_*, bfd_expire_*,
// and bfd_reset_* function families, which implement exactly this
// schedule/cancel/suspend/resume/discard vocabulary in C (the sands_out,
// sands_exp, sands_rst fields in bfd.h are the timer deadlines this file
// generalizes into a single shared priority queue).
//
// Every TimerHandle is at all times in exactly one of three states —
// scheduled, suspended, or idle (spec.md Section 3 invariant 2) — enforced
// by panicking on a misuse that would violate it (spec.md Section 7:
// "internal invariant violation... fatal assertion").

// unknownStr is returned by String() methods for out-of-range enum values.
const unknownStr = "unknown"

// TimerRole identifies which of a session's three timers an entry belongs to.
type TimerRole uint8

const (
	RoleOut TimerRole = iota
	RoleExp
	RoleRst
)

// String returns the short role name used in logs.
func (r TimerRole) String() string {
	switch r {
	case RoleOut:
		return "out"
	case RoleExp:
		return "exp"
	case RoleRst:
		return "rst"
	default:
		return unknownStr
	}
}

// timerState tracks which of the three mutually exclusive states a
// TimerHandle is in.
type timerState uint8

const (
	timerIdle timerState = iota
	timerScheduled
	timerSuspended
)

// timerEntry is one live node in the Wheel's priority queue. Entries carry
// no back-pointer to the owning *Session (spec.md Section 9 Design Notes:
// opaque handles keyed by session identifier, not cyclic references) —
// only the session's Name, which the engine uses to look the session back
// up in the registry when the timer fires.
type timerEntry struct {
	owner    string
	role     TimerRole
	deadline time.Time
	index    int // heap.Interface bookkeeping
}

// TimerHandle is the opaque per-role handle embedded in a Session. It
// reports only its own state; the deadline itself lives in the Wheel
// (while scheduled) or in a TimerSnapshot (while suspended).
type TimerHandle struct {
	state timerState
	entry *timerEntry
}

// Scheduled reports whether the handle currently has a live deadline in
// the wheel.
func (h TimerHandle) Scheduled() bool { return h.state == timerScheduled }

// Suspended reports whether the handle's deadline has been preserved
// across a suspend (spec.md Section 4.8 reload) without being active.
func (h TimerHandle) Suspended() bool { return h.state == timerSuspended }

// Idle reports whether the handle currently tracks no deadline at all.
func (h TimerHandle) Idle() bool { return h.state == timerIdle }

// TimerSnapshot preserves a suspended timer's deadline so it can be
// restored verbatim on Resume, or discarded outright (spec.md Section 4.8).
type TimerSnapshot struct {
	valid    bool
	deadline time.Time
}

// invariantViolation panics with a message identifying the offending
// role/owner, per spec.md Section 7's "internal invariant violation is a
// fatal assertion" error-handling rule — these call sites are all engine
// programming errors, never reachable from external input.
func invariantViolation(op string, owner string, role TimerRole) {
	panic(fmt.Sprintf("bfd: timer invariant violation: %s on %s/%s", op, owner, role))
}

// -------------------------------------------------------------------------
// Wheel — shared priority queue backing all three timer roles
// -------------------------------------------------------------------------

// Wheel is a monotonic-time priority queue of pending timer fires, shared
// across every session's out/exp/rst timers. The engine's single event
// loop asks it for the earliest deadline and blocks until then or until a
// packet arrives, whichever is first (spec.md Section 5).
type Wheel struct {
	entries timerHeap
}

// NewWheel returns an empty Wheel.
func NewWheel() *Wheel {
	return &Wheel{}
}

// Schedule arms h to fire at deadline for (owner, role). h must currently
// be idle.
func (w *Wheel) Schedule(h *TimerHandle, owner string, role TimerRole, deadline time.Time) {
	if h.state != timerIdle {
		invariantViolation("schedule", owner, role)
	}
	e := &timerEntry{owner: owner, role: role, deadline: deadline}
	heap.Push(&w.entries, e)
	h.entry = e
	h.state = timerScheduled
}

// Reschedule changes the deadline of an already-scheduled handle.
func (w *Wheel) Reschedule(h *TimerHandle, deadline time.Time) {
	if h.state != timerScheduled {
		invariantViolation("reschedule", h.entry.owner, h.entry.role)
	}
	h.entry.deadline = deadline
	heap.Fix(&w.entries, h.entry.index)
}

// Cancel stops a scheduled timer outright, returning it to idle. A no-op
// if h is already idle (mirrors bfd_sender_cancel's "already not scheduled"
// tolerance in the original).
func (w *Wheel) Cancel(h *TimerHandle) {
	switch h.state {
	case timerIdle:
		return
	case timerScheduled:
		heap.Remove(&w.entries, h.entry.index)
		h.entry = nil
		h.state = timerIdle
	case timerSuspended:
		invariantViolation("cancel", "", h.role())
	}
}

// Suspend moves a scheduled timer out of the wheel, preserving its
// deadline in snap. Used by the reload coordinator when tearing sessions
// down for a rebuild (spec.md Section 4.8 step 2). A no-op if h is already
// idle or suspended.
func (w *Wheel) Suspend(h *TimerHandle, snap *TimerSnapshot) {
	switch h.state {
	case timerIdle, timerSuspended:
		return
	case timerScheduled:
		snap.valid = true
		snap.deadline = h.entry.deadline
		heap.Remove(&w.entries, h.entry.index)
		h.entry = nil
		h.state = timerSuspended
	}
}

// Resume re-arms a suspended timer from its snapshot, or — if the snapshot
// holds no valid deadline — leaves the handle idle. Used by the reload
// coordinator when a session survives a reload and should keep running
// (spec.md Section 4.8 step 6).
func (w *Wheel) Resume(h *TimerHandle, owner string, role TimerRole, snap *TimerSnapshot) {
	if h.state != timerSuspended {
		invariantViolation("resume", owner, role)
	}
	if !snap.valid {
		h.state = timerIdle
		return
	}
	e := &timerEntry{owner: owner, role: role, deadline: snap.deadline}
	heap.Push(&w.entries, e)
	h.entry = e
	h.state = timerScheduled
	*snap = TimerSnapshot{}
}

// Discard drops a suspended timer's snapshot without resuming it, leaving
// h idle. Used when a session comes back from reload AdminDown-and-staying
// disabled (spec.md Section 4.8 step 6).
func (w *Wheel) Discard(h *TimerHandle, snap *TimerSnapshot) {
	if h.state != timerSuspended {
		invariantViolation("discard", "", h.role())
	}
	h.state = timerIdle
	*snap = TimerSnapshot{}
}

// role reports a handle's role if it is currently tracked in the wheel;
// an idle or suspended handle has no entry and reports RoleOut. Used only
// for invariant-violation diagnostics.
func (h *TimerHandle) role() TimerRole {
	if h.entry != nil {
		return h.entry.role
	}
	return RoleOut
}

// NextDeadline returns the earliest scheduled deadline across every
// session's timers, and whether any timer is scheduled at all.
func (w *Wheel) NextDeadline() (time.Time, bool) {
	if len(w.entries) == 0 {
		return time.Time{}, false
	}
	return w.entries[0].deadline, true
}

// PopReady pops and returns the earliest entry if its deadline is at or
// before now. The owning TimerHandle is not touched; the caller resets it
// to idle. Returns (owner, role, false) if nothing is ready yet.
func (w *Wheel) PopReady(now time.Time) (owner string, role TimerRole, ok bool) {
	if len(w.entries) == 0 {
		return "", 0, false
	}
	if w.entries[0].deadline.After(now) {
		return "", 0, false
	}
	e := heap.Pop(&w.entries).(*timerEntry) //nolint:forcetypeassert // heap.Interface contract
	return e.owner, e.role, true
}

// timerHeap implements container/heap.Interface over *timerEntry ordered
// by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry) //nolint:forcetypeassert // heap.Interface contract
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
