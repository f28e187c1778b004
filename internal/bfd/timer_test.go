package bfd_test

import (
	"testing"
	"time"

	"github.com/dantte-lp/gobfd/internal/bfd"
)

func TestWheelScheduleAndPopReady(t *testing.T) {
	t.Parallel()

	w := bfd.NewWheel()
	base := time.Now()

	var h1, h2 bfd.TimerHandle
	w.Schedule(&h1, "s1", bfd.RoleOut, base.Add(10*time.Millisecond))
	w.Schedule(&h2, "s2", bfd.RoleExp, base.Add(5*time.Millisecond))

	if !h1.Scheduled() || !h2.Scheduled() {
		t.Fatal("both handles should report Scheduled")
	}

	deadline, ok := w.NextDeadline()
	if !ok || !deadline.Equal(base.Add(5*time.Millisecond)) {
		t.Fatalf("NextDeadline = %v, %v; want 5ms entry first", deadline, ok)
	}

	// Nothing is ready before its deadline.
	if _, _, ok := w.PopReady(base); ok {
		t.Fatal("PopReady fired before deadline")
	}

	owner, role, ok := w.PopReady(base.Add(6 * time.Millisecond))
	if !ok || owner != "s2" || role != bfd.RoleExp {
		t.Fatalf("PopReady = %q, %v, %v; want s2/exp/true", owner, role, ok)
	}

	owner, role, ok = w.PopReady(base.Add(20 * time.Millisecond))
	if !ok || owner != "s1" || role != bfd.RoleOut {
		t.Fatalf("PopReady = %q, %v, %v; want s1/out/true", owner, role, ok)
	}

	if _, ok := w.NextDeadline(); ok {
		t.Fatal("wheel should be empty")
	}
}

func TestWheelCancel(t *testing.T) {
	t.Parallel()

	w := bfd.NewWheel()
	var h bfd.TimerHandle
	w.Schedule(&h, "s1", bfd.RoleRst, time.Now().Add(time.Second))

	w.Cancel(&h)
	if !h.Idle() {
		t.Fatal("handle should be Idle after Cancel")
	}

	// Cancel on an already-idle handle is a no-op, not a panic.
	w.Cancel(&h)
}

func TestWheelSuspendResume(t *testing.T) {
	t.Parallel()

	w := bfd.NewWheel()
	var h bfd.TimerHandle
	var snap bfd.TimerSnapshot

	deadline := time.Now().Add(time.Second)
	w.Schedule(&h, "s1", bfd.RoleOut, deadline)

	w.Suspend(&h, &snap)
	if !h.Suspended() {
		t.Fatal("handle should be Suspended")
	}
	if _, ok := w.NextDeadline(); ok {
		t.Fatal("wheel should have no entries while suspended")
	}

	w.Resume(&h, "s1", bfd.RoleOut, &snap)
	if !h.Scheduled() {
		t.Fatal("handle should be Scheduled after Resume")
	}
	got, ok := w.NextDeadline()
	if !ok || !got.Equal(deadline) {
		t.Fatalf("resumed deadline = %v, want %v", got, deadline)
	}
}

func TestWheelDiscard(t *testing.T) {
	t.Parallel()

	w := bfd.NewWheel()
	var h bfd.TimerHandle
	var snap bfd.TimerSnapshot

	w.Schedule(&h, "s1", bfd.RoleExp, time.Now().Add(time.Second))
	w.Suspend(&h, &snap)
	w.Discard(&h, &snap)

	if !h.Idle() {
		t.Fatal("handle should be Idle after Discard")
	}
	if snap != (bfd.TimerSnapshot{}) {
		t.Fatal("snapshot should be cleared after Discard")
	}
}

func TestWheelScheduleAlreadyScheduledPanics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic scheduling an already-scheduled handle")
		}
	}()

	w := bfd.NewWheel()
	var h bfd.TimerHandle
	w.Schedule(&h, "s1", bfd.RoleOut, time.Now())
	w.Schedule(&h, "s1", bfd.RoleOut, time.Now())
}

func TestWheelResumeWithInvalidSnapshotLeavesIdle(t *testing.T) {
	t.Parallel()

	w := bfd.NewWheel()
	var h bfd.TimerHandle
	var snap bfd.TimerSnapshot

	w.Schedule(&h, "s1", bfd.RoleRst, time.Now().Add(time.Second))
	w.Suspend(&h, &snap)
	// Discard clears the snapshot but the caller might still call Resume
	// on a freshly idle handle in a different code path; exercise Resume
	// directly against an explicitly empty snapshot instead by re-suspending
	// a fresh schedule and manually invalidating it.
	w.Resume(&h, "s1", bfd.RoleRst, &snap)
	w.Suspend(&h, &snap)
	snap = bfd.TimerSnapshot{}
	w.Resume(&h, "s1", bfd.RoleRst, &snap)

	if !h.Idle() {
		t.Fatal("handle should be Idle after resuming an invalid snapshot")
	}
}
