package bfd

import (
	"log/slog"
	"math/rand/v2"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Session — RFC 5880 Section 6.8.1, single-hop only (RFC 5881)
// -------------------------------------------------------------------------

// slowTxInterval is the minimum TX interval when session is not Up.
// RFC 5880 Section 6.8.3: "MUST set bfd.DesiredMinTxInterval to a value
// of not less than one second (1,000,000 microseconds)."
const slowTxInterval = 1 * time.Second

// initialRemoteMinRx is the initial value of bfd.RemoteMinRxInterval.
// RFC 5880 Section 6.8.1: "This variable MUST be initialized to 1."
const initialRemoteMinRx = 1 * time.Microsecond

// Detect multiplier bounds, per keepalived's bfd.h BFD_MULTIPLIER_MIN/MAX/DEFAULT.
const (
	DetectMultMin     = 1
	DetectMultMax     = 10
	DetectMultDefault = 5
)

// MaxInstanceNameLen is the longest instance name a Session may carry
// (keepalived's BFD_INAME_MAX - 1, after the NUL terminator). Names
// longer than this are truncated by the config loader (spec.md Section 6).
const MaxInstanceNameLen = 31

// Session is a single BFD session record: configuration, local and remote
// runtime state, and the timer-role bookkeeping the engine needs to drive
// it. A Session has no goroutine of its own and no mutex: it is read and
// mutated exclusively by the engine's single event-loop goroutine (spec
// Section 5 concurrency model). All "actions" below are plain method calls
// invoked synchronously from that loop, not dispatched asynchronously.
type Session struct {
	// Name identifies the session (config key "bfd_instance <name>").
	// At most MaxInstanceNameLen bytes.
	Name string

	// --- Configuration (spec.md Section 3) ---

	Neighbor      netip.AddrPort // remote endpoint, port always 3784
	Source        netip.Addr     // optional; zero value means "OS default"
	RequiredMinRx time.Duration
	DesiredMinTx  time.Duration
	IdleTx        time.Duration
	DetectMult    uint8
	Disabled      bool

	// --- Local runtime state (RFC 5880 Section 6.8.1) ---

	LocalState      State
	LocalDiag       Diag
	LocalDiscr      uint32
	Poll            bool
	Final           bool
	LocalTxInterval time.Duration
	LocalDetectTime time.Duration

	// --- Remote runtime state, learned from received packets ---

	RemoteState          State
	RemoteDiag           Diag
	RemoteDiscr          uint32
	RemoteMinTxInterval  time.Duration
	RemoteMinRxInterval  time.Duration
	RemoteDemand         bool
	RemoteDetectMult     uint8
	RemoteTxInterval     time.Duration
	RemoteDetectTime     time.Duration

	// --- Timing ---

	// LastSeen is the monotonic timestamp of the last accepted packet.
	LastSeen time.Time

	// Out, Exp, and Rst are opaque handles into the engine's timer wheel
	// for the transmit, expiration, and reset-to-initial roles (spec.md
	// Section 4.4). Exactly one of {scheduled, suspended, idle} holds for
	// each at any time (spec.md Section 3 invariant 2). The handle carries
	// no back-pointer to the Session (spec.md Section 9 Design Notes):
	// the wheel looks sessions up by Name when a timer fires.
	Out TimerHandle
	Exp TimerHandle
	Rst TimerHandle

	// OutSnapshot, ExpSnapshot, and RstSnapshot hold suspended deadlines
	// across a reload (spec.md Section 4.8), one per role.
	OutSnapshot TimerSnapshot
	ExpSnapshot TimerSnapshot
	RstSnapshot TimerSnapshot

	// OutSocket is the per-session transmit socket handle, nil when the
	// session was configured disabled or its socket failed to open (spec.md
	// Section 7). An administrative AdminDown keeps the socket.
	OutSocket OutputSocket

	Logger *slog.Logger
}

// OutputSocket abstracts the per-session UDP transmit socket so the engine
// and reload coordinator can be tested without real sockets.
type OutputSocket interface {
	SendPacket(buf []byte) error
	Close() error
}

// NewSession constructs a Session in its post-bfd_init_state configuration:
// Down, idle TX interval, a freshly allocated discriminator, and zeroed
// remote fields. Grounded on keepalived's bfd0 template and bfd_init_state
// (keepalived/bfd/bfd.c).
func NewSession(name string, discr uint32, logger *slog.Logger) *Session {
	s := &Session{
		Name:       name,
		DetectMult: DetectMultDefault,
		Logger:     logger,
	}
	s.resetToInitial(discr)
	return s
}

// resetToInitial restores runtime state to its fresh-session values,
// assigning a new local discriminator. This is exactly what fires when the
// rst timer expires (spec.md Section 4.4), and also what a freshly created
// Session starts from.
func (s *Session) resetToInitial(discr uint32) {
	s.LocalState = StateDown
	s.LocalDiag = DiagNone
	s.LocalDiscr = discr
	s.Poll = false
	s.Final = false
	s.LocalTxInterval = s.IdleTx

	s.RemoteState = StateDown
	s.RemoteDiag = DiagNone
	s.RemoteDiscr = 0
	s.RemoteMinTxInterval = 0
	s.RemoteMinRxInterval = initialRemoteMinRx
	s.RemoteDemand = false
	s.RemoteDetectMult = 0
	s.RemoteTxInterval = 0
	s.RemoteDetectTime = 0
}

// -------------------------------------------------------------------------
// Interval recomputation — spec.md Section 4.3, RFC 5880 Sections 6.8.2-6.8.4
// -------------------------------------------------------------------------

// RecomputeLocalTxInterval sets LocalTxInterval to
// max(DesiredMinTx, RemoteMinRxInterval), falling back to the idle rate
// while the session is not Up (RFC 5880 Section 6.8.3). Grounded on
// keepalived's bfd_update_local_tx_intv.
func (s *Session) RecomputeLocalTxInterval() {
	desired := s.DesiredMinTx
	if s.LocalState != StateUp && desired < slowTxInterval {
		desired = slowTxInterval
	}
	s.LocalTxInterval = max(desired, s.RemoteMinRxInterval)
}

// RecomputeRemoteTxInterval sets RemoteTxInterval to
// max(RequiredMinRx, RemoteMinTxInterval). Grounded on keepalived's
// bfd_update_remote_tx_intv.
func (s *Session) RecomputeRemoteTxInterval() {
	s.RemoteTxInterval = max(s.RequiredMinRx, s.RemoteMinTxInterval)
}

// RecomputeDetectTimes derives LocalDetectTime and RemoteDetectTime from
// the current negotiated intervals (spec.md Section 3 invariants 5-6):
//
//	local_detect_time  = RemoteDetectMult * RemoteTxInterval
//	remote_detect_time = DetectMult       * LocalTxInterval
//
// Before any packet has been received, RemoteDetectMult is zero and
// local_detect_time is left at zero (no detection timer is armed until a
// remote detect multiplier is known).
func (s *Session) RecomputeDetectTimes() {
	if s.RemoteDetectMult != 0 {
		s.LocalDetectTime = time.Duration(int64(s.RemoteTxInterval) * int64(s.RemoteDetectMult))
	}
	s.RemoteDetectTime = time.Duration(int64(s.LocalTxInterval) * int64(s.DetectMult))
}

// IdleLocalTxInterval resets LocalTxInterval to the configured idle rate.
// Grounded on keepalived's bfd_idle_local_tx_intv, called whenever the
// session falls to Down or AdminDown.
func (s *Session) IdleLocalTxInterval() {
	s.LocalTxInterval = s.IdleTx
}

// SetPoll arms the Poll flag unless a Final is already pending, mirroring
// keepalived's bfd_set_poll: a Final in flight already carries the new
// parameters to the peer, so a fresh Poll sequence is redundant.
func (s *Session) SetPoll() {
	if !s.Final {
		s.Poll = true
	}
}

// -------------------------------------------------------------------------
// Jitter — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

// ApplyJitter applies the RFC 5880 Section 6.8.7 jitter rule to interval:
//
//   - DetectMult == 1: reduce by a random 10-25% (result 75-90%).
//   - Otherwise:       reduce by a random 0-25%  (result 75-100%).
//
// Uses math/rand/v2: jitter is a scheduling nicety, not a security
// boundary, so crypto/rand overhead is unwarranted on this hot path.
func ApplyJitter(interval time.Duration, detectMult uint8) time.Duration {
	if interval <= 0 {
		return interval
	}

	var jitterPercent int
	if detectMult == 1 {
		jitterPercent = 10 + rand.IntN(16) //nolint:gosec // G404: not security-sensitive
	} else {
		jitterPercent = rand.IntN(26) //nolint:gosec // G404: not security-sensitive
	}

	reduction := time.Duration(int64(interval) * int64(jitterPercent) / 100)
	return interval - reduction
}

// -------------------------------------------------------------------------
// Packet construction — RFC 5880 Section 6.8.7
// -------------------------------------------------------------------------

// BuildPacket constructs the ControlPacket this session should transmit
// right now. Grounded on keepalived's bfd_build_packet. Calling this
// consumes a pending Final: the caller is expected to send the result
// immediately afterward.
func (s *Session) BuildPacket() ControlPacket {
	pkt := ControlPacket{
		Version:                   Version,
		Diag:                      s.LocalDiag,
		State:                     s.LocalState,
		Poll:                      s.Poll,
		Final:                     s.Final,
		ControlPlaneIndependent:   false,
		AuthPresent:               false,
		Demand:                    false,
		Multipoint:                false,
		DetectMult:                s.DetectMult,
		MyDiscriminator:           s.LocalDiscr,
		YourDiscriminator:         s.RemoteDiscr,
		DesiredMinTxInterval:      microsecondsFromDuration(s.wireTxInterval()),
		RequiredMinRxInterval:     microsecondsFromDuration(s.RequiredMinRx),
		RequiredMinEchoRxInterval: 0,
	}
	s.Final = false
	return pkt
}

// wireTxInterval is the Desired Min TX Interval value to advertise: the
// slow (>=1s) rate while not Up, otherwise the configured desired value.
// RFC 5880 Section 6.8.3.
func (s *Session) wireTxInterval() time.Duration {
	if s.LocalState != StateUp && s.DesiredMinTx < slowTxInterval {
		return slowTxInterval
	}
	return s.DesiredMinTx
}

// LogParameters logs the session's negotiated timing parameters at debug
// level. Supplemented feature (SPEC_FULL.md Section 4.13), grounded on
// keepalived's bfd_dump_timers: the original dumps on every recomputation
// that changes a timing value, for operational visibility into what is
// otherwise silent internal state.
func (s *Session) LogParameters() {
	s.Logger.Debug("session timing parameters",
		slog.String("instance", s.Name),
		slog.Duration("local_tx_interval", s.LocalTxInterval),
		slog.Duration("remote_tx_interval", s.RemoteTxInterval),
		slog.Duration("local_detect_time", s.LocalDetectTime),
		slog.Duration("remote_detect_time", s.RemoteDetectTime),
	)
}

// -------------------------------------------------------------------------
// Duration <-> Microseconds conversion — BFD wire format is microseconds
// -------------------------------------------------------------------------

func durationFromMicroseconds(us uint32) time.Duration {
	return time.Duration(int64(us) * int64(time.Microsecond))
}

func microsecondsFromDuration(d time.Duration) uint32 {
	return uint32(d / time.Microsecond) //nolint:gosec // G115: intentional truncation, BFD wire format
}
