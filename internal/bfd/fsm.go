package bfd

// This file implements the BFD session FSM (RFC 5880 Section 6.2,
// Section 6.8.6) as a pure function over current state and incoming
// event -- no Session dependency, no side effects performed here. The
// caller (Engine) executes the returned Actions.
//
// State diagram (RFC 5880 Section 6.2):
//
//                          +--+
//                          |  | UP, ADMIN DOWN, TIMER
//                          |  V
//                  DOWN  +------+  INIT
//           +------------|      |------------+
//           |            | DOWN |            |
//           |  +-------->|      |<--------+  |
//           |  |         +------+         |  |
//           |  |                          |  |
//           |  |               ADMIN DOWN,|  |
//           |  |ADMIN DOWN,          DOWN,|  |
//           |  |TIMER                TIMER|  |
//           V  |                          |  V
//         +------+                      +------+
//    +----|      |                      |      |----+
// DOWN    | INIT |--------------------->|  UP  |    INIT, UP
//    +--->|      | INIT, UP             |      |<---+
//         +------+                      +------+

// Event is an input to the session FSM (RFC 5880 Section 6.8.6).
type Event uint8

const (
	// EventRecvAdminDown fires on receipt of a Control packet whose
	// State field is AdminDown.
	EventRecvAdminDown Event = iota
	// EventRecvDown fires on receipt of a Control packet whose State
	// field is Down.
	EventRecvDown
	// EventRecvInit fires on receipt of a Control packet whose State
	// field is Init.
	EventRecvInit
	// EventRecvUp fires on receipt of a Control packet whose State
	// field is Up.
	EventRecvUp
	// EventTimerExpired fires when the Detection Time elapses with no
	// valid packet received (RFC 5880 Section 6.8.4).
	EventTimerExpired
	// EventAdminDown fires on a local administrative disable (RFC 5880
	// Section 6.8.16).
	EventAdminDown
	// EventAdminUp fires on a local administrative re-enable.
	EventAdminUp
)

func (e Event) String() string {
	names := [...]string{
		"RecvAdminDown", "RecvDown", "RecvInit", "RecvUp",
		"TimerExpired", "AdminDown", "AdminUp",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return "Unknown"
}

// Action is a side effect the caller must perform after a transition.
// The FSM only describes which actions apply; Engine carries them out.
type Action uint8

const (
	// ActionSendControl requests immediate transmission of a Control
	// packet (RFC 5880 Section 6.8.7).
	ActionSendControl Action = iota + 1
	// ActionNotifyUp requests an Up event be published.
	ActionNotifyUp
	// ActionNotifyDown requests a Down event be published.
	ActionNotifyDown
	// ActionSetDiagTimeExpired requests LocalDiag be set to
	// DiagControlTimeExpired (RFC 5880 Section 6.8.4).
	ActionSetDiagTimeExpired
	// ActionSetDiagNeighborDown requests LocalDiag be set to
	// DiagNeighborDown (RFC 5880 Section 6.8.6).
	ActionSetDiagNeighborDown
	// ActionSetDiagAdminDown requests LocalDiag be set to
	// DiagAdminDown (RFC 5880 Section 6.8.16).
	ActionSetDiagAdminDown
)

func (a Action) String() string {
	switch a {
	case ActionSendControl:
		return "SendControl"
	case ActionNotifyUp:
		return "NotifyUp"
	case ActionNotifyDown:
		return "NotifyDown"
	case ActionSetDiagTimeExpired:
		return "SetDiagTimeExpired"
	case ActionSetDiagNeighborDown:
		return "SetDiagNeighborDown"
	case ActionSetDiagAdminDown:
		return "SetDiagAdminDown"
	default:
		return "Unknown"
	}
}

// FSMResult is the outcome of applying one Event to one State.
type FSMResult struct {
	OldState State
	// NewState equals OldState when the event was ignored or produced a
	// self-loop.
	NewState State
	// Actions is empty when the event was ignored.
	Actions []Action
	// Changed reports NewState != OldState; self-loops (Up+RecvUp->Up)
	// leave this false even though an entry matched.
	Changed bool
}

// ApplyEvent is the pure transition function. Every reachable
// (state, event) combination is handled by applyDown/applyInit/applyUp/
// applyAdminDown below; a combination with no listed transition returns
// the state unchanged and no actions, matching RFC 5880 Section 6.8.6's
// "discard"/"no applicable transition" cases (e.g. Down ignoring a
// received Up, or AdminDown ignoring every received-packet event).
func ApplyEvent(currentState State, event Event) FSMResult {
	var next State
	var actions []Action
	changed := false

	switch currentState {
	case StateAdminDown:
		next, actions, changed = applyAdminDown(event)
	case StateDown:
		next, actions, changed = applyDown(event)
	case StateInit:
		next, actions, changed = applyInit(event)
	case StateUp:
		next, actions, changed = applyUp(event)
	default:
		// Not a valid wire state (RFC 5880 Section 4.1 defines only
		// 0-3); nothing to transition from.
		next = currentState
	}

	return FSMResult{
		OldState: currentState,
		NewState: next,
		Actions:  actions,
		Changed:  changed,
	}
}

// applyAdminDown handles events while the local session is
// administratively disabled. RFC 5880 Section 6.8.6: "If
// bfd.SessionState is AdminDown, discard the packet" -- no
// received-packet event produces a transition here. Only a local
// re-enable (Section 6.8.16) leaves AdminDown.
func applyAdminDown(event Event) (State, []Action, bool) {
	if event == EventAdminUp {
		return StateDown, nil, true
	}
	return StateAdminDown, nil, false
}

// applyDown handles events while the local session is Down. RFC 5880
// Section 6.8.6: a received Down moves to Init, a received Init jumps
// straight to Up. A received Up, a received AdminDown, and timer
// expiration are all no-ops here (state is already Down).
func applyDown(event Event) (State, []Action, bool) {
	switch event {
	case EventRecvDown:
		return StateInit, []Action{ActionSendControl}, true
	case EventRecvInit:
		return StateUp, []Action{ActionSendControl, ActionNotifyUp}, true
	case EventAdminDown:
		return StateAdminDown, []Action{ActionSetDiagAdminDown}, true
	default:
		return StateDown, nil, false
	}
}

// applyInit handles events while the local session is Init. RFC 5880
// Section 6.8.6: a received AdminDown drops back to Down with
// NeighborSignaledDown; a received Init or Up completes the three-way
// handshake into Up. A received Down is a self-loop (Section 6.2
// diagram). Timer expiration applies Section 6.8.4's Init/Up ->
// Down(TimeExpired) rule.
func applyInit(event Event) (State, []Action, bool) {
	switch event {
	case EventRecvAdminDown:
		return StateDown, []Action{ActionSetDiagNeighborDown, ActionNotifyDown}, true
	case EventRecvInit, EventRecvUp:
		return StateUp, []Action{ActionSendControl, ActionNotifyUp}, true
	case EventTimerExpired:
		return StateDown, []Action{ActionSetDiagTimeExpired, ActionNotifyDown}, true
	case EventAdminDown:
		return StateAdminDown, []Action{ActionSetDiagAdminDown}, true
	default:
		return StateInit, nil, false
	}
}

// applyUp handles events while the local session is Up. RFC 5880
// Section 6.8.6: a received AdminDown or Down tears the session back
// down to Down with NeighborSignaledDown; received Init/Up are
// steady-state self-loops. Timer expiration again applies Section
// 6.8.4's TimeExpired rule.
func applyUp(event Event) (State, []Action, bool) {
	switch event {
	case EventRecvAdminDown, EventRecvDown:
		return StateDown, []Action{ActionSetDiagNeighborDown, ActionNotifyDown}, true
	case EventTimerExpired:
		return StateDown, []Action{ActionSetDiagTimeExpired, ActionNotifyDown}, true
	case EventAdminDown:
		return StateAdminDown, []Action{ActionSetDiagAdminDown}, true
	default:
		return StateUp, nil, false
	}
}

// RecvStateToEvent maps the State field of a received Control packet to
// the FSM event it drives (RFC 5880 Section 6.8.6). An out-of-range
// state value (the wire format only defines 0-3) is treated as Down,
// the safest assumption for a malformed or forward-incompatible peer.
func RecvStateToEvent(remoteState State) Event {
	switch remoteState {
	case StateAdminDown:
		return EventRecvAdminDown
	case StateDown:
		return EventRecvDown
	case StateInit:
		return EventRecvInit
	case StateUp:
		return EventRecvUp
	default:
		return EventRecvDown
	}
}
