package session

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateWorking    State = "working"
	StateError      State = "error"
	StateStopped    State = "stopped"
)

// Trigger names an event that may move the session to a new state.
type Trigger string

const (
	TriggerStart        Trigger = "start"
	TriggerDial         Trigger = "dial"
	TriggerOpen         Trigger = "open"
	TriggerInitializing Trigger = "status.initializing"
	TriggerReady        Trigger = "status.ready"
	TriggerWorking      Trigger = "working"
	TriggerFatal        Trigger = "fatal"
	TriggerExhausted    Trigger = "exhausted"
	TriggerAdminClose   Trigger = "admin_close"
	TriggerStop         Trigger = "stop"
)

type edge struct {
	from    State
	trigger Trigger
}

// transitions is the complete set of legal edges. Anything absent is rejected.
var transitions = map[edge]State{}

func allow(to State, trigger Trigger, from ...State) {
	for _, f := range from {
		transitions[edge{from: f, trigger: trigger}] = to
	}
}

func init() {
	allow(StateStarting, TriggerStart, StateIdle, StateError, StateStopped)
	allow(StateConnecting, TriggerDial, StateStarting, StateConnecting, StateConnected, StateWorking, StateError)
	allow(StateConnected, TriggerOpen, StateConnecting)
	allow(StateStarting, TriggerInitializing, StateConnecting, StateConnected, StateWorking)
	allow(StateConnected, TriggerReady, StateStarting, StateConnecting, StateConnected, StateWorking)
	allow(StateWorking, TriggerWorking, StateConnected)
	allow(StateError, TriggerFatal, StateStarting, StateConnecting, StateConnected, StateWorking)
	allow(StateError, TriggerExhausted, StateStarting, StateConnecting, StateConnected, StateWorking, StateError)
	allow(StateStopped, TriggerAdminClose, StateStarting, StateConnecting, StateConnected, StateWorking, StateError)
	allow(StateStopped, TriggerStop,
		StateIdle, StateStarting, StateConnecting, StateConnected, StateWorking, StateError, StateStopped)
}

// Apply returns the state reached from s via t. ok is false when the edge is
// not in the table; the caller must then keep s unchanged.
func Apply(s State, t Trigger) (next State, ok bool) {
	next, ok = transitions[edge{from: s, trigger: t}]
	if !ok {
		return s, false
	}
	return next, true
}

// CanSendCommands reports whether the state accepts terminal commands.
func (s State) CanSendCommands() bool {
	return s == StateConnected || s == StateWorking
}

func (s State) String() string { return string(s) }
