package session

import "testing"

func TestApply_LegalEdges(t *testing.T) {
	cases := []struct {
		from    State
		trigger Trigger
		want    State
	}{
		{StateIdle, TriggerStart, StateStarting},
		{StateError, TriggerStart, StateStarting},
		{StateStopped, TriggerStart, StateStarting},
		{StateStarting, TriggerDial, StateConnecting},
		{StateConnecting, TriggerOpen, StateConnected},
		{StateConnected, TriggerInitializing, StateStarting},
		{StateStarting, TriggerReady, StateConnected},
		{StateConnected, TriggerWorking, StateWorking},
		{StateWorking, TriggerFatal, StateError},
		{StateConnecting, TriggerExhausted, StateError},
		{StateWorking, TriggerAdminClose, StateStopped},
		{StateIdle, TriggerStop, StateStopped},
		{StateStopped, TriggerStop, StateStopped},
	}
	for _, tc := range cases {
		got, ok := Apply(tc.from, tc.trigger)
		if !ok || got != tc.want {
			t.Fatalf("Apply(%s, %s) = %s, %v; want %s", tc.from, tc.trigger, got, ok, tc.want)
		}
	}
}

func TestApply_RejectsIllegalEdges(t *testing.T) {
	cases := []struct {
		from    State
		trigger Trigger
	}{
		{StateIdle, TriggerReady},
		{StateIdle, TriggerFatal},
		{StateIdle, TriggerOpen},
		{StateIdle, TriggerInitializing},
		{StateStopped, TriggerReady},
		{StateStopped, TriggerFatal},
		{StateConnected, TriggerStart},
		{StateConnected, TriggerOpen},
		{StateStarting, TriggerWorking},
		{StateError, TriggerOpen},
	}
	for _, tc := range cases {
		got, ok := Apply(tc.from, tc.trigger)
		if ok {
			t.Fatalf("Apply(%s, %s) accepted, moved to %s", tc.from, tc.trigger, got)
		}
		if got != tc.from {
			t.Fatalf("rejected transition must keep state, got %s", got)
		}
	}
}

func TestStoppedOnlyLeavesViaStart(t *testing.T) {
	for _, tr := range []Trigger{TriggerDial, TriggerOpen, TriggerInitializing, TriggerReady,
		TriggerWorking, TriggerFatal, TriggerExhausted, TriggerAdminClose} {
		if next, ok := Apply(StateStopped, tr); ok && next != StateStopped {
			t.Fatalf("stopped left via %s to %s", tr, next)
		}
	}
}

func TestCanSendCommands(t *testing.T) {
	for _, s := range []State{StateIdle, StateStarting, StateConnecting, StateError, StateStopped} {
		if s.CanSendCommands() {
			t.Fatalf("%s must not accept commands", s)
		}
	}
	if !StateConnected.CanSendCommands() || !StateWorking.CanSendCommands() {
		t.Fatalf("connected and working accept commands")
	}
}
