package zivshmem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLinkStateString(t *testing.T) {
	assert.Equal(t, "RESET", StateReset.String())
	assert.Equal(t, "RUN", StateRun.String())
	assert.Equal(t, "UNKNOWN(7)", LinkState(7).String())
}

func TestNextState(t *testing.T) {
	tests := []struct {
		self, peer LinkState
		enabled    bool
		want       transition
	}{
		{StateReset, StateReset, false, transition{next: StateInit}},
		{StateReset, StateInit, true, transition{next: StateInit}},
		// wait for the peer to notice us
		{StateReset, StateReady, true, transition{next: StateReset}},
		{StateReset, StateRun, true, transition{next: StateReset}},

		{StateInit, StateReset, true, transition{next: StateInit}},
		{StateInit, StateInit, false, transition{next: StateReady, resetQueue: true}},
		{StateInit, StateReady, true, transition{next: StateReady, resetQueue: true}},
		{StateInit, StateRun, true, transition{next: StateReady, resetQueue: true}},

		{StateReady, StateInit, true, transition{next: StateReady}},
		{StateReady, StateReady, false, transition{next: StateReady}},
		{StateReady, StateReady, true, transition{next: StateRun, carrierOn: true}},
		{StateReady, StateRun, true, transition{next: StateRun, carrierOn: true}},
		{StateReady, StateReset, true, transition{next: StateReset}},

		{StateRun, StateRun, true, transition{next: StateRun}},
		{StateRun, StateReady, true, transition{next: StateRun}},
		{StateRun, StateReset, true, transition{next: StateReset, carrierOff: true}},
		{StateRun, StateRun, false, transition{next: StateReset, carrierOff: true}},
		{StateRun, StateReady, false, transition{next: StateReset, carrierOff: true}},
		// a disabled port waits for the peer to reach READY before leaving RUN
		{StateRun, StateInit, false, transition{next: StateRun}},

		{LinkState(9), StateRun, true, transition{next: StateReset}},
	}
	for _, tt := range tests {
		got := nextState(tt.self, tt.peer, tt.enabled)
		assert.Equalf(t, tt.want, got, "self %s peer %s enabled %v", tt.self, tt.peer, tt.enabled)
	}
}
