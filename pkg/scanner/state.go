package scanner

import (
	"context"

	"github.com/looplab/fsm"
)

// Job states.
const (
	StateIdle      = "idle"
	StateRunning   = "running"
	StateStopping  = "stopping"
	StateCompleted = "completed"
)

const (
	eventStart  = "start"
	eventStop   = "stop"
	eventFinish = "finish"
)

// Stop reasons recorded on a finished job.
const (
	StopReasonFinished   = "finished"
	StopReasonStopped    = "stopped"
	StopReasonAuthError  = "auth_error"
	StopReasonStoreError = "store_error"
)

// newJobFSM builds the job lifecycle. onEnter runs after every transition
// with the destination state.
func newJobFSM(onEnter func(state string)) *fsm.FSM {
	return fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: eventStart, Src: []string{StateIdle, StateCompleted}, Dst: StateRunning},
			{Name: eventStop, Src: []string{StateRunning}, Dst: StateStopping},
			{Name: eventFinish, Src: []string{StateRunning, StateStopping}, Dst: StateCompleted},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(e.Dst)
			},
		},
	)
}
