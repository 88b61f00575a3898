package emulator

import (
	"fmt"

	"github.com/e2b-dev/infra/packages/emu512/internal/physical"
)

// ErrGuardBusy is returned when another unaligned write holds the device guard.
// It matches physical.ErrNoResources so the submitter queues the IO instead of failing it.
var ErrGuardBusy = fmt.Errorf("unaligned write already in flight: %w", physical.ErrNoResources)

type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return "invalid request: " + e.Reason
}

// PhysicalIOError is a failed physical operation of a logical IO.
type PhysicalIOError struct {
	Op     string
	LBA    uint64
	Blocks uint64
	Err    error
}

func (e PhysicalIOError) Error() string {
	return fmt.Sprintf("physical %s of [%d, +%d) failed: %v", e.Op, e.LBA, e.Blocks, e.Err)
}

func (e PhysicalIOError) Unwrap() error {
	return e.Err
}

// StateMachineInvariantError is the panic value for a write driven into a state it cannot reach.
type StateMachineInvariantError struct {
	State state
	Event eventKind
}

func (e StateMachineInvariantError) Error() string {
	return fmt.Sprintf("write state machine got %s in state %s", e.Event, e.State)
}
