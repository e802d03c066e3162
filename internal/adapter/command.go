package adapter

import "fmt"

// Command is a per-entity control instruction produced by action decoding
// and executed by a backend. Backends validate legality against their own
// topology (acceleration bounds, phase index range) before applying.
type Command interface {
	Kind() string
}

// Accelerate requests a vehicle acceleration in m/s^2 for the next tick.
type Accelerate struct {
	A float64
}

func (Accelerate) Kind() string { return "accelerate" }

// SetSpeed requests a vehicle speed in m/s, reached subject to the
// backend's own acceleration limits.
type SetSpeed struct {
	V float64
}

func (SetSpeed) Kind() string { return "set-speed" }

// AdvancePhase requests a signal move to its next phase in cycle order.
type AdvancePhase struct{}

func (AdvancePhase) Kind() string { return "advance-phase" }

// SetPhase requests a signal switch to a specific phase index.
type SetPhase struct {
	Index int
}

func (SetPhase) Kind() string { return "set-phase" }

// Hold is the explicit no-op command: the entity keeps its current
// simulator-driven behavior for the tick.
type Hold struct{}

func (Hold) Kind() string { return "hold" }

func (c SetPhase) Validate(phaseCount int) error {
	if c.Index < 0 || c.Index >= phaseCount {
		return fmt.Errorf("phase index %d out of range [0,%d)", c.Index, phaseCount)
	}
	return nil
}
