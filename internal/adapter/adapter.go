package adapter

import (
	"context"

	"diodos/internal/model"
)

// StartConfig carries the already-validated, per-episode immutable
// parameters a backend needs to bring up a simulation.
type StartConfig struct {
	// Scenario names the network/scenario the backend should load. Its
	// interpretation is backend-specific (a built-in scenario name, a file
	// path, a remote resource id).
	Scenario string
	// Dt is the simulation timestep in seconds.
	Dt float64
	// Seed seeds stochastic initialization. Zero means backend default.
	Seed int64
}

// Simulator is the capability contract every backend implements. One
// Simulator owns exactly one simulator instance; callers wanting parallel
// episodes construct one Simulator per episode.
//
// Step is atomic from the caller's perspective: either the tick fully
// advances and a consistent StepResult is returned, or it fails with a
// *Fault. A Fault is fatal to the episode and must never be retried, since
// re-issuing a step risks double-advancing simulator state.
type Simulator interface {
	Name() string
	Start(ctx context.Context, cfg StartConfig) error
	Step(ctx context.Context, dt float64) (model.StepResult, error)
	Entities(ctx context.Context) ([]model.Entity, error)
	Apply(ctx context.Context, id string, cmd Command) error
	Stop(ctx context.Context) error
}

// Spawner is an optional backend capability for injecting vehicles while a
// simulation is running.
type Spawner interface {
	Spawn(ctx context.Context, req SpawnRequest) (string, error)
}

// SpawnRequest describes one vehicle to inject.
type SpawnRequest struct {
	Control  model.ControlMode
	Position float64
	Speed    float64
}

// NetworkDescriber is an optional backend capability exposing static
// network topology, used to derive normalization bounds.
type NetworkDescriber interface {
	Network(ctx context.Context) (Network, error)
}

// Network is the static topology summary of a loaded scenario.
type Network struct {
	Length   float64
	Lanes    int
	MaxSpeed float64
}
