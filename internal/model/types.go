package model

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type EntityKind string

const (
	KindVehicle EntityKind = "vehicle"
	KindSignal  EntityKind = "signal"
	KindOther   EntityKind = "other"
)

type ControlMode string

const (
	// ControlExternal marks entities whose actions come from the RL policy.
	ControlExternal ControlMode = "external"
	// ControlAutonomous marks entities driven by the simulator's own logic.
	ControlAutonomous ControlMode = "autonomous"
)

// VehicleState is the simulator-reported kinematic state of one vehicle.
// Position is arc length along its route in meters.
type VehicleState struct {
	Position      float64 `json:"position"`
	Lane          int     `json:"lane"`
	Speed         float64 `json:"speed"`
	Accel         float64 `json:"accel"`
	Length        float64 `json:"length"`
	RouteProgress float64 `json:"route_progress"`
	LeaderID      string  `json:"leader_id,omitempty"`
	Headway       float64 `json:"headway"`
}

// SignalState is the phase state of one traffic signal.
type SignalState struct {
	Phase      int     `json:"phase"`
	PhaseCount int     `json:"phase_count"`
	Remaining  float64 `json:"remaining"`
}

// Entity is one simulated object at one tick. Vehicle and Signal are set
// according to Kind; the other pointer is nil.
type Entity struct {
	ID         string        `json:"id"`
	Kind       EntityKind    `json:"kind"`
	Control    ControlMode   `json:"control"`
	Vehicle    *VehicleState `json:"vehicle,omitempty"`
	Signal     *SignalState  `json:"signal,omitempty"`
	SpawnTick  int           `json:"spawn_tick"`
	RemoveTick int           `json:"remove_tick"` // -1 while the entity exists
}

type EventKind string

const (
	EventCollision    EventKind = "collision"
	EventDeparted     EventKind = "departed"
	EventArrived      EventKind = "arrived"
	EventTeleport     EventKind = "teleport"
	EventSimulatorEnd EventKind = "simulator-end"
)

// Event is a simulator-reported occurrence during one tick.
type Event struct {
	Kind      EventKind `json:"kind"`
	EntityIDs []string  `json:"entity_ids,omitempty"`
}

// StepResult is the consistent snapshot produced by one simulation tick.
// It is immutable once returned by a backend.
type StepResult struct {
	Tick     int      `json:"tick"`
	Time     float64  `json:"time"`
	Entities []Entity `json:"entities"`
	Events   []Event  `json:"events,omitempty"`
}

// HasEvent reports whether the result carries at least one event of kind k.
func (r StepResult) HasEvent(k EventKind) bool {
	for _, e := range r.Events {
		if e.Kind == k {
			return true
		}
	}
	return false
}

// TerminationCause identifies why an episode ended.
type TerminationCause string

const (
	CauseNone           TerminationCause = ""
	CauseHorizonReached TerminationCause = "horizon-reached"
	CauseCollision      TerminationCause = "collision"
	CauseSimulatorEnd   TerminationCause = "simulator-end"
	CauseExternalStop   TerminationCause = "external-stop"
	CauseSimulatorFault TerminationCause = "simulator-fault"
)

// EpisodeRecord is the persisted summary of one finished episode.
type EpisodeRecord struct {
	VersionedRecord
	ID           string           `json:"id"`
	Backend      string           `json:"backend"`
	Cause        TerminationCause `json:"cause"`
	Ticks        int              `json:"ticks"`
	WarmupTicks  int              `json:"warmup_ticks"`
	Horizon      int              `json:"horizon"`
	Reward       float64          `json:"reward"`
	Controlled   int              `json:"controlled"`
	StartedAtUTC string           `json:"started_at_utc"`
}

// StepRecord is one persisted step trace entry.
type StepRecord struct {
	Tick            int     `json:"tick"`
	Reward          float64 `json:"reward"`
	Entities        int     `json:"entities"`
	DroppedCommands int     `json:"dropped_commands"`
	ClampedActions  int     `json:"clamped_actions"`
}
