// Package codec translates between registry snapshots and the fixed-shape
// numeric vectors the RL trainer sees. Encode and Decode are pure
// functions of their inputs.
//
// Malformed values never abort a tick: out-of-range observations are
// clamped into their normalized range, vacant slots are sentinel-filled,
// and out-of-bound actions are clamped to the nearest legal boundary. Only
// a shape mismatch is an error, because that is a contract violation by
// the trainer rather than a value problem.
package codec

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"diodos/internal/adapter"
	"diodos/internal/model"
	"diodos/internal/registry"
	"diodos/internal/schema"
)

// DecodeStats counts the recoverable conditions absorbed during one
// decode, surfaced through the episode info map.
type DecodeStats struct {
	// Clamped is the number of action values moved to a legal boundary.
	Clamped int
	// Skipped is the number of slots that produced no command: vacant
	// slots, departed entities, sentinel values.
	Skipped int
}

// ObservationSize returns the fixed vector length for the episode.
func ObservationSize(slots int, obs schema.Observation) int {
	return slots * obs.Width()
}

// Encode builds the observation vector for one snapshot. The vector length
// is slots x width regardless of how many entities are present; a vacant
// or departed slot's block is sentinel-filled.
func Encode(snap registry.Snapshot, obs schema.Observation) (*mat.VecDense, error) {
	if err := obs.Validate(); err != nil {
		return nil, err
	}
	slots := snap.Slots()
	sentinel := obs.SentinelValue()
	width := obs.Width()
	vec := mat.NewVecDense(len(slots)*width, nil)

	for i, id := range slots {
		base := i * width
		if id == "" {
			fillSentinel(vec, base, width, sentinel)
			continue
		}
		entity, ok := snap.Get(id)
		if !ok {
			fillSentinel(vec, base, width, sentinel)
			continue
		}
		for j, attr := range obs.Attributes {
			vec.SetVec(base+j, encodeAttr(snap, entity, attr, obs))
		}
	}
	return vec, nil
}

func fillSentinel(vec *mat.VecDense, base, width int, sentinel float64) {
	for j := 0; j < width; j++ {
		vec.SetVec(base+j, sentinel)
	}
}

func encodeAttr(snap registry.Snapshot, e model.Entity, attr schema.Attribute, obs schema.Observation) float64 {
	sentinel := obs.SentinelValue()
	switch attr {
	case schema.AttrSpeed:
		if e.Vehicle == nil {
			return sentinel
		}
		return unit(e.Vehicle.Speed / obs.MaxSpeed)
	case schema.AttrHeadway:
		if e.Vehicle == nil {
			return sentinel
		}
		return unit(e.Vehicle.Headway / obs.MaxHeadway)
	case schema.AttrPosition:
		if e.Vehicle == nil {
			return sentinel
		}
		return unit(e.Vehicle.Position / obs.NetworkLength)
	case schema.AttrLeaderSpeed:
		if e.Vehicle == nil {
			return sentinel
		}
		leader, ok := snap.Get(e.Vehicle.LeaderID)
		if !ok || leader.Vehicle == nil {
			// no visible leader: report an unobstructed road
			return 1
		}
		return unit(leader.Vehicle.Speed / obs.MaxSpeed)
	case schema.AttrAccel:
		if e.Vehicle == nil {
			return sentinel
		}
		return clamp(e.Vehicle.Accel/obs.MaxAccel, -1, 1)
	case schema.AttrRouteProgress:
		if e.Vehicle == nil {
			return sentinel
		}
		return unit(e.Vehicle.RouteProgress)
	case schema.AttrSignalPhase:
		if e.Signal == nil {
			return sentinel
		}
		if e.Signal.PhaseCount <= 1 {
			return 0
		}
		return unit(float64(e.Signal.Phase) / float64(e.Signal.PhaseCount-1))
	default:
		return sentinel
	}
}

// Decode maps an action vector onto per-entity commands. One value per
// slot: vehicle slots read an acceleration, signal slots a phase-advance
// trigger. Sentinel values and slots whose entity has departed yield no
// command.
func Decode(action mat.Vector, snap registry.Snapshot, act schema.Action) (map[string]adapter.Command, DecodeStats, error) {
	if err := act.Validate(); err != nil {
		return nil, DecodeStats{}, err
	}
	slots := snap.Slots()
	if action.Len() != len(slots) {
		return nil, DecodeStats{}, fmt.Errorf(
			"action length %d does not match slot count %d", action.Len(), len(slots))
	}

	sentinel := act.SentinelValue()
	commands := make(map[string]adapter.Command)
	var stats DecodeStats
	for i, id := range slots {
		value := action.AtVec(i)
		if id == "" || !snap.Present(id) || value == sentinel || math.IsNaN(value) {
			stats.Skipped++
			continue
		}
		entity, ok := snap.Get(id)
		if !ok {
			stats.Skipped++
			continue
		}
		switch entity.Kind {
		case model.KindVehicle:
			clamped := clamp(value, -act.MaxDecel, act.MaxAccel)
			if clamped != value {
				stats.Clamped++
			}
			commands[id] = adapter.Accelerate{A: clamped}
		case model.KindSignal:
			if value >= act.Threshold() {
				commands[id] = adapter.AdvancePhase{}
			} else {
				stats.Skipped++
			}
		default:
			stats.Skipped++
		}
	}
	return commands, stats, nil
}

func unit(v float64) float64 { return clamp(v, 0, 1) }

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
