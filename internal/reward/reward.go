// Package reward provides the pluggable per-step reward functions injected
// into the episode controller at construction time.
package reward

import (
	"fmt"
	"math"

	"diodos/internal/model"
	"diodos/internal/registry"
)

// Func computes the scalar reward for one step from the current and prior
// snapshots. Implementations are pure functions of their inputs.
type Func func(curr, prev registry.Snapshot) float64

// AverageSpeed rewards the mean vehicle speed normalized by maxSpeed, in
// [0, 1]. An empty network scores zero.
func AverageSpeed(maxSpeed float64) Func {
	return func(curr, _ registry.Snapshot) float64 {
		total, n := speedSum(curr)
		if n == 0 || maxSpeed <= 0 {
			return 0
		}
		return total / float64(n) / maxSpeed
	}
}

// DesiredVelocity rewards proximity of every vehicle's speed to target:
// 1 at the target everywhere, falling toward 0 as the fleet deviates.
func DesiredVelocity(target float64) Func {
	return func(curr, _ registry.Snapshot) float64 {
		if target <= 0 {
			return 0
		}
		var deviation float64
		n := 0
		forEachVehicle(curr, func(v model.VehicleState) {
			deviation += (v.Speed - target) * (v.Speed - target)
			n++
		})
		if n == 0 {
			return 0
		}
		maxDeviation := target * math.Sqrt(float64(n))
		d := math.Sqrt(deviation)
		if d > maxDeviation {
			return 0
		}
		return (maxDeviation - d) / maxDeviation
	}
}

// Throughput rewards the increase in total distance-weighted progress
// between snapshots, a proxy for flow across the step.
func Throughput(maxSpeed float64) Func {
	return func(curr, prev registry.Snapshot) float64 {
		currTotal, currN := speedSum(curr)
		prevTotal, prevN := speedSum(prev)
		if currN == 0 || maxSpeed <= 0 {
			return 0
		}
		currAvg := currTotal / float64(currN)
		prevAvg := 0.0
		if prevN > 0 {
			prevAvg = prevTotal / float64(prevN)
		}
		return (currAvg - prevAvg) / maxSpeed
	}
}

// FromName resolves a named reward function.
func FromName(name string, maxSpeed, target float64) (Func, error) {
	switch name {
	case "", "average-speed":
		return AverageSpeed(maxSpeed), nil
	case "desired-velocity":
		return DesiredVelocity(target), nil
	case "throughput":
		return Throughput(maxSpeed), nil
	default:
		return nil, fmt.Errorf("unsupported reward function: %s", name)
	}
}

func speedSum(snap registry.Snapshot) (float64, int) {
	var total float64
	n := 0
	forEachVehicle(snap, func(v model.VehicleState) {
		total += v.Speed
		n++
	})
	return total, n
}

func forEachVehicle(snap registry.Snapshot, fn func(model.VehicleState)) {
	for _, id := range snap.IDs() {
		e, ok := snap.Get(id)
		if !ok || e.Vehicle == nil {
			continue
		}
		fn(*e.Vehicle)
	}
}
