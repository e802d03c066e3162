// Package schema declares the observation and action layout for an
// episode: which entity attributes appear in each slot's block, in which
// order, and how raw simulator values are normalized.
package schema

import "fmt"

// DefaultSentinel is the value written for missing entities and attributes.
// It is the missing-value constant traffic simulator query layers
// conventionally report, far outside every normalized range.
const DefaultSentinel = -1001

type Attribute string

const (
	AttrSpeed         Attribute = "speed"
	AttrHeadway       Attribute = "headway"
	AttrPosition      Attribute = "position"
	AttrLeaderSpeed   Attribute = "leader-speed"
	AttrAccel         Attribute = "accel"
	AttrRouteProgress Attribute = "route-progress"
	AttrSignalPhase   Attribute = "signal-phase"
)

var knownAttributes = map[Attribute]bool{
	AttrSpeed:         true,
	AttrHeadway:       true,
	AttrPosition:      true,
	AttrLeaderSpeed:   true,
	AttrAccel:         true,
	AttrRouteProgress: true,
	AttrSignalPhase:   true,
}

// Observation declares the per-slot attribute block and normalization
// bounds. The encoded vector is slot-major: slot 0's attributes, then slot
// 1's, and so on; its shape is constant for the episode.
type Observation struct {
	Attributes []Attribute
	// MaxSpeed normalizes speeds into [0, 1].
	MaxSpeed float64
	// MaxHeadway normalizes headways into [0, 1]. Typically the network
	// length when the backend can report it.
	MaxHeadway float64
	// NetworkLength normalizes positions into [0, 1].
	NetworkLength float64
	// MaxAccel normalizes accelerations into [-1, 1]. Required only when
	// Attributes contains AttrAccel.
	MaxAccel float64
	// Sentinel is written for vacant slots and missing attributes. Zero
	// means DefaultSentinel.
	Sentinel float64
}

func (o Observation) Validate() error {
	if len(o.Attributes) == 0 {
		return fmt.Errorf("observation schema requires at least one attribute")
	}
	for _, a := range o.Attributes {
		if !knownAttributes[a] {
			return fmt.Errorf("unknown observation attribute: %s", a)
		}
	}
	if o.MaxSpeed <= 0 {
		return fmt.Errorf("observation schema requires MaxSpeed > 0")
	}
	if o.MaxHeadway <= 0 {
		return fmt.Errorf("observation schema requires MaxHeadway > 0")
	}
	if o.NetworkLength <= 0 {
		return fmt.Errorf("observation schema requires NetworkLength > 0")
	}
	for _, a := range o.Attributes {
		if a == AttrAccel && o.MaxAccel <= 0 {
			return fmt.Errorf("observation schema requires MaxAccel > 0 for %s", AttrAccel)
		}
	}
	return nil
}

// Width is the number of attributes per slot block.
func (o Observation) Width() int { return len(o.Attributes) }

// SentinelValue resolves the configured or default sentinel.
func (o Observation) SentinelValue() float64 {
	if o.Sentinel == 0 {
		return DefaultSentinel
	}
	return o.Sentinel
}

// Action declares the per-slot action interpretation and legal ranges.
// Every slot carries exactly one value: an acceleration for vehicle slots,
// a phase-advance trigger for signal slots.
type Action struct {
	// MaxAccel bounds vehicle accelerations above, in m/s^2.
	MaxAccel float64
	// MaxDecel bounds vehicle decelerations, positive, in m/s^2.
	MaxDecel float64
	// AdvanceThreshold is the signal-slot value at or above which the
	// phase advances. Zero means 0.5.
	AdvanceThreshold float64
	// Sentinel is the maintain-current-state value. Zero means
	// DefaultSentinel.
	Sentinel float64
}

func (a Action) Validate() error {
	if a.MaxAccel <= 0 {
		return fmt.Errorf("action schema requires MaxAccel > 0")
	}
	if a.MaxDecel <= 0 {
		return fmt.Errorf("action schema requires MaxDecel > 0")
	}
	return nil
}

func (a Action) SentinelValue() float64 {
	if a.Sentinel == 0 {
		return DefaultSentinel
	}
	return a.Sentinel
}

func (a Action) Threshold() float64 {
	if a.AdvanceThreshold == 0 {
		return 0.5
	}
	return a.AdvanceThreshold
}
