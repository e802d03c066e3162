// Package ring implements the built-in in-process backend: a single-lane
// circular road with car-following vehicles and an optional traffic signal.
//
// The step advances in two passes. A planning pass computes every vehicle's
// acceleration for the tick from the previous tick's state (car-following
// for autonomous vehicles, the queued command for controlled ones), then a
// motion pass integrates speeds and positions and re-derives leaders and
// headways. Planning from a consistent prior snapshot keeps the result
// independent of iteration order.
package ring

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/samber/lo"

	"diodos/internal/adapter"
	"diodos/internal/model"
)

// Config describes one ring scenario. Zero values fall back to the
// defaults set in New.
type Config struct {
	// Length is the ring circumference in meters.
	Length float64
	// Vehicles is the number of vehicles placed at start, evenly spaced.
	Vehicles int
	// Controlled is how many of the starting vehicles are externally
	// controlled. They are the first Controlled vehicles in spawn order.
	Controlled int

	MaxSpeed      float64 // m/s
	MaxAccel      float64 // m/s^2
	MaxDecel      float64 // m/s^2, positive
	VehicleLength float64 // m
	MinGap        float64 // m

	// RouteLaps is the number of laps after which a vehicle arrives and is
	// removed. Zero means vehicles never arrive.
	RouteLaps int

	// Signal enables a two-phase traffic signal at SignalPosition.
	Signal           bool
	SignalPosition   float64
	GreenTicks       int
	RedTicks         int
	SignalControlled bool

	// SpeedNoise is the standard deviation of per-tick speed perturbation
	// applied to autonomous vehicles, giving stochastic warmup flows.
	SpeedNoise float64
}

type vehicle struct {
	id         string
	control    model.ControlMode
	pos        float64 // arc position in [0, Length)
	speed      float64
	accel      float64
	total      float64 // total distance driven, for lap counting
	spawnTick  int
	pending    *float64 // commanded acceleration for the next tick
	pendingV   *float64 // commanded target speed for the next tick
}

type signal struct {
	id        string
	control   model.ControlMode
	phase     int // 0 = green, 1 = red
	count     int
	elapsed   int
	pendPhase *int
	pendAdv   bool
}

// Simulator is the ring backend. It satisfies adapter.Simulator plus the
// Spawner and NetworkDescriber capabilities.
type Simulator struct {
	cfg Config

	mu       sync.Mutex
	started  bool
	tick     int
	rng      *rand.Rand
	vehicles []*vehicle
	sig      *signal
	nextID   int
}

const sigID = "sig_0"

func New(cfg Config) *Simulator {
	if cfg.Length <= 0 {
		cfg.Length = 250
	}
	if cfg.Vehicles <= 0 {
		cfg.Vehicles = 20
	}
	if cfg.MaxSpeed <= 0 {
		cfg.MaxSpeed = 30
	}
	if cfg.MaxAccel <= 0 {
		cfg.MaxAccel = 3
	}
	if cfg.MaxDecel <= 0 {
		cfg.MaxDecel = 3
	}
	if cfg.VehicleLength <= 0 {
		cfg.VehicleLength = 5
	}
	if cfg.MinGap <= 0 {
		cfg.MinGap = 2
	}
	if cfg.GreenTicks <= 0 {
		cfg.GreenTicks = 30
	}
	if cfg.RedTicks <= 0 {
		cfg.RedTicks = 20
	}
	return &Simulator{cfg: cfg}
}

func (s *Simulator) Name() string { return "ring" }

func (s *Simulator) Start(_ context.Context, cfg adapter.StartConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("ring: already started")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = 1
	}
	s.rng = rand.New(rand.NewSource(seed))
	s.tick = 0
	s.nextID = 0
	s.vehicles = make([]*vehicle, 0, s.cfg.Vehicles)

	spacing := s.cfg.Length / float64(s.cfg.Vehicles)
	for i := 0; i < s.cfg.Vehicles; i++ {
		control := model.ControlAutonomous
		if i < s.cfg.Controlled {
			control = model.ControlExternal
		}
		s.vehicles = append(s.vehicles, &vehicle{
			id:      s.newVehicleID(control),
			control: control,
			pos:     float64(i) * spacing,
		})
	}
	if s.cfg.Signal {
		control := model.ControlAutonomous
		if s.cfg.SignalControlled {
			control = model.ControlExternal
		}
		s.sig = &signal{id: sigID, control: control, count: 2}
	} else {
		s.sig = nil
	}
	s.started = true
	return nil
}

func (s *Simulator) Stop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = false
	s.vehicles = nil
	s.sig = nil
	return nil
}

func (s *Simulator) Apply(_ context.Context, id string, cmd adapter.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return adapter.ErrNotStarted
	}
	if s.sig != nil && id == s.sig.id {
		return s.applySignal(cmd)
	}
	v, ok := lo.Find(s.vehicles, func(v *vehicle) bool { return v.id == id })
	if !ok {
		return adapter.ErrEntityNotFound
	}
	switch c := cmd.(type) {
	case adapter.Accelerate:
		a := clamp(c.A, -s.cfg.MaxDecel, s.cfg.MaxAccel)
		v.pending = &a
	case adapter.SetSpeed:
		target := clamp(c.V, 0, s.cfg.MaxSpeed)
		v.pendingV = &target
	case adapter.Hold:
		v.pending = nil
		v.pendingV = nil
	default:
		return fmt.Errorf("ring: command %s not applicable to vehicle %s", cmd.Kind(), id)
	}
	return nil
}

func (s *Simulator) applySignal(cmd adapter.Command) error {
	switch c := cmd.(type) {
	case adapter.AdvancePhase:
		s.sig.pendAdv = true
	case adapter.SetPhase:
		if err := c.Validate(s.sig.count); err != nil {
			return fmt.Errorf("ring: %w", err)
		}
		idx := c.Index
		s.sig.pendPhase = &idx
	case adapter.Hold:
		s.sig.pendAdv = false
		s.sig.pendPhase = nil
	default:
		return fmt.Errorf("ring: command %s not applicable to signal", cmd.Kind())
	}
	return nil
}

func (s *Simulator) Step(_ context.Context, dt float64) (model.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return model.StepResult{}, adapter.NewFault(s.Name(), "step", adapter.ErrNotStarted)
	}
	if dt <= 0 {
		return model.StepResult{}, fmt.Errorf("ring: dt must be > 0, got %f", dt)
	}

	s.tick++
	var events []model.Event

	s.advanceSignal()

	// Planning pass: accelerations from the prior tick's ordering.
	ordered := s.byPosition()
	plans := make(map[string]float64, len(ordered))
	for i, v := range ordered {
		gap, leaderSpeed := s.gapAhead(ordered, i)
		if s.redSignalGap(v, gap) {
			gap, leaderSpeed = s.signalGap(v), 0
		}
		switch {
		case v.pending != nil:
			plans[v.id] = *v.pending
			v.pending = nil
			v.pendingV = nil
		case v.pendingV != nil:
			plans[v.id] = clamp((*v.pendingV-v.speed)/dt, -s.cfg.MaxDecel, s.cfg.MaxAccel)
			v.pendingV = nil
		default:
			a := s.followAccel(v, gap, leaderSpeed)
			if s.cfg.SpeedNoise > 0 {
				a += s.rng.NormFloat64() * s.cfg.SpeedNoise
			}
			plans[v.id] = clamp(a, -s.cfg.MaxDecel, s.cfg.MaxAccel)
		}
	}

	// Motion pass.
	for _, v := range s.vehicles {
		v.accel = plans[v.id]
		v.speed = clamp(v.speed+v.accel*dt, 0, s.cfg.MaxSpeed)
		advance := v.speed * dt
		v.pos = math.Mod(v.pos+advance, s.cfg.Length)
		v.total += advance
	}

	// Collision detection on the new ordering.
	ordered = s.byPosition()
	for i, v := range ordered {
		gap, _ := s.gapAhead(ordered, i)
		if len(ordered) > 1 && gap < 0 {
			leader := ordered[(i+1)%len(ordered)]
			events = append(events, model.Event{
				Kind:      model.EventCollision,
				EntityIDs: []string{v.id, leader.id},
			})
		}
	}

	// Route completion.
	if s.cfg.RouteLaps > 0 {
		routeLen := s.cfg.Length * float64(s.cfg.RouteLaps)
		arrived := lo.Filter(s.vehicles, func(v *vehicle, _ int) bool {
			return v.total >= routeLen
		})
		if len(arrived) > 0 {
			ids := lo.Map(arrived, func(v *vehicle, _ int) string { return v.id })
			events = append(events, model.Event{Kind: model.EventArrived, EntityIDs: ids})
			s.vehicles = lo.Filter(s.vehicles, func(v *vehicle, _ int) bool {
				return v.total < routeLen
			})
		}
	}

	return model.StepResult{
		Tick:     s.tick,
		Time:     float64(s.tick) * dt,
		Entities: s.snapshot(),
		Events:   events,
	}, nil
}

func (s *Simulator) Entities(_ context.Context) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, adapter.ErrNotStarted
	}
	return s.snapshot(), nil
}

// Spawn injects one vehicle at the requested position. Implements the
// adapter.Spawner capability.
func (s *Simulator) Spawn(_ context.Context, req adapter.SpawnRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return "", adapter.ErrNotStarted
	}
	control := req.Control
	if control == "" {
		control = model.ControlAutonomous
	}
	v := &vehicle{
		id:        s.newVehicleID(control),
		control:   control,
		pos:       math.Mod(req.Position, s.cfg.Length),
		speed:     clamp(req.Speed, 0, s.cfg.MaxSpeed),
		spawnTick: s.tick,
	}
	s.vehicles = append(s.vehicles, v)
	return v.id, nil
}

// Network implements the adapter.NetworkDescriber capability.
func (s *Simulator) Network(_ context.Context) (adapter.Network, error) {
	return adapter.Network{
		Length:   s.cfg.Length,
		Lanes:    1,
		MaxSpeed: s.cfg.MaxSpeed,
	}, nil
}

// followAccel is a bounded-acceleration car-following rule: accelerate
// toward the speed the current gap can absorb, brake hard when the safe
// speed is below the current one.
func (s *Simulator) followAccel(v *vehicle, gap, leaderSpeed float64) float64 {
	if gap >= s.cfg.Length {
		// free road
		return s.cfg.MaxAccel * (1 - v.speed/s.cfg.MaxSpeed)
	}
	slack := gap - s.cfg.MinGap
	if slack < 0 {
		slack = 0
	}
	// speed whose braking distance fits in the available slack, relative
	// to the leader
	safe := leaderSpeed + math.Sqrt(2*s.cfg.MaxDecel*slack)
	if safe > s.cfg.MaxSpeed {
		safe = s.cfg.MaxSpeed
	}
	if v.speed > safe {
		return -s.cfg.MaxDecel
	}
	return s.cfg.MaxAccel * (1 - v.speed/s.cfg.MaxSpeed) * (slack / (slack + s.cfg.MinGap))
}

func (s *Simulator) advanceSignal() {
	if s.sig == nil {
		return
	}
	sig := s.sig
	switch {
	case sig.pendPhase != nil:
		sig.phase = *sig.pendPhase
		sig.elapsed = 0
		sig.pendPhase = nil
		sig.pendAdv = false
	case sig.pendAdv:
		sig.phase = (sig.phase + 1) % sig.count
		sig.elapsed = 0
		sig.pendAdv = false
	case sig.control == model.ControlAutonomous:
		sig.elapsed++
		if sig.elapsed >= s.phaseTicks(sig.phase) {
			sig.phase = (sig.phase + 1) % sig.count
			sig.elapsed = 0
		}
	default:
		// externally controlled signal holds until commanded
		sig.elapsed++
	}
}

func (s *Simulator) phaseTicks(phase int) int {
	if phase == 0 {
		return s.cfg.GreenTicks
	}
	return s.cfg.RedTicks
}

// redSignalGap reports whether the red signal is closer ahead of v than
// its current leader gap.
func (s *Simulator) redSignalGap(v *vehicle, leaderGap float64) bool {
	if s.sig == nil || s.sig.phase == 0 {
		return false
	}
	return s.signalGap(v) < leaderGap
}

func (s *Simulator) signalGap(v *vehicle) float64 {
	d := math.Mod(s.cfg.SignalPosition-v.pos+s.cfg.Length, s.cfg.Length)
	return d - s.cfg.VehicleLength/2
}

func (s *Simulator) byPosition() []*vehicle {
	ordered := append([]*vehicle(nil), s.vehicles...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].pos < ordered[j].pos })
	return ordered
}

// gapAhead returns the bumper-to-bumper gap to the next vehicle around the
// ring and that vehicle's speed. With a single vehicle the gap is the whole
// ring.
func (s *Simulator) gapAhead(ordered []*vehicle, i int) (float64, float64) {
	if len(ordered) <= 1 {
		return s.cfg.Length, 0
	}
	v := ordered[i]
	leader := ordered[(i+1)%len(ordered)]
	d := leader.pos - v.pos
	if d <= 0 {
		d += s.cfg.Length
	}
	return d - s.cfg.VehicleLength, leader.speed
}

func (s *Simulator) snapshot() []model.Entity {
	ordered := s.byPosition()
	gaps := make(map[string]float64, len(ordered))
	leaders := make(map[string]string, len(ordered))
	for i, v := range ordered {
		gap, _ := s.gapAhead(ordered, i)
		gaps[v.id] = gap
		if len(ordered) > 1 {
			leaders[v.id] = ordered[(i+1)%len(ordered)].id
		}
	}

	out := make([]model.Entity, 0, len(s.vehicles)+1)
	for _, v := range s.vehicles {
		progress := 0.0
		if s.cfg.RouteLaps > 0 {
			progress = v.total / (s.cfg.Length * float64(s.cfg.RouteLaps))
		}
		out = append(out, model.Entity{
			ID:      v.id,
			Kind:    model.KindVehicle,
			Control: v.control,
			Vehicle: &model.VehicleState{
				Position:      v.pos,
				Speed:         v.speed,
				Accel:         v.accel,
				Length:        s.cfg.VehicleLength,
				RouteProgress: progress,
				LeaderID:      leaders[v.id],
				Headway:       gaps[v.id],
			},
			SpawnTick:  v.spawnTick,
			RemoveTick: -1,
		})
	}
	if s.sig != nil {
		out = append(out, model.Entity{
			ID:      s.sig.id,
			Kind:    model.KindSignal,
			Control: s.sig.control,
			Signal: &model.SignalState{
				Phase:      s.sig.phase,
				PhaseCount: s.sig.count,
				Remaining:  float64(s.phaseTicks(s.sig.phase) - s.sig.elapsed),
			},
			RemoveTick: -1,
		})
	}
	return out
}

func (s *Simulator) newVehicleID(control model.ControlMode) string {
	prefix := "veh"
	if control == model.ControlExternal {
		prefix = "rl"
	}
	id := fmt.Sprintf("%s_%d", prefix, s.nextID)
	s.nextID++
	return id
}

func clamp(v, low, high float64) float64 {
	if v < low {
		return low
	}
	if v > high {
		return high
	}
	return v
}
