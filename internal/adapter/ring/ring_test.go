package ring

import (
	"context"
	"errors"
	"strings"
	"testing"

	"diodos/internal/adapter"
	"diodos/internal/model"
)

func startedSim(t *testing.T, cfg Config) *Simulator {
	t.Helper()
	s := New(cfg)
	if err := s.Start(context.Background(), adapter.StartConfig{Dt: 1, Seed: 7}); err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func vehicleByID(t *testing.T, entities []model.Entity, id string) model.Entity {
	t.Helper()
	for _, e := range entities {
		if e.ID == id {
			return e
		}
	}
	t.Fatalf("entity %s not in snapshot", id)
	return model.Entity{}
}

func TestStartPlacesVehiclesEvenly(t *testing.T) {
	s := startedSim(t, Config{Length: 100, Vehicles: 4, Controlled: 2})

	entities, err := s.Entities(context.Background())
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if len(entities) != 4 {
		t.Fatalf("unexpected entity count: %d", len(entities))
	}

	controlled := 0
	for _, e := range entities {
		if e.Control == model.ControlExternal {
			controlled++
			if !strings.HasPrefix(e.ID, "rl_") {
				t.Fatalf("controlled vehicle with autonomous id: %s", e.ID)
			}
		} else if !strings.HasPrefix(e.ID, "veh_") {
			t.Fatalf("autonomous vehicle with controlled id: %s", e.ID)
		}
	}
	if controlled != 2 {
		t.Fatalf("unexpected controlled count: %d", controlled)
	}

	rl0 := vehicleByID(t, entities, "rl_0")
	if rl0.Vehicle.Position != 0 {
		t.Fatalf("unexpected rl_0 position: %f", rl0.Vehicle.Position)
	}
	// 4 vehicles on 100m: spacing 25m, headway 25 minus vehicle length
	if rl0.Vehicle.Headway != 25-s.cfg.VehicleLength {
		t.Fatalf("unexpected rl_0 headway: %f", rl0.Vehicle.Headway)
	}
}

func TestStepBeforeStartIsFault(t *testing.T) {
	s := New(Config{})
	_, err := s.Step(context.Background(), 1)
	if !adapter.IsFault(err) {
		t.Fatalf("expected fault, got %v", err)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	s := startedSim(t, Config{Vehicles: 2})
	if err := s.Start(context.Background(), adapter.StartConfig{Dt: 1}); err == nil {
		t.Fatal("expected already-started error")
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Start(context.Background(), adapter.StartConfig{Dt: 1}); err != nil {
		t.Fatalf("restart: %v", err)
	}
}

func TestCommandedAccelerationApplies(t *testing.T) {
	s := startedSim(t, Config{Length: 100, Vehicles: 1, Controlled: 1, MaxAccel: 3, MaxDecel: 3})

	if err := s.Apply(context.Background(), "rl_0", adapter.Accelerate{A: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	result, err := s.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	rl0 := vehicleByID(t, result.Entities, "rl_0")
	if rl0.Vehicle.Speed != 2 {
		t.Fatalf("unexpected speed: %f", rl0.Vehicle.Speed)
	}
	if rl0.Vehicle.Accel != 2 {
		t.Fatalf("unexpected accel: %f", rl0.Vehicle.Accel)
	}
	if rl0.Vehicle.Position != 2 {
		t.Fatalf("unexpected position: %f", rl0.Vehicle.Position)
	}

	// commands are one-shot: the next tick falls back to car-following
	result, err = s.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	rl0 = vehicleByID(t, result.Entities, "rl_0")
	if rl0.Vehicle.Speed <= 2 {
		t.Fatalf("free-road following should accelerate, speed %f", rl0.Vehicle.Speed)
	}
}

func TestSetSpeedCommand(t *testing.T) {
	s := startedSim(t, Config{Length: 100, Vehicles: 1, Controlled: 1, MaxAccel: 3, MaxDecel: 3})

	// target above what one tick allows: clamp to MaxAccel
	if err := s.Apply(context.Background(), "rl_0", adapter.SetSpeed{V: 20}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	result, err := s.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := vehicleByID(t, result.Entities, "rl_0").Vehicle.Speed; got != 3 {
		t.Fatalf("unexpected speed: %f", got)
	}
}

func TestApplyUnknownEntity(t *testing.T) {
	s := startedSim(t, Config{Vehicles: 1, Controlled: 1})
	err := s.Apply(context.Background(), "rl_9", adapter.Accelerate{A: 1})
	if !errors.Is(err, adapter.ErrEntityNotFound) {
		t.Fatalf("expected entity-not-found, got %v", err)
	}
}

func TestCollisionEmitsEvent(t *testing.T) {
	s := startedSim(t, Config{Length: 40, Vehicles: 2, Controlled: 2, MaxSpeed: 30, MaxAccel: 3, MaxDecel: 3})

	collided := false
	for i := 0; i < 20; i++ {
		if err := s.Apply(context.Background(), "rl_0", adapter.Accelerate{A: 3}); err != nil {
			t.Fatalf("apply rl_0: %v", err)
		}
		if err := s.Apply(context.Background(), "rl_1", adapter.Accelerate{A: -3}); err != nil {
			t.Fatalf("apply rl_1: %v", err)
		}
		result, err := s.Step(context.Background(), 1)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if result.HasEvent(model.EventCollision) {
			collided = true
			break
		}
	}
	if !collided {
		t.Fatal("expected a collision within 20 ticks")
	}
}

func TestRouteCompletionRemovesVehicle(t *testing.T) {
	s := startedSim(t, Config{Length: 10, Vehicles: 1, Controlled: 1, RouteLaps: 1, MaxSpeed: 30, MaxAccel: 3, MaxDecel: 3})

	arrivedAt := -1
	for i := 0; i < 10; i++ {
		if err := s.Apply(context.Background(), "rl_0", adapter.Accelerate{A: 3}); err != nil {
			t.Fatalf("apply: %v", err)
		}
		result, err := s.Step(context.Background(), 1)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if result.HasEvent(model.EventArrived) {
			arrivedAt = i
			if len(result.Entities) != 0 {
				t.Fatalf("arrived vehicle still present: %+v", result.Entities)
			}
			break
		}
		if e := vehicleByID(t, result.Entities, "rl_0"); e.Vehicle.RouteProgress <= 0 {
			t.Fatalf("expected route progress at tick %d", i)
		}
	}
	if arrivedAt < 0 {
		t.Fatal("expected arrival within 10 ticks")
	}
}

func TestAutonomousSignalCycles(t *testing.T) {
	s := startedSim(t, Config{
		Vehicles:   1,
		Signal:     true,
		GreenTicks: 2,
		RedTicks:   2,
	})

	phases := []int{}
	for i := 0; i < 5; i++ {
		result, err := s.Step(context.Background(), 1)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		sig := vehicleByID(t, result.Entities, "sig_0")
		if sig.Signal == nil {
			t.Fatal("signal entity missing state")
		}
		phases = append(phases, sig.Signal.Phase)
	}
	// green 2 ticks, then red 2 ticks, then green again
	want := []int{0, 1, 1, 0, 0}
	for i, p := range phases {
		if p != want[i] {
			t.Fatalf("unexpected phase sequence: got %v want %v", phases, want)
		}
	}
}

func TestControlledSignalHoldsUntilCommanded(t *testing.T) {
	s := startedSim(t, Config{
		Vehicles:         1,
		Signal:           true,
		SignalControlled: true,
		GreenTicks:       1,
		RedTicks:         1,
	})

	for i := 0; i < 3; i++ {
		result, err := s.Step(context.Background(), 1)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if got := vehicleByID(t, result.Entities, "sig_0").Signal.Phase; got != 0 {
			t.Fatalf("uncommanded signal advanced to phase %d", got)
		}
	}

	if err := s.Apply(context.Background(), "sig_0", adapter.AdvancePhase{}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	result, err := s.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := vehicleByID(t, result.Entities, "sig_0").Signal.Phase; got != 1 {
		t.Fatalf("expected phase advance, got %d", got)
	}
}

func TestSetPhaseValidation(t *testing.T) {
	s := startedSim(t, Config{Vehicles: 1, Signal: true, SignalControlled: true})

	if err := s.Apply(context.Background(), "sig_0", adapter.SetPhase{Index: 5}); err == nil {
		t.Fatal("expected phase index error")
	}
	if err := s.Apply(context.Background(), "sig_0", adapter.SetPhase{Index: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	result, err := s.Step(context.Background(), 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if got := vehicleByID(t, result.Entities, "sig_0").Signal.Phase; got != 1 {
		t.Fatalf("expected phase 1, got %d", got)
	}
}

func TestSpawnAddsVehicle(t *testing.T) {
	s := startedSim(t, Config{Length: 100, Vehicles: 1, Controlled: 1})

	id, err := s.Spawn(context.Background(), adapter.SpawnRequest{
		Control:  model.ControlAutonomous,
		Position: 50,
		Speed:    5,
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	entities, err := s.Entities(context.Background())
	if err != nil {
		t.Fatalf("entities: %v", err)
	}
	if len(entities) != 2 {
		t.Fatalf("unexpected entity count: %d", len(entities))
	}
	spawned := vehicleByID(t, entities, id)
	if spawned.Vehicle.Position != 50 || spawned.Vehicle.Speed != 5 {
		t.Fatalf("unexpected spawned state: %+v", spawned.Vehicle)
	}
}

func TestNetworkDescriber(t *testing.T) {
	s := New(Config{Length: 123, MaxSpeed: 17})
	network, err := s.Network(context.Background())
	if err != nil {
		t.Fatalf("network: %v", err)
	}
	if network.Length != 123 || network.Lanes != 1 || network.MaxSpeed != 17 {
		t.Fatalf("unexpected network: %+v", network)
	}
}

func TestSameSeedIsDeterministic(t *testing.T) {
	run := func() []model.Entity {
		s := New(Config{Length: 100, Vehicles: 6, Controlled: 1, SpeedNoise: 0.5})
		if err := s.Start(context.Background(), adapter.StartConfig{Dt: 0.5, Seed: 42}); err != nil {
			t.Fatalf("start: %v", err)
		}
		var last model.StepResult
		for i := 0; i < 25; i++ {
			result, err := s.Step(context.Background(), 0.5)
			if err != nil {
				t.Fatalf("step %d: %v", i, err)
			}
			last = result
		}
		return last.Entities
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("population diverged: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || *a[i].Vehicle != *b[i].Vehicle {
			t.Fatalf("trajectory diverged at %s:\n%+v\n%+v", a[i].ID, *a[i].Vehicle, *b[i].Vehicle)
		}
	}
}
