package env

import (
	"context"
	"errors"
	"testing"

	"gonum.org/v1/gonum/mat"

	"diodos/internal/adapter"
	"diodos/internal/episode"
	"diodos/internal/model"
	"diodos/internal/reward"
	"diodos/internal/schema"
)

type stubSim struct {
	tick int
}

func (s *stubSim) Name() string { return "stub" }

func (s *stubSim) Start(_ context.Context, _ adapter.StartConfig) error {
	s.tick = 0
	return nil
}

func (s *stubSim) Step(_ context.Context, _ float64) (model.StepResult, error) {
	s.tick++
	return model.StepResult{Tick: s.tick, Entities: s.roster()}, nil
}

func (s *stubSim) Entities(_ context.Context) ([]model.Entity, error) {
	return s.roster(), nil
}

func (s *stubSim) Apply(_ context.Context, _ string, _ adapter.Command) error { return nil }

func (s *stubSim) Stop(_ context.Context) error { return nil }

func (s *stubSim) roster() []model.Entity {
	return []model.Entity{{
		ID:      "rl_0",
		Kind:    model.KindVehicle,
		Control: model.ControlExternal,
		Vehicle: &model.VehicleState{Speed: 5, Headway: 10},
	}}
}

func newTestEnv(t *testing.T, horizon int) *Env {
	t.Helper()
	ctrl, err := episode.New(&stubSim{}, episode.Params{
		Dt:            0.1,
		Horizon:       horizon,
		WarmupTicks:   1,
		MaxControlled: 1,
		Observation: schema.Observation{
			Attributes:    []schema.Attribute{schema.AttrSpeed},
			MaxSpeed:      10,
			MaxHeadway:    100,
			NetworkLength: 100,
		},
		Action: schema.Action{MaxAccel: 2, MaxDecel: 3},
		Reward: reward.AverageSpeed(10),
	})
	if err != nil {
		t.Fatalf("controller: %v", err)
	}
	e, err := New(ctrl)
	if err != nil {
		t.Fatalf("env: %v", err)
	}
	return e
}

func TestStepBeforeResetRejected(t *testing.T) {
	e := newTestEnv(t, 5)

	_, err := e.Step(context.Background(), mat.NewVecDense(1, []float64{0}))
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestStepAfterDoneRequiresReset(t *testing.T) {
	e := newTestEnv(t, 1)

	if _, err := e.Reset(context.Background()); err != nil {
		t.Fatalf("reset: %v", err)
	}
	step, err := e.Step(context.Background(), mat.NewVecDense(1, []float64{0}))
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !step.Done {
		t.Fatal("expected done at horizon")
	}

	if _, err := e.Step(context.Background(), mat.NewVecDense(1, []float64{0})); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	// a reset makes the env usable again
	if _, err := e.Reset(context.Background()); err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if _, err := e.Step(context.Background(), mat.NewVecDense(1, []float64{0})); err != nil {
		t.Fatalf("step after reset: %v", err)
	}
}

func TestClosedEnvRejectsEverything(t *testing.T) {
	e := newTestEnv(t, 5)

	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := e.Reset(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, err := e.Step(context.Background(), mat.NewVecDense(1, []float64{0})); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestSizes(t *testing.T) {
	e := newTestEnv(t, 5)
	if e.ObservationSize() != 1 {
		t.Fatalf("unexpected observation size: %d", e.ObservationSize())
	}
	if e.ActionSize() != 1 {
		t.Fatalf("unexpected action size: %d", e.ActionSize())
	}
}
