package diodos

import (
	"context"
	"errors"
	"testing"

	"diodos/internal/env"
	"diodos/internal/model"
	"diodos/internal/schema"
)

func TestClientRunPersistsEpisodes(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	summary, err := client.Run(context.Background(), RunRequest{
		EnvRequest: EnvRequest{
			Backend:       "ring",
			Dt:            0.1,
			Seed:          7,
			Horizon:       25,
			WarmupTicks:   5,
			Vehicles:      6,
			MaxControlled: 2,
			RecordSteps:   true,
		},
		Episodes: 2,
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(summary.Episodes) != 2 {
		t.Fatalf("unexpected episode count: %d", len(summary.Episodes))
	}
	for _, ep := range summary.Episodes {
		if ep.EpisodeID == "" {
			t.Fatal("expected episode id")
		}
		if ep.Cause != string(model.CauseHorizonReached) {
			t.Fatalf("unexpected cause: %s", ep.Cause)
		}
		if ep.Ticks != 25 {
			t.Fatalf("unexpected tick count: %d", ep.Ticks)
		}
	}

	episodes, err := client.Episodes(context.Background(), EpisodesRequest{Limit: 5})
	if err != nil {
		t.Fatalf("episodes: %v", err)
	}
	if len(episodes) != 2 {
		t.Fatalf("unexpected listed episodes: %+v", episodes)
	}
	if episodes[0].ID != summary.Episodes[1].EpisodeID {
		t.Fatalf("expected newest episode first: %+v", episodes)
	}

	item, err := client.Episode(context.Background(), summary.Episodes[0].EpisodeID)
	if err != nil {
		t.Fatalf("episode: %v", err)
	}
	if item.Backend != "ring" || item.Horizon != 25 || item.WarmupTicks != 5 {
		t.Fatalf("unexpected episode item: %+v", item)
	}

	trace, err := client.Trace(context.Background(), TraceRequest{EpisodeID: item.ID})
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(trace) != 25 {
		t.Fatalf("unexpected trace length: %d", len(trace))
	}
	if trace[0].Tick != 1 || trace[24].Tick != 25 {
		t.Fatalf("unexpected trace ticks: first=%d last=%d", trace[0].Tick, trace[24].Tick)
	}
}

func TestClientEpisodeNotFound(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	if _, err := client.Episode(context.Background(), "missing"); err == nil {
		t.Fatal("expected missing episode error")
	}
	if _, err := client.Trace(context.Background(), TraceRequest{EpisodeID: "missing"}); err == nil {
		t.Fatal("expected missing trace error")
	}
}

func TestNewEnvStepLoop(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	environment, err := client.NewEnv(context.Background(), EnvRequest{
		Backend:       "ring",
		Horizon:       10,
		WarmupTicks:   2,
		Vehicles:      5,
		MaxControlled: 1,
	})
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	t.Cleanup(func() {
		_ = environment.Close()
	})

	// speed and headway per slot by default
	if environment.ObservationSize() != 2 {
		t.Fatalf("unexpected observation size: %d", environment.ObservationSize())
	}
	if environment.ActionSize() != 1 {
		t.Fatalf("unexpected action size: %d", environment.ActionSize())
	}

	obs, err := environment.Reset(context.Background())
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(obs) != environment.ObservationSize() {
		t.Fatalf("unexpected observation length: %d", len(obs))
	}

	noop := []float64{schema.DefaultSentinel}
	var last Step
	for i := 0; i < 10; i++ {
		last, err = environment.Step(context.Background(), noop)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if len(last.Obs) != environment.ObservationSize() {
			t.Fatalf("observation shape changed at step %d: %d", i, len(last.Obs))
		}
		if i < 9 && last.Done {
			t.Fatalf("episode ended early at step %d: %+v", i, last.Info)
		}
	}
	if !last.Done {
		t.Fatal("expected done at horizon")
	}
	if last.Info["cause"] != string(model.CauseHorizonReached) {
		t.Fatalf("unexpected cause: %v", last.Info["cause"])
	}

	// the episode ended; stepping again requires a reset
	if _, err := environment.Step(context.Background(), noop); !errors.Is(err, env.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestNewEnvStepBeforeResetRejected(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	environment, err := client.NewEnv(context.Background(), EnvRequest{Backend: "ring"})
	if err != nil {
		t.Fatalf("new env: %v", err)
	}
	t.Cleanup(func() {
		_ = environment.Close()
	})

	_, err = environment.Step(context.Background(), []float64{schema.DefaultSentinel})
	if !errors.Is(err, env.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestNewEnvUnsupportedBackend(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	if _, err := client.NewEnv(context.Background(), EnvRequest{Backend: "vissim"}); err == nil {
		t.Fatal("expected unsupported backend error")
	}
}

func TestNewEnvRemoteRequiresAddr(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	if _, err := client.NewEnv(context.Background(), EnvRequest{Backend: "sumo"}); err == nil {
		t.Fatal("expected missing address error")
	}
}

func TestNewEnvUnknownRewardRejected(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	if _, err := client.NewEnv(context.Background(), EnvRequest{Backend: "ring", Reward: "bogus"}); err == nil {
		t.Fatal("expected unknown reward error")
	}
}

func TestNewEnvSignalControlledRequiresSignal(t *testing.T) {
	client, err := New(Options{StoreKind: "memory"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})

	_, err = client.NewEnv(context.Background(), EnvRequest{
		Backend:          "ring",
		MaxControlled:    2,
		SignalControlled: true,
	})
	if err == nil {
		t.Fatal("expected signal-controlled without signal to be rejected")
	}
}
