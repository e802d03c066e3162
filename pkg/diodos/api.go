// Package diodos is the public client surface: it composes a simulator
// backend, an observation/action schema, and an episode controller into a
// training-loop-facing environment, and persists finished episodes.
package diodos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"

	"diodos/internal/adapter"
	"diodos/internal/adapter/remote"
	"diodos/internal/adapter/ring"
	"diodos/internal/backendid"
	"diodos/internal/env"
	"diodos/internal/episode"
	"diodos/internal/model"
	"diodos/internal/reward"
	"diodos/internal/schema"
	"diodos/internal/storage"
)

const defaultDBPath = "diodos.db"

type Options struct {
	StoreKind string
	DBPath    string
	// Logger receives per-step diagnostics. Nil disables logging.
	Logger *slog.Logger
}

type Client struct {
	store  storage.Store
	logger *slog.Logger
}

// EnvRequest configures one environment. Zero values select defaults
// matching a single-lane ring road with one controlled vehicle.
type EnvRequest struct {
	Backend  string
	Scenario string

	// Addr and Launch configure remote backends (sumo, aimsun, remote).
	// Launch, when set, is the argv used to start the simulator process.
	Addr   string
	Launch []string

	Dt            float64
	Seed          int64
	Horizon       int
	WarmupTicks   int
	MaxControlled int

	// Observation lists attribute names per slot. Empty selects
	// speed and headway.
	Observation []string

	MaxSpeed      float64
	MaxAccel      float64
	MaxDecel      float64
	NetworkLength float64

	// Reward names the reward function: average-speed, desired-velocity
	// or throughput. Empty selects average-speed.
	Reward      string
	TargetSpeed float64

	RecordSteps bool

	// Ring-backend layout.
	Vehicles         int
	RingLength       float64
	Signal           bool
	SignalControlled bool
}

type RunRequest struct {
	EnvRequest
	Episodes int
}

type EpisodeSummary struct {
	EpisodeID string
	Cause     string
	Ticks     int
	Reward    float64
}

type RunSummary struct {
	Episodes []EpisodeSummary
}

type EpisodesRequest struct {
	Limit int
}

type EpisodeItem struct {
	ID           string
	Backend      string
	Cause        string
	Ticks        int
	WarmupTicks  int
	Horizon      int
	Reward       float64
	Controlled   int
	StartedAtUTC string
}

type TraceRequest struct {
	EpisodeID string
	Limit     int
}

type TraceStep struct {
	Tick            int
	Reward          float64
	Entities        int
	DroppedCommands int
	ClampedActions  int
}

// Step is one environment transition as seen by a training loop.
type Step struct {
	Obs    []float64
	Reward float64
	Done   bool
	Info   map[string]any
}

func New(opts Options) (*Client, error) {
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = defaultDBPath
	}

	store, err := storage.NewStore(opts.StoreKind, dbPath)
	if err != nil {
		return nil, err
	}

	return &Client{store: store, logger: opts.Logger}, nil
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

// Env is a running environment bound to the client's store.
type Env struct {
	inner *env.Env
	store storage.Store
}

// NewEnv builds an environment from the request. The caller owns it and
// must Close it when done.
func (c *Client) NewEnv(ctx context.Context, req EnvRequest) (*Env, error) {
	req = withEnvDefaults(req)

	sim, err := buildSimulator(req)
	if err != nil {
		return nil, err
	}
	obs, err := observationFromNames(req)
	if err != nil {
		return nil, err
	}
	rewardFn, err := reward.FromName(req.Reward, req.MaxSpeed, req.TargetSpeed)
	if err != nil {
		return nil, err
	}

	ctrl, err := episode.New(sim, episode.Params{
		Scenario:      req.Scenario,
		Dt:            req.Dt,
		Seed:          req.Seed,
		WarmupTicks:   req.WarmupTicks,
		Horizon:       req.Horizon,
		MaxControlled: req.MaxControlled,
		Observation:   obs,
		Action: schema.Action{
			MaxAccel: req.MaxAccel,
			MaxDecel: req.MaxDecel,
		},
		Reward:      rewardFn,
		RecordSteps: req.RecordSteps,
		Logger:      c.logger,
	})
	if err != nil {
		return nil, err
	}

	inner, err := env.New(ctrl)
	if err != nil {
		return nil, err
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}
	return &Env{inner: inner, store: c.store}, nil
}

func (e *Env) ObservationSize() int { return e.inner.ObservationSize() }

func (e *Env) ActionSize() int { return e.inner.ActionSize() }

func (e *Env) Reset(ctx context.Context) ([]float64, error) {
	vec, err := e.inner.Reset(ctx)
	if err != nil {
		return nil, err
	}
	return vecSlice(vec), nil
}

func (e *Env) Step(ctx context.Context, action []float64) (Step, error) {
	step, err := e.inner.Step(ctx, mat.NewVecDense(len(action), append([]float64(nil), action...)))
	if err != nil {
		return Step{}, err
	}
	return Step{
		Obs:    vecSlice(step.Obs),
		Reward: step.Reward,
		Done:   step.Done,
		Info:   step.Info,
	}, nil
}

func (e *Env) Close() error { return e.inner.Close() }

// Save persists the last finished episode's record and, when step
// recording is enabled, its trace.
func (e *Env) Save(ctx context.Context) (EpisodeItem, error) {
	record, steps := e.inner.Controller().Record()
	if record.ID == "" {
		return EpisodeItem{}, errors.New("no episode to save")
	}

	record = storage.Stamp(record)
	if err := e.store.SaveEpisode(ctx, record); err != nil {
		return EpisodeItem{}, err
	}
	if len(steps) > 0 {
		if err := e.store.SaveStepTrace(ctx, record.ID, steps); err != nil {
			return EpisodeItem{}, err
		}
	}
	return episodeItem(record), nil
}

// Run drives one or more full episodes under maintain-current-state
// actions and persists each finished episode. It is the baseline rollout
// used to sanity-check a scenario before attaching a policy.
func (c *Client) Run(ctx context.Context, req RunRequest) (RunSummary, error) {
	if req.Episodes <= 0 {
		req.Episodes = 1
	}

	environment, err := c.NewEnv(ctx, req.EnvRequest)
	if err != nil {
		return RunSummary{}, err
	}
	defer func() {
		_ = environment.Close()
	}()

	// one value per slot, held at the maintain sentinel
	noop := make([]float64, environment.ActionSize())
	for i := range noop {
		noop[i] = schema.DefaultSentinel
	}

	summary := RunSummary{Episodes: make([]EpisodeSummary, 0, req.Episodes)}
	for i := 0; i < req.Episodes; i++ {
		if _, err := environment.Reset(ctx); err != nil {
			return RunSummary{}, err
		}
		for {
			step, err := environment.Step(ctx, noop)
			if err != nil {
				return RunSummary{}, err
			}
			if step.Done {
				break
			}
		}
		item, err := environment.Save(ctx)
		if err != nil {
			return RunSummary{}, err
		}
		summary.Episodes = append(summary.Episodes, EpisodeSummary{
			EpisodeID: item.ID,
			Cause:     item.Cause,
			Ticks:     item.Ticks,
			Reward:    item.Reward,
		})
	}
	return summary, nil
}

func (c *Client) Episodes(ctx context.Context, req EpisodesRequest) ([]EpisodeItem, error) {
	if req.Limit <= 0 {
		req.Limit = 20
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}

	records, err := c.store.ListEpisodes(ctx, req.Limit)
	if err != nil {
		return nil, err
	}
	out := make([]EpisodeItem, 0, len(records))
	for _, record := range records {
		out = append(out, episodeItem(record))
	}
	return out, nil
}

func (c *Client) Episode(ctx context.Context, id string) (EpisodeItem, error) {
	if id == "" {
		return EpisodeItem{}, errors.New("episode id is required")
	}
	if err := c.store.Init(ctx); err != nil {
		return EpisodeItem{}, err
	}

	record, ok, err := c.store.GetEpisode(ctx, id)
	if err != nil {
		return EpisodeItem{}, err
	}
	if !ok {
		return EpisodeItem{}, fmt.Errorf("episode not found: %s", id)
	}
	return episodeItem(record), nil
}

func (c *Client) Trace(ctx context.Context, req TraceRequest) ([]TraceStep, error) {
	if req.EpisodeID == "" {
		return nil, errors.New("episode id is required")
	}
	if req.Limit < 0 {
		return nil, errors.New("limit must be >= 0")
	}
	if err := c.store.Init(ctx); err != nil {
		return nil, err
	}

	steps, ok, err := c.store.GetStepTrace(ctx, req.EpisodeID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("step trace not found: %s", req.EpisodeID)
	}
	if req.Limit > 0 && len(steps) > req.Limit {
		steps = steps[:req.Limit]
	}

	out := make([]TraceStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, TraceStep{
			Tick:            s.Tick,
			Reward:          s.Reward,
			Entities:        s.Entities,
			DroppedCommands: s.DroppedCommands,
			ClampedActions:  s.ClampedActions,
		})
	}
	return out, nil
}

func withEnvDefaults(req EnvRequest) EnvRequest {
	if req.Backend == "" {
		req.Backend = "ring"
	}
	if req.Dt <= 0 {
		req.Dt = 0.1
	}
	if req.Horizon <= 0 {
		req.Horizon = 500
	}
	if req.WarmupTicks < 0 {
		req.WarmupTicks = 0
	}
	if req.Vehicles <= 0 {
		req.Vehicles = 22
	}
	if req.MaxControlled <= 0 {
		req.MaxControlled = 1
	}
	if req.RingLength <= 0 {
		req.RingLength = 230
	}
	if req.MaxSpeed <= 0 {
		req.MaxSpeed = 30
	}
	if req.MaxAccel <= 0 {
		req.MaxAccel = 3
	}
	if req.MaxDecel <= 0 {
		req.MaxDecel = 3
	}
	if req.NetworkLength <= 0 {
		req.NetworkLength = req.RingLength
	}
	return req
}

func buildSimulator(req EnvRequest) (adapter.Simulator, error) {
	name := backendid.Normalize(req.Backend)
	switch name {
	case "ring":
		if req.SignalControlled && !req.Signal {
			return nil, errors.New("signal-controlled requires a signal")
		}
		controlled := req.MaxControlled
		if req.SignalControlled {
			// the signal takes one arena slot
			controlled--
		}
		return ring.New(ring.Config{
			Length:           req.RingLength,
			Vehicles:         req.Vehicles,
			Controlled:       controlled,
			MaxSpeed:         req.MaxSpeed,
			MaxAccel:         req.MaxAccel,
			MaxDecel:         req.MaxDecel,
			Signal:           req.Signal,
			SignalControlled: req.SignalControlled,
		}), nil
	case "sumo", "aimsun", "remote":
		if req.Addr == "" {
			return nil, fmt.Errorf("backend %s requires an address", name)
		}
		return remote.New(remote.Config{
			Name:   name,
			Addr:   req.Addr,
			Launch: req.Launch,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", req.Backend)
	}
}

func observationFromNames(req EnvRequest) (schema.Observation, error) {
	names := req.Observation
	if len(names) == 0 {
		names = []string{string(schema.AttrSpeed), string(schema.AttrHeadway)}
	}
	attrs := make([]schema.Attribute, 0, len(names))
	for _, n := range names {
		attrs = append(attrs, schema.Attribute(n))
	}
	obs := schema.Observation{
		Attributes:    attrs,
		MaxSpeed:      req.MaxSpeed,
		MaxHeadway:    req.NetworkLength,
		NetworkLength: req.NetworkLength,
		MaxAccel:      req.MaxAccel,
	}
	if err := obs.Validate(); err != nil {
		return schema.Observation{}, err
	}
	return obs, nil
}

func episodeItem(record model.EpisodeRecord) EpisodeItem {
	return EpisodeItem{
		ID:           record.ID,
		Backend:      record.Backend,
		Cause:        string(record.Cause),
		Ticks:        record.Ticks,
		WarmupTicks:  record.WarmupTicks,
		Horizon:      record.Horizon,
		Reward:       record.Reward,
		Controlled:   record.Controlled,
		StartedAtUTC: record.StartedAtUTC,
	}
}

func vecSlice(vec *mat.VecDense) []float64 {
	if vec == nil {
		return nil
	}
	out := make([]float64, vec.Len())
	for i := range out {
		out[i] = vec.AtVec(i)
	}
	return out
}
