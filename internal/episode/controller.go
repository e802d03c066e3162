// Package episode owns the step/reset state machine that drives one
// simulator backend through warmup, control, and termination.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"

	"diodos/internal/adapter"
	"diodos/internal/codec"
	"diodos/internal/model"
	"diodos/internal/registry"
	"diodos/internal/reward"
	"diodos/internal/schema"
)

type Phase string

const (
	PhaseNotStarted Phase = "not-started"
	PhaseWarmingUp  Phase = "warming-up"
	PhaseRunning    Phase = "running"
	PhaseTerminated Phase = "terminated"
)

// ErrNotRunning is returned by Step outside the running phase.
var ErrNotRunning = errors.New("episode is not running")

// Params are the immutable per-episode parameters. They arrive already
// validated by the caller's configuration surface; Params.Validate only
// enforces what the controller itself cannot work without.
type Params struct {
	Scenario      string
	Dt            float64
	Seed          int64
	WarmupTicks   int
	Horizon       int
	MaxControlled int
	Observation   schema.Observation
	Action        schema.Action
	Reward        reward.Func
	// RecordSteps keeps a per-step trace for persistence.
	RecordSteps bool
	// Logger receives dropped-command diagnostics. Nil disables logging.
	Logger *slog.Logger
}

func (p Params) Validate() error {
	if p.Dt <= 0 {
		return fmt.Errorf("episode requires Dt > 0")
	}
	if p.Horizon <= 0 {
		return fmt.Errorf("episode requires Horizon > 0")
	}
	if p.WarmupTicks < 0 {
		return fmt.Errorf("episode requires WarmupTicks >= 0")
	}
	if p.MaxControlled < 0 {
		return fmt.Errorf("episode requires MaxControlled >= 0")
	}
	if err := p.Observation.Validate(); err != nil {
		return err
	}
	return p.Action.Validate()
}

// StepOutcome is one step's externally visible result.
type StepOutcome struct {
	Obs    *mat.VecDense
	Reward float64
	Done   bool
	Info   map[string]any
}

// Controller drives one backend through the
// not-started -> warming-up -> running -> terminated state machine.
// It is single-threaded: one Step or Reset runs to completion before the
// next begins, and cancellation is honored only at tick boundaries.
type Controller struct {
	sim    adapter.Simulator
	params Params
	reg    *registry.Registry

	phase       Phase
	episodeID   string
	episodes    int
	tick        int
	accumulated float64
	cause       model.TerminationCause
	prev        registry.Snapshot
	steps       []model.StepRecord
	startedAt   time.Time
}

func New(sim adapter.Simulator, params Params) (*Controller, error) {
	if sim == nil {
		return nil, fmt.Errorf("episode requires a simulator")
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Reward == nil {
		params.Reward = reward.AverageSpeed(params.Observation.MaxSpeed)
	}
	return &Controller{
		sim:    sim,
		params: params,
		reg:    registry.New(params.MaxControlled),
		phase:  PhaseNotStarted,
	}, nil
}

func (c *Controller) Phase() Phase { return c.phase }

func (c *Controller) Tick() int { return c.tick }

func (c *Controller) EpisodeID() string { return c.episodeID }

func (c *Controller) Cause() model.TerminationCause { return c.cause }

func (c *Controller) AccumulatedReward() float64 { return c.accumulated }

// ObservationSize is the fixed observation vector length for any episode
// run under these params.
func (c *Controller) ObservationSize() int {
	return codec.ObservationSize(c.params.MaxControlled, c.params.Observation)
}

// ActionSize is the fixed action vector length: one value per slot.
func (c *Controller) ActionSize() int { return c.params.MaxControlled }

// Reset begins a fresh episode: the backend is restarted, warmup ticks are
// run without reward or observation exposure, slots are assigned from the
// post-warmup population, and the first observation is returned. Each
// Reset yields an independent warmup sequence; the observation shape is
// identical across all of them.
func (c *Controller) Reset(ctx context.Context) (*mat.VecDense, error) {
	if c.phase != PhaseNotStarted {
		_ = c.sim.Stop(ctx)
	}
	c.reg.Reset()
	c.phase = PhaseWarmingUp
	c.tick = 0
	c.accumulated = 0
	c.cause = model.CauseNone
	c.steps = nil
	c.episodes++
	c.episodeID = uuid.NewString()
	c.startedAt = time.Now().UTC()

	seed := c.params.Seed
	if seed != 0 {
		// distinct but reproducible initialization per episode
		seed += int64(c.episodes - 1)
	}
	if err := c.sim.Start(ctx, adapter.StartConfig{
		Scenario: c.params.Scenario,
		Dt:       c.params.Dt,
		Seed:     seed,
	}); err != nil {
		c.phase = PhaseTerminated
		c.cause = model.CauseSimulatorFault
		return nil, err
	}

	baseline, err := c.warmup(ctx)
	if err != nil {
		c.phase = PhaseTerminated
		c.cause = model.CauseSimulatorFault
		return nil, err
	}

	c.reg.Update(baseline)
	snap := c.reg.Snapshot()
	obs, err := codec.Encode(snap, c.params.Observation)
	if err != nil {
		c.phase = PhaseTerminated
		return nil, err
	}
	c.prev = snap
	c.phase = PhaseRunning
	return obs, nil
}

func (c *Controller) warmup(ctx context.Context) (model.StepResult, error) {
	var last model.StepResult
	for i := 0; i < c.params.WarmupTicks; i++ {
		if err := ctx.Err(); err != nil {
			return model.StepResult{}, err
		}
		result, err := c.sim.Step(ctx, c.params.Dt)
		if err != nil {
			return model.StepResult{}, fmt.Errorf("warmup tick %d: %w", i+1, err)
		}
		last = result
	}
	if c.params.WarmupTicks > 0 {
		return last, nil
	}
	entities, err := c.sim.Entities(ctx)
	if err != nil {
		return model.StepResult{}, err
	}
	return model.StepResult{Tick: 0, Entities: entities}, nil
}

// Step decodes the action, applies the resulting commands, advances the
// simulation one tick, and evaluates reward and termination. A simulator
// fault terminates the episode with done=true and a simulator-fault cause
// rather than an error, so the trainer can discard the episode and reset.
func (c *Controller) Step(ctx context.Context, action mat.Vector) (StepOutcome, error) {
	if c.phase != PhaseRunning {
		return StepOutcome{}, fmt.Errorf("%w: phase is %s", ErrNotRunning, c.phase)
	}
	if err := ctx.Err(); err != nil {
		return StepOutcome{}, err
	}

	commands, stats, err := codec.Decode(action, c.prev, c.params.Action)
	if err != nil {
		return StepOutcome{}, err
	}

	dropped := 0
	for _, id := range sortedKeys(commands) {
		err := c.sim.Apply(ctx, id, commands[id])
		switch {
		case err == nil:
		case errors.Is(err, adapter.ErrEntityNotFound):
			// stale target: drop the command, the episode continues
			dropped++
			if c.params.Logger != nil {
				c.params.Logger.Warn("dropped command for missing entity",
					"entity", id, "tick", c.tick)
			}
		case adapter.IsFault(err):
			return c.terminate(model.CauseSimulatorFault, stats, dropped), nil
		default:
			return StepOutcome{}, err
		}
	}

	result, err := c.sim.Step(ctx, c.params.Dt)
	if err != nil {
		if adapter.IsFault(err) {
			return c.terminate(model.CauseSimulatorFault, stats, dropped), nil
		}
		return StepOutcome{}, err
	}

	c.tick++
	delta := c.reg.Update(result)
	snap := c.reg.Snapshot()

	r := c.params.Reward(snap, c.prev)
	c.accumulated += r

	// termination predicates in fixed priority order
	cause := model.CauseNone
	switch {
	case result.HasEvent(model.EventCollision):
		cause = model.CauseCollision
	case result.HasEvent(model.EventSimulatorEnd):
		cause = model.CauseSimulatorEnd
	case c.tick >= c.params.Horizon:
		cause = model.CauseHorizonReached
	}

	obs, err := codec.Encode(snap, c.params.Observation)
	if err != nil {
		return StepOutcome{}, err
	}
	c.prev = snap

	if c.params.RecordSteps {
		c.steps = append(c.steps, model.StepRecord{
			Tick:            c.tick,
			Reward:          r,
			Entities:        snap.Count(),
			DroppedCommands: dropped,
			ClampedActions:  stats.Clamped,
		})
	}

	done := cause != model.CauseNone
	if done {
		c.phase = PhaseTerminated
		c.cause = cause
	}
	return StepOutcome{
		Obs:    obs,
		Reward: r,
		Done:   done,
		Info: c.info(cause, stats, dropped, map[string]any{
			"entered": len(delta.Entered),
			"left":    len(delta.Left),
		}),
	}, nil
}

// terminate ends the episode on a simulator fault. The observation is
// re-encoded from the last consistent snapshot so its shape invariant
// holds even on the failing step.
func (c *Controller) terminate(cause model.TerminationCause, stats codec.DecodeStats, dropped int) StepOutcome {
	c.phase = PhaseTerminated
	c.cause = cause
	obs, err := codec.Encode(c.prev, c.params.Observation)
	if err != nil {
		obs = mat.NewVecDense(c.ObservationSize(), nil)
	}
	return StepOutcome{
		Obs:  obs,
		Done: true,
		Info: c.info(cause, stats, dropped, nil),
	}
}

// Abort terminates the episode from outside the step loop, e.g. an
// external stop request checked at a tick boundary.
func (c *Controller) Abort(ctx context.Context) {
	if c.phase == PhaseRunning || c.phase == PhaseWarmingUp {
		c.phase = PhaseTerminated
		c.cause = model.CauseExternalStop
	}
	_ = c.sim.Stop(ctx)
}

// Close releases the backend.
func (c *Controller) Close(ctx context.Context) error {
	if c.phase == PhaseRunning || c.phase == PhaseWarmingUp {
		c.phase = PhaseTerminated
		c.cause = model.CauseExternalStop
	}
	return c.sim.Stop(ctx)
}

// Record summarizes the episode for persistence.
func (c *Controller) Record() (model.EpisodeRecord, []model.StepRecord) {
	record := model.EpisodeRecord{
		ID:           c.episodeID,
		Backend:      c.sim.Name(),
		Cause:        c.cause,
		Ticks:        c.tick,
		WarmupTicks:  c.params.WarmupTicks,
		Horizon:      c.params.Horizon,
		Reward:       c.accumulated,
		Controlled:   c.params.MaxControlled,
		StartedAtUTC: c.startedAt.Format(time.RFC3339Nano),
	}
	return record, append([]model.StepRecord(nil), c.steps...)
}

func (c *Controller) info(cause model.TerminationCause, stats codec.DecodeStats, dropped int, extra map[string]any) map[string]any {
	info := map[string]any{
		"cause":            string(cause),
		"tick":             c.tick,
		"episode_id":       c.episodeID,
		"dropped_commands": dropped,
		"clamped_actions":  stats.Clamped,
	}
	for k, v := range extra {
		info[k] = v
	}
	return info
}

func sortedKeys(m map[string]adapter.Command) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
