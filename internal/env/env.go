// Package env is the environment facade consumed by an external trainer:
// the standard reset/step/close contract over one episode controller. It
// holds no control logic of its own beyond guarding the call order.
package env

import (
	"context"
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"diodos/internal/episode"
)

// ErrInvalidTransition reports contract misuse by the caller: Step before
// Reset, or Step after done without an intervening Reset. It is fatal to
// the call, never to the process.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrClosed is returned by every call after Close.
var ErrClosed = errors.New("environment is closed")

// Step is one transition as seen by the trainer.
type Step struct {
	Obs    *mat.VecDense
	Reward float64
	Done   bool
	Info   map[string]any
}

// Env wraps one episode controller behind the reset/step/close contract.
// Like the controller it delegates to, it is single-threaded.
type Env struct {
	ctrl   *episode.Controller
	ready  bool // a Reset has produced an observation not yet terminated
	closed bool
}

func New(ctrl *episode.Controller) (*Env, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("env requires a controller")
	}
	return &Env{ctrl: ctrl}, nil
}

// ObservationSize is the fixed observation vector length.
func (e *Env) ObservationSize() int { return e.ctrl.ObservationSize() }

func (e *Env) ActionSize() int { return e.ctrl.ActionSize() }

// Reset starts a new episode and returns its first observation.
func (e *Env) Reset(ctx context.Context) (*mat.VecDense, error) {
	if e.closed {
		return nil, ErrClosed
	}
	obs, err := e.ctrl.Reset(ctx)
	if err != nil {
		e.ready = false
		return nil, err
	}
	e.ready = true
	return obs, nil
}

// Step advances one tick under the given action.
func (e *Env) Step(ctx context.Context, action mat.Vector) (Step, error) {
	if e.closed {
		return Step{}, ErrClosed
	}
	if !e.ready {
		return Step{}, fmt.Errorf("%w: step requires a reset first", ErrInvalidTransition)
	}
	outcome, err := e.ctrl.Step(ctx, action)
	if err != nil {
		if errors.Is(err, episode.ErrNotRunning) {
			return Step{}, fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
		return Step{}, err
	}
	if outcome.Done {
		e.ready = false
	}
	return Step{
		Obs:    outcome.Obs,
		Reward: outcome.Reward,
		Done:   outcome.Done,
		Info:   outcome.Info,
	}, nil
}

// Close releases the underlying backend. The env cannot be used again.
func (e *Env) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.ready = false
	return e.ctrl.Close(context.Background())
}

// Controller exposes the underlying controller for episode bookkeeping
// (records, cause) after termination.
func (e *Env) Controller() *episode.Controller { return e.ctrl }
