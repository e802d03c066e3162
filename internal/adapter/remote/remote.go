// Package remote implements a backend that drives an external simulator
// process over a blocking TCP request/response protocol. Each call writes
// one request frame and blocks until the matching response frame arrives;
// the calling goroutine's suspension is the protocol's only form of
// synchronization, mirroring how simulator control sockets behave.
//
// Frames are length-prefixed JSON: a 4-byte big-endian payload size
// followed by the payload.
package remote

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"diodos/internal/adapter"
	"diodos/internal/model"
)

// Config describes how to reach (and optionally launch) the simulator
// process.
type Config struct {
	// Name labels the backend in faults and records ("sumo", "aimsun").
	Name string
	// Addr is the simulator control socket, host:port.
	Addr string
	// Launch, when non-empty, is the argv used to start the simulator
	// process. Empty means the process is managed externally and only a
	// connection is made.
	Launch []string
	// DialTimeout bounds how long Start waits for the control socket to
	// accept a connection after process launch.
	DialTimeout time.Duration
	// RequestTimeout bounds each request/response exchange when the
	// caller's context carries no deadline of its own.
	RequestTimeout time.Duration
}

type request struct {
	Op      string          `json:"op"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type response struct {
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type startPayload struct {
	Scenario string  `json:"scenario"`
	Dt       float64 `json:"dt"`
	Seed     int64   `json:"seed"`
}

type stepPayload struct {
	Dt float64 `json:"dt"`
}

type applyPayload struct {
	EntityID string          `json:"entity_id"`
	Kind     string          `json:"kind"`
	Args     json.RawMessage `json:"args,omitempty"`
}

const codeEntityNotFound = "entity-not-found"

// Simulator is the remote backend. It satisfies adapter.Simulator and the
// NetworkDescriber capability.
type Simulator struct {
	cfg Config

	mu      sync.Mutex
	conn    net.Conn
	proc    *exec.Cmd
	started bool
}

func New(cfg Config) *Simulator {
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Simulator{cfg: cfg}
}

func (s *Simulator) Name() string { return s.cfg.Name }

func (s *Simulator) Start(ctx context.Context, cfg adapter.StartConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("%s: already started", s.cfg.Name)
	}
	if s.cfg.Addr == "" {
		return fmt.Errorf("%s: control socket address is required", s.cfg.Name)
	}

	if len(s.cfg.Launch) > 0 {
		proc := exec.Command(s.cfg.Launch[0], s.cfg.Launch[1:]...)
		if err := proc.Start(); err != nil {
			return adapter.NewFault(s.cfg.Name, "launch", err)
		}
		s.proc = proc
	}

	conn, err := s.dialWithRetry(ctx)
	if err != nil {
		s.killProcessLocked()
		return adapter.NewFault(s.cfg.Name, "dial", err)
	}
	s.conn = conn

	payload, err := json.Marshal(startPayload{
		Scenario: cfg.Scenario,
		Dt:       cfg.Dt,
		Seed:     cfg.Seed,
	})
	if err != nil {
		s.teardownLocked()
		return err
	}
	if _, err := s.exchangeLocked(ctx, request{Op: "start", Payload: payload}); err != nil {
		s.teardownLocked()
		return err
	}
	s.started = true
	return nil
}

func (s *Simulator) Step(ctx context.Context, dt float64) (model.StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return model.StepResult{}, adapter.NewFault(s.cfg.Name, "step", adapter.ErrNotStarted)
	}
	payload, err := json.Marshal(stepPayload{Dt: dt})
	if err != nil {
		return model.StepResult{}, err
	}
	resp, err := s.exchangeLocked(ctx, request{Op: "step", Payload: payload})
	if err != nil {
		return model.StepResult{}, err
	}
	var result model.StepResult
	if err := json.Unmarshal(resp.Payload, &result); err != nil {
		return model.StepResult{}, adapter.NewFault(s.cfg.Name, "step", fmt.Errorf("decode step result: %w", err))
	}
	return result, nil
}

func (s *Simulator) Entities(ctx context.Context) ([]model.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil, adapter.ErrNotStarted
	}
	resp, err := s.exchangeLocked(ctx, request{Op: "entities"})
	if err != nil {
		return nil, err
	}
	var entities []model.Entity
	if err := json.Unmarshal(resp.Payload, &entities); err != nil {
		return nil, adapter.NewFault(s.cfg.Name, "entities", fmt.Errorf("decode entities: %w", err))
	}
	return entities, nil
}

func (s *Simulator) Apply(ctx context.Context, id string, cmd adapter.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return adapter.ErrNotStarted
	}
	args, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(applyPayload{EntityID: id, Kind: cmd.Kind(), Args: args})
	if err != nil {
		return err
	}
	_, err = s.exchangeLocked(ctx, request{Op: "apply", Payload: payload})
	return err
}

func (s *Simulator) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil && s.started {
		// best effort; the process is going away regardless
		_, _ = s.exchangeLocked(ctx, request{Op: "stop"})
	}
	s.teardownLocked()
	return nil
}

// Network implements the adapter.NetworkDescriber capability.
func (s *Simulator) Network(ctx context.Context) (adapter.Network, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return adapter.Network{}, adapter.ErrNotStarted
	}
	resp, err := s.exchangeLocked(ctx, request{Op: "network"})
	if err != nil {
		return adapter.Network{}, err
	}
	var network adapter.Network
	if err := json.Unmarshal(resp.Payload, &network); err != nil {
		return adapter.Network{}, adapter.NewFault(s.cfg.Name, "network", fmt.Errorf("decode network: %w", err))
	}
	return network, nil
}

func (s *Simulator) dialWithRetry(ctx context.Context) (net.Conn, error) {
	deadline := time.Now().Add(s.cfg.DialTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := net.DialTimeout("tcp", s.cfg.Addr, time.Until(deadline))
		if err == nil {
			return conn, nil
		}
		lastErr = err
		time.Sleep(100 * time.Millisecond)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("dial timeout after %s", s.cfg.DialTimeout)
	}
	return nil, lastErr
}

// exchangeLocked performs one blocking request/response round trip. Any
// transport or protocol failure is a Fault: the connection state is no
// longer trustworthy and the episode must not continue on it.
func (s *Simulator) exchangeLocked(ctx context.Context, req request) (response, error) {
	if s.conn == nil {
		return response{}, adapter.NewFault(s.cfg.Name, req.Op, errors.New("no connection"))
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(s.cfg.RequestTimeout)
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return response{}, adapter.NewFault(s.cfg.Name, req.Op, err)
	}

	if err := writeFrame(s.conn, req); err != nil {
		return response{}, adapter.NewFault(s.cfg.Name, req.Op, err)
	}
	var resp response
	if err := readFrame(s.conn, &resp); err != nil {
		return response{}, adapter.NewFault(s.cfg.Name, req.Op, err)
	}
	if resp.Status != "ok" {
		if resp.Code == codeEntityNotFound {
			return response{}, adapter.ErrEntityNotFound
		}
		return response{}, adapter.NewFault(s.cfg.Name, req.Op, fmt.Errorf("simulator error: %s", resp.Error))
	}
	return resp, nil
}

func (s *Simulator) teardownLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.killProcessLocked()
	s.started = false
}

func (s *Simulator) killProcessLocked() {
	if s.proc == nil {
		return
	}
	if s.proc.Process != nil {
		_ = s.proc.Process.Kill()
		_ = s.proc.Wait()
	}
	s.proc = nil
}

const maxFrameSize = 16 << 20

func writeFrame(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(len(payload)))
	if _, err := w.Write(size[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

func readFrame(r io.Reader, v any) error {
	var size [4]byte
	if _, err := io.ReadFull(r, size[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(size[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame size %d exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
