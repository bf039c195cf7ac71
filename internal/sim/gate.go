package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"tripcast/internal/geo"
)

type State string

const (
	StateIdle               State = "idle"
	StateRunning            State = "running"
	StatePausedAtCheckpoint State = "paused_at_checkpoint"
	StateCompleted          State = "completed"
)

var (
	ErrNotAtCheckpoint = errors.New("sim: not paused at a checkpoint")
	ErrAlreadyStarted  = errors.New("sim: already started")
)

// Transition is reported to the gate observer on every state change.
// Waypoint is the checkpoint involved, or -1. Lap marks the restart of a
// looping run, where From and To are both running.
type Transition struct {
	From     State
	To       State
	Waypoint int
	Lap      bool
}

// Gate wraps a Simulator with the checkpoint state machine:
// idle -> running -> paused_at_checkpoint -> running ... -> completed.
// Confirmation is the only way out of a checkpoint pause; Complete is an
// override from any state.
type Gate struct {
	sim     *Simulator
	observe func(Transition)

	mu       sync.Mutex
	state    State
	resume   func()
	waypoint int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewGate builds the simulator for waypoints along path. onPosition receives
// every position update; observe receives state transitions synchronously,
// in order.
func NewGate(waypoints, path []geo.Point, cfg Config, onPosition func(PositionEvent), onTick func(time.Duration), observe func(Transition)) (*Gate, error) {
	g := &Gate{
		observe:  observe,
		state:    StateIdle,
		waypoint: -1,
		done:     make(chan struct{}),
	}
	s, err := New(waypoints, path, cfg, Handlers{
		OnPosition: onPosition,
		OnArrival:  g.arrive,
		OnComplete: g.finish,
		OnTick:     onTick,
	})
	if err != nil {
		return nil, err
	}
	g.sim = s
	return g, nil
}

func (g *Gate) Simulator() *Simulator { return g.sim }

func (g *Gate) notify(t Transition) {
	if g.observe != nil {
		g.observe(t)
	}
}

// Start moves idle to running and launches the step loop.
func (g *Gate) Start(ctx context.Context, interval time.Duration) error {
	g.mu.Lock()
	if g.state != StateIdle {
		g.mu.Unlock()
		return ErrAlreadyStarted
	}
	g.state = StateRunning
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	g.notify(Transition{From: StateIdle, To: StateRunning, Waypoint: -1})
	go func() {
		defer close(g.done)
		_ = g.sim.Run(ctx, interval)
	}()
	return nil
}

func (g *Gate) arrive(waypoint int, resume func()) {
	g.mu.Lock()
	if g.state != StateRunning {
		g.mu.Unlock()
		return
	}
	g.state = StatePausedAtCheckpoint
	g.resume = resume
	g.waypoint = waypoint
	g.mu.Unlock()

	g.notify(Transition{From: StateRunning, To: StatePausedAtCheckpoint, Waypoint: waypoint})
}

// Confirm releases a checkpoint pause. It is a no-op once completed and
// fails in any other state.
func (g *Gate) Confirm() error {
	g.mu.Lock()
	switch g.state {
	case StateCompleted:
		g.mu.Unlock()
		return nil
	case StatePausedAtCheckpoint:
	default:
		g.mu.Unlock()
		return ErrNotAtCheckpoint
	}
	resume, wp := g.resume, g.waypoint
	g.resume = nil
	g.state = StateRunning
	g.mu.Unlock()

	g.notify(Transition{From: StatePausedAtCheckpoint, To: StateRunning, Waypoint: wp})
	if resume != nil {
		resume()
	}
	return nil
}

// Complete forces completion from any state. It reports false if the gate
// had already completed.
func (g *Gate) Complete() bool {
	g.mu.Lock()
	if g.state == StateCompleted {
		g.mu.Unlock()
		return false
	}
	prev := g.state
	g.state = StateCompleted
	g.resume = nil
	cancel := g.cancel
	g.mu.Unlock()

	g.sim.Halt()
	if cancel != nil {
		cancel()
	} else {
		close(g.done)
	}
	g.notify(Transition{From: prev, To: StateCompleted, Waypoint: -1})
	return true
}

func (g *Gate) finish() {
	if g.sim.cfg.Loop {
		g.notify(Transition{From: StateRunning, To: StateRunning, Waypoint: -1, Lap: true})
		return
	}
	g.mu.Lock()
	if g.state == StateCompleted {
		g.mu.Unlock()
		return
	}
	prev := g.state
	g.state = StateCompleted
	g.mu.Unlock()

	g.notify(Transition{From: prev, To: StateCompleted, Waypoint: -1})
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Waypoint is the checkpoint the gate is paused at, or -1.
func (g *Gate) Waypoint() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePausedAtCheckpoint {
		return -1
	}
	return g.waypoint
}

// Wait blocks until the step loop has exited.
func (g *Gate) Wait() { <-g.done }

// Done is closed when the step loop has exited.
func (g *Gate) Done() <-chan struct{} { return g.done }
