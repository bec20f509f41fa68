// Package actor runs one message-driven state machine per virtual machine.
//
// Each actor exclusively owns one monitor session and consumes commands
// from a private channel, strictly one at a time in FIFO submission order,
// so protocol calls for one VM never interleave. N actors run concurrently
// with no shared mutable state between them.
package actor

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/virtkeys/virtkeys/internal/metrics"
	"github.com/virtkeys/virtkeys/pkg/keymap"
	"github.com/virtkeys/virtkeys/pkg/qmp"
)

var (
	ErrSessionRequired = errors.New("monitor session is required")
	ErrMappingRequired = errors.New("key mapping is required")
	ErrNameRequired    = errors.New("vm name is required")
	ErrNoAgentSignal   = errors.New("no agent signal configured")
	ErrNoEvaluator     = errors.New("no test evaluator configured")

	// ErrAgentDisconnected is returned by AgentSignal implementations when
	// a previously-connected agent drops.
	ErrAgentDisconnected = errors.New("agent disconnected")

	errGuestProcessRunning = errors.New("guest process still running")
)

const (
	// DefaultQueueSize bounds the command and event channels. Submissions
	// to a full command queue are rejected, not blocked; see the
	// orchestrator's ErrCommandQueueFull.
	DefaultQueueSize = 64

	// DefaultKeyDelay is the debounce delay between successive key
	// operations, respecting guest input timing.
	DefaultKeyDelay = 50 * time.Millisecond

	// DefaultKeyHold is how long a batched send-key request holds each
	// key down.
	DefaultKeyHold = 100 * time.Millisecond
)

// State is the lifecycle state of an actor. Transitions are one-way:
// Starting -> Running -> Stopping -> Stopped.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Session is the subset of the monitor session driven by an actor. Only
// the owning actor ever calls it, which enforces the protocol's
// single-flight invariant structurally.
type Session interface {
	SendKey(ctx context.Context, code string, hold time.Duration) error
	SendKeyEvent(ctx context.Context, code string, down bool) error
	QueryStatus(ctx context.Context) (*qmp.StatusResult, error)
	GuestExec(ctx context.Context, path string, args []string) (int, error)
	GuestExecStatus(ctx context.Context, pid int) (*qmp.GuestExecStatusResult, error)
	Close() error
}

// AgentSignal is the injected collaborator reporting guest agent
// readiness. WaitConnected blocks until the agent is available, the
// context expires, or the agent is known to have dropped
// (ErrAgentDisconnected).
type AgentSignal interface {
	WaitConnected(ctx context.Context) error
}

// TestEvaluator is the injected collaborator producing pass/fail verdicts
// for test cases. Script returns the keystroke script driving a test case,
// or false when the case has none.
type TestEvaluator interface {
	Script(testID string) (string, bool)
	Evaluate(ctx context.Context, vmName, testID string) (bool, error)
}

// Config configures an Actor. Name, Session and Mapping are required;
// Agent and Evaluator may be nil, in which case the commands needing them
// fail with an Error event.
type Config struct {
	Name      string
	Session   Session
	Mapping   *keymap.Mapping
	Agent     AgentSignal
	Evaluator TestEvaluator
	KeyDelay  time.Duration
	KeyHold   time.Duration
	QueueSize int
	Logger    *slog.Logger
}

// Actor is a single-goroutine cooperative loop bound to one monitor
// session and one key mapping.
type Actor struct {
	name      string
	session   Session
	mapping   *keymap.Mapping
	agent     AgentSignal
	evaluator TestEvaluator
	keyDelay  time.Duration
	keyHold   time.Duration
	logger    *slog.Logger

	cmds   chan Command
	events chan Event

	state          atomic.Value // State
	agentConnected bool
}

// New creates an actor in the Starting state. Run starts its loop.
func New(cfg Config) (*Actor, error) {
	if cfg.Name == "" {
		return nil, ErrNameRequired
	}
	if cfg.Session == nil {
		return nil, ErrSessionRequired
	}
	if cfg.Mapping == nil {
		return nil, ErrMappingRequired
	}

	if cfg.KeyDelay == 0 {
		cfg.KeyDelay = DefaultKeyDelay
	}
	if cfg.KeyHold == 0 {
		cfg.KeyHold = DefaultKeyHold
	}
	if cfg.QueueSize == 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	a := &Actor{
		name:      cfg.Name,
		session:   cfg.Session,
		mapping:   cfg.Mapping,
		agent:     cfg.Agent,
		evaluator: cfg.Evaluator,
		keyDelay:  cfg.KeyDelay,
		keyHold:   cfg.KeyHold,
		logger:    cfg.Logger.With("vmName", cfg.Name),
		cmds:      make(chan Command, cfg.QueueSize),
		events:    make(chan Event, cfg.QueueSize),
	}
	a.state.Store(StateStarting)
	return a, nil
}

// Name returns the VM name the actor is bound to.
func (a *Actor) Name() string { return a.name }

// Commands returns the send side of the actor's command channel.
func (a *Actor) Commands() chan<- Command { return a.cmds }

// Events returns the receive side of the actor's event channel. It is
// closed after the final Stopped event.
func (a *Actor) Events() <-chan Event { return a.events }

// State returns the actor's current lifecycle state.
func (a *Actor) State() State { return a.state.Load().(State) }

// Run executes the actor loop until a Shutdown command arrives or the
// command channel is closed, then closes the session and emits Stopped as
// the final event. A failing command never terminates the loop; its error
// is converted to an Error event and processing continues.
func (a *Actor) Run(ctx context.Context) {
	metrics.ActorsRunning.Inc()
	defer metrics.ActorsRunning.Dec()

	a.state.Store(StateRunning)
	a.emit(Started{Name: a.name})
	a.logger.Info("vm actor started")

	for cmd := range a.cmds {
		if _, ok := cmd.(Shutdown); ok {
			a.state.Store(StateStopping)
			break
		}
		a.dispatch(ctx, cmd)
	}

	if err := a.session.Close(); err != nil {
		a.logger.Warn("closing monitor session", "error", err)
	}

	a.state.Store(StateStopped)
	a.emit(Stopped{})
	close(a.events)
	a.logger.Info("vm actor stopped")
}

// dispatch processes one command and emits its single terminal event.
func (a *Actor) dispatch(ctx context.Context, cmd Command) {
	a.logger.Debug("processing command", "command", cmd.Kind())

	event, err := a.handle(ctx, cmd)
	if err != nil {
		metrics.ActorCommandsProcessed.WithLabelValues(cmd.Kind(), "error").Inc()
		a.logger.Warn("command failed", "command", cmd.Kind(), "error", err)
		a.emit(Error{Message: err.Error()})
		return
	}

	metrics.ActorCommandsProcessed.WithLabelValues(cmd.Kind(), "ok").Inc()
	a.emit(event)
}

func (a *Actor) handle(ctx context.Context, cmd Command) (Event, error) {
	switch c := cmd.(type) {
	case SendKeys:
		return a.handleSendKeys(ctx, c)
	case SendText:
		return a.handleSendText(ctx, c)
	case QueryStatus:
		return a.handleQueryStatus(ctx)
	case WaitForAgent:
		return a.handleWaitForAgent(ctx, c)
	case RunTestCase:
		return a.handleRunTestCase(ctx, c)
	case GuestExec:
		return a.handleGuestExec(ctx, c)
	case GuestExecStatus:
		return a.handleGuestExecStatus(ctx, c)
	default:
		return nil, fmt.Errorf("unhandled command: %s", cmd.Kind())
	}
}

// handleSendKeys presses each code in order. The first failure aborts the
// remaining keys.
func (a *Actor) handleSendKeys(ctx context.Context, c SendKeys) (Event, error) {
	for i, code := range c.Codes {
		if i > 0 {
			a.debounce(ctx)
		}
		if err := a.session.SendKey(ctx, code, a.keyHold); err != nil {
			return nil, fmt.Errorf("send key %q: %w", code, err)
		}
	}
	return KeysSent{Count: len(c.Codes)}, nil
}

// handleSendText compiles the text first; a compile failure surfaces
// without any key press being attempted.
func (a *Actor) handleSendText(ctx context.Context, c SendText) (Event, error) {
	ops, err := a.mapping.Compile(c.Text)
	if err != nil {
		return nil, fmt.Errorf("compile text: %w", err)
	}
	for i, op := range ops {
		if i > 0 {
			a.debounce(ctx)
		}
		if err := a.session.SendKeyEvent(ctx, op.Code, op.Pressed); err != nil {
			return nil, fmt.Errorf("send key event %q: %w", op.Code, err)
		}
	}
	return KeysSent{Count: len(ops)}, nil
}

func (a *Actor) handleQueryStatus(ctx context.Context) (Event, error) {
	status, err := a.session.QueryStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("query status: %w", err)
	}
	return StatusReported{Running: status.Running, Status: status.Status}, nil
}

func (a *Actor) handleWaitForAgent(ctx context.Context, c WaitForAgent) (Event, error) {
	if a.agent == nil {
		return nil, ErrNoAgentSignal
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	if err := a.agent.WaitConnected(waitCtx); err != nil {
		if errors.Is(err, ErrAgentDisconnected) && a.agentConnected {
			a.agentConnected = false
			return AgentDisconnected{}, nil
		}
		return nil, fmt.Errorf("wait for agent: %w", err)
	}

	a.agentConnected = true
	return AgentConnected{}, nil
}

func (a *Actor) handleRunTestCase(ctx context.Context, c RunTestCase) (Event, error) {
	if a.evaluator == nil {
		return nil, ErrNoEvaluator
	}

	if script, ok := a.evaluator.Script(c.ID); ok {
		if _, err := a.handleSendText(ctx, SendText{Text: script}); err != nil {
			return nil, fmt.Errorf("test case %s: %w", c.ID, err)
		}
	}

	passed, err := a.evaluator.Evaluate(ctx, a.name, c.ID)
	if err != nil {
		return nil, fmt.Errorf("evaluate test case %s: %w", c.ID, err)
	}
	return TestCaseCompleted{ID: c.ID, Passed: passed}, nil
}

func (a *Actor) handleGuestExec(ctx context.Context, c GuestExec) (Event, error) {
	pid, err := a.session.GuestExec(ctx, c.Path, c.Args)
	if err != nil {
		return nil, fmt.Errorf("guest exec %s: %w", c.Path, err)
	}
	return GuestExecStarted{PID: pid}, nil
}

func (a *Actor) handleGuestExecStatus(ctx context.Context, c GuestExecStatus) (Event, error) {
	status, err := a.session.GuestExecStatus(ctx, c.PID)
	if err != nil {
		return nil, fmt.Errorf("guest exec status pid=%d: %w", c.PID, err)
	}
	if !status.Exited {
		return nil, fmt.Errorf("%w: pid=%d", errGuestProcessRunning, c.PID)
	}

	output, err := base64.StdEncoding.DecodeString(status.OutData)
	if err != nil {
		return nil, fmt.Errorf("decode guest output pid=%d: %w", c.PID, err)
	}
	return GuestExecCompleted{PID: c.PID, ExitCode: status.ExitCode, Output: string(output)}, nil
}

func (a *Actor) emit(ev Event) {
	a.events <- ev
}

// debounce pauses between successive key operations.
func (a *Actor) debounce(ctx context.Context) {
	timer := time.NewTimer(a.keyDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
