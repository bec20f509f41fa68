// Package orchestrator maintains the registry of per-VM actors and routes
// commands to them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/virtkeys/virtkeys/internal/actor"
	"github.com/virtkeys/virtkeys/pkg/hypervisor"
	"github.com/virtkeys/virtkeys/pkg/keymap"
	"github.com/virtkeys/virtkeys/pkg/qmp"
)

// Error variables for orchestrator operations. Lookup errors are returned
// synchronously to the caller; they represent caller misuse, not a VM-side
// fault, and are never converted to events.
var (
	ErrLinkRequired     = errors.New("hypervisor link is required")
	ErrMappingRequired  = errors.New("key mapping is required")
	ErrVmNotFound       = errors.New("vm not found")
	ErrActorNotFound    = errors.New("no actor registered for vm")
	ErrAlreadySpawned   = errors.New("actor already spawned for vm")
	ErrCommandQueueFull = errors.New("actor command queue is full")
)

// SessionDialer opens a monitor session against an endpoint. The default
// dials the QMP socket; tests substitute fakes.
type SessionDialer func(ctx context.Context, endpoint string) (actor.Session, error)

// Config configures an Orchestrator. Link and Mapping are required.
type Config struct {
	Link      hypervisor.Link
	Mapping   *keymap.Mapping
	Agent     actor.AgentSignal
	Evaluator actor.TestEvaluator
	KeyDelay  time.Duration
	KeyHold   time.Duration
	QueueSize int
	Dial      SessionDialer
	Logger    *slog.Logger
}

// Handle is the caller-facing view of a spawned actor: its name, the send
// side of its command channel and the receive side of its event channel.
type Handle struct {
	Name     string
	Commands chan<- actor.Command
	Events   <-chan actor.Event
}

// Orchestrator owns one actor handle per spawned VM. All registry access
// is serialized through its mutex; the actors themselves share no state.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	actors   map[string]*actor.Actor
	spawning map[string]struct{}

	wg sync.WaitGroup
}

// New creates an orchestrator with an empty registry.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Link == nil {
		return nil, ErrLinkRequired
	}
	if cfg.Mapping == nil {
		return nil, ErrMappingRequired
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, endpoint string) (actor.Session, error) {
			return qmp.Connect(ctx, endpoint)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Orchestrator{
		cfg:      cfg,
		logger:   cfg.Logger,
		actors:   make(map[string]*actor.Actor),
		spawning: make(map[string]struct{}),
	}, nil
}

// Discover returns the currently active VM descriptors. Read-only; the
// registry is not touched.
func (o *Orchestrator) Discover(ctx context.Context) ([]hypervisor.Domain, error) {
	return o.cfg.Link.ListActive(ctx)
}

// Spawn resolves the VM's monitor endpoint, opens a session, starts its
// actor and registers the handle. Fails with ErrVmNotFound when the
// hypervisor cannot resolve the name and leaves the registry unchanged on
// any failure. Spawning an already-registered name is rejected with
// ErrAlreadySpawned.
func (o *Orchestrator) Spawn(ctx context.Context, name string) (*Handle, error) {
	return o.spawn(ctx, ctx, name)
}

// spawn separates the context bounding the spawn operation (lookup, dial)
// from the context the actor runs on. SpawnAll's errgroup context is
// cancelled as soon as the group finishes, so actor lifetimes must not be
// tied to it.
func (o *Orchestrator) spawn(opCtx, runCtx context.Context, name string) (*Handle, error) {
	o.mu.Lock()
	if _, ok := o.actors[name]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySpawned, name)
	}
	if _, ok := o.spawning[name]; ok {
		o.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadySpawned, name)
	}
	o.spawning[name] = struct{}{}
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.spawning, name)
		o.mu.Unlock()
	}()

	domain, err := o.cfg.Link.Lookup(opCtx, name)
	if err != nil {
		if errors.Is(err, hypervisor.ErrDomainNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrVmNotFound, name)
		}
		return nil, err
	}

	endpoint, err := o.cfg.Link.MonitorEndpoint(opCtx, *domain)
	if err != nil {
		return nil, err
	}

	session, err := o.cfg.Dial(opCtx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("open monitor session for %s: %w", name, err)
	}

	a, err := actor.New(actor.Config{
		Name:      name,
		Session:   session,
		Mapping:   o.cfg.Mapping,
		Agent:     o.cfg.Agent,
		Evaluator: o.cfg.Evaluator,
		KeyDelay:  o.cfg.KeyDelay,
		KeyHold:   o.cfg.KeyHold,
		QueueSize: o.cfg.QueueSize,
		Logger:    o.logger,
	})
	if err != nil {
		_ = session.Close()
		return nil, err
	}

	o.mu.Lock()
	o.actors[name] = a
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		a.Run(runCtx)
	}()

	o.logger.Info("spawned vm actor", "vmName", name, "endpoint", endpoint)

	return &Handle{Name: name, Commands: a.Commands(), Events: a.Events()}, nil
}

// SpawnAll discovers the active VMs and spawns an actor for each one that
// exposes a monitor endpoint, in parallel. VMs without an endpoint are
// skipped. Returns the names spawned.
func (o *Orchestrator) SpawnAll(ctx context.Context) ([]string, error) {
	domains, err := o.Discover(ctx)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		spawned []string
	)
	// The group context only bounds the spawn operations; actors run on
	// the caller's context so they outlive the discovery group.
	g, gctx := errgroup.WithContext(ctx)

	for _, domain := range domains {
		g.Go(func() error {
			_, err := o.spawn(gctx, ctx, domain.Name)
			if err != nil {
				if errors.Is(err, hypervisor.ErrNoMonitorEndpoint) {
					o.logger.Debug("skipping vm without monitor endpoint", "vmName", domain.Name)
					return nil
				}
				return fmt.Errorf("spawning actor for %s: %w", domain.Name, err)
			}
			mu.Lock()
			spawned = append(spawned, domain.Name)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return spawned, err
	}
	return spawned, nil
}

// Handle returns the handle for a registered actor.
func (o *Orchestrator) Handle(name string) (*Handle, error) {
	o.mu.Lock()
	a, ok := o.actors[name]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, name)
	}
	return &Handle{Name: name, Commands: a.Commands(), Events: a.Events()}, nil
}

// Send enqueues a command for one VM without waiting for its result;
// observation is the caller's responsibility via the actor's event stream.
// The command queue is bounded: a full queue rejects the submission with
// ErrCommandQueueFull rather than blocking the caller.
func (o *Orchestrator) Send(name string, cmd actor.Command) error {
	o.mu.Lock()
	a, ok := o.actors[name]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrActorNotFound, name)
	}
	return o.enqueue(a, cmd)
}

// Broadcast submits the same command to every registered actor. A
// submission failure for one VM does not prevent submission to the others;
// the first error encountered is reported.
func (o *Orchestrator) Broadcast(cmd actor.Command) error {
	var firstErr error
	for name, a := range o.snapshot() {
		if err := o.enqueue(a, cmd); err != nil {
			o.logger.Warn("broadcast submission failed", "vmName", name, "command", cmd.Kind(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return firstErr
}

// RunBatchTest broadcasts RunTestCase and collects one verdict per
// registered actor, correlated by test id: unrelated events received while
// waiting are skipped, and an Error event or context expiry classifies the
// VM as failed. The returned map's key set equals the registry's key set
// at call time.
func (o *Orchestrator) RunBatchTest(ctx context.Context, testID string) (map[string]bool, error) {
	snapshot := o.snapshot()
	results := make(map[string]bool, len(snapshot))
	pending := make(map[string]*actor.Actor, len(snapshot))

	for name, a := range snapshot {
		if err := o.enqueue(a, actor.RunTestCase{ID: testID}); err != nil {
			o.logger.Warn("batch test submission failed", "vmName", name, "testId", testID, "error", err)
			results[name] = false
			continue
		}
		pending[name] = a
	}

	for name, a := range pending {
		results[name] = o.awaitVerdict(ctx, a, testID)
	}

	return results, nil
}

// ShutdownAll broadcasts Shutdown to every registered actor.
func (o *Orchestrator) ShutdownAll() error {
	return o.Broadcast(actor.Shutdown{})
}

// WaitAll blocks until every spawned actor has terminated.
func (o *Orchestrator) WaitAll() {
	o.wg.Wait()
}

func (o *Orchestrator) snapshot() map[string]*actor.Actor {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]*actor.Actor, len(o.actors))
	for name, a := range o.actors {
		out[name] = a
	}
	return out
}

func (o *Orchestrator) enqueue(a *actor.Actor, cmd actor.Command) error {
	select {
	case a.Commands() <- cmd:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrCommandQueueFull, a.Name())
	}
}

func (o *Orchestrator) awaitVerdict(ctx context.Context, a *actor.Actor, testID string) bool {
	for {
		select {
		case ev, ok := <-a.Events():
			if !ok {
				return false
			}
			switch e := ev.(type) {
			case actor.TestCaseCompleted:
				if e.ID == testID {
					return e.Passed
				}
			case actor.Error:
				return false
			default:
				// Unrelated event between submission and completion;
				// keep waiting for the id-matched verdict.
			}
		case <-ctx.Done():
			return false
		}
	}
}
