// Package fleet assembles the supervisor: it owns the config snapshot, the
// state store, the event bus, the scheduler and the job executor, and exposes
// the operations external surfaces call (trigger, cancel, fork, reload,
// schedule toggles, status queries, log and output streams).
//
// The manager is a strict state machine: pending, initialized, running,
// stopped. Operations that require a particular state return
// InvalidStateError otherwise. The active config snapshot is immutable;
// reload builds a fresh one and swaps a pointer, so in-flight jobs keep the
// snapshot they started with.
package fleet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"goa.design/clue/log"

	"goa.design/herdctl/config"
	"goa.design/herdctl/events"
	"goa.design/herdctl/job"
	"goa.design/herdctl/runtime"
	"goa.design/herdctl/schedule"
	"goa.design/herdctl/state"
)

type (
	// Manager supervises one fleet for the lifetime of the process.
	Manager struct {
		rootPath string
		lookup   config.Lookup
		store    state.Store
		bus      *events.Bus
		registry *job.Registry
		executor *job.Executor
		sched    *schedule.Scheduler
		runtimes runtime.Registry
		now      func() time.Time

		execOpts  []job.ExecutorOption
		schedOpts []schedule.Option

		cfg atomic.Pointer[config.ResolvedConfig]

		mu     sync.Mutex
		status state.FleetStatus

		jobCtx    context.Context
		jobCancel context.CancelFunc
		jobs      sync.WaitGroup
	}

	// ManagerOption customizes a Manager.
	ManagerOption func(*Manager)

	// StopOptions controls Stop behavior.
	StopOptions struct {
		// WaitForJobs makes Stop wait for running jobs before returning.
		WaitForJobs bool
		// Timeout bounds the wait; zero waits indefinitely.
		Timeout time.Duration
	}

	// Status is the fleet status snapshot returned by the status query.
	Status struct {
		Name        string
		Status      state.FleetStatus
		AgentCount  int
		RunningJobs int
		StartedAt   *time.Time
	}

	// AgentInfo is the agent detail snapshot returned by the agent query.
	AgentInfo struct {
		Agent       *config.Agent
		RunningJobs int
		Schedules   []state.ScheduleState
	}

	// InvalidStateError reports an operation attempted in the wrong manager
	// state.
	InvalidStateError struct {
		Op     string
		Status state.FleetStatus
	}

	// AgentNotFoundError reports an agent name that resolved to nothing.
	AgentNotFoundError struct {
		Name string
		// Available lists the qualified names in the active snapshot.
		Available []string
	}

	// AmbiguousAgentError reports a local agent name carried by more than one
	// agent; callers must use the qualified name.
	AmbiguousAgentError struct {
		Name    string
		Matches int
	}
)

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s while fleet is %s", e.Op, e.Status)
}

func (e *AgentNotFoundError) Error() string {
	if len(e.Available) == 0 {
		return fmt.Sprintf("agent %q not found", e.Name)
	}
	return fmt.Sprintf("agent %q not found (available: %s)", e.Name, strings.Join(e.Available, ", "))
}

func (e *AmbiguousAgentError) Error() string {
	return fmt.Sprintf("agent name %q matches %d agents, use the qualified name", e.Name, e.Matches)
}

// WithStore overrides the state store. The default is a FileStore at the
// conventional state directory.
func WithStore(s state.Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithRuntimes installs the runtime adapter registry.
func WithRuntimes(r runtime.Registry) ManagerOption {
	return func(m *Manager) { m.runtimes = r }
}

// WithLookup overrides the variable lookup used for config interpolation.
func WithLookup(l config.Lookup) ManagerOption {
	return func(m *Manager) { m.lookup = l }
}

// WithBus overrides the event bus.
func WithBus(b *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithClock injects the manager time source, propagated to the scheduler and
// executor.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithExecutorOptions forwards options to the job executor.
func WithExecutorOptions(opts ...job.ExecutorOption) ManagerOption {
	return func(m *Manager) { m.execOpts = append(m.execOpts, opts...) }
}

// WithSchedulerOptions forwards options to the scheduler.
func WithSchedulerOptions(opts ...schedule.Option) ManagerOption {
	return func(m *Manager) { m.schedOpts = append(m.schedOpts, opts...) }
}

// New constructs a manager for the fleet configuration rooted at rootPath.
// The manager starts in the pending state; call Initialize then Start.
func New(rootPath string, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		rootPath: rootPath,
		now:      time.Now,
		status:   state.FleetPending,
		runtimes: runtime.Registry{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.store == nil {
		fs, err := state.NewFileStore(state.DefaultDir())
		if err != nil {
			return nil, err
		}
		m.store = fs
	}
	if m.bus == nil {
		m.bus = events.NewBus()
	}
	m.registry = job.NewRegistry()
	execOpts := append([]job.ExecutorOption{job.WithClock(m.now)}, m.execOpts...)
	m.executor = job.NewExecutor(m.store, m.bus, m.registry, m.runtimes, execOpts...)
	schedOpts := append([]schedule.Option{schedule.WithClock(m.now)}, m.schedOpts...)
	m.sched = schedule.New(m.store, m.bus, m.registry, m.dispatchScheduled, schedOpts...)
	return m, nil
}

// Initialize loads and validates the fleet configuration and prepares the
// scheduler. The config snapshot becomes active but nothing fires until
// Start.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == state.FleetInitialized {
		return nil
	}
	if m.status != state.FleetPending {
		return &InvalidStateError{Op: "initialize", Status: m.status}
	}

	cfg, err := config.Load(m.rootPath, m.lookup)
	if err != nil {
		return err
	}
	m.cfg.Store(cfg)
	if err := m.sched.ApplyConfig(ctx, cfg); err != nil {
		return err
	}

	m.status = state.FleetInitialized
	if err := m.writeFleetState(ctx, nil, nil); err != nil {
		return err
	}

	now := m.now().UTC()
	m.bus.Publish(ctx, events.Initialized{Base: events.NewBase(events.TopicInitialized, now, "", nil)})
	log.Info(ctx, log.KV{K: "msg", V: "fleet initialized"},
		log.KV{K: "config", V: m.rootPath}, log.KV{K: "agents", V: len(cfg.Agents)})
	return nil
}

// Start begins scheduling. Requires the initialized state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == state.FleetRunning {
		return nil
	}
	if m.status != state.FleetInitialized {
		return &InvalidStateError{Op: "start", Status: m.status}
	}

	m.jobCtx, m.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	if err := m.sched.Start(ctx); err != nil {
		return err
	}
	m.status = state.FleetRunning

	now := m.now().UTC()
	if err := m.writeFleetState(ctx, &now, nil); err != nil {
		return err
	}
	m.bus.Publish(ctx, events.Started{Base: events.NewBase(events.TopicStarted, now, "", nil)})
	for _, a := range m.cfg.Load().Agents {
		m.bus.Publish(ctx, events.AgentStarted{Base: events.NewBase(events.TopicAgentStarted, now, a.QualifiedName, nil)})
	}
	return nil
}

// Stop halts scheduling and, per opts, waits for running jobs. When the wait
// times out the remaining jobs are cancelled and Stop returns
// ShutdownTimeoutError alongside any shutdown errors. Stopping a stopped
// fleet is a no-op.
func (m *Manager) Stop(ctx context.Context, opts StopOptions) error {
	m.mu.Lock()
	switch m.status {
	case state.FleetStopped:
		m.mu.Unlock()
		return nil
	case state.FleetRunning:
	default:
		status := m.status
		m.mu.Unlock()
		return &InvalidStateError{Op: "stop", Status: status}
	}
	// Flip the status before waiting so no new job can slip past launch
	// while the WaitGroup drains.
	m.status = state.FleetStopped
	m.mu.Unlock()

	var errs error
	err := m.sched.Stop(ctx, schedule.StopOptions{WaitForJobs: opts.WaitForJobs, Timeout: opts.Timeout})
	if err != nil {
		errs = multierr.Append(errs, err)
	}

	// Cut remaining jobs loose and wait for their goroutines to unwind.
	m.jobCancel()
	m.jobs.Wait()

	now := m.now().UTC()
	if werr := m.writeFleetState(ctx, nil, &now); werr != nil {
		errs = multierr.Append(errs, werr)
	}
	m.bus.Publish(ctx, events.Stopped{Base: events.NewBase(events.TopicStopped, now, "", nil)})
	m.bus.Close()
	log.Info(ctx, log.KV{K: "msg", V: "fleet stopped"})
	return errs
}

// Reload re-reads the fleet configuration and swaps the active snapshot.
// On any load or validation error the previous snapshot stays active and a
// config:reload_error event is published. In-flight jobs are never touched;
// agents removed by the reload simply stop scheduling.
func (m *Manager) Reload(ctx context.Context) ([]config.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != state.FleetRunning && m.status != state.FleetInitialized {
		return nil, &InvalidStateError{Op: "reload", Status: m.status}
	}

	now := m.now().UTC()
	next, err := config.Load(m.rootPath, m.lookup)
	if err != nil {
		m.bus.Publish(ctx, events.ConfigReloadError{
			Base: events.NewBase(events.TopicConfigReloadError, now, "", events.ConfigReloadErrorPayload{Error: err.Error()}),
			Data: events.ConfigReloadErrorPayload{Error: err.Error()},
		})
		log.Errorf(ctx, err, "config reload failed, keeping previous snapshot")
		return nil, err
	}

	prev := m.cfg.Load()
	changes := config.Diff(prev, next)
	m.cfg.Store(next)
	if err := m.sched.ApplyConfig(ctx, next); err != nil {
		return changes, err
	}

	for _, ch := range changes {
		if ch.Category != config.CategoryAgent {
			continue
		}
		switch ch.Type {
		case config.ChangeAdded:
			m.bus.Publish(ctx, events.AgentStarted{Base: events.NewBase(events.TopicAgentStarted, now, ch.QualifiedName, nil)})
		case config.ChangeRemoved:
			m.bus.Publish(ctx, events.AgentStopped{Base: events.NewBase(events.TopicAgentStopped, now, ch.QualifiedName, nil)})
		}
	}
	payload := events.ConfigReloadedPayload{AgentCount: len(next.Agents), Changes: changes}
	m.bus.Publish(ctx, events.ConfigReloaded{
		Base: events.NewBase(events.TopicConfigReloaded, now, "", payload),
		Data: payload,
	})
	log.Info(ctx, log.KV{K: "msg", V: "config reloaded"},
		log.KV{K: "agents", V: len(next.Agents)}, log.KV{K: "changes", V: len(changes)})
	return changes, nil
}

// writeFleetState persists the fleet lifecycle record. Called under mu.
func (m *Manager) writeFleetState(ctx context.Context, startedAt, stoppedAt *time.Time) error {
	fs, err := m.store.ReadFleetState(ctx)
	if err != nil {
		return err
	}
	fs.Version = 1
	fs.Fleet.Status = m.status
	if cfg := m.cfg.Load(); cfg != nil {
		fs.Fleet.Name = cfg.Fleet.Name
	}
	if startedAt != nil {
		fs.Fleet.StartedAt = startedAt
		fs.Fleet.StoppedAt = nil
	}
	if stoppedAt != nil {
		fs.Fleet.StoppedAt = stoppedAt
	}
	return m.store.WriteFleetState(ctx, fs)
}

// Config returns the active config snapshot.
func (m *Manager) Config() *config.ResolvedConfig { return m.cfg.Load() }

// FleetStatus returns the fleet status snapshot.
func (m *Manager) FleetStatus(ctx context.Context) (Status, error) {
	m.mu.Lock()
	status := m.status
	m.mu.Unlock()

	fs, err := m.store.ReadFleetState(ctx)
	if err != nil {
		return Status{}, err
	}
	cfg := m.cfg.Load()
	agentCount := 0
	name := fs.Fleet.Name
	if cfg != nil {
		agentCount = len(cfg.Agents)
		name = cfg.Fleet.Name
	}
	return Status{
		Name:        name,
		Status:      status,
		AgentCount:  agentCount,
		RunningJobs: len(m.registry.RunningIDs()),
		StartedAt:   fs.Fleet.StartedAt,
	}, nil
}

// Agent returns the detail snapshot for one agent. Name may be a qualified
// name or an unambiguous local name.
func (m *Manager) Agent(ctx context.Context, name string) (AgentInfo, error) {
	a, err := m.resolveAgent(name)
	if err != nil {
		return AgentInfo{}, err
	}
	var scheds []state.ScheduleState
	for _, ss := range m.sched.ScheduleStates(ctx) {
		if ss.Agent == a.QualifiedName {
			scheds = append(scheds, ss)
		}
	}
	return AgentInfo{
		Agent:       a,
		RunningJobs: m.registry.RunningCount(a.QualifiedName),
		Schedules:   scheds,
	}, nil
}

// Schedules returns the state of every polled schedule.
func (m *Manager) Schedules(ctx context.Context) []state.ScheduleState {
	return m.sched.ScheduleStates(ctx)
}

// Jobs lists stored jobs newest first.
func (m *Manager) Jobs(ctx context.Context, filter state.JobFilter, limit, offset int) (state.JobPage, error) {
	return m.store.ListJobs(ctx, filter, limit, offset)
}

// Job returns one job's metadata.
func (m *Manager) Job(ctx context.Context, id string) (state.Job, error) {
	return m.store.GetJob(ctx, id)
}

// EnableSchedule turns a schedule on by (agent, schedule) name.
func (m *Manager) EnableSchedule(ctx context.Context, agent, name string) error {
	a, err := m.resolveAgent(agent)
	if err != nil {
		return err
	}
	return m.sched.EnableSchedule(ctx, a.QualifiedName, name)
}

// DisableSchedule turns a schedule off. Running jobs are unaffected.
func (m *Manager) DisableSchedule(ctx context.Context, agent, name string) error {
	a, err := m.resolveAgent(agent)
	if err != nil {
		return err
	}
	return m.sched.DisableSchedule(ctx, a.QualifiedName, name)
}

// resolveAgent resolves a qualified or unambiguous local agent name against
// the active snapshot.
func (m *Manager) resolveAgent(name string) (*config.Agent, error) {
	cfg := m.cfg.Load()
	if cfg == nil {
		return nil, &AgentNotFoundError{Name: name}
	}
	if a := cfg.AgentByQualifiedName(name); a != nil {
		return a, nil
	}
	a, n := cfg.AgentByLocalName(name)
	switch {
	case n == 0:
		available := lo.Map(cfg.Agents, func(a *config.Agent, _ int) string { return a.QualifiedName })
		return nil, &AgentNotFoundError{Name: name, Available: available}
	case n > 1:
		return nil, &AmbiguousAgentError{Name: name, Matches: n}
	}
	return a, nil
}
