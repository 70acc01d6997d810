// Package schedule polls interval and cron schedules and fires due ones
// through a dispatch callback. The scheduler owns the per-schedule durable
// state (last run, next run, trigger and skip counters) and enforces the
// per-agent concurrency gate before every fire: a due schedule whose agent
// is at capacity is skipped, not queued, and stays due on the next tick.
package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"goa.design/herdctl/config"
	"goa.design/herdctl/events"
	"goa.design/herdctl/job"
	"goa.design/herdctl/state"
)

type (
	// Dispatch creates and runs one job for a fired schedule. The scheduler
	// calls it on the tick goroutine; implementations must return quickly
	// and run the job asynchronously.
	Dispatch func(ctx context.Context, agent *config.Agent, sched config.Schedule, triggerID string)

	// Scheduler drives the polling loop over the active config snapshot.
	Scheduler struct {
		store    state.Store
		bus      *events.Bus
		registry *job.Registry
		dispatch Dispatch

		now  func() time.Time
		tick time.Duration

		cfg atomic.Pointer[config.ResolvedConfig]

		mu     sync.Mutex
		states map[state.ScheduleKey]*state.ScheduleState
		crons  map[state.ScheduleKey]cronEntry

		runMu   sync.Mutex
		running bool
		stop    chan struct{}
		done    chan struct{}
	}

	// cronEntry caches a parsed cron expression so the expression is parsed
	// once per config generation, not once per tick.
	cronEntry struct {
		expr string
		next func(time.Time) time.Time
	}

	// Option customizes a Scheduler.
	Option func(*Scheduler)

	// StopOptions controls shutdown behavior.
	StopOptions struct {
		// WaitForJobs makes Stop block until running jobs finish (or Timeout
		// elapses) instead of returning immediately.
		WaitForJobs bool
		// Timeout bounds the wait. Zero means wait indefinitely.
		Timeout time.Duration
	}

	// ShutdownTimeoutError reports jobs still running when the stop timeout
	// expired.
	ShutdownTimeoutError struct {
		PendingJobIDs []string
	}

	// UnknownScheduleError reports an enable/disable request for a schedule
	// the active config does not define.
	UnknownScheduleError struct {
		Agent string
		Name  string
	}
)

// DefaultTick is the polling period.
const DefaultTick = time.Second

// SkipReasonConcurrency is the skip reason recorded when the agent's
// running-job cap suppressed a fire.
const SkipReasonConcurrency = "concurrency"

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown timed out with %d jobs running: %s",
		len(e.PendingJobIDs), strings.Join(e.PendingJobIDs, ", "))
}

func (e *UnknownScheduleError) Error() string {
	return fmt.Sprintf("agent %s has no schedule %q", e.Agent, e.Name)
}

// WithClock injects the scheduler time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTick overrides the polling period.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// New constructs a scheduler. ApplyConfig must be called before Start.
func New(store state.Store, bus *events.Bus, registry *job.Registry, dispatch Dispatch, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		bus:      bus,
		registry: registry,
		dispatch: dispatch,
		now:      time.Now,
		tick:     DefaultTick,
		states:   make(map[state.ScheduleKey]*state.ScheduleState),
		crons:    make(map[state.ScheduleKey]cronEntry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyConfig installs a config snapshot. Schedule state is retained for
// every (agent, schedule) pair that survives; state for removed pairs is
// pruned from memory and disk. Safe to call while the loop runs.
func (s *Scheduler) ApplyConfig(ctx context.Context, cfg *config.ResolvedConfig) error {
	s.cfg.Store(cfg)

	keep := make(map[state.ScheduleKey]bool)
	for _, a := range cfg.Agents {
		for _, sched := range a.PolledSchedules() {
			keep[state.ScheduleKey{Agent: a.QualifiedName, Name: sched.Name}] = true
		}
	}

	s.mu.Lock()
	for k := range s.states {
		if !keep[k] {
			delete(s.states, k)
		}
	}
	for k := range s.crons {
		if !keep[k] {
			delete(s.crons, k)
		}
	}
	s.mu.Unlock()

	if err := s.store.PruneScheduleStates(ctx, keep); err != nil {
		return fmt.Errorf("prune schedule state: %w", err)
	}
	return nil
}

// Start launches the polling loop. Returns an error if already running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx)
	log.Info(ctx, log.KV{K: "msg", V: "scheduler started"}, log.KV{K: "tick", V: s.tick.String()})
	return nil
}

// Stop halts the polling loop. With WaitForJobs it then waits for running
// jobs up to Timeout and returns ShutdownTimeoutError on expiry.
func (s *Scheduler) Stop(ctx context.Context, opts StopOptions) error {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.runMu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !opts.WaitForJobs {
		return nil
	}
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	if err := s.registry.WaitIdle(waitCtx); err != nil {
		return &ShutdownTimeoutError{PendingJobIDs: s.registry.RunningIDs()}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll evaluates every polled schedule once, in (agent, schedule) order.
// Exported so tests and the manager can drive ticks directly.
func (s *Scheduler) Poll(ctx context.Context) {
	cfg := s.cfg.Load()
	if cfg == nil {
		return
	}
	for _, a := range cfg.Agents {
		for _, sched := range a.PolledSchedules() {
			s.evaluate(ctx, a, sched)
		}
	}
}

// evaluate checks one schedule for dueness and fires or skips it.
func (s *Scheduler) evaluate(ctx context.Context, agent *config.Agent, sched config.Schedule) {
	key := state.ScheduleKey{Agent: agent.QualifiedName, Name: sched.Name}
	now := s.now().UTC()

	s.mu.Lock()
	ss, err := s.stateLocked(ctx, key, sched)
	if err != nil {
		s.mu.Unlock()
		log.Errorf(ctx, err, "read schedule state %s/%s", key.Agent, key.Name)
		return
	}
	ss.LastCheckAt = &now
	if !ss.Enabled {
		s.mu.Unlock()
		return
	}

	due, persist := s.dueLocked(key, sched, ss, now)
	if !due {
		s.mu.Unlock()
		if persist {
			s.persist(ctx, ss)
		}
		return
	}

	if s.registry.RunningCount(agent.QualifiedName) >= agent.MaxConcurrent {
		// At capacity: record the skip and leave last/next run untouched so
		// the schedule stays due.
		ss.SkipCount++
		snap := *ss
		s.mu.Unlock()
		s.persist(ctx, &snap)
		s.bus.Publish(ctx, events.ScheduleSkipped{
			Base: events.NewBase(events.TopicScheduleSkipped, now, agent.QualifiedName,
				events.ScheduleSkippedPayload{Schedule: sched.Name, Reason: SkipReasonConcurrency}),
			Data: events.ScheduleSkippedPayload{Schedule: sched.Name, Reason: SkipReasonConcurrency},
		})
		log.Debugf(ctx, "schedule %s/%s skipped: %s at concurrency cap", key.Agent, key.Name, agent.QualifiedName)
		return
	}

	triggerID := uuid.NewString()
	ss.LastRunAt = &now
	ss.LastTriggerID = triggerID
	ss.TriggerCount++
	if sched.Kind == config.KindCron {
		if c, ok := s.cronLocked(key, sched); ok {
			next := c.next(now)
			ss.NextRunAt = &next
		}
	}
	snap := *ss
	s.mu.Unlock()

	s.persist(ctx, &snap)
	s.bus.Publish(ctx, events.ScheduleTriggered{
		Base: events.NewBase(events.TopicScheduleTriggered, now, agent.QualifiedName,
			events.ScheduleTriggeredPayload{Schedule: sched.Name, TriggerID: triggerID, FiredAt: now}),
		Data: events.ScheduleTriggeredPayload{Schedule: sched.Name, TriggerID: triggerID, FiredAt: now},
	})
	s.dispatch(ctx, agent, sched, triggerID)
}

// dueLocked reports whether the schedule is due at now. The second return
// signals that the state changed (cron next-run seeding) and needs a write.
func (s *Scheduler) dueLocked(key state.ScheduleKey, sched config.Schedule, ss *state.ScheduleState, now time.Time) (bool, bool) {
	switch sched.Kind {
	case config.KindInterval:
		if ss.LastRunAt == nil {
			return true, false
		}
		return now.Sub(*ss.LastRunAt) >= sched.Interval, false
	case config.KindCron:
		c, ok := s.cronLocked(key, sched)
		if !ok {
			return false, false
		}
		if ss.NextRunAt == nil {
			next := c.next(now)
			ss.NextRunAt = &next
			return false, true
		}
		return !now.Before(*ss.NextRunAt), false
	}
	return false, false
}

// stateLocked returns the cached state for key, loading from the store and
// seeding from config on first sight.
func (s *Scheduler) stateLocked(ctx context.Context, key state.ScheduleKey, sched config.Schedule) (*state.ScheduleState, error) {
	if ss, ok := s.states[key]; ok {
		return ss, nil
	}
	ss, ok, err := s.store.ReadScheduleState(ctx, key.Agent, key.Name)
	if err != nil {
		return nil, err
	}
	if !ok {
		ss = state.ScheduleState{Agent: key.Agent, Name: key.Name, Enabled: sched.Enabled}
	}
	s.states[key] = &ss
	return &ss, nil
}

// cronLocked returns the parsed cron entry for key, re-parsing when the
// expression changed since the last config generation.
func (s *Scheduler) cronLocked(key state.ScheduleKey, sched config.Schedule) (cronEntry, bool) {
	if c, ok := s.crons[key]; ok && c.expr == sched.Cron {
		return c, true
	}
	parsed, err := config.ParseCron(sched.Cron)
	if err != nil {
		// Load validates expressions; reaching here means the snapshot was
		// built without validation.
		return cronEntry{}, false
	}
	c := cronEntry{expr: sched.Cron, next: parsed.Next}
	s.crons[key] = c
	return c, true
}

func (s *Scheduler) persist(ctx context.Context, ss *state.ScheduleState) {
	if err := s.store.WriteScheduleState(ctx, *ss); err != nil {
		log.Errorf(ctx, err, "persist schedule state %s/%s", ss.Agent, ss.Name)
	}
}

// EnableSchedule turns a schedule on. Cron schedules recompute their next
// fire from now so a long-disabled schedule does not fire for a past slot.
func (s *Scheduler) EnableSchedule(ctx context.Context, agent, name string) error {
	return s.setEnabled(ctx, agent, name, true)
}

// DisableSchedule turns a schedule off. Running jobs are unaffected.
func (s *Scheduler) DisableSchedule(ctx context.Context, agent, name string) error {
	return s.setEnabled(ctx, agent, name, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, agent, name string, enabled bool) error {
	cfg := s.cfg.Load()
	if cfg == nil {
		return &UnknownScheduleError{Agent: agent, Name: name}
	}
	a := cfg.AgentByQualifiedName(agent)
	if a == nil {
		return &UnknownScheduleError{Agent: agent, Name: name}
	}
	sched, ok := a.Schedules[name]
	if !ok {
		return &UnknownScheduleError{Agent: agent, Name: name}
	}

	key := state.ScheduleKey{Agent: agent, Name: name}
	s.mu.Lock()
	ss, err := s.stateLocked(ctx, key, sched)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ss.Enabled = enabled
	if enabled {
		ss.NextRunAt = nil
	}
	snap := *ss
	s.mu.Unlock()

	if err := s.store.WriteScheduleState(ctx, snap); err != nil {
		return err
	}
	log.Info(ctx, log.KV{K: "msg", V: "schedule toggled"},
		log.KV{K: "agent", V: agent}, log.KV{K: "schedule", V: name}, log.KV{K: "enabled", V: enabled})
	return nil
}

// ScheduleStates returns the current state for every polled schedule of the
// active config, in (agent, schedule) order. Schedules never observed yet
// report config defaults.
func (s *Scheduler) ScheduleStates(ctx context.Context) []state.ScheduleState {
	cfg := s.cfg.Load()
	if cfg == nil {
		return nil
	}
	var out []state.ScheduleState
	s.mu.Lock()
	for _, a := range cfg.Agents {
		for _, sched := range a.PolledSchedules() {
			key := state.ScheduleKey{Agent: a.QualifiedName, Name: sched.Name}
			ss, err := s.stateLocked(ctx, key, sched)
			if err != nil {
				continue
			}
			out = append(out, *ss)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Agent != out[j].Agent {
			return out[i].Agent < out[j].Agent
		}
		return out[i].Name < out[j].Name
	})
	return out
}
