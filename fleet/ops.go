package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"

	"goa.design/herdctl/config"
	"goa.design/herdctl/events"
	"goa.design/herdctl/job"
	"goa.design/herdctl/state"
)

type (
	// TriggerRequest asks the manager to run an agent now.
	TriggerRequest struct {
		// Agent is a qualified name or an unambiguous local name.
		Agent string
		// Schedule, when set, names the schedule supplying the default
		// prompt and recorded on the job.
		Schedule string
		// Prompt overrides the schedule prompt when non-empty.
		Prompt string
		// TriggerType defaults to manual.
		TriggerType state.TriggerType
		// ChannelKey, when set, makes the job resume and refresh the
		// per-channel session. Chat triggers set it.
		ChannelKey string
		// Bypass skips the per-agent concurrency gate. Manual triggers from
		// an operator may set it; scheduled fires never do.
		Bypass bool
	}

	// ForkRequest asks the manager to branch a new job off a terminal one.
	ForkRequest struct {
		ParentJobID string
		// Schedule, when set, names the schedule recorded on the child and
		// supplying the default prompt.
		Schedule string
		// Prompt overrides the schedule prompt when non-empty.
		Prompt string
	}

	// ConcurrencyLimitError reports a trigger refused because the agent is
	// at its running-job cap.
	ConcurrencyLimitError struct {
		Agent   string
		Running int
		Limit   int
	}

	// ScheduleNotFoundError reports a schedule name the agent does not
	// define.
	ScheduleNotFoundError struct {
		Agent string
		Name  string
	}
)

// ErrParentNotTerminal indicates a fork of a job that has not finished.
var ErrParentNotTerminal = errors.New("parent job is not terminal")

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("agent %s at concurrency limit (%d/%d)", e.Agent, e.Running, e.Limit)
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("agent %s has no schedule %q", e.Agent, e.Name)
}

// Trigger creates and launches a job for the agent. It returns the created
// job without waiting for it to finish.
func (m *Manager) Trigger(ctx context.Context, req TriggerRequest) (state.Job, error) {
	if err := m.requireRunning("trigger"); err != nil {
		return state.Job{}, err
	}
	agent, err := m.resolveAgent(req.Agent)
	if err != nil {
		return state.Job{}, err
	}

	prompt := req.Prompt
	if req.Schedule != "" {
		sched, ok := agent.Schedules[req.Schedule]
		if !ok {
			return state.Job{}, &ScheduleNotFoundError{Agent: agent.QualifiedName, Name: req.Schedule}
		}
		if prompt == "" {
			prompt = sched.Prompt
		}
	}

	if !req.Bypass {
		if running := m.registry.RunningCount(agent.QualifiedName); running >= agent.MaxConcurrent {
			return state.Job{}, &ConcurrencyLimitError{Agent: agent.QualifiedName, Running: running, Limit: agent.MaxConcurrent}
		}
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = state.TriggerManual
	}
	jb, err := m.createJob(ctx, state.Job{
		Agent:       agent.QualifiedName,
		Schedule:    req.Schedule,
		TriggerType: trigger,
		Prompt:      prompt,
		Workspace:   agent.Workspace,
	})
	if err != nil {
		return state.Job{}, err
	}
	m.launch(agent, jb, req.ChannelKey)
	return jb, nil
}

// Cancel requests cancellation of a running or pending job. timeout bounds
// the graceful wait before force-termination; zero uses the executor grace
// default.
func (m *Manager) Cancel(ctx context.Context, jobID string, timeout time.Duration) (job.CancelResult, error) {
	return m.executor.Cancel(ctx, jobID, timeout)
}

// Fork branches a new job off a terminal parent. The child inherits the
// parent's agent, session and workspace and records the parent's ID.
func (m *Manager) Fork(ctx context.Context, req ForkRequest) (state.Job, error) {
	if err := m.requireRunning("fork"); err != nil {
		return state.Job{}, err
	}
	parent, err := m.store.GetJob(ctx, req.ParentJobID)
	if err != nil {
		return state.Job{}, err
	}
	if !parent.Status.Terminal() {
		return state.Job{}, fmt.Errorf("fork %s: %w", parent.ID, ErrParentNotTerminal)
	}
	agent, err := m.resolveAgent(parent.Agent)
	if err != nil {
		return state.Job{}, err
	}

	prompt := req.Prompt
	if req.Schedule != "" {
		sched, ok := agent.Schedules[req.Schedule]
		if !ok {
			return state.Job{}, &ScheduleNotFoundError{Agent: agent.QualifiedName, Name: req.Schedule}
		}
		if prompt == "" {
			prompt = sched.Prompt
		}
	}
	// The child works where the parent worked, even if a reload has since
	// moved the agent's workspace.
	workspace := parent.Workspace
	if workspace == "" {
		workspace = agent.Workspace
	}

	jb, err := m.createJob(ctx, state.Job{
		Agent:       agent.QualifiedName,
		Schedule:    req.Schedule,
		TriggerType: state.TriggerFork,
		Prompt:      prompt,
		SessionID:   parent.SessionID,
		ParentJobID: parent.ID,
		Workspace:   workspace,
	})
	if err != nil {
		return state.Job{}, err
	}

	payload := events.JobForkedPayload{ParentJobID: parent.ID, Job: jb}
	m.bus.Publish(ctx, events.JobForked{
		Base: events.NewBase(events.TopicJobForked, jb.CreatedAt, jb.Agent, payload),
		Data: payload,
	})
	m.launch(agent, jb, "")
	return jb, nil
}

// dispatchScheduled is the scheduler's fire callback. Scheduled fires never
// bypass the concurrency gate; the scheduler checked it before calling.
func (m *Manager) dispatchScheduled(ctx context.Context, agent *config.Agent, sched config.Schedule, triggerID string) {
	jb, err := m.createJob(ctx, state.Job{
		Agent:       agent.QualifiedName,
		Schedule:    sched.Name,
		TriggerType: state.TriggerScheduler,
		Prompt:      sched.Prompt,
		Workspace:   agent.Workspace,
	})
	if err != nil {
		log.Errorf(ctx, err, "create job for schedule %s/%s trigger %s", agent.QualifiedName, sched.Name, triggerID)
		return
	}
	m.launch(agent, jb, "")
}

// createJob persists the pending job and publishes job:created.
func (m *Manager) createJob(ctx context.Context, meta state.Job) (state.Job, error) {
	meta.Status = state.JobPending
	jb, err := m.store.CreateJob(ctx, meta)
	if err != nil {
		return state.Job{}, err
	}
	m.bus.Publish(ctx, events.JobCreated{
		Base: events.NewBase(events.TopicJobCreated, jb.CreatedAt, jb.Agent, events.JobPayload{Job: jb}),
		Data: events.JobPayload{Job: jb},
	})
	return jb, nil
}

// launch runs the job on its own goroutine against the manager's job
// context, so shutdown can cancel stragglers. The status re-check under mu
// closes the window between a caller's requireRunning and Stop draining the
// WaitGroup; a job created in that window is cancelled instead of launched.
func (m *Manager) launch(agent *config.Agent, jb state.Job, channelKey string) {
	m.mu.Lock()
	if m.status != state.FleetRunning {
		m.mu.Unlock()
		m.abandon(jb)
		return
	}
	m.jobs.Add(1)
	m.mu.Unlock()
	go func() {
		defer m.jobs.Done()
		if _, err := m.executor.Execute(m.jobCtx, job.Request{Job: jb, Agent: agent, ChannelKey: channelKey}); err != nil {
			log.Errorf(m.jobCtx, err, "execute job %s", jb.ID)
		}
	}()
}

// abandon cancels a pending job that lost the race with shutdown.
func (m *Manager) abandon(jb state.Job) {
	ctx := context.Background()
	cancelled := state.JobCancelled
	reason := state.ExitCancelled
	now := m.now().UTC()
	updated, err := m.store.UpdateJob(ctx, jb.ID, state.JobPatch{
		Status: &cancelled, ExitReason: &reason, CompletedAt: &now,
	})
	if err != nil {
		log.Errorf(ctx, err, "cancel job %s at shutdown", jb.ID)
		return
	}
	payload := events.JobPayload{Job: updated}
	m.bus.Publish(ctx, events.JobCancelled{
		Base: events.NewBase(events.TopicJobCancelled, now, updated.Agent, payload),
		Data: payload,
	})
}

func (m *Manager) requireRunning(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != state.FleetRunning {
		return &InvalidStateError{Op: op, Status: m.status}
	}
	return nil
}
