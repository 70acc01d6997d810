package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/avast/retry-go"
	"goa.design/clue/log"

	"goa.design/herdctl/config"
	"goa.design/herdctl/events"
	"goa.design/herdctl/runtime"
	"goa.design/herdctl/state"
)

type (
	// Executor drives jobs from pending to a terminal state. One Execute
	// call owns one job: it resolves the session, spawns the runtime,
	// ingests the message stream into the store, publishes output events,
	// and classifies the outcome. Executors are safe for concurrent use;
	// per-job state lives on the executing goroutine.
	Executor struct {
		store    state.Store
		bus      *events.Bus
		registry *Registry
		runtimes runtime.Registry

		now         func() time.Time
		idleTimeout time.Duration
		maxDuration time.Duration
		cancelGrace time.Duration
	}

	// ExecutorOption customizes an Executor.
	ExecutorOption func(*Executor)

	// Request asks the executor to run one already-created job.
	Request struct {
		// Job is the pending job metadata as created in the store.
		Job state.Job
		// Agent is the resolved config snapshot the job runs with. In-flight
		// jobs keep this snapshot across hot reloads.
		Agent *config.Agent
		// ChannelKey, when non-empty, resumes the stored session for
		// (agent, channel) and refreshes it as the run progresses.
		ChannelKey string
	}

	// CancelResult reports the outcome of a cancel request.
	CancelResult struct {
		JobID   string
		Success bool
		// Termination is graceful when the runtime honored the cancel
		// signal within the grace period, forced otherwise.
		Termination state.Termination
	}

	// CancelError reports a cancel request that could not be honored.
	CancelError struct {
		JobID string
		Err   error
	}

	// toolUse tracks an in-flight tool call awaiting its paired result.
	toolUse struct {
		name    string
		started time.Time
	}
)

// Defaults for executor timing knobs.
const (
	DefaultIdleTimeout = 5 * time.Minute
	DefaultCancelGrace = 10 * time.Second
)

// ErrAlreadyTerminal indicates an operation on a job that already reached a
// terminal state.
var ErrAlreadyTerminal = errors.New("job is already terminal")

func (e *CancelError) Error() string { return fmt.Sprintf("cancel job %s: %v", e.JobID, e.Err) }

func (e *CancelError) Unwrap() error { return e.Err }

// WithClock injects the executor time source.
func WithClock(now func() time.Time) ExecutorOption {
	return func(e *Executor) { e.now = now }
}

// WithIdleTimeout bounds the wait for the next stream message. Zero
// disables the idle timeout.
func WithIdleTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.idleTimeout = d }
}

// WithMaxDuration bounds the total wall-clock run time. Zero means
// unbounded.
func WithMaxDuration(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.maxDuration = d }
}

// WithCancelGrace sets the default wait between the cancel signal and
// force-termination.
func WithCancelGrace(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.cancelGrace = d }
}

// NewExecutor constructs an executor over the given store, bus, registry and
// runtime adapters.
func NewExecutor(store state.Store, bus *events.Bus, registry *Registry, runtimes runtime.Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:       store,
		bus:         bus,
		registry:    registry,
		runtimes:    runtimes,
		now:         time.Now,
		idleTimeout: DefaultIdleTimeout,
		cancelGrace: DefaultCancelGrace,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the job to a terminal state and returns the final metadata.
// It blocks for the duration of the run; callers dispatch it on a dedicated
// goroutine. The terminal job event is published after the final output
// event, always.
func (e *Executor) Execute(ctx context.Context, req Request) (state.Job, error) {
	agent := req.Agent
	ctx = log.With(ctx, log.KV{K: "job", V: req.Job.ID}, log.KV{K: "agent", V: agent.QualifiedName})

	sessionID := e.resolveSession(ctx, req)

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()
	if e.maxDuration > 0 {
		var cancelMax context.CancelFunc
		jobCtx, cancelMax = context.WithTimeout(jobCtx, e.maxDuration)
		defer cancelMax()
	}

	t := &Tracked{
		ID:       req.Job.ID,
		Agent:    agent.QualifiedName,
		Schedule: req.Job.Schedule,
		cancel:   cancelJob,
		done:     make(chan struct{}),
	}
	e.registry.add(t)
	defer func() {
		e.registry.remove(t.ID)
		close(t.done)
	}()

	inv := runtime.Invocation{
		Prompt:    req.Job.Prompt,
		Agent:     agent,
		SessionID: sessionID,
		OnSessionIssued: func(id string) {
			e.recordSession(ctx, req, id)
		},
	}

	stream, err := e.spawn(jobCtx, ctx, t.ID, agent, inv)
	if err != nil {
		code := runtime.ErrorCode(err)
		log.Errorf(ctx, err, "spawn failed")
		return e.finish(ctx, req, t, terminalState{
			status:     state.JobFailed,
			exitReason: state.ExitError,
			jobErr:     &state.JobError{Code: code, Message: err.Error()},
		})
	}
	defer stream.Close()
	t.setForce(stream.Close)

	startedAt := e.now().UTC()
	running := state.JobRunning
	if _, err := e.store.UpdateJob(ctx, t.ID, state.JobPatch{Status: &running, StartedAt: &startedAt}); err != nil {
		log.Errorf(ctx, err, "mark job running")
	}

	term := e.ingest(ctx, jobCtx, t, agent, stream)
	return e.finish(ctx, req, t, term)
}

// resolveSession applies the workspace-drift rule: a stored session whose
// workspace no longer matches the agent's is cleared and the job starts
// fresh.
func (e *Executor) resolveSession(ctx context.Context, req Request) string {
	if req.ChannelKey == "" {
		return req.Job.SessionID
	}
	sess, err := e.store.ReadSession(ctx, req.Agent.QualifiedName, req.ChannelKey)
	if err != nil {
		return req.Job.SessionID
	}
	if sess.Workspace != "" && sess.Workspace != req.Agent.Workspace {
		log.Info(ctx, log.KV{K: "msg", V: "session workspace drift, starting fresh"},
			log.KV{K: "session_workspace", V: sess.Workspace},
			log.KV{K: "agent_workspace", V: req.Agent.Workspace})
		if err := e.store.ClearSession(ctx, req.Agent.QualifiedName, req.ChannelKey); err != nil {
			log.Errorf(ctx, err, "clear drifted session")
		}
		return ""
	}
	return sess.SessionID
}

// recordSession persists a runtime-issued session ID on the job and, when
// the job runs on a chat channel, upserts the session record.
func (e *Executor) recordSession(ctx context.Context, req Request, id string) {
	if _, err := e.store.UpdateJob(ctx, req.Job.ID, state.JobPatch{SessionID: &id}); err != nil {
		log.Errorf(ctx, err, "record session id")
	}
	if req.ChannelKey == "" {
		return
	}
	sess := state.Session{
		SessionID:     id,
		ChannelKey:    req.ChannelKey,
		LastMessageAt: e.now().UTC(),
		Workspace:     req.Agent.Workspace,
	}
	if err := e.store.WriteSession(ctx, req.Agent.QualifiedName, sess); err != nil {
		log.Errorf(ctx, err, "persist session")
	}
}

// spawn invokes the runtime, retrying exactly once on a transient failure.
// The retry is recorded as a system message in the job output.
func (e *Executor) spawn(jobCtx, ctx context.Context, jobID string, agent *config.Agent, inv runtime.Invocation) (runtime.Stream, error) {
	rt, err := e.runtimes.Lookup(agent.Runtime)
	if err != nil {
		return nil, err
	}
	var stream runtime.Stream
	err = retry.Do(
		func() error {
			s, err := rt.Invoke(jobCtx, inv)
			if err != nil {
				return err
			}
			stream = s
			return nil
		},
		retry.Attempts(2),
		retry.LastErrorOnly(true),
		retry.RetryIf(runtime.Transient),
		retry.Delay(time.Second),
		retry.OnRetry(func(_ uint, err error) {
			log.Info(ctx, log.KV{K: "msg", V: "retrying spawn after transient failure"}, log.KV{K: "err", V: err.Error()})
			e.append(ctx, jobID, agent.QualifiedName, state.OutputMessage{
				Type: state.MessageSystem,
				Text: fmt.Sprintf("retrying after transient failure: %s", runtime.ErrorCode(err)),
			})
		}),
	)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// terminalState is the classification the ingest loop hands to finish.
type terminalState struct {
	status      state.JobStatus
	exitReason  state.ExitReason
	jobErr      *state.JobError
	result      *state.JobResult
	termination state.Termination
}

// ingest drains the runtime stream, appending every message to the output
// log and publishing it, and returns the terminal classification.
func (e *Executor) ingest(ctx, jobCtx context.Context, t *Tracked, agent *config.Agent, stream runtime.Stream) terminalState {
	pending := make(map[string]toolUse)
	var (
		jobErr   *state.JobError
		result   *state.JobResult
		timedOut bool
	)

loop:
	for {
		msgCtx := jobCtx
		var cancelIdle context.CancelFunc
		if e.idleTimeout > 0 {
			msgCtx, cancelIdle = context.WithTimeout(jobCtx, e.idleTimeout)
		}
		msg, err := stream.Next(msgCtx)
		if cancelIdle != nil {
			cancelIdle()
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
			case t.Cancelling() || jobCtx.Err() == context.Canceled:
				// Cancelled: the stream was interrupted on purpose.
			case errors.Is(err, context.DeadlineExceeded):
				timedOut = true
			default:
				jobErr = &state.JobError{Code: runtime.ErrorCode(err), Message: err.Error()}
			}
			break loop
		}

		e.append(ctx, t.ID, agent.QualifiedName, toOutput(msg))

		switch msg.Type {
		case runtime.MessageToolUse:
			pending[msg.ToolUseID] = toolUse{name: msg.ToolName, started: e.now()}
		case runtime.MessageToolResult:
			if tu, ok := pending[msg.ToolUseID]; ok {
				log.Debugf(ctx, "tool %s completed in %s", tu.name, e.now().Sub(tu.started).Round(time.Millisecond))
				delete(pending, msg.ToolUseID)
			}
			// Unpaired results are stored as-is; nothing to correlate.
		case runtime.MessageResult:
			if msg.Result != nil {
				result = &state.JobResult{
					DurationMS: msg.Result.DurationMS,
					NumTurns:   msg.Result.NumTurns,
					CostUSD:    msg.Result.CostUSD,
					TokensIn:   msg.Result.TokensIn,
					TokensOut:  msg.Result.TokensOut,
				}
			}
		case runtime.MessageError:
			code := msg.Code
			if code == "" {
				code = runtime.CodeRuntimeFailure
			}
			jobErr = &state.JobError{Code: code, Message: msg.Message}
			// Keep ingesting until the stream closes; later messages may
			// still carry a success signal.
		}
	}

	switch {
	case t.Cancelling() || (jobCtx.Err() == context.Canceled && !timedOut):
		term := state.TerminationGraceful
		if t.wasForced() {
			term = state.TerminationForced
		}
		return terminalState{status: state.JobCancelled, exitReason: state.ExitCancelled, termination: term}
	case timedOut:
		return terminalState{
			status:     state.JobFailed,
			exitReason: state.ExitTimeout,
			jobErr:     &state.JobError{Code: runtime.CodeTimeout, Message: "runtime stream timed out"},
		}
	case jobErr != nil && result == nil:
		// An error message with no success signal after it fails the job.
		return terminalState{status: state.JobFailed, exitReason: state.ExitError, jobErr: jobErr, result: result}
	default:
		return terminalState{status: state.JobCompleted, exitReason: state.ExitNormal, result: result}
	}
}

// finish writes the terminal job state and publishes the terminal event.
func (e *Executor) finish(ctx context.Context, req Request, t *Tracked, term terminalState) (state.Job, error) {
	completedAt := e.now().UTC()
	patch := state.JobPatch{
		Status:      &term.status,
		CompletedAt: &completedAt,
		ExitReason:  &term.exitReason,
	}
	if term.jobErr != nil {
		patch.Error = term.jobErr
	}
	if term.result != nil {
		patch.Result = term.result
	}
	if term.termination != "" {
		patch.Termination = &term.termination
	}
	job, err := e.store.UpdateJob(ctx, t.ID, patch)
	if err != nil {
		log.Errorf(ctx, err, "write terminal job state")
		job = req.Job
		job.Status = term.status
	}

	if req.ChannelKey != "" && job.SessionID != "" {
		sess := state.Session{
			SessionID:     job.SessionID,
			ChannelKey:    req.ChannelKey,
			LastMessageAt: completedAt,
			Workspace:     req.Agent.Workspace,
		}
		if err := e.store.WriteSession(ctx, req.Agent.QualifiedName, sess); err != nil {
			log.Errorf(ctx, err, "refresh session")
		}
	}

	base := events.NewBase(terminalTopic(term.status), completedAt, job.Agent, events.JobPayload{Job: job})
	switch term.status {
	case state.JobCompleted:
		e.bus.Publish(ctx, events.JobCompleted{Base: base, Data: events.JobPayload{Job: job}})
	case state.JobFailed:
		e.bus.Publish(ctx, events.JobFailed{Base: base, Data: events.JobPayload{Job: job}})
	case state.JobCancelled:
		e.bus.Publish(ctx, events.JobCancelled{Base: base, Data: events.JobPayload{Job: job}})
	}
	log.Info(ctx, log.KV{K: "msg", V: "job finished"},
		log.KV{K: "status", V: string(term.status)}, log.KV{K: "exit_reason", V: string(term.exitReason)})
	return job, nil
}

func terminalTopic(s state.JobStatus) events.Topic {
	switch s {
	case state.JobFailed:
		return events.TopicJobFailed
	case state.JobCancelled:
		return events.TopicJobCancelled
	default:
		return events.TopicJobCompleted
	}
}

// append stores one output message and publishes the job:output event with
// the store-assigned sequence number.
func (e *Executor) append(ctx context.Context, jobID, agent string, msg state.OutputMessage) state.OutputMessage {
	stored, err := e.store.AppendOutput(ctx, jobID, msg)
	if err != nil {
		log.Errorf(ctx, err, "append output")
		return msg
	}
	e.bus.Publish(ctx, events.JobOutput{
		Base: events.NewBase(events.TopicJobOutput, stored.TS, agent, events.JobOutputPayload{JobID: jobID, Message: stored}),
		Data: events.JobOutputPayload{JobID: jobID, Message: stored},
	})
	return stored
}

// toOutput maps a runtime message onto its stored representation.
func toOutput(m runtime.Message) state.OutputMessage {
	out := state.OutputMessage{
		Type:      state.MessageType(m.Type),
		Text:      m.Text,
		ToolUseID: m.ToolUseID,
		ToolName:  m.ToolName,
		Input:     m.Input,
		Output:    m.Output,
		IsError:   m.IsError,
		Code:      m.Code,
		Message:   m.Message,
	}
	if m.Result != nil {
		out.Result = &state.JobResult{
			DurationMS: m.Result.DurationMS,
			NumTurns:   m.Result.NumTurns,
			CostUSD:    m.Result.CostUSD,
			TokensIn:   m.Result.TokensIn,
			TokensOut:  m.Result.TokensOut,
		}
	}
	return out
}

// Cancel requests cancellation of a running job. It signals the runtime,
// waits up to timeout (the executor's grace default when zero) for the
// stream to close, then force-terminates.
func (e *Executor) Cancel(ctx context.Context, jobID string, timeout time.Duration) (CancelResult, error) {
	t := e.registry.Get(jobID)
	if t == nil {
		job, err := e.store.GetJob(ctx, jobID)
		if err != nil {
			return CancelResult{}, err
		}
		if job.Status.Terminal() {
			return CancelResult{}, &CancelError{JobID: jobID, Err: ErrAlreadyTerminal}
		}
		// Pending and untracked: cancel directly in the store.
		cancelled := state.JobCancelled
		reason := state.ExitCancelled
		now := e.now().UTC()
		if _, err := e.store.UpdateJob(ctx, jobID, state.JobPatch{
			Status: &cancelled, ExitReason: &reason, CompletedAt: &now,
		}); err != nil {
			return CancelResult{}, &CancelError{JobID: jobID, Err: err}
		}
		return CancelResult{JobID: jobID, Success: true, Termination: state.TerminationGraceful}, nil
	}

	if timeout <= 0 {
		timeout = e.cancelGrace
	}
	t.markCancelling()
	t.cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return CancelResult{JobID: jobID, Success: true, Termination: state.TerminationGraceful}, nil
	case <-timer.C:
	}

	t.markForced()
	if err := t.forceClose(); err != nil {
		log.Errorf(ctx, err, "force terminate job %s", jobID)
	}
	select {
	case <-t.done:
		return CancelResult{JobID: jobID, Success: true, Termination: state.TerminationForced}, nil
	case <-time.After(e.cancelGrace):
		return CancelResult{}, &CancelError{JobID: jobID, Err: errors.New("job did not terminate after force close")}
	case <-ctx.Done():
		return CancelResult{}, &CancelError{JobID: jobID, Err: ctx.Err()}
	}
}
