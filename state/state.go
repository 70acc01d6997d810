// Package state provides the durable on-disk representation of a fleet
// supervisor: fleet-wide metadata, job metadata and output logs, schedule
// state, and chat sessions.
//
// Everything lives under a single state directory (conventionally .herdctl/).
// Full-file writes are atomic (write-temp-then-rename on the same
// filesystem); job output is an append-only JSONL stream per job. Readers
// tolerate absent files and recover from corrupt ones by logging and falling
// back to defaults so a damaged state directory never takes the supervisor
// down.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type (
	// Store persists supervisor state. The file-backed implementation is the
	// default; the interface exists so components can be tested against
	// narrow fakes and so the on-disk layout stays private to this package.
	Store interface {
		// CreateJob mints a job ID, stamps CreatedAt, and atomically writes
		// the job metadata file. The returned job carries the minted ID.
		CreateJob(ctx context.Context, meta Job) (Job, error)
		// GetJob reads one job's metadata. Returns ErrJobNotFound when the
		// job does not exist.
		GetJob(ctx context.Context, id string) (Job, error)
		// UpdateJob applies a patch to a job's metadata. Status changes must
		// follow the job state machine; terminal states are write-once.
		UpdateJob(ctx context.Context, id string, patch JobPatch) (Job, error)
		// ListJobs returns jobs matching the filter, newest first.
		ListJobs(ctx context.Context, filter JobFilter, limit, offset int) (JobPage, error)

		// AppendOutput appends one message to the job's JSONL output log,
		// assigning the next monotonic sequence number. The returned message
		// carries the assigned sequence.
		AppendOutput(ctx context.Context, jobID string, msg OutputMessage) (OutputMessage, error)
		// ReadOutput reads stored output messages with Seq > fromSeq in
		// order. A trailing partial line (crash artifact) is discarded.
		ReadOutput(ctx context.Context, jobID string, fromSeq int) ([]OutputMessage, error)

		// ReadFleetState reads fleet-wide metadata, returning defaults when
		// the file is absent or corrupt.
		ReadFleetState(ctx context.Context) (FleetState, error)
		// WriteFleetState atomically replaces the fleet-wide metadata file.
		WriteFleetState(ctx context.Context, fs FleetState) error

		// ReadScheduleState returns the state for (agent, schedule), with
		// ok=false when the pair has never been observed.
		ReadScheduleState(ctx context.Context, agent, name string) (ScheduleState, bool, error)
		// WriteScheduleState upserts one schedule's state.
		WriteScheduleState(ctx context.Context, ss ScheduleState) error
		// PruneScheduleStates removes state for every (agent, schedule) pair
		// not present in keep. Used by hot reload.
		PruneScheduleStates(ctx context.Context, keep map[ScheduleKey]bool) error

		// ReadSession reads the stored session for (agent, channelKey).
		// Returns ErrSessionNotFound when absent.
		ReadSession(ctx context.Context, agent, channelKey string) (Session, error)
		// WriteSession upserts a session record.
		WriteSession(ctx context.Context, agent string, s Session) error
		// ClearSession removes the session for (agent, channelKey). Clearing
		// an absent session is a no-op.
		ClearSession(ctx context.Context, agent, channelKey string) error
	}

	// FleetState is the fleet-wide metadata persisted in state.yaml.
	FleetState struct {
		Version   int             `yaml:"version"`
		Fleet     FleetInfo       `yaml:"fleet"`
		Schedules []ScheduleState `yaml:"schedules,omitempty"`
	}

	// FleetInfo describes the supervisor lifecycle state.
	FleetInfo struct {
		Name      string      `yaml:"name,omitempty"`
		Status    FleetStatus `yaml:"status"`
		StartedAt *time.Time  `yaml:"started_at,omitempty"`
		StoppedAt *time.Time  `yaml:"stopped_at,omitempty"`
	}

	// FleetStatus is the supervisor lifecycle state.
	FleetStatus string

	// ScheduleKey identifies a schedule across config reloads.
	ScheduleKey struct {
		Agent string
		Name  string
	}

	// ScheduleState is the mutable per-schedule state the scheduler
	// persists. Retained across reloads by (Agent, Name).
	ScheduleState struct {
		Agent         string     `yaml:"agent"`
		Name          string     `yaml:"name"`
		Enabled       bool       `yaml:"enabled"`
		LastRunAt     *time.Time `yaml:"last_run_at,omitempty"`
		NextRunAt     *time.Time `yaml:"next_run_at,omitempty"`
		LastCheckAt   *time.Time `yaml:"last_check_at,omitempty"`
		LastTriggerID string     `yaml:"last_trigger_id,omitempty"`
		// TriggerCount counts successful fires; SkipCount counts fires
		// suppressed by the concurrency gate.
		TriggerCount int `yaml:"trigger_count,omitempty"`
		SkipCount    int `yaml:"skip_count,omitempty"`
	}

	// Job is the persisted metadata for one agent invocation.
	Job struct {
		ID          string      `yaml:"id"`
		Agent       string      `yaml:"agent"`
		Schedule    string      `yaml:"schedule,omitempty"`
		TriggerType TriggerType `yaml:"trigger_type"`
		Status      JobStatus   `yaml:"status"`
		CreatedAt   time.Time   `yaml:"created_at"`
		StartedAt   *time.Time  `yaml:"started_at,omitempty"`
		CompletedAt *time.Time  `yaml:"completed_at,omitempty"`
		Prompt      string      `yaml:"prompt"`
		SessionID   string      `yaml:"session_id,omitempty"`
		ParentJobID string      `yaml:"parent_job_id,omitempty"`
		Workspace   string      `yaml:"workspace,omitempty"`
		ExitReason  ExitReason  `yaml:"exit_reason,omitempty"`
		Error       *JobError   `yaml:"error,omitempty"`
		// Result summarizes the runtime's terminal result message.
		Result *JobResult `yaml:"result,omitempty"`
		// Termination records how a cancelled job went down.
		Termination Termination `yaml:"termination,omitempty"`
	}

	// JobError is a structured terminal error recorded on failed jobs.
	JobError struct {
		Code    string `yaml:"code" json:"code"`
		Message string `yaml:"message" json:"message"`
	}

	// JobResult captures the summary reported by the runtime's terminal
	// result message.
	JobResult struct {
		DurationMS int64   `yaml:"duration_ms" json:"duration_ms"`
		NumTurns   int     `yaml:"num_turns" json:"num_turns"`
		CostUSD    float64 `yaml:"cost_usd" json:"cost_usd"`
		TokensIn   int     `yaml:"tokens_in" json:"tokens_in"`
		TokensOut  int     `yaml:"tokens_out" json:"tokens_out"`
	}

	// JobPatch is a partial update to job metadata. Nil fields are left
	// untouched.
	JobPatch struct {
		Status      *JobStatus
		StartedAt   *time.Time
		CompletedAt *time.Time
		ExitReason  *ExitReason
		Error       *JobError
		SessionID   *string
		Result      *JobResult
		Termination *Termination
	}

	// JobFilter selects jobs for listing. Zero fields match everything.
	JobFilter struct {
		Agent       string
		Status      JobStatus
		TriggerType TriggerType
	}

	// JobPage is one page of a job listing.
	JobPage struct {
		Jobs []Job
		// Total is the number of jobs matching the filter before paging.
		Total int
	}

	// JobStatus is the job lifecycle state.
	JobStatus string

	// TriggerType records what fired a job.
	TriggerType string

	// ExitReason classifies how a job reached its terminal state.
	ExitReason string

	// Termination records whether a cancel completed gracefully or had to
	// force-terminate the runtime.
	Termination string

	// MessageType discriminates job output messages.
	MessageType string

	// OutputMessage is one entry in a job's append-only output stream. The
	// store assigns Seq; all other fields come from the runtime adapter.
	// Fields are a union across message types; unused ones are omitted on
	// the wire.
	OutputMessage struct {
		Seq  int         `json:"seq"`
		TS   time.Time   `json:"ts"`
		Type MessageType `json:"type"`

		// Text carries assistant and system text.
		Text string `json:"text,omitempty"`

		// Tool call fields. ToolUseID pairs tool_result messages with the
		// tool_use that started the call.
		ToolUseID string          `json:"tool_use_id,omitempty"`
		ToolName  string          `json:"tool_name,omitempty"`
		Input     json.RawMessage `json:"input,omitempty"`
		Output    json.RawMessage `json:"output,omitempty"`
		IsError   bool            `json:"is_error,omitempty"`

		// Result summary fields.
		Result *JobResult `json:"result,omitempty"`

		// Error fields.
		Code    string `json:"code,omitempty"`
		Message string `json:"message,omitempty"`
	}
)

const (
	FleetPending     FleetStatus = "pending"
	FleetInitialized FleetStatus = "initialized"
	FleetRunning     FleetStatus = "running"
	FleetStopped     FleetStatus = "stopped"
	FleetError       FleetStatus = "error"

	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"

	TriggerScheduler TriggerType = "scheduler"
	TriggerManual    TriggerType = "manual"
	TriggerChat      TriggerType = "chat"
	TriggerWeb       TriggerType = "web"
	TriggerFork      TriggerType = "fork"

	ExitNormal    ExitReason = "normal"
	ExitTimeout   ExitReason = "timeout"
	ExitCancelled ExitReason = "cancelled"
	ExitError     ExitReason = "error"

	TerminationGraceful Termination = "graceful"
	TerminationForced   Termination = "forced"

	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
	MessageResult     MessageType = "result"
	MessageError      MessageType = "error"
)

var (
	// ErrJobNotFound indicates a job does not exist in the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrSessionNotFound indicates no session is stored for the channel.
	ErrSessionNotFound = errors.New("session not found")
)

type (
	// PathTraversalError reports an identifier that failed path-safety
	// validation before any filesystem access.
	PathTraversalError struct {
		Base string
		ID   string
	}

	// IoError wraps a filesystem failure with the operation and path.
	IoError struct {
		Op   string
		Path string
		Err  error
	}
)

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("identifier %q is not a valid path component under %s", e.ID, e.Base)
}

func (e *IoError) Error() string { return fmt.Sprintf("state %s %s: %v", e.Op, e.Path, e.Err) }

func (e *IoError) Unwrap() error { return e.Err }

// Session is a persisted conversation-continuity handle. The session ID is
// opaque to the supervisor; the runtime issues it.
type Session struct {
	SessionID     string    `json:"session_id"`
	ChannelKey    string    `json:"channel_key"`
	LastMessageAt time.Time `json:"last_message_at"`
	// Workspace is the agent workspace the session was created under.
	// Resuming under a different workspace clears the session.
	Workspace string `json:"workspace,omitempty"`
}

// Terminal reports whether the status is absorbing.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// jobTransitions enumerates the allowed status moves. Terminal states have
// no successors.
var jobTransitions = map[JobStatus][]JobStatus{
	JobPending: {JobRunning, JobCompleted, JobFailed, JobCancelled},
	JobRunning: {JobCompleted, JobFailed, JobCancelled},
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, s := range jobTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
