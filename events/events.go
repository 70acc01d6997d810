// Package events defines the typed topic bus internal to a fleet supervisor.
//
// Every event type carries a named payload struct and embeds Base for the
// standard metadata (topic, timestamp, qualified agent name). Subscribers
// register per topic and receive through a bounded per-subscriber queue so a
// slow subscriber never blocks the producer: on overflow the oldest queued
// event is dropped and a metric is emitted.
package events

import (
	"time"

	"goa.design/herdctl/config"
	"goa.design/herdctl/state"
)

type (
	// Topic names an event stream on the bus.
	Topic string

	// Event is the interface every bus event implements. Concrete types
	// embed Base; consumers type-assert when they need structured access
	// and use Payload for generic marshaling.
	Event interface {
		// Topic returns the topic constant for this event.
		Topic() Topic
		// Time is the event timestamp.
		Time() time.Time
		// Agent is the qualified agent name the event concerns, empty for
		// fleet-level events.
		Agent() string
		// Payload returns the event-specific data in a JSON-serializable
		// form.
		Payload() any
	}

	// Base provides the default Event implementation. Concrete event types
	// embed it to avoid boilerplate.
	Base struct {
		t  Topic
		ts time.Time
		a  string
		p  any
	}

	// Initialized signals the manager finished initializing.
	Initialized struct{ Base }

	// Started signals the manager started its scheduler and streams.
	Started struct{ Base }

	// Stopped signals the manager completed shutdown.
	Stopped struct{ Base }

	// ConfigReloaded reports a successful hot reload.
	ConfigReloaded struct {
		Base
		Data ConfigReloadedPayload
	}

	// ConfigReloadedPayload summarizes the reload outcome.
	ConfigReloadedPayload struct {
		AgentCount int             `json:"agent_count"`
		Changes    []config.Change `json:"changes"`
	}

	// ConfigReloadError reports a failed hot reload. The previous snapshot
	// remains active.
	ConfigReloadError struct {
		Base
		Data ConfigReloadErrorPayload
	}

	ConfigReloadErrorPayload struct {
		Error string `json:"error"`
	}

	// AgentStarted reports an agent registered with the scheduler.
	AgentStarted struct{ Base }

	// AgentStopped reports an agent removed from the scheduler.
	AgentStopped struct{ Base }

	// ScheduleTriggered reports a schedule fire that was enqueued.
	ScheduleTriggered struct {
		Base
		Data ScheduleTriggeredPayload
	}

	ScheduleTriggeredPayload struct {
		Schedule  string    `json:"schedule"`
		TriggerID string    `json:"trigger_id"`
		FiredAt   time.Time `json:"fired_at"`
	}

	// ScheduleSkipped reports a due schedule that did not fire.
	ScheduleSkipped struct {
		Base
		Data ScheduleSkippedPayload
	}

	ScheduleSkippedPayload struct {
		Schedule string `json:"schedule"`
		// Reason is "concurrency" when the agent's running-job cap
		// suppressed the fire.
		Reason string `json:"reason"`
	}

	// JobCreated reports a new job record.
	JobCreated struct {
		Base
		Data JobPayload
	}

	// JobOutput streams one stored output message.
	JobOutput struct {
		Base
		Data JobOutputPayload
	}

	JobOutputPayload struct {
		JobID   string              `json:"job_id"`
		Message state.OutputMessage `json:"message"`
	}

	// JobCompleted, JobFailed and JobCancelled are the terminal job events.
	// Exactly one of them is emitted per job, after its final JobOutput.
	JobCompleted struct {
		Base
		Data JobPayload
	}

	JobFailed struct {
		Base
		Data JobPayload
	}

	JobCancelled struct {
		Base
		Data JobPayload
	}

	// JobForked reports a fork; Data carries the child job and its parent.
	JobForked struct {
		Base
		Data JobForkedPayload
	}

	// JobPayload wraps a job metadata snapshot.
	JobPayload struct {
		Job state.Job `json:"job"`
	}

	JobForkedPayload struct {
		ParentJobID string    `json:"parent_job_id"`
		Job         state.Job `json:"job"`
	}
)

const (
	TopicInitialized       Topic = "initialized"
	TopicStarted           Topic = "started"
	TopicStopped           Topic = "stopped"
	TopicConfigReloaded    Topic = "config:reloaded"
	TopicConfigReloadError Topic = "config:reload_error"
	TopicAgentStarted      Topic = "agent:started"
	TopicAgentStopped      Topic = "agent:stopped"
	TopicScheduleTriggered Topic = "schedule:triggered"
	TopicScheduleSkipped   Topic = "schedule:skipped"
	TopicJobCreated        Topic = "job:created"
	TopicJobOutput         Topic = "job:output"
	TopicJobCompleted      Topic = "job:completed"
	TopicJobFailed         Topic = "job:failed"
	TopicJobCancelled      Topic = "job:cancelled"
	TopicJobForked         Topic = "job:forked"
)

// NewBase constructs the shared event metadata.
func NewBase(t Topic, ts time.Time, agent string, payload any) Base {
	return Base{t: t, ts: ts, a: agent, p: payload}
}

// Topic implements Event.
func (b Base) Topic() Topic { return b.t }

// Time implements Event.
func (b Base) Time() time.Time { return b.ts }

// Agent implements Event.
func (b Base) Agent() string { return b.a }

// Payload implements Event.
func (b Base) Payload() any { return b.p }
