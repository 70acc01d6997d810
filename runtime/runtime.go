// Package runtime defines the contract between the job executor and agent
// backends. A Runtime turns one prompt into a finite, ordered stream of
// typed messages; the executor owns persistence, sequencing, and lifecycle
// around that stream.
//
// Implementations must guarantee exactly one terminal signal (stream end or
// a terminal result message), close the stream within a bounded delay after
// cancellation, and report any issued session ID before the first assistant
// message.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"goa.design/herdctl/config"
)

type (
	// Runtime invokes an agent backend. Implementations are variant-specific
	// (SDK, CLI, containerized); the executor is variant-agnostic.
	Runtime interface {
		// Invoke starts one agent run. Cancelling ctx must close the
		// returned stream within a bounded delay. The returned stream is
		// read by exactly one goroutine.
		Invoke(ctx context.Context, inv Invocation) (Stream, error)
	}

	// Invocation carries everything a backend needs for one run.
	Invocation struct {
		// Prompt is the effective prompt for this job.
		Prompt string
		// Agent is the resolved agent configuration snapshot the job was
		// spawned with.
		Agent *config.Agent
		// SessionID resumes a prior conversation when non-empty.
		SessionID string
		// OnSessionIssued, when non-nil, is called with the session ID the
		// backend issues for this run. Backends call it before delivering
		// the first assistant message.
		OnSessionIssued func(id string)
	}

	// Stream is a pushed, ordered, finite sequence of messages. Next returns
	// io.EOF after the final message. Close releases backend resources and
	// is idempotent.
	Stream interface {
		Next(ctx context.Context) (Message, error)
		Close() error
	}

	// MessageType discriminates the closed set of stream message variants.
	MessageType string

	// Message is one typed event from a running agent. Fields form a union
	// across types; producers populate only the fields of their variant.
	Message struct {
		Type MessageType

		// Text carries assistant and system text.
		Text string

		// Tool call fields. ToolUseID pairs a tool_result with its tool_use.
		ToolUseID string
		ToolName  string
		Input     json.RawMessage
		Output    json.RawMessage
		IsError   bool

		// Result summarizes a completed run; present on result messages.
		Result *Result

		// Error detail; present on error messages.
		Code    string
		Message string
	}

	// Result is the terminal summary a backend reports for a run.
	Result struct {
		DurationMS int64
		NumTurns   int
		CostUSD    float64
		TokensIn   int
		TokensOut  int
	}

	// Error is a classified runtime failure. Code drives the executor's
	// retry decision.
	Error struct {
		Code    string
		Message string
		Err     error
	}

	// Registry maps agent runtime tags to adapters.
	Registry map[string]Runtime
)

const (
	MessageAssistant  MessageType = "assistant"
	MessageToolUse    MessageType = "tool_use"
	MessageToolResult MessageType = "tool_result"
	MessageSystem     MessageType = "system"
	MessageResult     MessageType = "result"
	MessageError      MessageType = "error"
)

// Error codes the executor recognizes. AuthExpired, TokenExpired and
// TransientNetwork are the transient set eligible for the single retry.
const (
	CodeAuthExpired      = "auth_expired"
	CodeTokenExpired     = "token_expired"
	CodeTransientNetwork = "transient_network"
	CodeTimeout          = "timeout"
	CodeRuntimeFailure   = "runtime_failure"
)

// ErrUnknownRuntime indicates an agent's runtime tag has no registered
// adapter.
var ErrUnknownRuntime = errors.New("unknown runtime")

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether err carries one of the retryable codes.
func Transient(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	switch re.Code {
	case CodeAuthExpired, CodeTokenExpired, CodeTransientNetwork:
		return true
	}
	return false
}

// ErrorCode extracts the classified code from err, defaulting to
// CodeRuntimeFailure.
func ErrorCode(err error) string {
	var re *Error
	if errors.As(err, &re) && re.Code != "" {
		return re.Code
	}
	return CodeRuntimeFailure
}

// Lookup resolves the adapter for an agent's runtime tag.
func (r Registry) Lookup(tag string) (Runtime, error) {
	rt, ok := r[tag]
	if !ok {
		return nil, fmt.Errorf("runtime %q: %w", tag, ErrUnknownRuntime)
	}
	return rt, nil
}
