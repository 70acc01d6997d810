// Package claude implements the "sdk" runtime on the Anthropic Messages API
// using github.com/anthropics/anthropic-sdk-go. It is the conversational
// backend: one invocation is one model exchange, with the conversation
// transcript kept per session so chat channels carry context across jobs
// within a process lifetime.
package claude

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"goa.design/herdctl/runtime"
)

type (
	// MessagesClient captures the subset of the Anthropic SDK client the
	// adapter uses. Satisfied by *sdk.MessageService; tests pass a mock.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when the agent config does not set a model.
		DefaultModel string
		// MaxTokens caps each completion. Defaults to 4096.
		MaxTokens int
		// SystemPrompt, when set, is prepended to every exchange.
		SystemPrompt string
	}

	// Runtime implements runtime.Runtime on Anthropic Messages.
	Runtime struct {
		msg          MessagesClient
		defaultModel string
		maxTokens    int
		system       string

		mu       sync.Mutex
		sessions map[string][]sdk.MessageParam
	}

	// stream adapts one completed exchange into the runtime stream shape.
	stream struct {
		mu     sync.Mutex
		queue  []runtime.Message
		err    error
		closed bool
	}
)

// DefaultMaxTokens is the per-completion token cap when Options does not set
// one.
const DefaultMaxTokens = 4096

// New builds the SDK runtime from a Messages client.
func New(msg MessagesClient, opts Options) (*Runtime, error) {
	if msg == nil {
		return nil, errors.New("anthropic messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Runtime{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    maxTokens,
		system:       opts.SystemPrompt,
		sessions:     make(map[string][]sdk.MessageParam),
	}, nil
}

// NewFromAPIKey constructs the runtime using the default Anthropic HTTP
// client.
func NewFromAPIKey(apiKey string, opts Options) (*Runtime, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Invoke runs one exchange. A fresh session ID is issued when the invocation
// does not resume one; either way OnSessionIssued fires before the stream
// delivers its first message.
func (r *Runtime) Invoke(ctx context.Context, inv runtime.Invocation) (runtime.Stream, error) {
	if inv.Prompt == "" {
		return nil, &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: "prompt is required"}
	}

	sessionID := inv.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if inv.OnSessionIssued != nil {
		inv.OnSessionIssued(sessionID)
	}

	history := r.history(sessionID)
	msgs := append(append([]sdk.MessageParam{}, history...), sdk.NewUserMessage(sdk.NewTextBlock(inv.Prompt)))

	model := r.defaultModel
	if inv.Agent != nil && inv.Agent.Model != "" {
		model = inv.Agent.Model
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(r.maxTokens),
		Messages:  msgs,
	}
	if r.system != "" {
		params.System = []sdk.TextBlockParam{{Text: r.system}}
	}

	started := time.Now()
	msg, err := r.msg.New(ctx, params)
	if err != nil {
		return nil, classify(err)
	}

	out := make([]runtime.Message, 0, len(msg.Content)+1)
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
	for _, block := range msg.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		out = append(out, runtime.Message{Type: runtime.MessageAssistant, Text: block.Text})
		blocks = append(blocks, sdk.NewTextBlock(block.Text))
	}
	out = append(out, runtime.Message{
		Type: runtime.MessageResult,
		Result: &runtime.Result{
			DurationMS: time.Since(started).Milliseconds(),
			NumTurns:   1,
			TokensIn:   int(msg.Usage.InputTokens),
			TokensOut:  int(msg.Usage.OutputTokens),
		},
	})

	if len(blocks) > 0 {
		r.extend(sessionID, msgs, sdk.NewAssistantMessage(blocks...))
	}
	return &stream{queue: out}, nil
}

// history returns a copy of the stored transcript for the session.
func (r *Runtime) history(sessionID string) []sdk.MessageParam {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.sessions[sessionID]
	out := make([]sdk.MessageParam, len(h))
	copy(out, h)
	return out
}

// extend records the exchange on the session transcript.
func (r *Runtime) extend(sessionID string, msgs []sdk.MessageParam, reply sdk.MessageParam) {
	r.mu.Lock()
	r.sessions[sessionID] = append(msgs, reply)
	r.mu.Unlock()
}

// classify maps SDK and transport errors onto the runtime error codes.
func classify(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 401 || apierr.StatusCode == 403:
			return &runtime.Error{Code: runtime.CodeAuthExpired, Message: "anthropic auth rejected", Err: err}
		case apierr.StatusCode == 429 || apierr.StatusCode >= 500:
			return &runtime.Error{Code: runtime.CodeTransientNetwork, Message: fmt.Sprintf("anthropic status %d", apierr.StatusCode), Err: err}
		}
		return &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: fmt.Sprintf("anthropic status %d", apierr.StatusCode), Err: err}
	}
	// context.DeadlineExceeded satisfies net.Error, so check it first.
	if errors.Is(err, context.DeadlineExceeded) {
		return &runtime.Error{Code: runtime.CodeTimeout, Message: "anthropic request timed out", Err: err}
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return &runtime.Error{Code: runtime.CodeTransientNetwork, Message: "network failure", Err: err}
	}
	return &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: "anthropic request failed", Err: err}
}

// Next implements runtime.Stream.
func (s *stream) Next(ctx context.Context) (runtime.Message, error) {
	if err := ctx.Err(); err != nil {
		return runtime.Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return runtime.Message{}, io.EOF
	}
	if len(s.queue) == 0 {
		if s.err != nil {
			return runtime.Message{}, s.err
		}
		return runtime.Message{}, io.EOF
	}
	msg := s.queue[0]
	s.queue = s.queue[1:]
	return msg, nil
}

// Close implements runtime.Stream.
func (s *stream) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
