// Package cli implements the "cli" runtime by spawning the claude CLI in
// stream-json mode. This is the agentic backend: the CLI runs the full tool
// loop inside the agent's workspace and reports every step as one JSON line
// on stdout, which the adapter decodes into runtime messages.
//
// The child runs in its own process group. Context cancellation sends
// SIGTERM to the group; Close escalates to SIGKILL.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"goa.design/herdctl/runtime"
)

type (
	// Options configures the adapter.
	Options struct {
		// Binary is the claude executable. Defaults to "claude" on PATH.
		Binary string
	}

	// Runtime implements runtime.Runtime by spawning the claude CLI.
	Runtime struct {
		binary string
	}

	// stream reads stream-json lines off the child's stdout.
	stream struct {
		cmd     *exec.Cmd
		stdout  io.ReadCloser
		scanner *bufio.Scanner

		onSession func(string)
		sessionID string
		pending   []runtime.Message

		mu     sync.Mutex
		closed bool
		waited bool
		werr   error
	}

	// wireEvent is the stream-json line shape the CLI emits.
	wireEvent struct {
		Type      string       `json:"type"`
		Subtype   string       `json:"subtype"`
		SessionID string       `json:"session_id"`
		Message   *wireMessage `json:"message"`
		Result    string       `json:"result"`
		IsError   bool         `json:"is_error"`

		DurationMS int64    `json:"duration_ms"`
		NumTurns   int      `json:"num_turns"`
		TotalCost  float64  `json:"total_cost_usd"`
		Usage      *wireUse `json:"usage"`
	}

	wireMessage struct {
		Content []wireBlock `json:"content"`
	}

	wireBlock struct {
		Type      string          `json:"type"`
		Text      string          `json:"text"`
		ID        string          `json:"id"`
		Name      string          `json:"name"`
		Input     json.RawMessage `json:"input"`
		ToolUseID string          `json:"tool_use_id"`
		Content   json.RawMessage `json:"content"`
		IsError   bool            `json:"is_error"`
	}

	wireUse struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}
)

// maxLineBytes bounds one stream-json line. Tool results can carry whole
// files.
const maxLineBytes = 8 << 20

// New builds the CLI runtime.
func New(opts Options) *Runtime {
	binary := opts.Binary
	if binary == "" {
		binary = "claude"
	}
	return &Runtime{binary: binary}
}

// Invoke starts the CLI in the agent's workspace and returns the decoding
// stream. The child keeps running until the run finishes or the stream is
// cancelled or closed.
func (r *Runtime) Invoke(ctx context.Context, inv runtime.Invocation) (runtime.Stream, error) {
	if inv.Prompt == "" {
		return nil, &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: "prompt is required"}
	}
	args := buildArgs(inv)

	cmd := exec.Command(r.binary, args...)
	if inv.Agent != nil && inv.Agent.Workspace != "" {
		cmd.Dir = inv.Agent.Workspace
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: "open stdout pipe", Err: err}
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: fmt.Sprintf("%s not found on PATH", r.binary), Err: err}
		}
		return nil, &runtime.Error{Code: runtime.CodeTransientNetwork, Message: "start claude process", Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	s := &stream{
		cmd:       cmd,
		stdout:    stdout,
		scanner:   scanner,
		onSession: inv.OnSessionIssued,
	}

	// SIGTERM the process group on cancel; the run loop escalates via Close.
	go func() {
		<-ctx.Done()
		s.signal(syscall.SIGTERM)
	}()
	return s, nil
}

// buildArgs maps the agent config onto CLI flags.
func buildArgs(inv runtime.Invocation) []string {
	args := []string{"-p", inv.Prompt, "--output-format", "stream-json", "--verbose"}
	if inv.SessionID != "" {
		args = append(args, "--resume", inv.SessionID)
	}
	a := inv.Agent
	if a == nil {
		return args
	}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	if a.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprint(a.MaxTurns))
	}
	if a.PermissionMode != "" {
		args = append(args, "--permission-mode", a.PermissionMode)
	}
	if len(a.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(a.AllowedTools, ","))
	}
	if len(a.DeniedTools) > 0 {
		args = append(args, "--disallowed-tools", strings.Join(a.DeniedTools, ","))
	}
	return args
}

// Next implements runtime.Stream. Lines that do not decode are skipped; the
// CLI interleaves diagnostics with stream-json in some failure modes. The
// stream is read by one goroutine, so pending needs no lock.
func (s *stream) Next(ctx context.Context) (runtime.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return runtime.Message{}, err
		}
		if len(s.pending) > 0 {
			msg := s.pending[0]
			s.pending = s.pending[1:]
			return msg, nil
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				s.reap()
				return runtime.Message{}, &runtime.Error{Code: runtime.CodeRuntimeFailure, Message: "read claude output", Err: err}
			}
			return runtime.Message{}, s.eof()
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" || line[0] != '{' {
			continue
		}
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		msgs := s.translate(ev)
		if len(msgs) == 0 {
			continue
		}
		if len(msgs) > 1 {
			// Multi-block lines: deliver the first now, queue the rest.
			s.pending = append(s.pending, msgs[1:]...)
		}
		return msgs[0], nil
	}
}

// translate maps one wire event onto runtime messages.
func (s *stream) translate(ev wireEvent) []runtime.Message {
	switch ev.Type {
	case "system":
		if ev.Subtype == "init" && ev.SessionID != "" && s.sessionID == "" {
			s.sessionID = ev.SessionID
			if s.onSession != nil {
				s.onSession(ev.SessionID)
			}
			return nil
		}
		return nil
	case "assistant":
		if ev.Message == nil {
			return nil
		}
		var out []runtime.Message
		for _, b := range ev.Message.Content {
			switch b.Type {
			case "text":
				if b.Text != "" {
					out = append(out, runtime.Message{Type: runtime.MessageAssistant, Text: b.Text})
				}
			case "tool_use":
				out = append(out, runtime.Message{
					Type:      runtime.MessageToolUse,
					ToolUseID: b.ID,
					ToolName:  b.Name,
					Input:     b.Input,
				})
			}
		}
		return out
	case "user":
		if ev.Message == nil {
			return nil
		}
		var out []runtime.Message
		for _, b := range ev.Message.Content {
			if b.Type != "tool_result" {
				continue
			}
			out = append(out, runtime.Message{
				Type:      runtime.MessageToolResult,
				ToolUseID: b.ToolUseID,
				Output:    b.Content,
				IsError:   b.IsError,
			})
		}
		return out
	case "result":
		msg := runtime.Message{
			Type: runtime.MessageResult,
			Text: ev.Result,
			Result: &runtime.Result{
				DurationMS: ev.DurationMS,
				NumTurns:   ev.NumTurns,
				CostUSD:    ev.TotalCost,
			},
		}
		if ev.Usage != nil {
			msg.Result.TokensIn = ev.Usage.InputTokens
			msg.Result.TokensOut = ev.Usage.OutputTokens
		}
		if ev.IsError {
			return []runtime.Message{
				{Type: runtime.MessageError, Code: runtime.CodeRuntimeFailure, Message: ev.Result},
			}
		}
		return []runtime.Message{msg}
	}
	return nil
}

// eof reaps the child and converts a nonzero exit into a runtime error
// unless a result was already delivered.
func (s *stream) eof() error {
	s.reap()
	s.mu.Lock()
	werr := s.werr
	s.mu.Unlock()
	if werr != nil {
		var xerr *exec.ExitError
		if errors.As(werr, &xerr) && !xerr.Success() {
			return &runtime.Error{
				Code:    runtime.CodeRuntimeFailure,
				Message: fmt.Sprintf("claude exited with %d", xerr.ExitCode()),
				Err:     werr,
			}
		}
	}
	return io.EOF
}

// reap waits for the child exactly once.
func (s *stream) reap() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited {
		return
	}
	s.waited = true
	s.werr = s.cmd.Wait()
}

// signal delivers sig to the child's process group.
func (s *stream) signal(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waited || s.cmd.Process == nil {
		return
	}
	_ = syscall.Kill(-s.cmd.Process.Pid, sig)
}

// Close force-terminates the child process group. Idempotent.
func (s *stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.signal(syscall.SIGKILL)
	s.stdout.Close()
	s.reap()
	return nil
}
