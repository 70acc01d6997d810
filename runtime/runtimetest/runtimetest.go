// Package runtimetest provides a scripted runtime adapter for tests. A
// script lists the messages to deliver, optional per-message delay, errors
// to fail early invocations with, and whether the stream should hang until
// cancelled so tests can exercise cancellation and timeouts.
package runtimetest

import (
	"context"
	"io"
	"sync"
	"time"

	"goa.design/herdctl/runtime"
)

type (
	// Script describes one runtime's behavior.
	Script struct {
		// SessionID is reported through OnSessionIssued when set.
		SessionID string
		// Messages are delivered in order.
		Messages []runtime.Message
		// Delay is the pause before each message.
		Delay time.Duration
		// BlockAfter makes the stream hang after the last message until the
		// context is cancelled or the stream is closed.
		BlockAfter bool
		// IgnoreCancel makes the blocked stream ignore context cancellation
		// so only Close unblocks it. Exercises force-termination.
		IgnoreCancel bool
		// InvokeErrs fail the first len(InvokeErrs) Invoke calls in order.
		// Later calls succeed. Used to exercise the spawn retry.
		InvokeErrs []error
	}

	// Runtime implements runtime.Runtime from a Script and records every
	// invocation for assertions.
	Runtime struct {
		script Script

		mu          sync.Mutex
		calls       int
		invocations []runtime.Invocation
	}

	stream struct {
		script Script
		next   int
		done   chan struct{}
		once   sync.Once
	}
)

// New builds a scripted runtime.
func New(script Script) *Runtime {
	return &Runtime{script: script}
}

// Invoke implements runtime.Runtime.
func (r *Runtime) Invoke(_ context.Context, inv runtime.Invocation) (runtime.Stream, error) {
	r.mu.Lock()
	n := r.calls
	r.calls++
	r.invocations = append(r.invocations, inv)
	r.mu.Unlock()

	if n < len(r.script.InvokeErrs) {
		return nil, r.script.InvokeErrs[n]
	}
	if r.script.SessionID != "" && inv.OnSessionIssued != nil {
		inv.OnSessionIssued(r.script.SessionID)
	}
	return &stream{script: r.script, done: make(chan struct{})}, nil
}

// Calls returns the number of Invoke calls so far.
func (r *Runtime) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Invocations returns a copy of the recorded invocations.
func (r *Runtime) Invocations() []runtime.Invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]runtime.Invocation, len(r.invocations))
	copy(out, r.invocations)
	return out
}

// Next implements runtime.Stream.
func (s *stream) Next(ctx context.Context) (runtime.Message, error) {
	select {
	case <-s.done:
		return runtime.Message{}, io.EOF
	default:
	}
	if s.next >= len(s.script.Messages) {
		if s.script.BlockAfter {
			if s.script.IgnoreCancel {
				<-s.done
				return runtime.Message{}, io.EOF
			}
			select {
			case <-ctx.Done():
				return runtime.Message{}, ctx.Err()
			case <-s.done:
				return runtime.Message{}, io.EOF
			}
		}
		return runtime.Message{}, io.EOF
	}
	if s.script.Delay > 0 {
		select {
		case <-time.After(s.script.Delay):
		case <-ctx.Done():
			return runtime.Message{}, ctx.Err()
		case <-s.done:
			return runtime.Message{}, io.EOF
		}
	}
	msg := s.script.Messages[s.next]
	s.next++
	return msg, nil
}

// Close implements runtime.Stream.
func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
