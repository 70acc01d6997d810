package fleet

import (
	"context"
	"sync"

	"goa.design/clue/log"

	"goa.design/herdctl/events"
	"goa.design/herdctl/state"
)

type (
	// EventStream delivers a filtered live view of the fleet event bus.
	// Consumers drain Events until it closes; Close is idempotent.
	EventStream struct {
		ch   chan events.Event
		sub  *events.Subscription
		once sync.Once
	}

	// OutputStream delivers a job's output messages: stored history first,
	// then live messages until the job reaches a terminal state. The channel
	// closes after the final message.
	OutputStream struct {
		ch   chan state.OutputMessage
		sub  *events.Subscription
		once sync.Once
		stop chan struct{}
	}
)

// StreamLogs subscribes to fleet events. With no topics every event is
// delivered.
func (m *Manager) StreamLogs(topics ...events.Topic) *events.Subscription {
	return m.bus.Subscribe(topics...)
}

// StreamAgentLogs subscribes to the events concerning one agent. Name may be
// qualified or an unambiguous local name.
func (m *Manager) StreamAgentLogs(name string) (*EventStream, error) {
	a, err := m.resolveAgent(name)
	if err != nil {
		return nil, err
	}
	s := &EventStream{
		ch:  make(chan events.Event, events.DefaultQueueSize),
		sub: m.bus.Subscribe(),
	}
	go s.pump(a.QualifiedName)
	return s, nil
}

// pump forwards matching events until the subscription closes.
func (s *EventStream) pump(agent string) {
	defer close(s.ch)
	for e := range s.sub.Events() {
		if e.Agent() != agent {
			continue
		}
		select {
		case s.ch <- e:
		default:
			// Slow consumer; drop rather than stall the pump.
		}
	}
}

// Events returns the stream's receive channel.
func (s *EventStream) Events() <-chan events.Event { return s.ch }

// Close detaches the stream from the bus.
func (s *EventStream) Close() { s.once.Do(s.sub.Close) }

// StreamJobOutput streams a job's output from fromSeq: stored messages are
// replayed first, live messages follow, and the stream ends after the job's
// terminal event. Subscribing happens before the replay read so no message
// falls between history and follow; duplicates are suppressed by sequence
// number.
func (m *Manager) StreamJobOutput(ctx context.Context, jobID string, fromSeq int) (*OutputStream, error) {
	jb, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	sub := m.bus.Subscribe(
		events.TopicJobOutput,
		events.TopicJobCompleted,
		events.TopicJobFailed,
		events.TopicJobCancelled,
	)
	history, err := m.store.ReadOutput(ctx, jobID, fromSeq)
	if err != nil {
		sub.Close()
		return nil, err
	}

	s := &OutputStream{
		ch:   make(chan state.OutputMessage, events.DefaultQueueSize),
		sub:  sub,
		stop: make(chan struct{}),
	}
	go s.pump(ctx, m.store, jobID, history, jb.Status.Terminal())
	return s, nil
}

// pump replays history then follows the bus until the terminal event. On
// termination it re-reads the tail from the store to fill any gap a dropped
// bus event left.
func (s *OutputStream) pump(ctx context.Context, store state.Store, jobID string, history []state.OutputMessage, terminal bool) {
	defer close(s.ch)
	defer s.sub.Close()

	lastSeq := 0
	for _, msg := range history {
		if !s.send(msg) {
			return
		}
		lastSeq = msg.Seq
	}
	if terminal {
		return
	}

	for {
		select {
		case <-s.stop:
			return
		case e, ok := <-s.sub.Events():
			if !ok {
				return
			}
			switch ev := e.(type) {
			case events.JobOutput:
				if ev.Data.JobID != jobID || ev.Data.Message.Seq <= lastSeq {
					continue
				}
				if !s.send(ev.Data.Message) {
					return
				}
				lastSeq = ev.Data.Message.Seq
			case events.JobCompleted, events.JobFailed, events.JobCancelled:
				if terminalJobID(e) != jobID {
					continue
				}
				s.flushTail(ctx, store, jobID, lastSeq)
				return
			}
		}
	}
}

// flushTail re-reads stored output past lastSeq and sends whatever the live
// follow missed.
func (s *OutputStream) flushTail(ctx context.Context, store state.Store, jobID string, lastSeq int) {
	tail, err := store.ReadOutput(ctx, jobID, lastSeq)
	if err != nil {
		log.Errorf(ctx, err, "read output tail for %s", jobID)
		return
	}
	for _, msg := range tail {
		if !s.send(msg) {
			return
		}
	}
}

func (s *OutputStream) send(msg state.OutputMessage) bool {
	select {
	case s.ch <- msg:
		return true
	case <-s.stop:
		return false
	}
}

// Messages returns the stream's receive channel.
func (s *OutputStream) Messages() <-chan state.OutputMessage { return s.ch }

// Close ends the stream early.
func (s *OutputStream) Close() {
	s.once.Do(func() {
		close(s.stop)
		s.sub.Close()
	})
}

func terminalJobID(e events.Event) string {
	switch ev := e.(type) {
	case events.JobCompleted:
		return ev.Data.Job.ID
	case events.JobFailed:
		return ev.Data.Job.ID
	case events.JobCancelled:
		return ev.Data.Job.ID
	}
	return ""
}
