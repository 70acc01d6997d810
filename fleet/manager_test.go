package fleet

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/herdctl/config"
	"goa.design/herdctl/events"
	"goa.design/herdctl/runtime"
	"goa.design/herdctl/runtime/runtimetest"
	"goa.design/herdctl/schedule"
	"goa.design/herdctl/state"
)

func write(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const writerYAML = `
name: writer
runtime: test
schedules:
  hourly:
    interval: "1h"
    prompt: "do the rounds"
`

func writeFleet(t *testing.T) (dir, root string) {
	t.Helper()
	dir = t.TempDir()
	write(t, dir, "writer.yaml", writerYAML)
	root = write(t, dir, "fleet.yaml", `
version: 1
fleet:
  name: newsroom
agents:
  - path: writer.yaml
`)
	return dir, root
}

func newManager(t *testing.T, root string, script runtimetest.Script) (*Manager, *runtimetest.Runtime) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	rt := runtimetest.New(script)
	m, err := New(root,
		WithStore(store),
		WithRuntimes(runtime.Registry{"test": rt}),
		WithLookup(func(string) (string, bool) { return "", false }),
		WithSchedulerOptions(schedule.WithTick(time.Hour)), // tests drive jobs by hand
	)
	require.NoError(t, err)
	return m, rt
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Start(ctx))
}

func completedScript() runtimetest.Script {
	return runtimetest.Script{
		SessionID: "sess-1",
		Messages: []runtime.Message{
			{Type: runtime.MessageAssistant, Text: "done"},
			{Type: runtime.MessageResult, Result: &runtime.Result{NumTurns: 1, TokensIn: 5, TokensOut: 7}},
		},
	}
}

func waitTerminal(t *testing.T, m *Manager, jobID string) state.Job {
	t.Helper()
	var jb state.Job
	require.Eventually(t, func() bool {
		var err error
		jb, err = m.Job(context.Background(), jobID)
		return err == nil && jb.Status.Terminal()
	}, 2*time.Second, 5*time.Millisecond)
	return jb
}

func TestLifecycleStateMachine(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, _ := newManager(t, root, completedScript())

	var serr *InvalidStateError
	require.ErrorAs(t, m.Start(ctx), &serr)
	assert.Equal(t, "start", serr.Op)
	_, err := m.Trigger(ctx, TriggerRequest{Agent: "writer"})
	require.ErrorAs(t, err, &serr)
	require.ErrorAs(t, m.Stop(ctx, StopOptions{}), &serr)

	require.NoError(t, m.Initialize(ctx))
	require.NoError(t, m.Initialize(ctx), "idempotent from initialized")
	require.ErrorAs(t, m.Stop(ctx, StopOptions{}), &serr, "never started")

	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Start(ctx), "idempotent from running")

	st, err := m.FleetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "newsroom", st.Name)
	assert.Equal(t, state.FleetRunning, st.Status)
	assert.Equal(t, 1, st.AgentCount)
	require.NotNil(t, st.StartedAt)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
	_, err = m.Trigger(ctx, TriggerRequest{Agent: "writer"})
	require.ErrorAs(t, err, &serr)
	require.NoError(t, m.Stop(ctx, StopOptions{}), "idempotent from stopped")
	require.ErrorAs(t, m.Start(ctx), &serr, "stopped fleets do not restart")
}

func TestTriggerRunsJobToCompletion(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, rt := newManager(t, root, completedScript())
	startManager(t, m)
	sub := m.StreamLogs(events.TopicJobCompleted)

	jb, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Prompt: "write the brief"})
	require.NoError(t, err)
	assert.Equal(t, state.JobPending, jb.Status)
	assert.Equal(t, state.TriggerManual, jb.TriggerType)

	select {
	case e := <-sub.Events():
		done, ok := e.(events.JobCompleted)
		require.True(t, ok)
		assert.Equal(t, jb.ID, done.Data.Job.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected job:completed")
	}

	got := waitTerminal(t, m, jb.ID)
	assert.Equal(t, state.JobCompleted, got.Status)
	assert.Equal(t, "sess-1", got.SessionID)
	require.NotNil(t, got.Result)
	assert.Equal(t, 1, got.Result.NumTurns)

	invs := rt.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "write the brief", invs[0].Prompt)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestTriggerSchedulePromptFallback(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, rt := newManager(t, root, completedScript())
	startManager(t, m)

	jb, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Schedule: "hourly"})
	require.NoError(t, err)
	assert.Equal(t, "hourly", jb.Schedule)
	assert.Equal(t, "do the rounds", jb.Prompt)

	waitTerminal(t, m, jb.ID)
	invs := rt.Invocations()
	require.Len(t, invs, 1)
	assert.Equal(t, "do the rounds", invs[0].Prompt)

	var snerr *ScheduleNotFoundError
	_, err = m.Trigger(ctx, TriggerRequest{Agent: "writer", Schedule: "ghost"})
	require.ErrorAs(t, err, &snerr)
	assert.Equal(t, "writer", snerr.Agent)
	assert.Equal(t, "ghost", snerr.Name)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestTriggerConcurrencyLimitAndBypass(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, _ := newManager(t, root, runtimetest.Script{BlockAfter: true})
	startManager(t, m)

	first, err := m.Trigger(ctx, TriggerRequest{Agent: "writer"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := m.FleetStatus(ctx)
		return err == nil && st.RunningJobs == 1
	}, time.Second, 5*time.Millisecond)

	_, err = m.Trigger(ctx, TriggerRequest{Agent: "writer"})
	var cerr *ConcurrencyLimitError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "writer", cerr.Agent)
	assert.Equal(t, 1, cerr.Limit)

	second, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Bypass: true})
	require.NoError(t, err)

	for _, id := range []string{first.ID, second.ID} {
		_, err = m.Cancel(ctx, id, time.Second)
		require.NoError(t, err)
		waitTerminal(t, m, id)
	}
	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestForkInheritsSessionFromTerminalParent(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, rt := newManager(t, root, completedScript())
	startManager(t, m)
	sub := m.StreamLogs(events.TopicJobForked)

	parent, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Prompt: "draft"})
	require.NoError(t, err)
	waitTerminal(t, m, parent.ID)

	child, err := m.Fork(ctx, ForkRequest{ParentJobID: parent.ID, Prompt: "revise"})
	require.NoError(t, err)
	assert.Equal(t, state.TriggerFork, child.TriggerType)
	assert.Equal(t, parent.ID, child.ParentJobID)
	assert.Equal(t, "sess-1", child.SessionID, "child resumes the parent session")

	select {
	case e := <-sub.Events():
		forked, ok := e.(events.JobForked)
		require.True(t, ok)
		assert.Equal(t, parent.ID, forked.Data.ParentJobID)
	case <-time.After(time.Second):
		t.Fatal("expected job:forked")
	}

	waitTerminal(t, m, child.ID)
	invs := rt.Invocations()
	require.Len(t, invs, 2)
	assert.Equal(t, "sess-1", invs[1].SessionID)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestForkRequiresTerminalParent(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, _ := newManager(t, root, runtimetest.Script{BlockAfter: true})
	startManager(t, m)

	parent, err := m.Trigger(ctx, TriggerRequest{Agent: "writer"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		jb, err := m.Job(ctx, parent.ID)
		return err == nil && jb.Status == state.JobRunning
	}, time.Second, 5*time.Millisecond)

	_, err = m.Fork(ctx, ForkRequest{ParentJobID: parent.ID})
	require.ErrorIs(t, err, ErrParentNotTerminal)

	_, err = m.Cancel(ctx, parent.ID, time.Second)
	require.NoError(t, err)
	waitTerminal(t, m, parent.ID)
	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestReloadSwapsSnapshot(t *testing.T) {
	ctx := context.Background()
	dir, root := writeFleet(t)
	m, _ := newManager(t, root, completedScript())
	startManager(t, m)
	sub := m.StreamLogs(events.TopicConfigReloaded, events.TopicAgentStarted)

	write(t, dir, "editor.yaml", "name: editor\nruntime: test\n")
	write(t, dir, "fleet.yaml", `
version: 1
fleet:
  name: newsroom
agents:
  - path: writer.yaml
  - path: editor.yaml
`)

	changes, err := m.Reload(ctx)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, config.ChangeAdded, changes[0].Type)
	assert.Equal(t, "editor", changes[0].QualifiedName)
	require.Len(t, m.Config().Agents, 2)

	var sawAgent, sawReload bool
	for !sawAgent || !sawReload {
		select {
		case e := <-sub.Events():
			switch e.Topic() {
			case events.TopicAgentStarted:
				assert.Equal(t, "editor", e.Agent())
				sawAgent = true
			case events.TopicConfigReloaded:
				sawReload = true
			}
		case <-time.After(time.Second):
			t.Fatal("expected agent:started and config:reloaded")
		}
	}

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestReloadFailureKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	dir, root := writeFleet(t)
	m, _ := newManager(t, root, completedScript())
	startManager(t, m)
	sub := m.StreamLogs(events.TopicConfigReloadError)

	write(t, dir, "fleet.yaml", "version: 1\nagents: [{{ not yaml")

	_, err := m.Reload(ctx)
	require.Error(t, err)
	require.Len(t, m.Config().Agents, 1, "previous snapshot stays active")

	select {
	case e := <-sub.Events():
		rerr, ok := e.(events.ConfigReloadError)
		require.True(t, ok)
		assert.NotEmpty(t, rerr.Data.Error)
	case <-time.After(time.Second):
		t.Fatal("expected config:reload_error")
	}

	// The surviving config still serves triggers.
	jb, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Prompt: "still here"})
	require.NoError(t, err)
	waitTerminal(t, m, jb.ID)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestResolveAgentNames(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	write(t, dir, "eu/fleet.yaml", "version: 1\nagents:\n  - path: writer.yaml\n")
	write(t, dir, "eu/writer.yaml", "name: writer\nruntime: test\n")
	write(t, dir, "us/fleet.yaml", "version: 1\nagents:\n  - path: writer.yaml\n")
	write(t, dir, "us/writer.yaml", "name: writer\nruntime: test\n")
	root := write(t, dir, "fleet.yaml", `
version: 1
fleet:
  name: global
fleets:
  - path: eu
  - path: us
`)
	m, _ := newManager(t, root, completedScript())
	require.NoError(t, m.Initialize(ctx))

	info, err := m.Agent(ctx, "eu.writer")
	require.NoError(t, err)
	assert.Equal(t, "eu.writer", info.Agent.QualifiedName)
	require.Len(t, info.Schedules, 0)

	var aerr *AmbiguousAgentError
	_, err = m.Agent(ctx, "writer")
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, 2, aerr.Matches)

	var nerr *AgentNotFoundError
	_, err = m.Agent(ctx, "ghost")
	require.ErrorAs(t, err, &nerr)
	assert.ElementsMatch(t, []string{"eu.writer", "us.writer"}, nerr.Available)
	assert.Contains(t, nerr.Error(), "eu.writer")
}

func TestForkUnderSchedule(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, _ := newManager(t, root, completedScript())
	startManager(t, m)

	parent, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Prompt: "draft"})
	require.NoError(t, err)
	waitTerminal(t, m, parent.ID)

	child, err := m.Fork(ctx, ForkRequest{ParentJobID: parent.ID, Schedule: "hourly"})
	require.NoError(t, err)
	assert.Equal(t, "hourly", child.Schedule)
	assert.Equal(t, "do the rounds", child.Prompt, "empty prompt falls back to the schedule's")
	waitTerminal(t, m, child.ID)

	// An explicit prompt still wins over the schedule's.
	child, err = m.Fork(ctx, ForkRequest{ParentJobID: parent.ID, Schedule: "hourly", Prompt: "redo it"})
	require.NoError(t, err)
	assert.Equal(t, "redo it", child.Prompt)
	waitTerminal(t, m, child.ID)

	var snerr *ScheduleNotFoundError
	_, err = m.Fork(ctx, ForkRequest{ParentJobID: parent.ID, Schedule: "ghost"})
	require.ErrorAs(t, err, &snerr)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestForkInheritsParentWorkspace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	write(t, dir, "writer.yaml", "name: writer\nruntime: test\nworkspace: /work/v1\n")
	root := write(t, dir, "fleet.yaml", `
version: 1
fleet:
  name: newsroom
agents:
  - path: writer.yaml
`)
	m, _ := newManager(t, root, completedScript())
	startManager(t, m)

	parent, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Prompt: "draft"})
	require.NoError(t, err)
	assert.Equal(t, "/work/v1", parent.Workspace)
	waitTerminal(t, m, parent.ID)

	// A reload moves the agent's workspace out from under the parent.
	write(t, dir, "writer.yaml", "name: writer\nruntime: test\nworkspace: /work/v2\n")
	_, err = m.Reload(ctx)
	require.NoError(t, err)

	child, err := m.Fork(ctx, ForkRequest{ParentJobID: parent.ID, Prompt: "revise"})
	require.NoError(t, err)
	assert.Equal(t, "/work/v1", child.Workspace, "child stays in the parent's workspace")
	waitTerminal(t, m, child.ID)

	fresh, err := m.Trigger(ctx, TriggerRequest{Agent: "writer", Prompt: "new"})
	require.NoError(t, err)
	assert.Equal(t, "/work/v2", fresh.Workspace, "new jobs pick up the reloaded workspace")
	waitTerminal(t, m, fresh.ID)

	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestLaunchAfterStopCancelsJob(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, _ := newManager(t, root, completedScript())
	startManager(t, m)
	require.NoError(t, m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))

	// A job created just before Stop flipped the status must not start a
	// goroutine; launch cancels it instead.
	agent := m.Config().Agents[0]
	jb, err := m.store.CreateJob(ctx, state.Job{Agent: agent.QualifiedName, TriggerType: state.TriggerManual})
	require.NoError(t, err)
	m.launch(agent, jb, "")

	got, err := m.Job(ctx, jb.ID)
	require.NoError(t, err)
	assert.Equal(t, state.JobCancelled, got.Status)
	assert.Equal(t, state.ExitCancelled, got.ExitReason)
}

func TestStopCancelsStragglers(t *testing.T) {
	ctx := context.Background()
	_, root := writeFleet(t)
	m, _ := newManager(t, root, runtimetest.Script{BlockAfter: true})
	startManager(t, m)

	jb, err := m.Trigger(ctx, TriggerRequest{Agent: "writer"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := m.Job(ctx, jb.ID)
		return err == nil && got.Status == state.JobRunning
	}, time.Second, 5*time.Millisecond)

	err = m.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: 50 * time.Millisecond})
	var terr *schedule.ShutdownTimeoutError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, []string{jb.ID}, terr.PendingJobIDs)

	// Stop cut the job loose and waited for its goroutine to finish.
	got, err := m.Job(ctx, jb.ID)
	require.NoError(t, err)
	assert.Equal(t, state.JobCancelled, got.Status)
}
