package schedule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/herdctl/config"
	"goa.design/herdctl/events"
	"goa.design/herdctl/job"
	"goa.design/herdctl/runtime"
	"goa.design/herdctl/runtime/runtimetest"
	"goa.design/herdctl/state"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type dispatchRecorder struct {
	mu    sync.Mutex
	fires []string
}

func (d *dispatchRecorder) dispatch(_ context.Context, agent *config.Agent, sched config.Schedule, _ string) {
	d.mu.Lock()
	d.fires = append(d.fires, agent.QualifiedName+"/"+sched.Name)
	d.mu.Unlock()
}

func (d *dispatchRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.fires)
}

func agentWith(name string, schedules ...config.Schedule) *config.Agent {
	m := make(map[string]config.Schedule, len(schedules))
	for _, s := range schedules {
		m[s.Name] = s
	}
	return &config.Agent{LocalName: name, QualifiedName: name, MaxConcurrent: 1, Runtime: "test", Schedules: m}
}

func newScheduler(t *testing.T, clk *clock, cfg *config.ResolvedConfig, dispatch Dispatch) (*Scheduler, *state.FileStore, *events.Bus, *job.Registry) {
	t.Helper()
	store, err := state.NewFileStore(t.TempDir())
	require.NoError(t, err)
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	registry := job.NewRegistry()
	s := New(store, bus, registry, dispatch, WithClock(clk.Now))
	require.NoError(t, s.ApplyConfig(context.Background(), cfg))
	return s, store, bus, registry
}

func TestIntervalScheduleFires(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{
		agentWith("writer", config.Schedule{Name: "hourly", Kind: config.KindInterval, Interval: time.Hour, Enabled: true}),
	}}
	s, store, bus, _ := newScheduler(t, clk, cfg, rec.dispatch)
	sub := bus.Subscribe(events.TopicScheduleTriggered)

	// Never run before: due immediately.
	s.Poll(ctx)
	assert.Equal(t, 1, rec.count())
	select {
	case e := <-sub.Events():
		assert.Equal(t, "writer", e.Agent())
	case <-time.After(time.Second):
		t.Fatal("expected schedule:triggered")
	}

	// Not due again until the interval elapses.
	clk.Advance(30 * time.Minute)
	s.Poll(ctx)
	assert.Equal(t, 1, rec.count())

	clk.Advance(31 * time.Minute)
	s.Poll(ctx)
	assert.Equal(t, 2, rec.count())

	ss, ok, err := store.ReadScheduleState(ctx, "writer", "hourly")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, ss.TriggerCount)
	require.NotNil(t, ss.LastRunAt)
	assert.True(t, ss.LastRunAt.Equal(clk.Now().UTC()))
	assert.NotEmpty(t, ss.LastTriggerID)
}

func TestCronScheduleSeedsThenFires(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 30, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{
		agentWith("writer", config.Schedule{Name: "tophour", Kind: config.KindCron, Cron: "0 * * * *", Enabled: true}),
	}}
	s, store, _, _ := newScheduler(t, clk, cfg, rec.dispatch)

	// First sighting seeds next_run_at without firing.
	s.Poll(ctx)
	assert.Zero(t, rec.count())
	ss, ok, err := store.ReadScheduleState(ctx, "writer", "tophour")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, ss.NextRunAt)
	assert.Equal(t, time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC), ss.NextRunAt.UTC())

	clk.Advance(29 * time.Minute)
	s.Poll(ctx)
	assert.Zero(t, rec.count())

	clk.Advance(time.Minute)
	s.Poll(ctx)
	assert.Equal(t, 1, rec.count())

	ss, _, err = store.ReadScheduleState(ctx, "writer", "tophour")
	require.NoError(t, err)
	require.NotNil(t, ss.NextRunAt)
	assert.Equal(t, time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC), ss.NextRunAt.UTC(), "next fire recomputed")
}

func TestConcurrencyGateSkips(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	agent := agentWith("writer", config.Schedule{Name: "hourly", Kind: config.KindInterval, Interval: time.Hour, Enabled: true})
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{agent}}
	s, store, bus, registry := newScheduler(t, clk, cfg, rec.dispatch)
	sub := bus.Subscribe(events.TopicScheduleSkipped)

	// Occupy the agent's single slot with a blocking job.
	rt := runtimetest.New(runtimetest.Script{BlockAfter: true, Messages: []runtime.Message{{Type: runtime.MessageAssistant, Text: "busy"}}})
	exec := job.NewExecutor(store, bus, registry, runtime.Registry{"test": rt})
	jb, err := store.CreateJob(ctx, state.Job{Agent: "writer", TriggerType: state.TriggerManual})
	require.NoError(t, err)
	go func() { _, _ = exec.Execute(ctx, job.Request{Job: jb, Agent: agent}) }()
	require.Eventually(t, func() bool { return registry.RunningCount("writer") == 1 }, time.Second, 5*time.Millisecond)

	s.Poll(ctx)
	assert.Zero(t, rec.count(), "skip must not dispatch")
	select {
	case e := <-sub.Events():
		skipped, okType := e.(events.ScheduleSkipped)
		require.True(t, okType)
		assert.Equal(t, SkipReasonConcurrency, skipped.Data.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected schedule:skipped")
	}

	ss, ok, err := store.ReadScheduleState(ctx, "writer", "hourly")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, ss.SkipCount)
	assert.Nil(t, ss.LastRunAt, "a skip never advances the run cursor")

	// Capacity frees: the schedule is still due and fires.
	_, err = exec.Cancel(ctx, jb.ID, time.Second)
	require.NoError(t, err)
	require.NoError(t, registry.WaitIdle(ctx))
	s.Poll(ctx)
	assert.Equal(t, 1, rec.count())
}

func TestDisableAndEnable(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{
		agentWith("writer", config.Schedule{Name: "hourly", Kind: config.KindInterval, Interval: time.Hour, Enabled: true}),
	}}
	s, store, _, _ := newScheduler(t, clk, cfg, rec.dispatch)

	require.NoError(t, s.DisableSchedule(ctx, "writer", "hourly"))
	s.Poll(ctx)
	assert.Zero(t, rec.count())

	ss, ok, err := store.ReadScheduleState(ctx, "writer", "hourly")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ss.Enabled)

	require.NoError(t, s.EnableSchedule(ctx, "writer", "hourly"))
	s.Poll(ctx)
	assert.Equal(t, 1, rec.count())

	var uerr *UnknownScheduleError
	require.ErrorAs(t, s.EnableSchedule(ctx, "writer", "nope"), &uerr)
	require.ErrorAs(t, s.DisableSchedule(ctx, "ghost", "hourly"), &uerr)
}

func TestDisabledByConfigNeverFires(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{
		agentWith("writer", config.Schedule{Name: "hourly", Kind: config.KindInterval, Interval: time.Hour, Enabled: false}),
	}}
	s, _, _, _ := newScheduler(t, clk, cfg, rec.dispatch)

	s.Poll(ctx)
	clk.Advance(2 * time.Hour)
	s.Poll(ctx)
	assert.Zero(t, rec.count())
}

func TestApplyConfigPreservesAndPrunes(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{
		agentWith("writer",
			config.Schedule{Name: "hourly", Kind: config.KindInterval, Interval: time.Hour, Enabled: true},
			config.Schedule{Name: "doomed", Kind: config.KindInterval, Interval: time.Hour, Enabled: true},
		),
	}}
	s, store, _, _ := newScheduler(t, clk, cfg, rec.dispatch)

	s.Poll(ctx) // fires both, persisting state
	assert.Equal(t, 2, rec.count())

	next := &config.ResolvedConfig{Agents: []*config.Agent{
		agentWith("writer", config.Schedule{Name: "hourly", Kind: config.KindInterval, Interval: time.Hour, Enabled: true}),
	}}
	require.NoError(t, s.ApplyConfig(ctx, next))

	_, ok, err := store.ReadScheduleState(ctx, "writer", "doomed")
	require.NoError(t, err)
	assert.False(t, ok, "removed schedule state is pruned")

	ss, ok, err := store.ReadScheduleState(ctx, "writer", "hourly")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, ss.TriggerCount, "surviving schedule state is retained")

	// The retained cursor still gates the next fire.
	clk.Advance(30 * time.Minute)
	s.Poll(ctx)
	assert.Equal(t, 2, rec.count())
	clk.Advance(31 * time.Minute)
	s.Poll(ctx)
	assert.Equal(t, 3, rec.count())
}

func TestStopWaitsForJobs(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)}
	rec := &dispatchRecorder{}
	agent := agentWith("writer")
	cfg := &config.ResolvedConfig{Agents: []*config.Agent{agent}}
	s, store, bus, registry := newScheduler(t, clk, cfg, rec.dispatch)

	rt := runtimetest.New(runtimetest.Script{BlockAfter: true})
	exec := job.NewExecutor(store, bus, registry, runtime.Registry{"test": rt})
	jb, err := store.CreateJob(ctx, state.Job{Agent: "writer"})
	require.NoError(t, err)
	go func() { _, _ = exec.Execute(ctx, job.Request{Job: jb, Agent: agent}) }()
	require.Eventually(t, func() bool { return registry.RunningCount("writer") == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Start(ctx))
	err = s.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: 50 * time.Millisecond})
	var serr *ShutdownTimeoutError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, []string{jb.ID}, serr.PendingJobIDs)

	_, err = exec.Cancel(ctx, jb.ID, time.Second)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx, StopOptions{WaitForJobs: true, Timeout: time.Second}))
}

func TestStartTwiceFails(t *testing.T) {
	ctx := context.Background()
	clk := &clock{now: time.Now()}
	cfg := &config.ResolvedConfig{}
	s, _, _, _ := newScheduler(t, clk, cfg, func(context.Context, *config.Agent, config.Schedule, string) {})

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))
	require.NoError(t, s.Stop(ctx, StopOptions{}))
	require.NoError(t, s.Stop(ctx, StopOptions{}), "stop is idempotent")
}
