package config

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(agents ...*Agent) *ResolvedConfig {
	return &ResolvedConfig{Agents: agents}
}

func TestDiffIdentity(t *testing.T) {
	c := snapshot(&Agent{QualifiedName: "writer", Model: "m", Schedules: map[string]Schedule{
		"hourly": {Name: "hourly", Kind: KindInterval, Interval: time.Hour, Enabled: true},
	}})
	assert.Empty(t, Diff(c, c))
}

func TestDiffAgentRenameIsRemoveAndAdd(t *testing.T) {
	prev := snapshot(&Agent{QualifiedName: "old", LocalName: "old"})
	next := snapshot(&Agent{QualifiedName: "new", LocalName: "new"})

	want := []Change{
		{Type: ChangeAdded, Category: CategoryAgent, QualifiedName: "new", Details: "agent added with 0 schedule(s)"},
		{Type: ChangeRemoved, Category: CategoryAgent, QualifiedName: "old", Details: "agent removed"},
	}
	if diff := cmp.Diff(want, Diff(prev, next)); diff != "" {
		t.Errorf("unexpected changes (-want +got):\n%s", diff)
	}
}

func TestDiffAgentModified(t *testing.T) {
	prev := snapshot(&Agent{QualifiedName: "writer", Model: "a"})
	next := snapshot(&Agent{QualifiedName: "writer", Model: "b"})

	changes := Diff(prev, next)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeModified, changes[0].Type)
	assert.Equal(t, CategoryAgent, changes[0].Category)
	assert.Equal(t, "writer", changes[0].QualifiedName)
}

func TestDiffScheduleOnlyChange(t *testing.T) {
	prev := snapshot(&Agent{QualifiedName: "writer", Model: "m", Schedules: map[string]Schedule{
		"hourly": {Name: "hourly", Kind: KindInterval, Interval: time.Hour, Enabled: true},
	}})
	next := snapshot(&Agent{QualifiedName: "writer", Model: "m", Schedules: map[string]Schedule{
		"hourly": {Name: "hourly", Kind: KindInterval, Interval: 2 * time.Hour, Enabled: true},
		"extra":  {Name: "extra", Kind: KindCron, Cron: "0 * * * *", Enabled: true},
	}})

	changes := Diff(prev, next)
	require.Len(t, changes, 2, "schedule changes must not surface as agent modifications")
	assert.Equal(t, ChangeAdded, changes[0].Type)
	assert.Equal(t, CategorySchedule, changes[0].Category)
	assert.Equal(t, "writer/extra", changes[0].QualifiedName)
	assert.Equal(t, ChangeModified, changes[1].Type)
	assert.Equal(t, "writer/hourly", changes[1].QualifiedName)
}

func TestDiffFleets(t *testing.T) {
	prev := snapshot(&Agent{QualifiedName: "eu.writer", FleetPath: []string{"eu"}})
	next := snapshot(&Agent{QualifiedName: "us.writer", FleetPath: []string{"us"}})

	changes := Diff(prev, next)
	var fleets []Change
	for _, ch := range changes {
		if ch.Category == CategoryFleet {
			fleets = append(fleets, ch)
		}
	}
	require.Len(t, fleets, 2)
	assert.Equal(t, ChangeAdded, fleets[1].Type)
	assert.Equal(t, "us", fleets[1].QualifiedName)
	assert.Equal(t, ChangeRemoved, fleets[0].Type)
	assert.Equal(t, "eu", fleets[0].QualifiedName)
}

func TestDiffNilSnapshots(t *testing.T) {
	next := snapshot(&Agent{QualifiedName: "writer"})
	changes := Diff(nil, next)
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeAdded, changes[0].Type)
}
