package state

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendOutputAssignsSequence(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	jb, err := s.CreateJob(ctx, Job{Agent: "a"})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		msg, err := s.AppendOutput(ctx, jb.ID, OutputMessage{Type: MessageAssistant, Text: fmt.Sprintf("turn %d", i)})
		require.NoError(t, err)
		assert.Equal(t, i, msg.Seq)
		assert.False(t, msg.TS.IsZero())
	}

	out, err := s.ReadOutput(ctx, jb.ID, 0)
	require.NoError(t, err)
	require.Len(t, out, 3)
	assert.Equal(t, "turn 1", out[0].Text)
	assert.Equal(t, "turn 3", out[2].Text)

	out, err = s.ReadOutput(ctx, jb.ID, 2)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 3, out[0].Seq)
}

func TestReadOutputAbsentFile(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	jb, err := s.CreateJob(ctx, Job{Agent: "a"})
	require.NoError(t, err)

	out, err := s.ReadOutput(ctx, jb.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSequenceRecoveredAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	jb, err := s.CreateJob(ctx, Job{Agent: "a"})
	require.NoError(t, err)

	_, err = s.AppendOutput(ctx, jb.ID, OutputMessage{Type: MessageAssistant, Text: "one"})
	require.NoError(t, err)
	_, err = s.AppendOutput(ctx, jb.ID, OutputMessage{Type: MessageAssistant, Text: "two"})
	require.NoError(t, err)

	// A fresh store over the same directory continues the sequence.
	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	msg, err := s2.AppendOutput(ctx, jb.ID, OutputMessage{Type: MessageAssistant, Text: "three"})
	require.NoError(t, err)
	assert.Equal(t, 3, msg.Seq)
}

func TestReadOutputDropsTornTrailingLine(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	jb, err := s.CreateJob(ctx, Job{Agent: "a"})
	require.NoError(t, err)
	_, err = s.AppendOutput(ctx, jb.ID, OutputMessage{Type: MessageAssistant, Text: "whole"})
	require.NoError(t, err)

	// Simulate a crash mid-append: a partial JSON line with no newline.
	path, err := s.jobOutputPath(jb.ID)
	require.NoError(t, err)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"assist`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := s.ReadOutput(ctx, jb.ID, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "whole", out[0].Text)

	// The next append overwrites nothing and keeps the sequence monotonic.
	msg, err := s.AppendOutput(ctx, jb.ID, OutputMessage{Type: MessageAssistant, Text: "after"})
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Seq)
}

func TestReadOutputStopsAtCorruptInteriorLine(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	jb, err := s.CreateJob(ctx, Job{Agent: "a"})
	require.NoError(t, err)

	path, err := s.jobOutputPath(jb.ID)
	require.NoError(t, err)
	content := `{"seq":1,"ts":"2026-08-01T00:00:00Z","type":"assistant","text":"ok"}` + "\n" +
		"garbage not json\n" +
		`{"seq":3,"ts":"2026-08-01T00:00:02Z","type":"assistant","text":"after"}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	out, err := s.ReadOutput(ctx, jb.ID, 0)
	require.NoError(t, err)
	require.Len(t, out, 1, "read stops at the corrupt line")
	assert.Equal(t, "ok", out[0].Text)
}

func TestJobIDFormatProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("job IDs embed the date and a base36 suffix", prop.ForAll(
		func(secs int64) bool {
			now := time.Unix(secs, 0).UTC()
			id, err := newJobID(now)
			if err != nil {
				return false
			}
			want := "job-" + now.Format("2006-01-02") + "-"
			if len(id) != len(want)+6 || id[:len(want)] != want {
				return false
			}
			for _, r := range id[len(want):] {
				if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 4_102_444_800), // through 2100
	))
	properties.TestingRun(t)
}
