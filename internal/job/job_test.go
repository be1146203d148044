package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusSets(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status    Status
		terminal  bool
		inflight  bool
		stoppable bool
	}{
		{StatusPending, false, false, true},
		{StatusRunning, false, true, true},
		{StatusScheduled, false, true, true},
		{StatusInterval, false, true, true},
		{StatusCompleted, true, false, false},
		{StatusError, true, false, false},
		{StatusStopped, true, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			t.Parallel()
			assert.True(t, tc.status.Valid())
			assert.Equal(t, tc.terminal, tc.status.Terminal())
			assert.Equal(t, tc.inflight, tc.status.Inflight())
			assert.Equal(t, tc.stoppable, tc.status.Stoppable())
		})
	}
	assert.False(t, Status("paused").Valid())
}

func TestDetailsAccessors(t *testing.T) {
	t.Parallel()

	var d Details
	require.NoError(t, json.Unmarshal([]byte(`{
		"targets": [100, "200", 3.5, "x"],
		"keywords": ["hello", " ", "world"],
		"reply_text": " hi ",
		"dry_run": true,
		"schedule": {"mode": "delay", "minutes": 2},
		"single": "solo"
	}`), &d))

	assert.Equal(t, []int64{100, 200}, d.Int64s("targets"))
	assert.Equal(t, []string{"hello", "world"}, d.Strings("keywords"))
	assert.Equal(t, []string{"solo"}, d.Strings("single"))
	assert.Equal(t, "hi", d.String("reply_text"))
	assert.True(t, d.Bool("dry_run"))

	sched := d.Map("schedule")
	require.NotNil(t, sched)
	assert.Equal(t, "delay", sched.String("mode"))
	n, ok := sched.Int64("minutes")
	assert.True(t, ok)
	assert.Equal(t, int64(2), n)

	_, ok = d.Int64("missing")
	assert.False(t, ok)
}

func TestDetailsMergeKeepsUnrelatedKeys(t *testing.T) {
	t.Parallel()

	d := Details{"a": 1, "b": "x"}
	d.Merge(map[string]any{"b": "y", "c": true, "a": nil})
	assert.Equal(t, Details{"b": "y", "c": true}, d)
}

func TestDetailsCloneIsDeep(t *testing.T) {
	t.Parallel()

	d := Details{"nested": map[string]any{"k": "v"}}
	cp := d.Clone()
	cp.Map("nested")["k"] = "changed"
	assert.Equal(t, "v", d.Map("nested")["k"])
}
