package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from JobStatus
		to   JobStatus
		want bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"queued to running", StatusQueued, StatusRunning, true},
		{"queued to cancelled", StatusQueued, StatusCancelled, true},
		{"running to running (resume)", StatusRunning, StatusRunning, true},
		{"running to completed", StatusRunning, StatusCompleted, true},
		{"running to failed", StatusRunning, StatusFailed, true},
		{"queued back to pending", StatusQueued, StatusPending, false},
		{"running back to queued", StatusRunning, StatusQueued, false},
		{"completed to failed", StatusCompleted, StatusFailed, false},
		{"cancelled to running", StatusCancelled, StatusRunning, false},
		{"failed to failed", StatusFailed, StatusFailed, false},
		{"unknown status", JobStatus("bogus"), StatusRunning, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestParsePriority(t *testing.T) {
	p, err := ParsePriority("HIGH")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)

	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNormal, p)

	_, err = ParsePriority("asap")
	assert.Error(t, err)

	assert.Equal(t, "critical", PriorityCritical.String())
	assert.Equal(t, "priority(7)", Priority(7).String())
	assert.False(t, Priority(7).Known())
}

func TestJobClone(t *testing.T) {
	now := time.Now()
	j := &Job{ID: "a", Metadata: map[string]string{"k": "v"}, StartedAt: &now}
	c := j.Clone()

	c.Metadata["k"] = "changed"
	*c.StartedAt = now.Add(time.Hour)

	assert.Equal(t, "v", j.Metadata["k"])
	assert.Equal(t, now, *j.StartedAt)
	assert.Nil(t, (*Job)(nil).Clone())
}

func TestEligibleAt(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Minute)

	assert.True(t, (&Job{Status: StatusPending}).EligibleAt(now))
	assert.True(t, (&Job{Status: StatusPending, ScheduledAt: &now}).EligibleAt(now))
	assert.False(t, (&Job{Status: StatusPending, ScheduledAt: &later}).EligibleAt(now))
	assert.False(t, (&Job{Status: StatusQueued}).EligibleAt(now))
}

func TestJobFilterMatch(t *testing.T) {
	j := &Job{Status: StatusRunning}
	assert.True(t, JobFilter{}.Match(j))
	assert.True(t, JobFilter{Statuses: []JobStatus{StatusPending, StatusRunning}}.Match(j))
	assert.False(t, JobFilter{Statuses: []JobStatus{StatusCompleted}}.Match(j))
}

func TestPriorityUnmarshalJSON(t *testing.T) {
	var spec JobSpec
	require.NoError(t, json.Unmarshal([]byte(`{"source_ref":"x","priority":"urgent"}`), &spec))
	assert.Equal(t, PriorityUrgent, spec.Priority)

	require.NoError(t, json.Unmarshal([]byte(`{"source_ref":"x","priority":10}`), &spec))
	assert.Equal(t, PriorityHigh, spec.Priority)

	assert.Error(t, json.Unmarshal([]byte(`{"priority":"someday"}`), &spec))

	out, err := json.Marshal(JobSpec{Priority: PriorityLow})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"priority":1`)
}

func TestAutoRetryable(t *testing.T) {
	tests := []struct {
		name string
		job  Job
		want bool
	}{
		{"chunk failures with budget", Job{Status: StatusFailed, ErrorKind: ErrorKindChunkFailures, MaxRetries: 3}, true},
		{"internal with budget", Job{Status: StatusFailed, ErrorKind: ErrorKindInternal, RetryCount: 2, MaxRetries: 3}, true},
		{"timeout with budget", Job{Status: StatusFailed, ErrorKind: ErrorKindTimeout, MaxRetries: 1}, true},
		{"budget exhausted", Job{Status: StatusFailed, ErrorKind: ErrorKindChunkFailures, RetryCount: 3, MaxRetries: 3}, false},
		{"retries disabled", Job{Status: StatusFailed, ErrorKind: ErrorKindInternal}, false},
		{"decomposition", Job{Status: StatusFailed, ErrorKind: ErrorKindDecomposition, MaxRetries: 3}, false},
		{"interrupted", Job{Status: StatusFailed, ErrorKind: ErrorKindInterrupted, MaxRetries: 3}, false},
		{"cancelled", Job{Status: StatusCancelled, ErrorKind: ErrorKindCancelled, MaxRetries: 3}, false},
		{"completed", Job{Status: StatusCompleted, MaxRetries: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.job.AutoRetryable())
		})
	}
}
