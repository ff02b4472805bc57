package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/transqueue/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventJobPut    EventType = "JOB_PUT"    // Full job record written (create or update)
	EventJobDelete EventType = "JOB_DELETE" // Job and its results removed
	EventResultPut EventType = "RESULT_PUT" // Chunk result written
	EventCommit    EventType = "COMMIT"     // Chunk result and job update written together
)

// Event represents a WAL event record
//
// Payload carries the JSON encoded job (JOB_PUT), chunk result (RESULT_PUT)
// or both (COMMIT). JOB_DELETE has no payload.
type Event struct {
	Seq       uint64          `json:"seq"`             // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`            // Event type
	JobID     types.JobID     `json:"job_id"`          // Job the event belongs to
	Index     int             `json:"index,omitempty"` // Chunk index for RESULT_PUT
	Timestamp int64           `json:"timestamp"`       // Unix millisecond timestamp
	Payload   json.RawMessage `json:"payload,omitempty"`
	Checksum  uint32          `json:"checksum"` // CRC32 checksum
}

// DecodeJob decodes a JOB_PUT payload
func (e Event) DecodeJob() (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(e.Payload, &job); err != nil {
		return nil, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: err}
	}
	return &job, nil
}

// DecodeResult decodes a RESULT_PUT payload
func (e Event) DecodeResult() (types.ChunkResult, error) {
	var res types.ChunkResult
	if err := json.Unmarshal(e.Payload, &res); err != nil {
		return res, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: err}
	}
	return res, nil
}

// Commit COMMIT 事件的 payload
type Commit struct {
	Job    *types.Job        `json:"job"`
	Result types.ChunkResult `json:"result"`
}

// DecodeCommit decodes a COMMIT payload
func (e Event) DecodeCommit() (Commit, error) {
	var c Commit
	if err := json.Unmarshal(e.Payload, &c); err != nil {
		return c, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: err}
	}
	if c.Job == nil {
		return c, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: errMissingJob}
	}
	return c, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state.
// A handler error aborts the replay.
type EventHandler func(event Event) error
