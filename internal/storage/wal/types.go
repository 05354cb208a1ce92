package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/escrow-ledger/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types, one per ledger command
type EventType string

const (
	EventCreateGig      EventType = "CREATE_GIG"      // Client locks funds for a new job
	EventAccept         EventType = "ACCEPT"          // Developer accepts an open job
	EventSubmit         EventType = "SUBMIT"          // Developer submits work
	EventReleaseFull    EventType = "RELEASE_FULL"    // Client approves, full payout
	EventReleasePartial EventType = "RELEASE_PARTIAL" // Client rejects, partial payout
	EventCancel         EventType = "CANCEL"          // Client withdraws an open job
	EventDeposit        EventType = "DEPOSIT"         // Account funded off-ledger
)

// Event represents a WAL record.
//
// The WAL journals commands, not results: Payload carries the caller and
// arguments so replay re-executes the command against the recovered state.
type Event struct {
	Seq       uint64          `json:"seq"`               // Event sequence number (monotonic across rotations)
	Type      EventType       `json:"type"`              // Event type
	JobID     types.JobID     `json:"job_id"`            // Target job (next job id for CREATE_GIG, 0 for DEPOSIT)
	Timestamp int64           `json:"timestamp"`         // Unix millisecond timestamp, the command's clock
	Payload   json.RawMessage `json:"payload,omitempty"` // JSON-encoded command
	Checksum  uint32          `json:"checksum"`          // CRC32 checksum
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler is the function type for processing WAL events.
// Used during Replay to apply events to system state; a returned error aborts
// the replay.
type EventHandler func(event Event) error
