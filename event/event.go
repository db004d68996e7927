// Package event carries transfer progress to any number of observers.
//
// A Hub fans out ProgressEvents to its subscriptions. Publishing never blocks:
// each subscription owns a bounded queue and loses its oldest queued event
// when a new one does not fit, so a slow observer still ends with the newest
// state, terminal events included.
package event

import "time"

// Kind tags what happened.
type Kind string

const (
	// KindAck reports line progress.
	KindAck Kind = "ack"
	// KindRunning reports a non-terminal state change or a notice.
	KindRunning Kind = "running"
	// KindCompleted is emitted once when a transfer completes.
	KindCompleted Kind = "completed"
	// KindError is emitted once when a transfer fails.
	KindError Kind = "error"
	// KindCanceled is emitted once when a transfer is canceled.
	KindCanceled Kind = "canceled"
)

// IsTerminal reports whether k ends a transfer's event stream.
func (k Kind) IsTerminal() bool {
	return k == KindCompleted || k == KindError || k == KindCanceled
}

// ProgressEvent is an immutable snapshot of one notable occurrence.
// Field names on the wire are shared by JSON and CBOR encodings.
type ProgressEvent struct {
	TransferID  string         `json:"transfer_id" cbor:"transfer_id"`
	MachineID   string         `json:"machine_id" cbor:"machine_id"`
	ProgramName string         `json:"program_name" cbor:"program_name"`
	Mode        string         `json:"mode" cbor:"mode"`
	State       string         `json:"state" cbor:"state"`
	Line        int            `json:"line" cbor:"line"`
	LinesTotal  int            `json:"lines_total" cbor:"lines_total"`
	BytesSent   int64          `json:"bytes_sent" cbor:"bytes_sent"`
	RateLPS     float64        `json:"rate_lps" cbor:"rate_lps"`
	ETASec      *float64       `json:"eta_sec" cbor:"eta_sec"`
	Kind        Kind           `json:"event" cbor:"event"`
	TS          time.Time      `json:"ts" cbor:"ts"`
	Error       string         `json:"error,omitempty" cbor:"error,omitempty"`
	Extra       map[string]any `json:"extra,omitempty" cbor:"extra,omitempty"`
}
