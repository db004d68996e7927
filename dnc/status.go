package dnc

import (
	"time"

	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/transfer"
)

// minRate replaces a zero rate in the ETA computation.
const minRate = 1e-4

// Status is a point-in-time snapshot of one transfer.
type Status struct {
	ID          string         `json:"transfer_id"`
	State       transfer.State `json:"state"`
	Port        string         `json:"port"`
	FileName    string         `json:"file_name"`
	Mode        transfer.Mode  `json:"mode"`
	MachineID   string         `json:"machine_id"`
	ProgramName string         `json:"program_name"`
	Line        int            `json:"line"`
	LinesTotal  int            `json:"lines_total"`
	BytesSent   int64          `json:"bytes_sent"`
	RateLPS     float64        `json:"rate_lps"`
	ETASec      *float64       `json:"eta_sec"`
	Error       string         `json:"error,omitempty"`
	// HeaderName is the program name announced by the controller in drip mode.
	HeaderName string     `json:"header_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// rateTracker turns line advances into lines per second and an ETA.
type rateTracker struct {
	lastLine int
	lastTS   time.Time
}

func (t *rateTracker) start(now time.Time) {
	t.lastLine = 0
	t.lastTS = now
}

// sample returns the rate since the previous sample and the remaining time
// for total lines at that rate.
func (t *rateTracker) sample(now time.Time, line, total int) (rate, eta float64) {
	dt := max(now.Sub(t.lastTS).Seconds(), 1e-6)
	if dl := line - t.lastLine; dl > 0 {
		rate = float64(dl) / dt
	}
	t.lastLine = line
	t.lastTS = now

	remaining := max(total-line, 0)

	return rate, float64(remaining) / max(rate, minRate)
}

func (s *Status) event(kind event.Kind, now time.Time, extra map[string]any) event.ProgressEvent {
	return event.ProgressEvent{
		TransferID:  s.ID,
		MachineID:   s.MachineID,
		ProgramName: s.ProgramName,
		Mode:        string(s.Mode),
		State:       s.State.String(),
		Line:        s.Line,
		LinesTotal:  s.LinesTotal,
		BytesSent:   s.BytesSent,
		RateLPS:     s.RateLPS,
		ETASec:      s.ETASec,
		Kind:        kind,
		TS:          now.UTC(),
		Error:       s.Error,
		Extra:       extra,
	}
}
