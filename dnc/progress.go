package dnc

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"

	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/protocol"
	"github.com/arloliu/go-dnc/transfer"
)

// ProgressLine is one line of `dnc-sender --progress json` output: an
// engine signal in JSON form.
type ProgressLine struct {
	Kind    string         `json:"kind"`
	State   transfer.State `json:"state"`
	Line    int            `json:"line"`
	Bytes   int64          `json:"bytes"`
	Header  string         `json:"header,omitempty"`
	DC1     bool           `json:"dc1,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// NewProgressLine converts an engine signal.
func NewProgressLine(s transfer.Signal) ProgressLine {
	pl := ProgressLine{
		Kind:    s.Kind.String(),
		State:   s.State,
		Line:    s.Line,
		Bytes:   s.Bytes,
		Message: s.Message,
	}
	if s.Header != nil {
		pl.Header = s.Header.Name
		pl.DC1 = s.Header.TrailingXON
	}
	if s.Err != nil {
		pl.Error = s.Err.Error()
	}

	return pl
}

// Signal converts the line back. Terminal errors become plain errors; their
// sentinel identity does not survive the process boundary.
func (pl ProgressLine) Signal() transfer.Signal {
	s := transfer.Signal{
		State:   pl.State,
		Line:    pl.Line,
		Bytes:   pl.Bytes,
		Message: pl.Message,
	}

	switch pl.Kind {
	case transfer.SignalLine.String():
		s.Kind = transfer.SignalLine
	case transfer.SignalHeader.String():
		s.Kind = transfer.SignalHeader
		s.Header = &protocol.Header{Name: pl.Header, TrailingXON: pl.DC1}
	case transfer.SignalWarning.String():
		s.Kind = transfer.SignalWarning
	default:
		s.Kind = transfer.SignalState
	}
	if pl.Error != "" {
		s.Err = errors.New(pl.Error)
	}

	return s
}

// ProgressWriter returns a Reporter that writes every signal to w as one
// JSON line. Write errors are ignored; progress output is best effort.
func ProgressWriter(w io.Writer) transfer.Reporter {
	enc := json.NewEncoder(w)

	return func(s transfer.Signal) {
		_ = enc.Encode(NewProgressLine(s))
	}
}

// decodeProgress forwards non-terminal progress lines to job and returns the
// terminal one, if any.
func decodeProgress(stdout io.Reader, job *Job, log logger.Logger) *ProgressLine {
	var final *ProgressLine

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var pl ProgressLine
		if err := json.Unmarshal(scanner.Bytes(), &pl); err != nil {
			log.Debug("dnc: ignoring sender output", "line", scanner.Text())
			continue
		}

		if pl.Kind == transfer.SignalState.String() && pl.State.IsTerminal() {
			final = &pl
			continue
		}
		job.Report(pl.Signal())
	}

	return final
}
