package transfer

import "github.com/arloliu/go-dnc/protocol"

// SignalKind classifies engine signals.
type SignalKind int

const (
	// SignalState reports a lifecycle state change. Terminal signals carry
	// the final error, if any.
	SignalState SignalKind = iota
	// SignalLine reports that a line was written (standard) or acknowledged (drip).
	SignalLine
	// SignalHeader reports the drip handshake header.
	SignalHeader
	// SignalWarning reports a recoverable condition: a NAK, an ACK timeout,
	// an invalid header or a missing EOT.
	SignalWarning
)

func (k SignalKind) String() string {
	switch k {
	case SignalState:
		return "state"
	case SignalLine:
		return "line"
	case SignalHeader:
		return "header"
	case SignalWarning:
		return "warning"
	default:
		return "unknown"
	}
}

// Signal is one notification from a running engine.
type Signal struct {
	Kind  SignalKind
	State State
	// Line is the number of lines completed so far.
	Line int
	// Bytes is the cumulative number of payload bytes sent.
	Bytes int64
	// Header is set for SignalHeader.
	Header *protocol.Header
	// Message describes warnings.
	Message string
	// Err is the terminal error of a Failed or Canceled state signal.
	Err error
}

// Reporter receives engine signals synchronously on the engine goroutine.
// It must not block for long.
type Reporter func(Signal)
