package transfer

import (
	"fmt"
	"sync/atomic"
)

// State is the lifecycle state of a transfer.
type State uint32

const (
	Queued State = iota
	Handshaking
	Streaming
	Paused
	Completed
	Canceled
	Failed
)

var stateNames = [...]string{
	Queued:      "queued",
	Handshaking: "handshaking",
	Streaming:   "streaming",
	Paused:      "paused",
	Completed:   "completed",
	Canceled:    "canceled",
	Failed:      "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}

	return fmt.Sprintf("State(%d)", uint32(s))
}

// IsTerminal reports whether s is Completed, Canceled or Failed.
func (s State) IsTerminal() bool {
	return s == Completed || s == Canceled || s == Failed
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if int(s) >= len(stateNames) {
		return nil, fmt.Errorf("transfer: invalid state %d", uint32(s))
	}

	return []byte(stateNames[s]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	v, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = v

	return nil
}

// ParseState is the inverse of State.String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}

	return Queued, fmt.Errorf("transfer: unknown state %q", name)
}

// AtomicState holds a State and only allows the transitions of the transfer
// lifecycle. Terminal states are absorbing.
type AtomicState struct {
	state atomic.Uint32
}

func (st *AtomicState) String() string { return st.Get().String() }

// Get returns the current state.
func (st *AtomicState) Get() State {
	return State(st.state.Load())
}

// ToHandshaking moves Queued to Handshaking.
func (st *AtomicState) ToHandshaking() bool {
	return st.state.CompareAndSwap(uint32(Queued), uint32(Handshaking))
}

// ToStreaming moves Handshaking or Paused to Streaming.
func (st *AtomicState) ToStreaming() bool {
	if st.state.CompareAndSwap(uint32(Handshaking), uint32(Streaming)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(Paused), uint32(Streaming))
}

// ToPaused moves Streaming to Paused.
func (st *AtomicState) ToPaused() bool {
	return st.state.CompareAndSwap(uint32(Streaming), uint32(Paused))
}

// Finish moves any non-terminal state to the terminal state to. It returns
// false if the state was already terminal or to is not terminal.
func (st *AtomicState) Finish(to State) bool {
	if !to.IsTerminal() {
		return false
	}

	for {
		cur := st.state.Load()
		if State(cur).IsTerminal() {
			return false
		}
		if st.state.CompareAndSwap(cur, uint32(to)) {
			return true
		}
	}
}
