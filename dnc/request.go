package dnc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

// Request describes one transfer. Zero values select the defaults of the
// serialport and transfer packages; Mode defaults to drip.
type Request struct {
	Port     string
	FileName string
	Mode     transfer.Mode

	BaudRate int
	DataBits int
	// Parity is N, E or O.
	Parity   string
	StopBits int
	RTSCTS   bool
	// XONXOFF enables driver XON/XOFF and makes drip mode honor flow
	// control before each block.
	XONXOFF bool

	// Retries is the number of write attempts per drip block.
	Retries     int
	Delay       time.Duration
	DC1AfterBCC transfer.DC1Policy

	// NulCount overrides the standard-mode NUL preamble when not nil.
	NulCount *int
	// NoWait skips the standard-mode DC1 handshake.
	NoWait bool

	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
	CompleteTimeout  time.Duration

	// MachineID and ProgramName tag events; they default to the manager's
	// machine id and the file name.
	MachineID   string
	ProgramName string
}

func (r *Request) mode() transfer.Mode {
	if r.Mode == "" {
		return transfer.ModeDrip
	}

	return r.Mode
}

// SerialConfig builds the line configuration.
func (r *Request) SerialConfig() (*serialport.Config, error) {
	var opts []serialport.Option
	if r.BaudRate != 0 {
		opts = append(opts, serialport.WithBaudRate(r.BaudRate))
	}
	if r.DataBits != 0 {
		opts = append(opts, serialport.WithDataBits(r.DataBits))
	}
	if r.Parity != "" {
		p, err := serialport.ParseParity(r.Parity)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		opts = append(opts, serialport.WithParity(p))
	}
	if r.StopBits != 0 {
		opts = append(opts, serialport.WithStopBits(r.StopBits))
	}
	opts = append(opts, serialport.WithRTSCTS(r.RTSCTS), serialport.WithXONXOFF(r.XONXOFF))

	cfg, err := serialport.NewConfig(r.Port, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return cfg, nil
}

// EngineConfig builds the engine configuration; extra options are applied
// last.
func (r *Request) EngineConfig(extra ...transfer.Option) (*transfer.Config, error) {
	opts := []transfer.Option{
		transfer.WithWaitHandshake(!r.NoWait),
		transfer.WithSoftwareFlowControl(r.XONXOFF),
		transfer.WithDC1AfterBCC(r.DC1AfterBCC),
		transfer.WithDelay(r.Delay),
	}
	if r.Retries != 0 {
		opts = append(opts, transfer.WithRetryLimit(r.Retries))
	}
	if r.NulCount != nil {
		opts = append(opts, transfer.WithNulCount(*r.NulCount))
	}
	if r.HandshakeTimeout != 0 {
		opts = append(opts, transfer.WithHandshakeTimeout(r.HandshakeTimeout))
	}
	if r.AckTimeout != 0 {
		opts = append(opts, transfer.WithAckTimeout(r.AckTimeout))
	}
	if r.CompleteTimeout != 0 {
		opts = append(opts, transfer.WithCompleteTimeout(r.CompleteTimeout))
	}

	cfg, err := transfer.NewConfig(r.mode(), append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	return cfg, nil
}

// Validate checks the request without touching the file system.
func (r *Request) Validate() error {
	if r.FileName == "" {
		return fmt.Errorf("%w: empty file name", ErrInvalidRequest)
	}
	if _, err := r.SerialConfig(); err != nil {
		return err
	}
	_, err := r.EngineConfig()

	return err
}

// SenderArgs renders the request as dnc-sender command line arguments for
// the program at path.
func (r *Request) SenderArgs(path string) []string {
	args := []string{r.Port, "--file", path, "--mode", string(r.mode())}

	if r.BaudRate != 0 {
		args = append(args, "--baud", strconv.Itoa(r.BaudRate))
	}
	if r.DataBits != 0 {
		args = append(args, "--bits", strconv.Itoa(r.DataBits))
	}
	if r.Parity != "" {
		args = append(args, "--parity", r.Parity)
	}
	if r.StopBits != 0 {
		args = append(args, "--stopbits", strconv.Itoa(r.StopBits))
	}
	if r.RTSCTS {
		args = append(args, "--rtscts")
	}
	if r.XONXOFF {
		args = append(args, "--xonxoff")
	}
	if r.Retries != 0 {
		args = append(args, "--retries", strconv.Itoa(r.Retries))
	}
	if r.Delay > 0 {
		args = append(args, "--delay", r.Delay.String())
	}
	switch r.DC1AfterBCC {
	case transfer.DC1On:
		args = append(args, "--dc1-after-bcc")
	case transfer.DC1Auto:
		args = append(args, "--auto-dc1-after-bcc")
	}
	if r.NulCount != nil {
		args = append(args, "--nuls", strconv.Itoa(*r.NulCount))
	}
	if r.NoWait {
		args = append(args, "--no-wait")
	}
	if r.HandshakeTimeout != 0 {
		args = append(args, "--handshake-timeout", r.HandshakeTimeout.String())
	}
	if r.AckTimeout != 0 {
		args = append(args, "--ack-timeout", r.AckTimeout.String())
	}
	if r.CompleteTimeout != 0 {
		args = append(args, "--complete-timeout", r.CompleteTimeout.String())
	}

	return args
}
