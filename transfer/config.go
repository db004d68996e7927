package transfer

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/protocol"
)

// Mode selects the transfer protocol.
type Mode string

const (
	// ModeStandard streams the program continuously after a DC1 handshake.
	ModeStandard Mode = "standard"
	// ModeDrip sends one BCC framed block per line and waits for ACK/NAK.
	ModeDrip Mode = "drip"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStandard, ModeDrip:
		return m, nil
	}

	return "", fmt.Errorf("transfer: unknown mode %q", s)
}

// DC1Policy decides whether a DC1 byte follows every drip block.
type DC1Policy string

const (
	DC1Off DC1Policy = "off"
	DC1On  DC1Policy = "on"
	// DC1Auto follows the block with DC1 when the handshake header was
	// followed by one. This is a heuristic: a controller may send DC1 after
	// its header without expecting it after blocks.
	DC1Auto DC1Policy = "auto"
)

// ParseDC1Policy validates a DC1 policy name.
func ParseDC1Policy(s string) (DC1Policy, error) {
	switch p := DC1Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case DC1Off, DC1On, DC1Auto:
		return p, nil
	case "":
		return DC1Off, nil
	}

	return "", fmt.Errorf("transfer: unknown dc1 policy %q", s)
}

// Default engine settings.
const (
	DefaultNulCount         = 3
	DefaultHandshakeTimeout = 20 * time.Second
	DefaultAckTimeout       = 30 * time.Second
	DefaultCompleteTimeout  = 30 * time.Second
	DefaultRetryLimit       = 5
	DefaultPollInterval     = 10 * time.Millisecond
)

// Limits of the engine settings.
const (
	MaxNulCount     = 1024
	MaxRetryLimit   = 100
	MinPollInterval = time.Millisecond
	MaxPollInterval = time.Second
)

// Config holds the settings of one transfer engine.
type Config struct {
	mode Mode

	// standard mode
	nulCount      int
	waitHandshake bool

	// drip mode
	retryLimit   int
	dc1Policy    DC1Policy
	softwareFlow bool

	eol              string
	delay            time.Duration
	handshakeTimeout time.Duration
	ackTimeout       time.Duration
	completeTimeout  time.Duration
	pollInterval     time.Duration

	metrics *TransferMetrics
	logger  logger.Logger
}

// NewConfig returns the engine configuration for mode with defaults
// modified by opts.
func NewConfig(mode Mode, opts ...Option) (*Config, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	cfg := &Config{
		mode:             mode,
		nulCount:         DefaultNulCount,
		waitHandshake:    true,
		retryLimit:       DefaultRetryLimit,
		dc1Policy:        DC1Off,
		eol:              protocol.CRLF,
		handshakeTimeout: DefaultHandshakeTimeout,
		ackTimeout:       DefaultAckTimeout,
		completeTimeout:  DefaultCompleteTimeout,
		pollInterval:     DefaultPollInterval,
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.metrics == nil {
		cfg.metrics = &TransferMetrics{}
	}

	return cfg, nil
}

// Mode returns the transfer protocol.
func (cfg *Config) Mode() Mode { return cfg.mode }

// NulCount returns the number of NUL bytes sent before a standard transfer.
func (cfg *Config) NulCount() int { return cfg.nulCount }

// WaitHandshake reports whether standard mode waits for DC1 first.
func (cfg *Config) WaitHandshake() bool { return cfg.waitHandshake }

// RetryLimit returns the maximum number of write attempts per drip block.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// DC1Policy returns the DC1-after-BCC policy.
func (cfg *Config) DC1Policy() DC1Policy { return cfg.dc1Policy }

// SoftwareFlowControl reports whether drip mode honors XON/XOFF before each block.
func (cfg *Config) SoftwareFlowControl() bool { return cfg.softwareFlow }

// EOL returns the line terminator.
func (cfg *Config) EOL() string { return cfg.eol }

// Delay returns the pause after each line or block attempt.
func (cfg *Config) Delay() time.Duration { return cfg.delay }

// HandshakeTimeout returns the handshake window.
func (cfg *Config) HandshakeTimeout() time.Duration { return cfg.handshakeTimeout }

// AckTimeout returns the per-block acknowledge window.
func (cfg *Config) AckTimeout() time.Duration { return cfg.ackTimeout }

// CompleteTimeout returns how long to wait for EOT after ETX.
func (cfg *Config) CompleteTimeout() time.Duration { return cfg.completeTimeout }

// PollInterval returns the read and flow-control poll interval.
func (cfg *Config) PollInterval() time.Duration { return cfg.pollInterval }

// Metrics returns the counters the engine updates.
func (cfg *Config) Metrics() *TransferMetrics { return cfg.metrics }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// Option is a functional option for NewConfig.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithNulCount sets the number of NUL bytes written before a standard transfer.
func WithNulCount(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 0 || n > MaxNulCount {
			return fmt.Errorf("transfer: nul count %d out of range [0, %d]", n, MaxNulCount)
		}
		cfg.nulCount = n

		return nil
	})
}

// WithWaitHandshake toggles waiting for DC1 before a standard transfer.
func WithWaitHandshake(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.waitHandshake = enabled
		return nil
	})
}

// WithEOL sets the line terminator. Only "\r\n", "\n" and "\r" are accepted.
func WithEOL(eol string) Option {
	return optFunc(func(cfg *Config) error {
		switch eol {
		case "\r\n", "\n", "\r":
			cfg.eol = eol
			return nil
		}

		return fmt.Errorf("transfer: unsupported line terminator %q", eol)
	})
}

// WithHandshakeTimeout sets the handshake window.
func WithHandshakeTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("transfer: handshake timeout must be positive")
		}
		cfg.handshakeTimeout = d

		return nil
	})
}

// WithAckTimeout sets the per-block acknowledge window.
func WithAckTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("transfer: ack timeout must be positive")
		}
		cfg.ackTimeout = d

		return nil
	})
}

// WithCompleteTimeout sets how long to wait for EOT after ETX.
func WithCompleteTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("transfer: complete timeout must be positive")
		}
		cfg.completeTimeout = d

		return nil
	})
}

// WithRetryLimit sets the maximum number of write attempts per drip block,
// the first attempt included.
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxRetryLimit {
			return fmt.Errorf("transfer: retry limit %d out of range [1, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithDelay sets a fixed pause after every standard line and every drip
// block attempt.
func WithDelay(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < 0 {
			return errors.New("transfer: delay must not be negative")
		}
		cfg.delay = d

		return nil
	})
}

// WithDC1AfterBCC sets the DC1-after-BCC policy for drip mode.
func WithDC1AfterBCC(p DC1Policy) Option {
	return optFunc(func(cfg *Config) error {
		if _, err := ParseDC1Policy(string(p)); err != nil {
			return err
		}
		if p == "" {
			p = DC1Off
		}
		cfg.dc1Policy = p

		return nil
	})
}

// WithSoftwareFlowControl makes drip mode wait out XOFF before each block.
// Standard mode always honors XON/XOFF.
func WithSoftwareFlowControl(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.softwareFlow = enabled
		return nil
	})
}

// WithPollInterval sets the read timeout used while waiting for bytes and
// the sleep of the flow-control and pause loops.
func WithPollInterval(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d < MinPollInterval || d > MaxPollInterval {
			return fmt.Errorf("transfer: poll interval %v out of range [%v, %v]", d, MinPollInterval, MaxPollInterval)
		}
		cfg.pollInterval = d

		return nil
	})
}

// WithMetrics makes the engine update m instead of private counters.
func WithMetrics(m *TransferMetrics) Option {
	return optFunc(func(cfg *Config) error {
		if m == nil {
			return errors.New("transfer: metrics must not be nil")
		}
		cfg.metrics = m

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("transfer: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
