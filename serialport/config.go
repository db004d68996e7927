package serialport

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Default line settings for TNC 4xx controllers.
const (
	DefaultBaudRate     = 9600
	DefaultDataBits     = 7
	DefaultParity       = ParityEven
	DefaultStopBits     = 2
	DefaultReadTimeout  = 100 * time.Millisecond
	DefaultWriteTimeout = 10 * time.Second
)

// Parity is the parity mode of the line.
type Parity int

const (
	ParityNone Parity = iota
	ParityEven
	ParityOdd
)

// String returns the single-letter form used on the command line.
func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "N"
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	default:
		return fmt.Sprintf("Parity(%d)", int(p))
	}
}

// ParseParity accepts N, E, O or none, even, odd in any case.
func ParseParity(s string) (Parity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "n", "none":
		return ParityNone, nil
	case "e", "even":
		return ParityEven, nil
	case "o", "odd":
		return ParityOdd, nil
	}

	return ParityNone, fmt.Errorf("serialport: invalid parity %q", s)
}

// Config describes one serial line. It is immutable once built.
type Config struct {
	port         string
	baudRate     int
	dataBits     int
	parity       Parity
	stopBits     int
	rtscts       bool
	xonxoff      bool
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewConfig returns the configuration for port with the TNC defaults
// (9600 7E2, no flow control) modified by opts.
//
// Only enumerated settings are checked here; the driver decides whether it
// accepts a baud rate.
func NewConfig(port string, opts ...Option) (*Config, error) {
	if port == "" {
		return nil, errors.New("serialport: empty port name")
	}

	cfg := &Config{
		port:         port,
		baudRate:     DefaultBaudRate,
		dataBits:     DefaultDataBits,
		parity:       DefaultParity,
		stopBits:     DefaultStopBits,
		readTimeout:  DefaultReadTimeout,
		writeTimeout: DefaultWriteTimeout,
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Port returns the device path.
func (cfg *Config) Port() string { return cfg.port }

// BaudRate returns the line speed in bits per second.
func (cfg *Config) BaudRate() int { return cfg.baudRate }

// DataBits returns 7 or 8.
func (cfg *Config) DataBits() int { return cfg.dataBits }

// Parity returns the parity mode.
func (cfg *Config) Parity() Parity { return cfg.parity }

// StopBits returns 1 or 2.
func (cfg *Config) StopBits() int { return cfg.stopBits }

// RTSCTS reports whether hardware flow control is enabled.
func (cfg *Config) RTSCTS() bool { return cfg.rtscts }

// XONXOFF reports whether driver-level software flow control is enabled.
func (cfg *Config) XONXOFF() bool { return cfg.xonxoff }

// ReadTimeout returns the initial read timeout of an opened port.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// WriteTimeout returns how long a single Write may block.
func (cfg *Config) WriteTimeout() time.Duration { return cfg.writeTimeout }

// String renders the line as "port 9600 7E2".
func (cfg *Config) String() string {
	s := fmt.Sprintf("%s %d %d%s%d", cfg.port, cfg.baudRate, cfg.dataBits, cfg.parity, cfg.stopBits)
	if cfg.rtscts {
		s += " rtscts"
	}
	if cfg.xonxoff {
		s += " xonxoff"
	}

	return s
}

// Option is a functional option for NewConfig.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// WithBaudRate sets the line speed.
func WithBaudRate(baud int) Option {
	return optFunc(func(cfg *Config) error {
		if baud <= 0 {
			return fmt.Errorf("serialport: baud rate %d must be positive", baud)
		}
		cfg.baudRate = baud

		return nil
	})
}

// WithDataBits sets the character size, 7 or 8.
func WithDataBits(bits int) Option {
	return optFunc(func(cfg *Config) error {
		if bits != 7 && bits != 8 {
			return fmt.Errorf("serialport: data bits %d, want 7 or 8", bits)
		}
		cfg.dataBits = bits

		return nil
	})
}

// WithParity sets the parity mode.
func WithParity(p Parity) Option {
	return optFunc(func(cfg *Config) error {
		if p < ParityNone || p > ParityOdd {
			return fmt.Errorf("serialport: invalid parity %d", int(p))
		}
		cfg.parity = p

		return nil
	})
}

// WithStopBits sets the number of stop bits, 1 or 2.
func WithStopBits(bits int) Option {
	return optFunc(func(cfg *Config) error {
		if bits != 1 && bits != 2 {
			return fmt.Errorf("serialport: stop bits %d, want 1 or 2", bits)
		}
		cfg.stopBits = bits

		return nil
	})
}

// WithRTSCTS enables or disables hardware flow control.
func WithRTSCTS(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.rtscts = enabled
		return nil
	})
}

// WithXONXOFF enables or disables driver-level XON/XOFF handling.
//
// When enabled the driver consumes DC1/DC3 itself and the transfer engine no
// longer sees them in the input stream.
func WithXONXOFF(enabled bool) Option {
	return optFunc(func(cfg *Config) error {
		cfg.xonxoff = enabled
		return nil
	})
}

// WithReadTimeout sets the initial read timeout.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("serialport: read timeout must be positive")
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithWriteTimeout sets how long a single Write may block.
func WithWriteTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return errors.New("serialport: write timeout must be positive")
		}
		cfg.writeTimeout = d

		return nil
	})
}
