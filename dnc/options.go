package dnc

import (
	"errors"
	"time"

	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/logger"
	"github.com/arloliu/go-dnc/serialport"
	"github.com/arloliu/go-dnc/transfer"
)

const (
	// DefaultProgramDir is where submitted file names are resolved.
	DefaultProgramDir = "/var/lib/cnc-dnc/programs"
	// DefaultMachineID tags events of requests without a machine id.
	DefaultMachineID = "CNC-PI-001"
	// DefaultGracePeriod bounds how long Cancel waits for the lease release.
	DefaultGracePeriod = 5 * time.Second
)

type managerConfig struct {
	programDir  string
	locker      *serialport.Locker
	machineID   string
	gracePeriod time.Duration
	runner      Runner
	logger      logger.Logger
	eventBuffer int
	metrics     *transfer.TransferMetrics
	now         func() time.Time
}

// Option configures a Manager.
type Option interface {
	apply(*managerConfig) error
}

type optFunc func(*managerConfig) error

func (f optFunc) apply(cfg *managerConfig) error { return f(cfg) }

// WithProgramDir sets the directory that file names are resolved in.
func WithProgramDir(dir string) Option {
	return optFunc(func(cfg *managerConfig) error {
		if dir == "" {
			return errors.New("dnc: program directory must not be empty")
		}
		cfg.programDir = dir

		return nil
	})
}

// WithLockDir places port lock files in dir.
func WithLockDir(dir string) Option {
	return optFunc(func(cfg *managerConfig) error {
		cfg.locker = serialport.NewLocker(dir)
		return nil
	})
}

// WithLocker sets the port locker.
func WithLocker(l *serialport.Locker) Option {
	return optFunc(func(cfg *managerConfig) error {
		if l == nil {
			return errors.New("dnc: locker must not be nil")
		}
		cfg.locker = l

		return nil
	})
}

// WithMachineID sets the default machine id of events.
func WithMachineID(id string) Option {
	return optFunc(func(cfg *managerConfig) error {
		if id == "" {
			return errors.New("dnc: machine id must not be empty")
		}
		cfg.machineID = id

		return nil
	})
}

// WithGracePeriod sets how long Cancel and Shutdown wait for a transfer
// to stop. The value should be between 0 and 1 minute.
func WithGracePeriod(d time.Duration) Option {
	return optFunc(func(cfg *managerConfig) error {
		if d < 0 || d > time.Minute {
			return errors.New("dnc: grace period out of range [0, 1m]")
		}
		cfg.gracePeriod = d

		return nil
	})
}

// WithRunner sets how transfers are executed. The default is an
// InProcessRunner sharing the manager's logger and metrics.
func WithRunner(r Runner) Option {
	return optFunc(func(cfg *managerConfig) error {
		if r == nil {
			return errors.New("dnc: runner must not be nil")
		}
		cfg.runner = r

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *managerConfig) error {
		if l == nil {
			return errors.New("dnc: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

// WithEventBuffer sets the queue length of event subscriptions.
// The value should be between 1 and 65536.
func WithEventBuffer(n int) Option {
	return optFunc(func(cfg *managerConfig) error {
		if n < 1 || n > 65536 {
			return errors.New("dnc: event buffer out of range [1, 65536]")
		}
		cfg.eventBuffer = n

		return nil
	})
}

// WithMetrics shares m with the default runner's engines.
func WithMetrics(m *transfer.TransferMetrics) Option {
	return optFunc(func(cfg *managerConfig) error {
		if m == nil {
			return errors.New("dnc: metrics must not be nil")
		}
		cfg.metrics = m

		return nil
	})
}

func withClock(now func() time.Time) Option {
	return optFunc(func(cfg *managerConfig) error {
		cfg.now = now
		return nil
	})
}

func newManagerConfig(opts []Option) (*managerConfig, error) {
	cfg := &managerConfig{
		programDir:  DefaultProgramDir,
		machineID:   DefaultMachineID,
		gracePeriod: DefaultGracePeriod,
		logger:      logger.GetLogger(),
		eventBuffer: event.DefaultBuffer,
		now:         time.Now,
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.locker == nil {
		cfg.locker = serialport.NewLocker("")
	}
	if cfg.metrics == nil {
		cfg.metrics = &transfer.TransferMetrics{}
	}
	if cfg.runner == nil {
		cfg.runner = &InProcessRunner{Metrics: cfg.metrics, Logger: cfg.logger}
	}

	return cfg, nil
}
