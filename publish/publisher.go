package publish

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/arloliu/go-dnc/event"
	"github.com/arloliu/go-dnc/logger"
)

const (
	// DefaultStream prefixes every channel name.
	DefaultStream = "DNC_PROGRESS"
	// DefaultAckRate is the per-transfer ack event rate in events per second.
	DefaultAckRate = 5.0
	// DefaultAckBurst is the per-transfer ack event burst.
	DefaultAckBurst = 5
	// DefaultTimeout bounds a single publish.
	DefaultTimeout = 2 * time.Second
)

// Publisher encodes events and hands them to a Bus.
type Publisher struct {
	bus      Bus
	stream   string
	encoding Encoding
	ackRate  rate.Limit
	ackBurst int
	timeout  time.Duration
	logger   logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	published atomic.Uint64
	throttled atomic.Uint64
	failed    atomic.Uint64
}

// Option configures a Publisher.
type Option interface {
	apply(*Publisher) error
}

type optFunc func(*Publisher) error

func (f optFunc) apply(p *Publisher) error { return f(p) }

// WithStream sets the channel prefix.
func WithStream(stream string) Option {
	return optFunc(func(p *Publisher) error {
		if stream == "" {
			return errors.New("publish: stream must not be empty")
		}
		p.stream = stream

		return nil
	})
}

// WithEncoding sets the payload format.
func WithEncoding(enc Encoding) Option {
	return optFunc(func(p *Publisher) error {
		if _, err := ParseEncoding(string(enc)); err != nil {
			return err
		}
		p.encoding = enc

		return nil
	})
}

// WithAckRate limits ack events per transfer to perSecond with the given
// burst. A zero rate disables limiting.
func WithAckRate(perSecond float64, burst int) Option {
	return optFunc(func(p *Publisher) error {
		if perSecond < 0 || burst < 1 {
			return errors.New("publish: ack rate must be >= 0 and burst >= 1")
		}
		p.ackRate = rate.Limit(perSecond)
		if perSecond == 0 {
			p.ackRate = rate.Inf
		}
		p.ackBurst = burst

		return nil
	})
}

// WithTimeout bounds every bus publish.
func WithTimeout(d time.Duration) Option {
	return optFunc(func(p *Publisher) error {
		if d <= 0 {
			return errors.New("publish: timeout must be positive")
		}
		p.timeout = d

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(p *Publisher) error {
		if l == nil {
			return errors.New("publish: logger must not be nil")
		}
		p.logger = l

		return nil
	})
}

// New creates a publisher on bus.
func New(bus Bus, opts ...Option) (*Publisher, error) {
	if bus == nil {
		return nil, errors.New("publish: bus must not be nil")
	}

	p := &Publisher{
		bus:      bus,
		stream:   DefaultStream,
		encoding: EncodingJSON,
		ackRate:  rate.Limit(DefaultAckRate),
		ackBurst: DefaultAckBurst,
		timeout:  DefaultTimeout,
		logger:   logger.GetLogger(),
		limiters: make(map[string]*rate.Limiter),
	}

	for _, opt := range opts {
		if err := opt.apply(p); err != nil {
			return nil, err
		}
	}

	return p, nil
}

// Channel returns the channel events of machineID are published on.
func (p *Publisher) Channel(machineID string) string {
	return p.stream + "." + machineID
}

// Published returns the number of events delivered to the bus.
func (p *Publisher) Published() uint64 { return p.published.Load() }

// Throttled returns the number of ack events skipped by rate limiting.
func (p *Publisher) Throttled() uint64 { return p.throttled.Load() }

// Failed returns the number of events the bus rejected.
func (p *Publisher) Failed() uint64 { return p.failed.Load() }

// Publish sends ev unless it is an ack event over its transfer's rate.
// It returns the bus or encoding error, if any.
func (p *Publisher) Publish(ctx context.Context, ev event.ProgressEvent) error {
	if !p.allow(ev) {
		p.throttled.Add(1)
		return nil
	}

	payload, err := Encode(p.encoding, ev)
	if err != nil {
		p.failed.Add(1)
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := p.bus.Publish(ctx, p.Channel(ev.MachineID), payload); err != nil {
		p.failed.Add(1)
		return err
	}
	p.published.Add(1)

	return nil
}

// Run publishes every event of sub until ctx is done or sub is closed.
// Bus errors are logged and do not stop the loop.
func (p *Publisher) Run(ctx context.Context, sub *event.Subscription) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := p.Publish(ctx, ev); err != nil && ctx.Err() == nil {
				p.logger.Warn("publish: event not delivered",
					"transfer_id", ev.TransferID, "event", string(ev.Kind), "error", err)
			}
		}
	}
}

// allow applies the ack limit and forgets the limiter of finished transfers.
func (p *Publisher) allow(ev event.ProgressEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ev.Kind.IsTerminal() {
		delete(p.limiters, ev.TransferID)
		return true
	}
	if ev.Kind != event.KindAck {
		return true
	}

	lim, ok := p.limiters[ev.TransferID]
	if !ok {
		lim = rate.NewLimiter(p.ackRate, p.ackBurst)
		p.limiters[ev.TransferID] = lim
	}

	return lim.Allow()
}
