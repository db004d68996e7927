//go:build linux

package serialport

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
}

// drainPoll is how often the output queue is sampled after a write.
const drainPoll = 2 * time.Millisecond

type ttyPort struct {
	fd           int
	readTimeout  atomic.Int64
	writeTimeout time.Duration

	closeOnce sync.Once
	closed    atomic.Bool
}

func openPort(cfg *Config) (Port, error) {
	speed, ok := baudRates[cfg.baudRate]
	if !ok {
		return nil, fmt.Errorf("unsupported baud rate %d", cfg.baudRate)
	}

	fd, err := unix.Open(cfg.port, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}

	if err := configure(fd, cfg, speed); err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	p := &ttyPort{fd: fd, writeTimeout: cfg.writeTimeout}
	p.readTimeout.Store(int64(cfg.readTimeout))

	return p, nil
}

func configure(fd int, cfg *Config, speed uint32) error {
	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return fmt.Errorf("tcgetattr: %w", err)
	}

	// raw mode
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR |
		unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF | unix.IXANY | unix.INPCK
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	t.Cflag |= unix.CREAD | unix.CLOCAL | speed
	t.Ispeed = speed
	t.Ospeed = speed

	switch cfg.dataBits {
	case 7:
		t.Cflag |= unix.CS7
	default:
		t.Cflag |= unix.CS8
	}

	switch cfg.parity {
	case ParityEven:
		t.Cflag |= unix.PARENB
		t.Iflag |= unix.INPCK
	case ParityOdd:
		t.Cflag |= unix.PARENB | unix.PARODD
		t.Iflag |= unix.INPCK
	}

	if cfg.stopBits == 2 {
		t.Cflag |= unix.CSTOPB
	}
	if cfg.rtscts {
		t.Cflag |= unix.CRTSCTS
	}
	if cfg.xonxoff {
		t.Iflag |= unix.IXON | unix.IXOFF
	}

	// reads are timed with poll(2)
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return fmt.Errorf("tcsetattr: %w", err)
	}

	// discard whatever the line buffered before we owned it
	if err := unix.IoctlSetInt(fd, unix.TCFLSH, unix.TCIOFLUSH); err != nil {
		return fmt.Errorf("tcflush: %w", err)
	}

	return nil
}

func (p *ttyPort) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}

	ready, err := p.poll(unix.POLLIN, time.Duration(p.readTimeout.Load()))
	if err != nil || !ready {
		return 0, err
	}

	n, err := unix.Read(p.fd, b)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}

		return 0, fmt.Errorf("serialport: read: %w", err)
	}

	return n, nil
}

func (p *ttyPort) Write(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, ErrClosed
	}

	deadline := time.Now().Add(p.writeTimeout)
	written := 0
	for written < len(b) {
		n, err := unix.Write(p.fd, b[written:])
		if n > 0 {
			written += n
		}
		if err == nil || errors.Is(err, unix.EINTR) {
			continue
		}
		if !errors.Is(err, unix.EAGAIN) {
			return written, fmt.Errorf("serialport: write: %w", err)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return written, ErrWriteTimeout
		}
		if _, err := p.poll(unix.POLLOUT, remaining); err != nil {
			return written, err
		}
	}

	return written, p.drain(deadline)
}

// drain waits until the kernel output queue is empty. tcdrain(3) is avoided
// because it cannot be bounded when the peer withholds CTS.
func (p *ttyPort) drain(deadline time.Time) error {
	for {
		queued, err := unix.IoctlGetInt(p.fd, unix.TIOCOUTQ)
		if err != nil {
			return fmt.Errorf("serialport: outq: %w", err)
		}
		if queued == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWriteTimeout
		}
		time.Sleep(drainPoll)
	}
}

func (p *ttyPort) poll(events int16, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(p.fd), Events: events}}
	ms := int(timeout / time.Millisecond)
	if ms <= 0 {
		ms = 1
	}

	for {
		n, err := unix.Poll(fds, ms)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("serialport: poll: %w", err)
		}
		if n == 0 {
			return false, nil
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 && fds[0].Revents&events == 0 {
			return false, fmt.Errorf("serialport: poll revents 0x%x", fds[0].Revents)
		}

		return true, nil
	}
}

func (p *ttyPort) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return errors.New("serialport: read timeout must be positive")
	}
	p.readTimeout.Store(int64(d))

	return nil
}

func (p *ttyPort) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		err = unix.Close(p.fd)
	})

	return err
}
