//go:build !linux

package serialport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

type bugstPort struct {
	serial.Port
}

func openPort(cfg *Config) (Port, error) {
	if cfg.rtscts || cfg.xonxoff {
		return nil, errors.New("flow control is only supported on linux")
	}

	mode := &serial.Mode{
		BaudRate: cfg.baudRate,
		DataBits: cfg.dataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch cfg.parity {
	case ParityEven:
		mode.Parity = serial.EvenParity
	case ParityOdd:
		mode.Parity = serial.OddParity
	}
	if cfg.stopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	sp, err := serial.Open(cfg.port, mode)
	if err != nil {
		return nil, err
	}
	if err := sp.SetReadTimeout(cfg.readTimeout); err != nil {
		_ = sp.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}

	return &bugstPort{Port: sp}, nil
}

func (p *bugstPort) Write(b []byte) (int, error) {
	n, err := p.Port.Write(b)
	if err != nil {
		return n, err
	}

	return n, p.Port.Drain()
}

func (p *bugstPort) SetReadTimeout(d time.Duration) error {
	return p.Port.SetReadTimeout(d)
}
