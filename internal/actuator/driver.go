package actuator

import (
	"fmt"
	"log/slog"
	"sync"

	"go.bug.st/serial"
)

// Driver sends frames to the MCU.
type Driver interface {
	Send(f Frame) error
	Close() error
}

// SerialDriver wraps a go.bug.st/serial port with a frame-send helper.
type SerialDriver struct {
	mu   sync.Mutex
	port serial.Port
	log  *slog.Logger
}

// OpenSerial opens the named serial device at the given baud rate.
func OpenSerial(name string, baud int, log *slog.Logger) (*SerialDriver, error) {
	if log == nil {
		log = slog.Default()
	}
	mode := &serial.Mode{BaudRate: baud}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("serial: open %s at %d baud: %w", name, baud, err)
	}
	log.Info("serial: port opened", "device", name, "baud", baud)
	return &SerialDriver{port: p, log: log}, nil
}

// Send encodes and writes a Frame to the serial port. Frames from concurrent
// tasks are written whole.
func (s *SerialDriver) Send(f Frame) error {
	data := f.Encode()
	s.mu.Lock()
	n, err := s.port.Write(data)
	s.mu.Unlock()
	if err != nil {
		s.log.Error("serial: write error", "err", err)
		return fmt.Errorf("serial: write: %w", err)
	}
	s.log.Debug("serial: frame sent", "bytes", n, "cmd", f.Cmd)
	return nil
}

// Close closes the underlying serial port.
func (s *SerialDriver) Close() error {
	s.log.Info("serial: closing port")
	return s.port.Close()
}

// LogDriver only logs frames; used with -dry.
type LogDriver struct {
	Log *slog.Logger
}

func (d LogDriver) Send(f Frame) error {
	l := d.Log
	if l == nil {
		l = slog.Default()
	}
	switch f.Cmd {
	case CmdSetPWM:
		if len(f.Payload) == 3 {
			l.Debug("MCU SET_PWM", "channel", f.Payload[0], "value", int(f.Payload[1])<<8|int(f.Payload[2]))
		}
	case CmdBuzz:
		l.Debug("MCU BUZZ", "payload", f.Payload)
	default:
		l.Warn("MCU unknown command", "cmd", f.Cmd)
	}
	return nil
}

func (LogDriver) Close() error { return nil }
