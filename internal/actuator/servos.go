// Package actuator drives the six pluck servos and the metronome buzzer
// through an MCU attached over serial.
package actuator

import (
	"fmt"
	"log/slog"
	"sync"
)

const NumServos = 6

// Calibration holds per-servo PWM on-counts (12-bit at 50 Hz).
type Calibration struct {
	Mid        [NumServos]int
	LowOffset  [NumServos]int
	HighOffset [NumServos]int
}

// DefaultCalibration matches the stock servo mounting.
func DefaultCalibration() Calibration {
	return Calibration{
		Mid:        [NumServos]int{275, 285, 295, 295, 295, 285},
		LowOffset:  [NumServos]int{40, 40, 40, 40, 40, 40},
		HighOffset: [NumServos]int{40, 40, 40, 40, 40, 40},
	}
}

func (c Calibration) low(i int) int  { return c.Mid[i] - c.LowOffset[i] }
func (c Calibration) high(i int) int { return c.Mid[i] + c.HighOffset[i] }

// Actuator is the servo bank as seen by sessions.
type Actuator interface {
	Trigger(str int)
	SetAllLow()
	SetAllMid()
	SetAllHigh()
}

// Servos plucks a string by swinging its servo to the opposite side.
type Servos struct {
	mu       sync.Mutex
	drv      Driver
	cal      Calibration
	low      [NumServos]bool
	observer func(str int)
	log      *slog.Logger
}

// NewServos returns a bank that starts with every servo assumed LOW.
func NewServos(drv Driver, cal Calibration, log *slog.Logger) *Servos {
	if log == nil {
		log = slog.Default()
	}
	s := &Servos{drv: drv, cal: cal, log: log}
	for i := range s.low {
		s.low[i] = true
	}
	return s
}

// SetObserver registers the single press observer; a later call replaces it
// and nil removes it.
func (s *Servos) SetObserver(fn func(str int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = fn
}

// Trigger plucks string i. Scheduled playback uses this path.
func (s *Servos) Trigger(i int) {
	if i < 0 || i >= NumServos {
		s.log.Warn("servo: string out of range", "string", i)
		return
	}
	s.mu.Lock()
	var value int
	if s.low[i] {
		value = s.cal.high(i)
	} else {
		value = s.cal.low(i)
	}
	s.low[i] = !s.low[i]
	err := s.drv.Send(PWMFrame(i, value))
	s.mu.Unlock()

	if err != nil {
		s.log.Error("servo: trigger failed", "string", i, "err", err)
		return
	}
	s.log.Debug("servo: pluck", "string", i, "pwm", value)
}

// Press is a performer's button: it plucks the string and then notifies the
// observer synchronously.
func (s *Servos) Press(i int) {
	s.Trigger(i)
	s.mu.Lock()
	obs := s.observer
	s.mu.Unlock()
	if obs != nil && i >= 0 && i < NumServos {
		obs(i)
	}
}

func (s *Servos) SetAllLow() {
	s.setAll("low", func(i int) int { return s.cal.low(i) }, true)
}

func (s *Servos) SetAllMid() {
	s.setAll("mid", func(i int) int { return s.cal.Mid[i] }, true)
}

func (s *Servos) SetAllHigh() {
	s.setAll("high", func(i int) int { return s.cal.high(i) }, false)
}

func (s *Servos) setAll(name string, value func(int) int, low bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < NumServos; i++ {
		s.low[i] = low
		if err := s.drv.Send(PWMFrame(i, value(i))); err != nil {
			s.log.Error("servo: position failed", "position", name, "string", i, "err", err)
		}
	}
	s.log.Info("servo: all positioned", "position", name)
}

// Calibration returns the current calibration.
func (s *Servos) Calibration() Calibration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cal
}

// SetCalibration replaces the calibration used by later moves.
func (s *Servos) SetCalibration(cal Calibration) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cal = cal
	s.log.Info("servo: calibration updated", "mid", cal.Mid, "low_offset", cal.LowOffset, "high_offset", cal.HighOffset)
	return nil
}

// Hold drives servo i to a raw PWM value. The next Trigger swings it HIGH.
func (s *Servos) Hold(i, value int) error {
	if i < 0 || i >= NumServos {
		return fmt.Errorf("servo %d out of range", i)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.low[i] = true
	if err := s.drv.Send(PWMFrame(i, value)); err != nil {
		return fmt.Errorf("servo %d: hold %d: %w", i, value, err)
	}
	s.log.Debug("servo: hold", "string", i, "pwm", value)
	return nil
}

// Validate rejects calibrations that would drive a servo outside 12 bits.
func (c Calibration) Validate() error {
	for i := 0; i < NumServos; i++ {
		if c.low(i) < 0 || c.high(i) > 4095 {
			return fmt.Errorf("servo %d: range %d..%d outside 0..4095", i, c.low(i), c.high(i))
		}
	}
	return nil
}
