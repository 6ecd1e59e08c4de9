package fpgaboot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// MinResetPulse is the shortest PROG low time the sequencer will issue.
// [UG470] specifies 250ns, this board is driven for at least 50us.
const MinResetPulse = 50 * time.Microsecond

// State is the configuration state of the FPGA as seen by the sequencer.
type State uint8

const (
	StateInReset State = iota
	StateLoading
	StateProgrammed
)

func (s State) String() string {
	switch s {
	case StateInReset:
		return "in-reset"
	case StateLoading:
		return "loading"
	case StateProgrammed:
		return "programmed"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Timing holds the delays used around bus switching and configuration.
type Timing struct {
	Settle        time.Duration // after FPGA_DRIVE changes
	Startup       time.Duration // before the first reset release
	ResetPulse    time.Duration // PROG low time
	PollInterval  time.Duration // done polling interval
	ConfigTimeout time.Duration // 0 waits indefinitely
	Retries       int
	Idle          time.Duration // supervisory loop period
	Blink         time.Duration // failure blink half period
}

// Sequencer runs the reset and configuration handshake.
type Sequencer struct {
	bus  *Arbiter
	mode gpio.PinOut // MCU_F_MODE, low selects SPI configuration mode
	prog gpio.PinOut // MCU_F_PROG, pulse low to reset the FPGA
	init gpio.PinIO  // FPGA_INIT, floated while configuring, optional
	done gpio.PinIn  // FPGA done
	led  *Indicator

	pulse    time.Duration
	interval time.Duration
	timeout  time.Duration
	log      *slog.Logger

	mu     sync.Mutex
	state  State
	pulses int
}

func NewSequencer(bus *Arbiter, b *Board, led *Indicator, t Timing, log *slog.Logger) *Sequencer {
	interval := t.PollInterval
	if interval <= 0 {
		interval = 100 * time.Microsecond
	}
	return &Sequencer{
		bus:      bus,
		mode:     b.Mode,
		prog:     b.Prog,
		init:     b.Init,
		done:     b.Done,
		led:      led,
		pulse:    max(t.ResetPulse, MinResetPulse),
		interval: interval,
		timeout:  t.ConfigTimeout,
		log:      orDiscard(log),
		state:    StateInReset,
	}
}

func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pulses returns how many reset pulses were issued.
func (s *Sequencer) Pulses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pulses
}

func (s *Sequencer) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// IsProgrammed reads the done input.
func (s *Sequencer) IsProgrammed() bool {
	return s.done.Read() == gpio.High
}

// ResetAndProgram selects SPI configuration mode, routes the bus to the FPGA,
// pulses PROG and waits for done. It returns ErrConfigurationTimeout when done
// is not seen within the configured timeout.
func (s *Sequencer) ResetAndProgram(ctx context.Context, armed Armed) error {
	if armed.m == nil {
		return ErrNotArmed
	}

	// The FPGA samples mode and bus at the reset edge.
	if err := s.mode.Out(gpio.Low); err != nil {
		return fmt.Errorf("select spi mode: %w", err)
	}
	bus, err := s.bus.ReleaseToFPGA()
	if err != nil {
		return err
	}
	if s.init != nil {
		if err := s.init.In(gpio.Float, gpio.NoEdge); err != nil {
			return fmt.Errorf("float init: %w", err)
		}
	}

	if err := s.pulseReset(bus); err != nil {
		return err
	}

	start := time.Now()
	if err := s.waitDone(ctx); err != nil {
		return err
	}

	s.setState(StateProgrammed)
	s.log.Info("fpga programmed", slog.Duration("load", time.Since(start)))
	if err := s.led.On(); err != nil {
		s.log.Warn("indicator", slog.Any("err", err))
	}
	return nil
}

func (s *Sequencer) pulseReset(bus FPGABus) error {
	if !bus.valid() {
		return ErrBusNotOwned
	}

	s.setState(StateInReset)
	if err := s.prog.Out(gpio.Low); err != nil {
		return fmt.Errorf("assert prog: %w", err)
	}
	time.Sleep(s.pulse)
	if err := s.prog.Out(gpio.High); err != nil {
		return fmt.Errorf("release prog: %w", err)
	}

	s.mu.Lock()
	s.state = StateLoading
	s.pulses++
	s.mu.Unlock()

	s.log.Debug("fpga reset released", slog.Duration("pulse", s.pulse))
	return nil
}

// HoldReset drives PROG low until ReleaseReset, so the FPGA stays off the bus
// while the MCU talks to the flash.
func (s *Sequencer) HoldReset() error {
	if err := s.prog.Out(gpio.Low); err != nil {
		return fmt.Errorf("assert prog: %w", err)
	}
	s.setState(StateInReset)
	return nil
}

// ReleaseReset drives PROG high without waiting for done.
func (s *Sequencer) ReleaseReset() error {
	if err := s.prog.Out(gpio.High); err != nil {
		return fmt.Errorf("release prog: %w", err)
	}
	s.setState(StateLoading)
	return nil
}

// waitDone polls the done input with the sequencer interval until it reads
// high, ctx is done or the timeout expires.
func (s *Sequencer) waitDone(ctx context.Context) error {
	// Fast path
	if s.IsProgrammed() {
		return nil
	}

	var expired <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		expired = timer.C
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-expired:
			if s.IsProgrammed() {
				return nil
			}
			return fmt.Errorf("%w after %v", ErrConfigurationTimeout, s.timeout)
		case <-ticker.C:
			if s.IsProgrammed() {
				return nil
			}
		}
	}
}
