package fpgaboot

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Phase is the controller's position in the boot sequence.
type Phase uint8

const (
	PhaseInit Phase = iota
	PhaseSetup
	PhaseSupervising
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhaseSetup:
		return "setup"
	case PhaseSupervising:
		return "supervising"
	case PhaseFailed:
		return "failed"
	}
	return fmt.Sprintf("Phase(%d)", uint8(p))
}

// Controller brings the FPGA up and then serves shell sessions, one at a time.
type Controller struct {
	cfg       *Config
	timing    Timing
	bus       *Arbiter
	seq       *Sequencer
	mon       *Monitor
	latch     *DoneLatch
	led       *Indicator
	flash     *Flash
	transport Transport
	shell     *Shell
	log       *slog.Logger

	// serve runs the body of one session.
	serve func(ctx context.Context, rw io.ReadWriter) error

	mu        sync.Mutex
	phase     Phase
	armed     Armed
	stopBlink func()

	sessions atomic.Int64
}

// NewController wires the boot components for board b. t may be nil when
// the controller is only used to program the FPGA.
func NewController(cfg *Config, b *Board, t Transport, log *slog.Logger) (*Controller, error) {
	log = orDiscard(log)
	pull, err := parsePull(cfg.Done.Pull)
	if err != nil {
		return nil, err
	}
	edge, err := parseEdge(cfg.Done.Edge)
	if err != nil {
		return nil, err
	}

	timing := cfg.Durations()
	activeLow := cfg.LEDActiveLow == nil || *cfg.LEDActiveLow
	latch := &DoneLatch{}
	c := &Controller{
		cfg:       cfg,
		timing:    timing,
		latch:     latch,
		led:       NewIndicator(b.LED, activeLow, log.With("component", "indicator")),
		transport: t,
		shell:     NewShell(cfg.Shell),
		log:       log,
	}
	c.bus = NewArbiter(b.MCUPins(), b.Drive, timing.Settle, log.With("component", "bus"))
	c.seq = NewSequencer(c.bus, b, c.led, timing, log.With("component", "sequencer"))
	c.mon = NewMonitor(b.Done, pull, edge, latch, timing.PollInterval, log.With("component", "monitor"))
	if b.SPI != nil {
		c.flash = NewFlash(c.bus, b.SPI, b.CS)
	}
	c.serve = c.shell.Serve
	c.registerCommands()
	return c, nil
}

func (c *Controller) Arbiter() *Arbiter     { return c.bus }
func (c *Controller) Sequencer() *Sequencer { return c.seq }
func (c *Controller) Latch() *DoneLatch     { return c.latch }
func (c *Controller) Indicator() *Indicator { return c.led }

// Flash returns nil when the board has no SPI connection.
func (c *Controller) Flash() *Flash { return c.flash }

// Sessions returns the number of sessions spawned so far.
func (c *Controller) Sessions() int64 { return c.sessions.Load() }

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
}

// Run initializes, configures the FPGA and supervises sessions until ctx is
// done. A failed configuration does not stop supervision.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Init(); err != nil {
		return err
	}
	if err := c.Setup(ctx); err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return c.Supervise(ctx)
}

// Init puts the outputs in their boot state and logs the banner.
func (c *Controller) Init() error {
	c.setPhase(PhaseInit)
	if err := c.led.Off(); err != nil {
		return fmt.Errorf("indicator: %w", err)
	}
	c.log.Info(fmt.Sprintf("%s bootloader. Based on build %s", c.cfg.AppName, BuildVersion()))
	c.log.Info(fmt.Sprintf("Core free memory : %d bytes", FreeMemory()))
	return nil
}

// Setup arms the done monitor, waits for the rails to settle and runs the
// configuration handshake up to the configured number of attempts. When every
// attempt fails the controller enters PhaseFailed and blinks the indicator.
func (c *Controller) Setup(ctx context.Context) error {
	c.setPhase(PhaseSetup)

	armed, err := c.mon.Arm(ctx)
	if err != nil {
		return c.fail(ctx, err)
	}
	c.mu.Lock()
	c.armed = armed
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.timing.Startup):
	}

	if err := c.program(ctx, armed, c.timing.Retries); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return c.fail(ctx, err)
	}
	c.setPhase(PhaseSupervising)
	return nil
}

func (c *Controller) program(ctx context.Context, armed Armed, attempts int) error {
	var lastErr error
	for attempt := 1; attempt <= max(attempts, 1); attempt++ {
		// Edges of an earlier cycle must not count for this one.
		c.latch.Consume()
		err := c.seq.ResetAndProgram(ctx, armed)
		if err == nil {
			if c.cfg.ReleaseAfterProgram {
				return c.bus.ReleaseToMCU()
			}
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		lastErr = err
		c.log.Warn("fpga configuration attempt failed",
			slog.Int("attempt", attempt), slog.Any("err", err))
	}
	return fmt.Errorf("%w: %w", ErrConfigurationFailed, lastErr)
}

func (c *Controller) fail(ctx context.Context, err error) error {
	c.log.Error("fpga setup failed", slog.Any("err", err))

	bctx, cancel := context.WithCancel(ctx)
	blinking := make(chan struct{})
	c.mu.Lock()
	c.phase = PhaseFailed
	if c.stopBlink != nil {
		c.stopBlink()
	}
	// stopBlink returns once the LED is off, so a later On is not undone.
	c.stopBlink = func() {
		cancel()
		<-blinking
	}
	c.mu.Unlock()

	go func() {
		defer close(blinking)
		c.led.Blink(bctx, c.timing.Blink)
	}()
	return err
}

// Reprogram runs one more configuration attempt, for example from the shell.
func (c *Controller) Reprogram(ctx context.Context) error {
	c.mu.Lock()
	armed := c.armed
	if c.stopBlink != nil {
		c.stopBlink()
		c.stopBlink = nil
	}
	c.mu.Unlock()

	if armed.m == nil {
		return ErrNotArmed
	}
	if err := c.program(ctx, armed, 1); err != nil {
		return c.fail(ctx, err)
	}
	c.setPhase(PhaseSupervising)
	return nil
}

// Supervise spawns a session whenever the transport is connected and waits
// for it to end before checking again. Once per idle period it consumes the
// done latch and toggles the indicator when an edge was seen.
func (c *Controller) Supervise(ctx context.Context) error {
	if c.Phase() != PhaseFailed {
		c.setPhase(PhaseSupervising)
	}

	for {
		if c.transport != nil && c.transport.Connected() {
			c.runSession(ctx)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.timing.Idle):
		}

		if c.latch.Consume() && c.Phase() != PhaseFailed {
			if err := c.led.Toggle(); err != nil {
				c.log.Debug("indicator", slog.Any("err", err))
			}
		}
	}
}

func (c *Controller) runSession(ctx context.Context) {
	stream, err := c.transport.Open()
	if err != nil {
		c.log.Warn("transport open failed", slog.Any("err", err))
		return
	}
	s := c.spawn(ctx, stream)
	err = s.Wait()
	c.log.Info("session ended", slog.Int64("id", s.ID), slog.Any("err", err))
}

// Session is one shell instance bound to one transport stream.
type Session struct {
	ID   int64
	done chan struct{}
	err  error
}

// Wait blocks until the session ends and returns its error.
func (s *Session) Wait() error {
	<-s.done
	return s.err
}

func (c *Controller) spawn(ctx context.Context, stream io.ReadWriteCloser) *Session {
	s := &Session{
		ID:   c.sessions.Add(1),
		done: make(chan struct{}),
	}
	c.log.Info("session started", slog.Int64("id", s.ID))

	var once sync.Once
	closeStream := func() { once.Do(func() { stream.Close() }) }

	sctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(sctx, closeStream)
	go func() {
		defer close(s.done)
		defer cancel()
		defer closeStream()
		defer stop()

		if err := Banner(stream, c.cfg.AppName); err != nil {
			s.err = err
			return
		}
		s.err = c.serve(sctx, stream)
	}()
	return s
}

func (c *Controller) registerCommands() {
	c.shell.Register(Command{
		Name: "info",
		Help: "show build and memory",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			return Banner(w, c.cfg.AppName)
		},
	})
	c.shell.Register(Command{
		Name: "status",
		Help: "show fpga and bus state",
		Run: func(_ context.Context, w io.Writer, _ []string) error {
			_, err := fmt.Fprintf(w, "phase:  %s\r\nfpga:   %s (done=%t)\r\nlatch:  %t\r\nbus:    %s\r\npulses: %d\r\n",
				c.Phase(), c.seq.State(), c.seq.IsProgrammed(), c.latch.IsSet(), c.bus.Owner(), c.seq.Pulses())
			return err
		},
	})
	c.shell.Register(Command{
		Name: "reprogram",
		Help: "reset the fpga and wait for done",
		Run: func(ctx context.Context, w io.Writer, _ []string) error {
			if err := c.Reprogram(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintf(w, "fpga %s\r\n", c.seq.State())
			return err
		},
	})
	c.shell.Register(Command{
		Name:  "bus",
		Usage: "[mcu|fpga]",
		Help:  "show or switch spi bus owner",
		Run: func(_ context.Context, w io.Writer, args []string) error {
			if len(args) > 0 {
				var err error
				switch args[0] {
				case "mcu":
					err = c.bus.ReleaseToMCU()
				case "fpga":
					_, err = c.bus.ReleaseToFPGA()
				default:
					return fmt.Errorf("unknown owner %q", args[0])
				}
				if err != nil {
					return err
				}
			}
			_, err := fmt.Fprintf(w, "%s\r\n", c.bus.Owner())
			return err
		},
	})
	c.shell.Register(Command{
		Name:  "flash",
		Usage: "id|status|read <addr> [n]",
		Help:  "inspect configuration flash (bus must be mcu)",
		Run:   c.flashCommand,
	})
}

func (c *Controller) flashCommand(_ context.Context, w io.Writer, args []string) error {
	if c.flash == nil {
		return ErrNoFlash
	}
	if len(args) == 0 {
		return errors.New("usage: flash id|status|read <addr> [n]")
	}
	switch args[0] {
	case "id":
		id, name, err := c.flash.ReadID()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%X\t%s\r\n", id, name)
		return err
	case "status":
		sr, err := c.flash.ReadStatusRegister()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\r\n", sr)
		return err
	case "read":
		if len(args) < 2 {
			return errors.New("usage: flash read <addr> [n]")
		}
		addr, err := strconv.ParseInt(args[1], 0, 32)
		if err != nil {
			return err
		}
		n := int64(64)
		if len(args) > 2 {
			if n, err = strconv.ParseInt(args[2], 0, 32); err != nil {
				return err
			}
		}
		data, err := c.flash.Read(int(addr), int(n))
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, strings.ReplaceAll(hex.Dump(data), "\n", "\r\n"))
		return err
	}
	return fmt.Errorf("unknown flash command %q", args[0])
}
