package fpgaboot

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
)

// Board is the set of lines between the MCU and the FPGA.
//
//	Line        | Dir | Function
//	------------+-----+----------------------------------------------
//	SCK/MOSI/   | MCU | shared configuration SPI, floated while the
//	MISO/CS     |     | FPGA owns the bus
//	FPGA_DRIVE  | out | high routes the SPI bus to the FPGA
//	FPGA_INIT   | in  | left floating during configuration (optional)
//	MCU_F_MODE  | out | low selects SPI configuration mode
//	MCU_F_PROG  | out | pulse low to reset the FPGA
//	FPGA_DONE   | in  | high once configuration completed, pulled up
//	LED         | out | status indicator, active low (optional)
type Board struct {
	SCK, MOSI, MISO, CS gpio.PinIO

	Drive gpio.PinOut
	Init  gpio.PinIO
	Mode  gpio.PinOut
	Prog  gpio.PinOut
	Done  gpio.PinIn
	LED   gpio.PinOut

	// SPI is used for flash access while the MCU owns the bus. Nil disables
	// flash commands.
	SPI spi.Conn

	// FTDI is set for the ftdi adapter.
	FTDI *ftdi.FT232H

	closers []func() error
}

// MCUPins returns the MCU-side SPI pins that are floated when the FPGA owns
// the bus.
func (b *Board) MCUPins() []gpio.PinIO {
	var pins []gpio.PinIO
	for _, p := range []gpio.PinIO{b.SCK, b.MOSI, b.MISO, b.CS} {
		if p != nil {
			pins = append(pins, p)
		}
	}
	return pins
}

func (b *Board) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}

var hostInitialized atomic.Bool

func initHost() error {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			hostInitialized.Store(false)
			return fmt.Errorf("host initialization failed: %w", err)
		}
	}
	return nil
}

// OpenBoard resolves the configured pins for the selected adapter.
func OpenBoard(cfg *Config, log *slog.Logger) (*Board, error) {
	log = orDiscard(log)

	switch cfg.Adapter {
	case AdapterSim:
		b, _ := NewSimBoard(cfg.Sim.LoadTime())
		return b, nil
	case AdapterHost, AdapterFTDI:
	default:
		return nil, fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}

	if err := initHost(); err != nil {
		return nil, err
	}

	b := &Board{}
	lookup := gpioreg.ByName
	if cfg.Adapter == AdapterFTDI {
		ft, err := findFT2232H()
		if err != nil {
			return nil, err
		}
		b.FTDI = ft
		lookup = func(name string) gpio.PinIO { return ftdiPin(ft, name) }
	}

	pins := []struct {
		name string
		dst  *gpio.PinIO
	}{
		{cfg.Pins.SCK, &b.SCK},
		{cfg.Pins.MOSI, &b.MOSI},
		{cfg.Pins.MISO, &b.MISO},
		{cfg.Pins.CS, &b.CS},
		{cfg.Pins.Init, &b.Init},
	}
	for _, p := range pins {
		if p.name == "" {
			continue
		}
		pin := lookup(p.name)
		if pin == nil {
			return nil, fmt.Errorf("pin %q not found", p.name)
		}
		*p.dst = pin
	}

	outs := []struct {
		name string
		dst  *gpio.PinOut
	}{
		{cfg.Pins.Drive, &b.Drive},
		{cfg.Pins.Mode, &b.Mode},
		{cfg.Pins.Prog, &b.Prog},
		{cfg.Pins.LED, &b.LED},
	}
	for _, p := range outs {
		if p.name == "" {
			continue
		}
		pin := lookup(p.name)
		if pin == nil {
			return nil, fmt.Errorf("pin %q not found", p.name)
		}
		*p.dst = pin
	}

	done := lookup(cfg.Pins.Done)
	if done == nil {
		return nil, fmt.Errorf("pin %q not found", cfg.Pins.Done)
	}
	b.Done = done

	if err := b.connectSPI(cfg); err != nil {
		return nil, err
	}

	log.Debug("board opened", slog.String("adapter", cfg.Adapter), slog.Bool("spi", b.SPI != nil))
	return b, nil
}

func (b *Board) connectSPI(cfg *Config) error {
	var (
		port spi.PortCloser
		err  error
	)
	switch {
	case b.FTDI != nil:
		port, err = b.FTDI.SPI()
	case cfg.SPI.Port != "":
		port, err = spireg.Open(cfg.SPI.Port)
	default:
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get SPI port: %w", err)
	}
	b.closers = append(b.closers, port.Close)

	// [FTDI-AN_114|1.2] MPSSE only supports mode 0 and mode 2.
	// [N25Q32|Table 7: SPI Modes] mode 0 and mode 3 are supported.
	clock := physic.Frequency(cfg.SPI.ClockHz) * physic.Hertz
	b.SPI, err = port.Connect(clock, spi.Mode0, 8)
	return err
}

func findFT2232H() (*ftdi.FT232H, error) {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}
	return nil, errors.New("FT2232H device not found")
}

// ftdiPin maps ADBUS/ACBUS names to FT232H pins.
//
//	ADBUS0 | D0 | SCK
//	ADBUS1 | D1 | MOSI
//	ADBUS2 | D2 | MISO
//	ADBUS3 | D3 | CS (MPSSE)
//	ADBUS4 | D4 | GPIOL0
//	...
//	ACBUS0 | C0 | GPIOH0
func ftdiPin(ft *ftdi.FT232H, name string) gpio.PinIO {
	pins := map[string]gpio.PinIO{
		"D0": ft.D0, "D1": ft.D1, "D2": ft.D2, "D3": ft.D3,
		"D4": ft.D4, "D5": ft.D5, "D6": ft.D6, "D7": ft.D7,
		"C0": ft.C0, "C1": ft.C1, "C2": ft.C2, "C3": ft.C3,
		"C4": ft.C4, "C5": ft.C5, "C6": ft.C6, "C7": ft.C7,
	}
	return pins[name]
}
