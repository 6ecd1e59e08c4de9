package fpgaboot

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// MinSettle is the minimum delay after switching the FPGA_DRIVE line before
// the bus is used again.
const MinSettle = time.Millisecond

// Owner identifies the device driving the shared SPI lines.
type Owner uint8

const (
	OwnerMCU Owner = iota
	OwnerFPGA
)

func (o Owner) String() string {
	switch o {
	case OwnerMCU:
		return "mcu"
	case OwnerFPGA:
		return "fpga"
	}
	return fmt.Sprintf("Owner(%d)", uint8(o))
}

// FPGABus is handed out by Arbiter.ReleaseToFPGA. Holding one proves the MCU
// side of the bus was floated and routed to the FPGA.
type FPGABus struct {
	a *Arbiter
}

func (b FPGABus) valid() bool {
	return b.a != nil && b.a.Owner() == OwnerFPGA
}

// Arbiter switches the shared SPI bus between the MCU and the FPGA.
//
// Ownership changes must only be issued from controller goroutines. The edge
// watcher of the Monitor never touches the arbiter.
type Arbiter struct {
	mu     sync.Mutex
	mcu    []gpio.PinIO // SCK, MOSI, MISO, CS on the MCU side
	drive  gpio.PinOut  // FPGA_DRIVE, high routes the bus to the FPGA
	settle time.Duration
	owner  Owner
	log    *slog.Logger
}

// NewArbiter returns an arbiter owning the given MCU-side SPI pins. The bus is
// considered MCU-owned until the first switch.
func NewArbiter(mcu []gpio.PinIO, drive gpio.PinOut, settle time.Duration, log *slog.Logger) *Arbiter {
	return &Arbiter{
		mcu:    mcu,
		drive:  drive,
		settle: max(settle, MinSettle),
		owner:  OwnerMCU,
		log:    orDiscard(log),
	}
}

func (a *Arbiter) Owner() Owner {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.owner
}

// ReleaseToFPGA floats every MCU-side SPI pin, then asserts FPGA_DRIVE and
// waits for the lines to settle. It must be called before the FPGA is taken
// out of reset.
func (a *Arbiter) ReleaseToFPGA() (FPGABus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.mcu {
		if err := p.In(gpio.Float, gpio.NoEdge); err != nil {
			return FPGABus{}, fmt.Errorf("float %s: %w", p, err)
		}
	}
	if err := a.drive.Out(gpio.High); err != nil {
		return FPGABus{}, fmt.Errorf("assert fpga drive: %w", err)
	}
	a.owner = OwnerFPGA
	time.Sleep(a.settle)

	a.log.Debug("spi bus released", slog.String("owner", a.owner.String()))
	return FPGABus{a: a}, nil
}

// ReleaseToMCU deasserts FPGA_DRIVE. The FPGA cannot be reprogrammed until
// ReleaseToFPGA is called again.
func (a *Arbiter) ReleaseToMCU() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.drive.Out(gpio.Low); err != nil {
		return fmt.Errorf("deassert fpga drive: %w", err)
	}
	a.owner = OwnerMCU
	time.Sleep(a.settle)

	a.log.Debug("spi bus released", slog.String("owner", a.owner.String()))
	return nil
}

func orDiscard(log *slog.Logger) *slog.Logger {
	if log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return log
}
