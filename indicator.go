package fpgaboot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Indicator drives the status LED. A nil pin turns every call into a no-op.
type Indicator struct {
	mu        sync.Mutex
	pin       gpio.PinOut
	activeLow bool
	on        bool
	log       *slog.Logger
}

func NewIndicator(pin gpio.PinOut, activeLow bool, log *slog.Logger) *Indicator {
	return &Indicator{pin: pin, activeLow: activeLow, log: orDiscard(log)}
}

func (i *Indicator) On() error     { return i.set(true) }
func (i *Indicator) Off() error    { return i.set(false) }
func (i *Indicator) Toggle() error { return i.set(!i.IsOn()) }

func (i *Indicator) IsOn() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.on
}

func (i *Indicator) set(on bool) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.pin == nil {
		i.on = on
		return nil
	}
	l := gpio.Level(on)
	if i.activeLow {
		l = !l
	}
	if err := i.pin.Out(l); err != nil {
		return err
	}
	i.on = on
	return nil
}

// Blink toggles the LED every period until ctx is done, leaving it off.
func (i *Indicator) Blink(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := i.Off(); err != nil {
				i.log.Debug("indicator off", slog.Any("err", err))
			}
			return
		case <-ticker.C:
			if err := i.Toggle(); err != nil {
				i.log.Debug("indicator toggle", slog.Any("err", err))
			}
		}
	}
}
