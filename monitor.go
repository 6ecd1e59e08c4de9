package fpgaboot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// DoneLatch records that at least one done edge happened. It is written from
// the edge watcher and read from controller goroutines. Only Consume clears it.
type DoneLatch struct {
	v atomic.Bool
}

func (l *DoneLatch) Set()        { l.v.Store(true) }
func (l *DoneLatch) IsSet() bool { return l.v.Load() }

// Consume reports whether the latch was set and clears it.
func (l *DoneLatch) Consume() bool { return l.v.Swap(false) }

// Armed is returned by Monitor.Arm and required by Sequencer.ResetAndProgram,
// so the edge source is always registered before reset is released.
type Armed struct {
	m *Monitor
}

// edgeSlice bounds each WaitForEdge call so the watcher notices cancellation.
const edgeSlice = 50 * time.Millisecond

// MinEdgePoll is the shortest read period used when the pin cannot report
// edges. Each read is a USB round trip on the ftdi adapter.
const MinEdgePoll = time.Millisecond

// Monitor watches the FPGA done line for edges and latches them.
type Monitor struct {
	pin   gpio.PinIn
	pull  gpio.Pull
	edge  gpio.Edge
	latch *DoneLatch
	poll  time.Duration
	log   *slog.Logger

	mu      sync.Mutex
	armed   bool
	polling bool
	wg      sync.WaitGroup
}

// NewMonitor returns a monitor for pin. poll is the read period used when the
// pin driver rejects edge detection, it is raised to MinEdgePoll.
func NewMonitor(pin gpio.PinIn, pull gpio.Pull, edge gpio.Edge, latch *DoneLatch, poll time.Duration, log *slog.Logger) *Monitor {
	return &Monitor{
		pin:   pin,
		pull:  pull,
		edge:  edge,
		latch: latch,
		poll:  max(poll, MinEdgePoll),
		log:   orDiscard(log),
	}
}

func (m *Monitor) Latch() *DoneLatch { return m.latch }

// Arm configures the done pin for edge detection and starts the watcher. It
// must run before the FPGA leaves reset, an earlier edge is lost. Pins that
// cannot report edges (ftdi) are read periodically instead. Arming an already
// armed monitor returns the existing token.
func (m *Monitor) Arm(ctx context.Context) (Armed, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.armed {
		return Armed{m: m}, nil
	}

	polling := false
	if err := m.pin.In(m.pull, m.edge); err != nil {
		if m.edge == gpio.NoEdge {
			return Armed{}, fmt.Errorf("arm %s: %w", m.pin, err)
		}
		if err2 := m.pin.In(m.pull, gpio.NoEdge); err2 != nil {
			return Armed{}, fmt.Errorf("arm %s: %w", m.pin, errors.Join(err, err2))
		}
		m.log.Debug("edge detection unavailable, reading pin", slog.String("pin", m.pin.String()),
			slog.Duration("interval", m.poll), slog.Any("err", err))
		polling = true
	}
	m.armed = true
	m.polling = polling

	m.wg.Add(1)
	if polling {
		go m.pollWatch(ctx, m.pin.Read())
	} else {
		go m.watch(ctx)
	}

	m.log.Debug("done monitor armed", slog.String("pin", m.pin.String()), slog.Any("edge", m.edge))
	return Armed{m: m}, nil
}

// Polling reports whether the armed watcher reads the pin instead of waiting
// for edges.
func (m *Monitor) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polling
}

// watch only sets the latch: it never sleeps beyond WaitForEdge, allocates or
// calls into other components.
func (m *Monitor) watch(ctx context.Context) {
	defer m.wg.Done()
	defer m.disarm()
	for ctx.Err() == nil {
		if m.pin.WaitForEdge(edgeSlice) {
			m.latch.Set()
		}
	}
}

// pollWatch latches the configured transition between two consecutive reads.
// Pulses shorter than the read period are missed.
func (m *Monitor) pollWatch(ctx context.Context, prev gpio.Level) {
	defer m.wg.Done()
	defer m.disarm()

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		l := m.pin.Read()
		if l != prev && edgeMatches(m.edge, l) {
			m.latch.Set()
		}
		prev = l
	}
}

func edgeMatches(edge gpio.Edge, l gpio.Level) bool {
	switch edge {
	case gpio.BothEdges:
		return true
	case gpio.RisingEdge:
		return l == gpio.High
	case gpio.FallingEdge:
		return l == gpio.Low
	}
	return false
}

func (m *Monitor) disarm() {
	m.mu.Lock()
	m.armed = false
	m.polling = false
	m.mu.Unlock()
}

// Wait blocks until the watcher has stopped after its context was cancelled.
func (m *Monitor) Wait() { m.wg.Wait() }
