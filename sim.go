package fpgaboot

import (
	"sync"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// SimPin is an in-memory pin that remembers whether it is driven and which
// levels were written to it. Levels applied from the far side with Drive raise
// edges on a pin configured for them.
type SimPin struct {
	*gpiotest.Pin

	mu     sync.Mutex
	output bool
	pull   gpio.Pull
	edge   gpio.Edge
	writes []gpio.Level
	onOut  func(gpio.Level)
	edges  chan struct{}
}

func NewSimPin(name string, num int) *SimPin {
	return &SimPin{
		Pin:   &gpiotest.Pin{N: name, Num: num},
		edges: make(chan struct{}, 16),
	}
}

// In switches the pin to input. It does not change the sampled level, the far
// side keeps driving it.
func (p *SimPin) In(pull gpio.Pull, edge gpio.Edge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = false
	p.pull = pull
	p.edge = edge
	for {
		select {
		case <-p.edges:
		default:
			return nil
		}
	}
}

func (p *SimPin) Out(l gpio.Level) error {
	p.mu.Lock()
	p.output = true
	p.writes = append(p.writes, l)
	cb := p.onOut
	p.mu.Unlock()

	if err := p.Pin.Out(l); err != nil {
		return err
	}
	if cb != nil {
		cb(l)
	}
	return nil
}

func (p *SimPin) Pull() gpio.Pull {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pull
}

// WaitForEdge waits for an edge raised by Drive. A negative timeout waits
// forever.
func (p *SimPin) WaitForEdge(timeout time.Duration) bool {
	if timeout < 0 {
		<-p.edges
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.edges:
		return true
	case <-t.C:
		return false
	}
}

// Drive sets the level from the far side.
func (p *SimPin) Drive(l gpio.Level) {
	prev := p.Pin.Read()
	p.Pin.Out(l)

	p.mu.Lock()
	edge := p.edge
	p.mu.Unlock()
	if prev == l {
		return
	}
	if !edgeMatches(edge, l) {
		return
	}
	select {
	case p.edges <- struct{}{}:
	default:
	}
}

// Driving reports whether the pin was last configured as an output.
func (p *SimPin) Driving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output
}

func (p *SimPin) Writes() []gpio.Level {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gpio.Level(nil), p.writes...)
}

// OnOut registers a hook called after every Out.
func (p *SimPin) OnOut(fn func(gpio.Level)) {
	p.mu.Lock()
	p.onOut = fn
	p.mu.Unlock()
}

// SimFPGA models the configuration side of the FPGA: releasing PROG starts a
// load that raises DONE after LoadTime, provided the bus was routed to the FPGA
// and SPI mode was selected when reset was released.
type SimFPGA struct {
	SCK, MOSI, MISO, CS *SimPin
	Drive, Init, Mode   *SimPin
	Prog, Done, LED     *SimPin

	mu        sync.Mutex
	loadTime  time.Duration
	neverDone bool
	lowAt     time.Time
	pulses    []time.Duration
	faults    int
	timer     *time.Timer
}

// NewSimBoard returns a board wired to a simulated FPGA.
func NewSimBoard(loadTime time.Duration) (*Board, *SimFPGA) {
	f := &SimFPGA{
		SCK:      NewSimPin("SCK", 4),
		MOSI:     NewSimPin("MOSI", 5),
		MISO:     NewSimPin("MISO", 6),
		CS:       NewSimPin("CS", 7),
		Drive:    NewSimPin("FPGA_DRIVE", 16),
		Init:     NewSimPin("FPGA_INIT", 17),
		Mode:     NewSimPin("MCU_F_MODE", 35),
		Prog:     NewSimPin("MCU_F_PROG", 33),
		Done:     NewSimPin("FPGA_DONE", 34),
		LED:      NewSimPin("LED", 44),
		loadTime: loadTime,
	}
	f.Prog.OnOut(f.prog)
	f.Mode.Drive(gpio.High)
	f.Prog.Drive(gpio.High)

	b := &Board{
		SCK:   f.SCK,
		MOSI:  f.MOSI,
		MISO:  f.MISO,
		CS:    f.CS,
		Drive: f.Drive,
		Init:  f.Init,
		Mode:  f.Mode,
		Prog:  f.Prog,
		Done:  f.Done,
		LED:   f.LED,
	}
	return b, f
}

// SetNeverDone makes subsequent loads hang without asserting DONE.
func (f *SimFPGA) SetNeverDone(v bool) {
	f.mu.Lock()
	f.neverDone = v
	f.mu.Unlock()
}

// Pulses returns the measured PROG low times.
func (f *SimFPGA) Pulses() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.pulses...)
}

// Faults counts reset releases with the bus or mode pin set wrong.
func (f *SimFPGA) Faults() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.faults
}

func (f *SimFPGA) prog(l gpio.Level) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l == gpio.Low {
		if f.timer != nil {
			f.timer.Stop()
			f.timer = nil
		}
		f.lowAt = time.Now()
		f.Done.Drive(gpio.Low)
		return
	}
	if f.lowAt.IsZero() {
		return
	}
	width := time.Since(f.lowAt)
	f.lowAt = time.Time{}
	f.pulses = append(f.pulses, width)

	routed := f.Drive.Read() == gpio.High && f.Drive.Driving()
	for _, p := range []*SimPin{f.SCK, f.MOSI, f.MISO, f.CS} {
		if p.Driving() {
			routed = false
		}
	}
	if !routed || f.Mode.Read() != gpio.Low || width < MinResetPulse {
		f.faults++
		return
	}
	if f.neverDone {
		return
	}
	f.timer = time.AfterFunc(f.loadTime, func() { f.Done.Drive(gpio.High) })
}
