package fpgaboot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
)

type fakeStream struct {
	r      io.Reader
	mu     sync.Mutex
	out    bytes.Buffer
	closed atomic.Bool
}

func (s *fakeStream) Read(p []byte) (int, error) { return s.r.Read(p) }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.Write(p)
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *fakeStream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out.String()
}

// fakeTransport reports connected while connected is true. With once set it
// disconnects after the first Open.
type fakeTransport struct {
	connected atomic.Bool
	once      bool
	input     string

	mu      sync.Mutex
	streams []*fakeStream
}

func (t *fakeTransport) Connected() bool { return t.connected.Load() }

func (t *fakeTransport) Open() (io.ReadWriteCloser, error) {
	if t.once {
		t.connected.Store(false)
	}
	s := &fakeStream{r: strings.NewReader(t.input)}
	t.mu.Lock()
	t.streams = append(t.streams, s)
	t.mu.Unlock()
	return s, nil
}

func (t *fakeTransport) stream(i int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i >= len(t.streams) {
		return nil
	}
	return t.streams[i]
}

func testConfig() *Config {
	cfg := Default()
	cfg.Timing.IdleMs = 1
	cfg.Timing.StartupMs = 1
	cfg.Timing.ConfigTimeoutMs = 500
	cfg.Timing.BlinkMs = 2
	cfg.Sim.LoadMs = 2
	return cfg
}

func newTestController(t *testing.T, cfg *Config, tr Transport) (*Controller, *SimFPGA) {
	t.Helper()
	b, f := NewSimBoard(cfg.Sim.LoadTime())
	c, err := NewController(cfg, b, tr, nil)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c, f
}

func eventually(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal(msg)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestControllerRunEndToEnd(t *testing.T) {
	tr := &fakeTransport{once: true, input: "status\rexit\r"}
	tr.connected.Store(true)
	c, f := newTestController(t, testConfig(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	eventually(t, 2*time.Second, func() bool {
		s := tr.stream(0)
		return s != nil && s.closed.Load()
	}, "session did not run")
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}

	out := tr.stream(0).String()
	for _, want := range []string{
		"NeTVCR bootloader. Based on build ",
		"Core free memory : ",
		"phase:  supervising",
		"fpga:   programmed (done=true)",
		"bus:    fpga",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("session output missing %q:\n%s", want, out)
		}
	}
	if c.Sessions() != 1 {
		t.Fatalf("Sessions() = %d, want 1", c.Sessions())
	}
	if f.Faults() != 0 {
		t.Fatalf("fpga saw %d faults", f.Faults())
	}
}

func TestControllerSetupReleaseAfterProgram(t *testing.T) {
	cfg := testConfig()
	cfg.ReleaseAfterProgram = true
	c, _ := newTestController(t, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.Arbiter().Owner() != OwnerMCU {
		t.Fatalf("owner = %s, want mcu", c.Arbiter().Owner())
	}
	if c.Sequencer().State() != StateProgrammed {
		t.Fatalf("state = %s", c.Sequencer().State())
	}
}

func TestControllerSetupFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Timing.ConfigTimeoutMs = 10
	cfg.Timing.Retries = 2
	c, f := newTestController(t, cfg, nil)
	f.SetNeverDone(true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := c.Setup(ctx)
	if !errors.Is(err, ErrConfigurationFailed) || !errors.Is(err, ErrConfigurationTimeout) {
		t.Fatalf("Setup() = %v, want configuration failed after timeout", err)
	}
	if c.Phase() != PhaseFailed {
		t.Fatalf("phase = %s, want failed", c.Phase())
	}
	if got := c.Sequencer().Pulses(); got != 2 {
		t.Fatalf("pulses = %d, want 2", got)
	}

	// fast blink marks the failure
	n := len(f.LED.Writes())
	eventually(t, time.Second, func() bool { return len(f.LED.Writes()) > n+3 }, "indicator not blinking")

	f.SetNeverDone(false)
	if err := c.Reprogram(ctx); err != nil {
		t.Fatalf("Reprogram: %v", err)
	}
	if c.Phase() != PhaseSupervising || c.Sequencer().State() != StateProgrammed {
		t.Fatalf("phase = %s state = %s after Reprogram", c.Phase(), c.Sequencer().State())
	}
	if !c.Indicator().IsOn() || lastWrite(f.LED) != gpio.Low {
		t.Fatal("indicator not left on after Reprogram")
	}
}

func TestControllerReprogramNeedsSetup(t *testing.T) {
	c, _ := newTestController(t, testConfig(), nil)
	if err := c.Reprogram(context.Background()); !errors.Is(err, ErrNotArmed) {
		t.Fatalf("Reprogram() = %v, want ErrNotArmed", err)
	}
}

func TestSuperviseOneSessionAtATime(t *testing.T) {
	tr := &fakeTransport{}
	tr.connected.Store(true)
	c, _ := newTestController(t, testConfig(), tr)

	var (
		mu     sync.Mutex
		events []string
		active atomic.Int32
		peak   atomic.Int32
	)
	c.serve = func(ctx context.Context, rw io.ReadWriter) error {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		mu.Lock()
		events = append(events, "start")
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		events = append(events, "end")
		mu.Unlock()
		active.Add(-1)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Supervise(ctx) }()

	eventually(t, 2*time.Second, func() bool { return c.Sessions() >= 4 }, "sessions not spawned")
	cancel()
	<-done

	if peak.Load() != 1 {
		t.Fatalf("peak concurrent sessions = %d, want 1", peak.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	for i, e := range events {
		want := "start"
		if i%2 == 1 {
			want = "end"
		}
		if e != want {
			t.Fatalf("event %d = %s, want %s (%v)", i, e, want, events)
		}
	}
}

func TestSuperviseIdleThenConnect(t *testing.T) {
	tr := &fakeTransport{once: true, input: "exit\r"}
	c, _ := newTestController(t, testConfig(), tr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Supervise(ctx)

	time.Sleep(30 * time.Millisecond) // many idle periods
	if c.Sessions() != 0 {
		t.Fatalf("Sessions() = %d while disconnected", c.Sessions())
	}

	tr.connected.Store(true)
	eventually(t, time.Second, func() bool { return c.Sessions() == 1 }, "no session after connect")
}

func TestSuperviseSessionErrorIsLocal(t *testing.T) {
	tr := &fakeTransport{}
	tr.connected.Store(true)
	c, _ := newTestController(t, testConfig(), tr)
	c.serve = func(context.Context, io.ReadWriter) error {
		return fmt.Errorf("session broke")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Supervise(ctx)
	eventually(t, time.Second, func() bool { return c.Sessions() >= 3 }, "supervision stopped after a session error")
}

func TestSuperviseConsumesLatch(t *testing.T) {
	c, f := newTestController(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	if !c.Indicator().IsOn() {
		t.Fatal("indicator off after Setup")
	}
	go c.Supervise(ctx)

	// falling edges on done, one at a time
	f.Done.Drive(gpio.Low)
	eventually(t, time.Second, func() bool { return !c.Indicator().IsOn() }, "first edge not observed")
	eventually(t, time.Second, func() bool { return !c.Latch().IsSet() }, "latch not consumed")

	n := len(f.LED.Writes())
	time.Sleep(20 * time.Millisecond)
	if got := len(f.LED.Writes()); got != n {
		t.Fatalf("indicator toggled %d times without a new edge", got-n)
	}

	f.Done.Drive(gpio.High)
	f.Done.Drive(gpio.Low)
	eventually(t, time.Second, func() bool { return c.Indicator().IsOn() }, "edge after consume not observed")
	eventually(t, time.Second, func() bool { return !c.Latch().IsSet() }, "latch not consumed")
}

func TestReprogramClearsStaleLatch(t *testing.T) {
	cfg := testConfig()
	cfg.Done.Edge = "rising"
	cfg.Timing.ConfigTimeoutMs = 10
	c, f := newTestController(t, cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, time.Second, c.Latch().IsSet, "done edge not latched")

	// no done edge in this cycle
	f.SetNeverDone(true)
	if err := c.Reprogram(ctx); !errors.Is(err, ErrConfigurationTimeout) {
		t.Fatalf("Reprogram() = %v, want timeout", err)
	}
	if c.Latch().IsSet() {
		t.Fatal("edge of the previous cycle still latched")
	}
}

func TestSetupWithoutEdgeDetection(t *testing.T) {
	cfg := testConfig()
	cfg.Done.Edge = "rising"
	b, f := NewSimBoard(cfg.Sim.LoadTime())
	b.Done = &edgelessPin{f.Done}
	c, err := NewController(cfg, b, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Setup(ctx); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if c.Phase() != PhaseSupervising || c.Sequencer().State() != StateProgrammed {
		t.Fatalf("phase = %s state = %s", c.Phase(), c.Sequencer().State())
	}
	if c.Sequencer().Pulses() != 1 || f.Faults() != 0 {
		t.Fatalf("pulses = %d faults = %d", c.Sequencer().Pulses(), f.Faults())
	}
	if !c.mon.Polling() {
		t.Fatal("monitor not reading the pin")
	}
	eventually(t, time.Second, c.Latch().IsSet, "done transition not latched")
}

func TestSessionClosedOnCancel(t *testing.T) {
	tr := &fakeTransport{}
	c, _ := newTestController(t, testConfig(), tr)
	c.serve = func(ctx context.Context, _ io.ReadWriter) error {
		<-ctx.Done()
		return ctx.Err()
	}
	stream, _ := tr.Open()

	ctx, cancel := context.WithCancel(context.Background())
	s := c.spawn(ctx, stream)
	cancel()
	if err := s.Wait(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() = %v", err)
	}
	if !tr.stream(0).closed.Load() {
		t.Fatal("stream not closed")
	}
}

func TestShellCommandsOnController(t *testing.T) {
	c, f := newTestController(t, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Setup(ctx); err != nil {
		t.Fatal(err)
	}

	rw := &fakeStream{r: strings.NewReader("bus mcu\rflash id\rbus\rbogus\rexit\r")}
	if err := c.shell.Serve(ctx, rw); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	out := rw.String()
	for _, want := range []string{"mcu\r\n", "flash: " + ErrNoFlash.Error(), "bogus?"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%q", want, out)
		}
	}
	if c.Arbiter().Owner() != OwnerMCU {
		t.Fatal("bus command did not switch owner")
	}
	if c.Indicator().IsOn() != (lastWrite(f.LED) == gpio.Low) {
		t.Fatal("indicator state does not match its pin")
	}
}

func lastWrite(p *SimPin) gpio.Level {
	w := p.Writes()
	if len(w) == 0 {
		return p.Read()
	}
	return w[len(w)-1]
}
