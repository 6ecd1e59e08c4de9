package fpgaboot

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"periph.io/x/conn/v3/gpio"
)

const (
	AdapterHost = "host" // pins from gpioreg, SPI from spireg
	AdapterFTDI = "ftdi" // FT2232H MPSSE
	AdapterSim  = "sim"  // simulated FPGA
)

type Config struct {
	AppName             string       `yaml:"app_name"`
	Adapter             string       `yaml:"adapter"`
	Pins                PinsConfig   `yaml:"pins"`
	LEDActiveLow        *bool        `yaml:"led_active_low"`
	Done                DoneConfig   `yaml:"done"`
	Timing              TimingConfig `yaml:"timing"`
	ReleaseAfterProgram bool         `yaml:"release_after_program"`
	SPI                 SPIConfig    `yaml:"spi"`
	Serial              SerialConfig `yaml:"serial"`
	Shell               ShellConfig  `yaml:"shell"`
	Sim                 SimConfig    `yaml:"sim"`
}

// ---- PINS ----

type PinsConfig struct {
	SCK  string `yaml:"sck"`
	MOSI string `yaml:"mosi"`
	MISO string `yaml:"miso"`
	CS   string `yaml:"cs"`

	Drive string `yaml:"drive"`
	Init  string `yaml:"init"` // optional
	Mode  string `yaml:"mode"`
	Prog  string `yaml:"prog"`
	Done  string `yaml:"done"`
	LED   string `yaml:"led"` // optional
}

type DoneConfig struct {
	Pull string `yaml:"pull"` // float, down, up
	Edge string `yaml:"edge"` // rising, falling, both
}

// ---- TIMING ----

type TimingConfig struct {
	SettleMs        int `yaml:"settle_ms"`
	StartupMs       int `yaml:"startup_ms"`
	ResetPulseUs    int `yaml:"reset_pulse_us"`
	PollIntervalUs  int `yaml:"poll_interval_us"`
	ConfigTimeoutMs int `yaml:"config_timeout_ms"`
	Retries         int `yaml:"retries"`
	IdleMs          int `yaml:"idle_ms"`
	BlinkMs         int `yaml:"blink_ms"`
}

// ---- TRANSPORT ----

type SPIConfig struct {
	Port    string `yaml:"port"` // spireg name, empty disables flash access
	ClockHz int64  `yaml:"clock_hz"`
}

type SerialConfig struct {
	Address  string `yaml:"address"`
	BaudRate int    `yaml:"baud_rate"`
}

type ShellConfig struct {
	Prompt     string `yaml:"prompt"`
	BufferSize int    `yaml:"buffer_size"`
	Echo       *bool  `yaml:"echo"`
}

type SimConfig struct {
	LoadMs int `yaml:"load_ms"`
}

func (s SimConfig) LoadTime() time.Duration {
	return time.Duration(s.LoadMs) * time.Millisecond
}

// Load reads a YAML configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	Normalize(cfg)
	return cfg, nil
}

// Default returns a configuration for the simulated adapter.
func Default() *Config {
	cfg := &Config{Adapter: AdapterSim}
	Normalize(cfg)
	return cfg
}

// Normalize fills unset fields with defaults.
func Normalize(cfg *Config) {
	if cfg == nil {
		return
	}
	setDefault(&cfg.AppName, "NeTVCR")
	setDefault(&cfg.Adapter, AdapterHost)
	if cfg.LEDActiveLow == nil {
		v := true
		cfg.LEDActiveLow = &v
	}
	setDefault(&cfg.Done.Pull, "up")
	setDefault(&cfg.Done.Edge, "falling")

	t := &cfg.Timing
	setDefault(&t.SettleMs, 1)
	setDefault(&t.StartupMs, 1)
	setDefault(&t.ResetPulseUs, 50)
	setDefault(&t.PollIntervalUs, 100)
	setDefault(&t.ConfigTimeoutMs, 1000)
	setDefault(&t.Retries, 3)
	setDefault(&t.IdleMs, 1000)
	setDefault(&t.BlinkMs, 100)

	setDefault(&cfg.SPI.ClockHz, 30_000_000) // [FTDI-AN_135|3.2.1 Divisors]
	setDefault(&cfg.Serial.BaudRate, 115200)
	setDefault(&cfg.Shell.Prompt, "ch> ")
	setDefault(&cfg.Shell.BufferSize, 2048)
	if cfg.Shell.Echo == nil {
		v := true
		cfg.Shell.Echo = &v
	}
	setDefault(&cfg.Sim.LoadMs, 20)
}

func setDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// Validate checks configuration correctness. It does not mutate cfg.
func Validate(cfg *Config) error {
	switch cfg.Adapter {
	case AdapterHost, AdapterFTDI:
		required := []struct{ key, name string }{
			{"pins.sck", cfg.Pins.SCK},
			{"pins.mosi", cfg.Pins.MOSI},
			{"pins.miso", cfg.Pins.MISO},
			{"pins.cs", cfg.Pins.CS},
			{"pins.drive", cfg.Pins.Drive},
			{"pins.mode", cfg.Pins.Mode},
			{"pins.prog", cfg.Pins.Prog},
			{"pins.done", cfg.Pins.Done},
		}
		for _, r := range required {
			if r.name == "" {
				return fmt.Errorf("%s is required for adapter %q", r.key, cfg.Adapter)
			}
		}
	case AdapterSim:
	default:
		return fmt.Errorf("unknown adapter %q", cfg.Adapter)
	}

	if _, err := parsePull(cfg.Done.Pull); err != nil {
		return err
	}
	if _, err := parseEdge(cfg.Done.Edge); err != nil {
		return err
	}

	t := cfg.Timing
	if us := time.Duration(t.ResetPulseUs) * time.Microsecond; us < MinResetPulse {
		return fmt.Errorf("timing.reset_pulse_us: %v is below the %v minimum", us, MinResetPulse)
	}
	if ms := time.Duration(t.SettleMs) * time.Millisecond; ms < MinSettle {
		return fmt.Errorf("timing.settle_ms: %v is below the %v minimum", ms, MinSettle)
	}
	if t.ConfigTimeoutMs <= 0 {
		return fmt.Errorf("timing.config_timeout_ms must be positive, got %d", t.ConfigTimeoutMs)
	}
	if t.PollIntervalUs < 0 || t.StartupMs < 0 || t.IdleMs < 0 || t.BlinkMs < 0 {
		return fmt.Errorf("timing: negative durations are not allowed")
	}
	if t.Retries < 1 {
		return fmt.Errorf("timing.retries must be at least 1, got %d", t.Retries)
	}
	if cfg.Shell.BufferSize < 16 {
		return fmt.Errorf("shell.buffer_size must be at least 16, got %d", cfg.Shell.BufferSize)
	}
	return nil
}

// Durations converts the configured timing values.
func (cfg *Config) Durations() Timing {
	t := cfg.Timing
	return Timing{
		Settle:        time.Duration(t.SettleMs) * time.Millisecond,
		Startup:       time.Duration(t.StartupMs) * time.Millisecond,
		ResetPulse:    time.Duration(t.ResetPulseUs) * time.Microsecond,
		PollInterval:  time.Duration(t.PollIntervalUs) * time.Microsecond,
		ConfigTimeout: time.Duration(t.ConfigTimeoutMs) * time.Millisecond,
		Retries:       t.Retries,
		Idle:          time.Duration(t.IdleMs) * time.Millisecond,
		Blink:         time.Duration(t.BlinkMs) * time.Millisecond,
	}
}

func parsePull(s string) (gpio.Pull, error) {
	switch s {
	case "float":
		return gpio.Float, nil
	case "down":
		return gpio.PullDown, nil
	case "up":
		return gpio.PullUp, nil
	}
	return gpio.PullNoChange, fmt.Errorf("done.pull: unknown value %q", s)
}

func parseEdge(s string) (gpio.Edge, error) {
	switch s {
	case "rising":
		return gpio.RisingEdge, nil
	case "falling":
		return gpio.FallingEdge, nil
	case "both":
		return gpio.BothEdges, nil
	}
	return gpio.NoEdge, fmt.Errorf("done.edge: unknown value %q", s)
}
