package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/gentam/fpgaboot"
	"github.com/spf13/cobra"
)

var (
	configPath string
	adapter    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fpgaboot",
	Short: "FPGA boot controller and serial shell",
	Long: `Hands the shared SPI bus to the FPGA, pulses PROG, waits for DONE and
then serves a command shell on the USB serial device.

Examples:
  fpgaboot run -c board.yaml          # boot and supervise shell sessions
  fpgaboot program --adapter sim      # one configuration cycle on the simulator
  fpgaboot flash id -c board.yaml     # read the configuration flash JEDEC ID`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = fpgaboot.BuildVersion()
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML board configuration")
	rootCmd.PersistentFlags().StringVarP(&adapter, "adapter", "a", "", "override adapter (host, ftdi, sim)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*fpgaboot.Config, error) {
	cfg := fpgaboot.Default()
	if configPath != "" {
		var err error
		if cfg, err = fpgaboot.Load(configPath); err != nil {
			return nil, fmt.Errorf("config load failed: %w", err)
		}
	}
	if adapter != "" {
		cfg.Adapter = adapter
	}
	if err := fpgaboot.Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// openController loads the configuration and opens the board. The returned
// close function releases the board.
func openController(t fpgaboot.Transport) (*fpgaboot.Controller, *fpgaboot.Config, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	log := newLogger()
	b, err := fpgaboot.OpenBoard(cfg, log)
	if err != nil {
		return nil, nil, nil, err
	}
	if t == nil && cfg.Serial.Address != "" {
		t = fpgaboot.NewSerialTransport(cfg.Serial)
	}
	c, err := fpgaboot.NewController(cfg, b, t, log)
	if err != nil {
		b.Close()
		return nil, nil, nil, err
	}
	return c, cfg, func() { b.Close() }, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}
