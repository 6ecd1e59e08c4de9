package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/gentam/fpgaboot"
	"github.com/spf13/cobra"
)

var (
	flashN   int
	flashOut string
	flashHex bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Inspect the configuration flash while the FPGA is held in reset",
}

var flashIDCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the JEDEC ID",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(func(f *fpgaboot.Flash) error {
			id, name, err := f.ReadID()
			if err != nil {
				return fmt.Errorf("read flash ID failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%X\t%s\n", id, name)
			return nil
		})
	},
}

var flashStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print status register 1",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFlash(func(f *fpgaboot.Flash) error {
			sr, err := f.ReadStatusRegister()
			if err != nil {
				return fmt.Errorf("read flash status register failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sr)
			return nil
		})
	},
}

var flashReadCmd = &cobra.Command{
	Use:   "read [addr]",
	Short: "Read flash contents (default: hexdump)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var addr int64
		if len(args) == 1 {
			if _, err := fmt.Sscan(args[0], &addr); err != nil {
				return fmt.Errorf("bad address %q: %w", args[0], err)
			}
		}
		return withFlash(func(f *fpgaboot.Flash) error {
			if _, name, err := f.ReadID(); err == nil && name == "" {
				fmt.Fprintln(os.Stderr, "unknown flash ID")
			}
			data, err := f.Read(int(addr), flashN)
			if err != nil {
				return fmt.Errorf("read flash failed: %w", err)
			}
			if flashOut == "" || flashHex {
				fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
			}
			if flashOut != "" {
				return os.WriteFile(flashOut, data, 0644)
			}
			return nil
		})
	},
}

// withFlash holds the FPGA in reset with the bus on the MCU side, powers the
// flash up and runs fn. The FPGA is released afterwards and reloads on its own.
func withFlash(fn func(*fpgaboot.Flash) error) error {
	c, _, closeBoard, err := openController(nil)
	if err != nil {
		return err
	}
	defer closeBoard()

	f := c.Flash()
	if f == nil {
		return fpgaboot.ErrNoFlash
	}

	seq := c.Sequencer()
	if err := seq.HoldReset(); err != nil {
		return err
	}
	defer seq.ReleaseReset()
	if err := c.Arbiter().ReleaseToMCU(); err != nil {
		return err
	}

	if err := f.PowerUp(); err != nil {
		return fmt.Errorf("flash power up failed: %w", err)
	}
	defer f.PowerDown()
	return fn(f)
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.AddCommand(flashIDCmd, flashStatusCmd, flashReadCmd)
	flashReadCmd.Flags().IntVarP(&flashN, "count", "n", 256, "number of bytes to read")
	flashReadCmd.Flags().StringVarP(&flashOut, "output", "o", "", "output file")
	flashReadCmd.Flags().BoolVar(&flashHex, "hex", false, "hexdump even when writing a file")
}
