package main

import (
	"errors"
	"fmt"

	"github.com/gentam/fpgaboot"
	"github.com/spf13/cobra"
	"periph.io/x/host/v3/ftdi"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print adapter and build information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Build:           %s\n", fpgaboot.BuildVersion())
		fmt.Fprintf(w, "Adapter:         %s\n", cfg.Adapter)
		if cfg.Adapter != fpgaboot.AdapterFTDI {
			return nil
		}

		b, err := fpgaboot.OpenBoard(cfg, newLogger())
		if err != nil {
			return err
		}
		defer b.Close()
		ft := b.FTDI
		if ft == nil {
			return errors.New("FT2232H device not found")
		}

		// Reference: https://github.com/periph/cmd/tree/main/ftdi-list
		i := ftdi.Info{}
		ft.Info(&i)
		fmt.Fprintf(w, "Type:            %s\n", i.Type)
		fmt.Fprintf(w, "Vendor ID:       %#04x\n", i.VenID)
		fmt.Fprintf(w, "Device ID:       %#04x\n", i.DevID)

		ee := ftdi.EEPROM{}
		if err := ft.EEPROM(&ee); err != nil {
			return fmt.Errorf("failed to read EEPROM: %w", err)
		}
		fmt.Fprintf(w, "Manufacturer:    %s\n", ee.Manufacturer)
		fmt.Fprintf(w, "Desc:            %s\n", ee.Desc)
		fmt.Fprintf(w, "Serial:          %s\n", ee.Serial)

		h := ee.AsHeader()
		fmt.Fprintf(w, "MaxPower:        %dmA\n", h.MaxPower)
		fmt.Fprintf(w, "SelfPowered:     %x\n", h.SelfPowered)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
