package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Read the FPGA done line",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cfg, closeBoard, err := openController(nil)
		if err != nil {
			return err
		}
		defer closeBoard()

		fmt.Fprintf(cmd.OutOrStdout(), "adapter:    %s\nprogrammed: %t\n", cfg.Adapter, c.Sequencer().IsProgrammed())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
