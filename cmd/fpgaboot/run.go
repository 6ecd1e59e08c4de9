package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Configure the FPGA and serve shell sessions until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, closeBoard, err := openController(nil)
		if err != nil {
			return err
		}
		defer closeBoard()

		ctx, stop := signalContext()
		defer stop()

		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
