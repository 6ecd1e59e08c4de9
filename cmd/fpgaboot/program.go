package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var programRelease bool

var programCmd = &cobra.Command{
	Use:   "program",
	Short: "Run one reset and configuration cycle",
	Long: `Arms the done monitor, hands the bus to the FPGA, pulses PROG and waits
for DONE, retrying as configured. Exits non-zero when every attempt times out.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, _, closeBoard, err := openController(nil)
		if err != nil {
			return err
		}
		defer closeBoard()

		ctx, stop := signalContext()
		defer stop()

		if err := c.Init(); err != nil {
			return err
		}
		if err := c.Setup(ctx); err != nil {
			return err
		}
		if programRelease {
			if err := c.Arbiter().ReleaseToMCU(); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "fpga %s, %d pulse(s), bus %s\n",
			c.Sequencer().State(), c.Sequencer().Pulses(), c.Arbiter().Owner())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(programCmd)
	programCmd.Flags().BoolVar(&programRelease, "release", false, "hand the bus back to the mcu afterwards")
}
