package main

import (
	"io"
	"os"

	"github.com/goburrow/serial"
	"github.com/spf13/cobra"
)

var consoleBaud int

var consoleCmd = &cobra.Command{
	Use:   "console <device>",
	Short: "Attach the terminal to a controller's serial shell",
	Long: `Copies stdin to the serial device and the device output to stdout.
Lines are sent when Enter is pressed; the shell on the other side echoes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := serial.Open(&serial.Config{
			Address:  args[0],
			BaudRate: consoleBaud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
		})
		if err != nil {
			return err
		}
		defer port.Close()

		go func() {
			io.Copy(port, os.Stdin)
		}()

		buf := make([]byte, 64)
		for {
			n, err := port.Read(buf)
			if n > 0 {
				os.Stdout.Write(buf[:n])
			}
			if err != nil {
				return err
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
	consoleCmd.Flags().IntVarP(&consoleBaud, "baud", "b", 115200, "baud rate")
}
