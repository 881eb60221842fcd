package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "Edge agent that keeps peer panic alerts flowing to a driver's device",
	Long: `agent runs next to a driver's device. It receives peer panic
alerts over MQTT with a Postgres fallback poll, supervises the device's
location and voice workers, and drives the driver's own panic lifecycle.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.AddCommand(newServeCmd(), newInspectCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
