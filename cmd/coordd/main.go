// coordd is the real-time coordination daemon: it holds client
// WebSocket connections, routes events between them, and bridges room
// traffic to peer processes over NATS or Redis.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "coordd <command>",
	Short: "Real-time coordination daemon",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
