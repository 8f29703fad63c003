// Command mcp-resume runs a resumable streamable HTTP transport server
// (serve) and a resuming client that follows a session's notification stream
// (tail).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mcp-resume",
	Short: "Resumable streamable HTTP transport for JSON-RPC sessions",
	Long: `mcp-resume hosts a streamable HTTP transport whose sessions survive
disconnects: every server-to-client message is buffered in an event store and
a client reattaching with Last-Event-ID receives everything it missed.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
