package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is overridden at build time via -ldflags
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "agentlink",
	Short: "Agentlink - Talk to remote agents over their native protocols",
	Long: `Agentlink is a protocol adapter for remote AI agents. It speaks the
streaming-chat, task, and session protocols (AG-UI, A2A, ACP), normalizes
them into one event stream, and routes tool calls with human-in-the-loop
approval.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(agentsCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(versionCmd)
}
