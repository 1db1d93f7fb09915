package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/open-agents/agentlink/internal/config"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List configured agents",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Printf("No config found at %s\n", config.ConfigPath())
			os.Exit(0)
		}

		if len(cfg.Agents) == 0 {
			fmt.Println("No agents configured.")
			return
		}

		fmt.Println("Configured Agents")
		fmt.Println("=================")
		for _, a := range cfg.Agents {
			fmt.Printf("%-20s %-8s %s\n", a.Name, a.Transport, a.URL)
		}
	},
}
