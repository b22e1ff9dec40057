package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/critic/internal/config"
)

var (
	configPath string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "critic",
	Short: "Multi-agent code review",
	Long: `Critic reviews change-sets with a pool of reasoning agents.

A diff is split into prioritized analysis tasks, each reviewed by an agent
that analyzes the change, asks itself follow-up questions and consolidates
its findings. Results are merged into one deduplicated report. Comments are
published only after an operator approves them.

Core commands:
  critic review change.diff      Review a unified diff
  critic pending                 List comments waiting for approval
  critic approve <id>            Approve a pending comment
  critic history                 Show past reviews`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: .critic.yaml, then ~/.config/critic/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Write a debug log to .critic/logs")

	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(denyCmd)
	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads --config when given, otherwise the layered defaults.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if debugMode {
		cfg.Log.Debug = true
	}
	return cfg, nil
}
