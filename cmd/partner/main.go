// Package main provides the partner CLI.
//
// Partner is a desktop agent that works on the local machine through file,
// terminal and web tools, asking before it does anything sensitive.
//
// # Basic Usage
//
// Chat interactively:
//
//	partner chat
//
// Send one message and print the reply:
//
//	partner run "summarize README.md"
//
// Let a phone or browser follow along and answer approvals:
//
//	partner serve
//
// # Environment Variables
//
//   - PARTNER_CONFIG: path to the configuration file (default: ~/.partner/config.yaml)
//   - PARTNER_HOME: directory holding the default config, skills and database
//   - ANTHROPIC_API_KEY, OPENAI_API_KEY: provider keys when the config sets none
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/haasonsaas/partner/internal/config"
	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type globalFlags struct {
	configPath string
	logLevel   string
}

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "partner",
		Short: "Partner - a desktop agent with approval-gated tools",
		Long: `Partner runs a tool-using agent on this machine.

It reads and edits files in a workspace, runs terminal commands, searches
and fetches the web, and asks before sensitive or destructive actions.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to the configuration file (or set PARTNER_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override the configured log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		buildChatCmd(flags),
		buildRunCmd(flags),
		buildServeCmd(flags),
		buildToolsCmd(flags),
		buildHistoryCmd(flags),
		buildConfigCmd(flags),
		buildApprovalCmd(flags),
		buildVersionCmd(),
	)
	return rootCmd
}

// resolveConfigPath picks the flag, then PARTNER_CONFIG, then the default.
func resolveConfigPath(path string) string {
	if path != "" {
		return path
	}
	if env := os.Getenv("PARTNER_CONFIG"); env != "" {
		return env
	}
	return config.DefaultPath()
}

// loadConfig reads the config file. A missing default file is not an
// error; a missing explicit file is.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	path := resolveConfigPath(flags.configPath)
	var (
		cfg *config.Config
		err error
	)
	if flags.configPath == "" && os.Getenv("PARTNER_CONFIG") == "" {
		cfg, err = config.LoadOrDefault(path)
	} else {
		cfg, err = config.Load(path)
	}
	if err != nil {
		return nil, err
	}
	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}
	return cfg, nil
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "partner %s\n  commit: %s\n  built:  %s\n", version, commit, date)
		},
	}
}
