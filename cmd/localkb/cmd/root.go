// Package cmd provides the CLI commands for localkb.
package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/config"
	"github.com/localkb/localkb/internal/protocol"
	"github.com/localkb/localkb/pkg/version"
)

// Persistent flags shared by every command.
var (
	configPath string
	kbID       string
	jsonOutput bool
)

const clientTimeout = 30 * time.Second

// NewRootCmd creates the root command for the localkb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "localkb",
		Short: "Local knowledge-indexing engine",
		Long: `localkb ingests files and notes into per-collection knowledge bases,
deduplicates their content, maintains a full-text index, and incrementally
builds a vector index against an external embedding service.

Run 'localkb serve' to start the worker, then use the other commands to
import and search from any shell.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("localkb version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&kbID, "kb", "default", "Knowledge base id")
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON results")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newImportCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newJobsCmd())
	cmd.AddCommand(newNoteCmd())
	cmd.AddCommand(newDocsCmd())
	cmd.AddCommand(newStatsCmd())
	cmd.AddCommand(newVectorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// loadConfig resolves the effective configuration for this invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// dialWorker connects to the running worker's socket.
func dialWorker() (*protocol.Client, error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, err
	}
	client, err := protocol.Dial(conf.Socket, clientTimeout)
	if err != nil {
		return nil, fmt.Errorf("is the worker running? start it with 'localkb serve': %w", err)
	}
	return client, nil
}

// printJSON pretty-prints v to stdout.
func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			if jsonOutput {
				return printJSON(version.GetInfo())
			}
			fmt.Println(version.String())
			return nil
		},
	}
}
