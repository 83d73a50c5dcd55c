package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "synaptic-view: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	runCmd := newRunCmd()
	root := &cobra.Command{
		Use:   "synaptic-view",
		Short: "Grid entity simulation with a live state inspector",
		Long: `synaptic-view runs a fixed-rate simulation of entities moving on a grid
and serves an inspector that shows either the aggregate metrics or the full
attribute set of one selected entity.

Settings come from built-in defaults, an optional YAML file (--config),
SYNVIEW_* environment variables (a .env file in the working directory is
loaded first) and finally command-line flags.`,
		SilenceUsage: true,
		RunE:         runCmd.RunE,
	}
	root.Flags().AddFlagSet(runCmd.Flags())
	root.AddCommand(runCmd, newValidateConfigCmd())
	return root
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}
