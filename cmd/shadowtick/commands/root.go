// Package commands implements the shadowtick CLI.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "shadowtick",
	Short: "shadowtick - SWMR shadow-file coordination",
	Long: `shadowtick coordinates one writer and many readers of a paged data file
through a shadow (metadata) file: the writer publishes a page index at a
bounded rate and readers observe a consistent, slightly stale view with no
cross-process locking.

Use "shadowtick [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and runs it.
// Called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./shadowtick.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(demoCmd)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
