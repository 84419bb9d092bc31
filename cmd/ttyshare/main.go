package main

import (
	"fmt"
	"os"
	"unicode"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

var rootCmd = &cobra.Command{
	Use:   "ttyshare",
	Short: "Share one terminal session with local clients",
	Long: `ttyshare runs a program on a pseudo-terminal owned by the current terminal
and lets any number of local clients type into it through a Unix socket.

- fork: start the shared session and render its output here
- push: stream standard input into a running session

All clients share one undivided input stream into the same program.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	// signals and program exit end fork with a nil error
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s %s\n", color.New(color.FgRed, color.Bold).Sprint("ERROR:"), FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// main() prints errors itself
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(forkCmd)
	rootCmd.AddCommand(pushCmd)

	rootCmd.PersistentFlags().String("config", "", "Path to configuration file (default ~/.ttyshare/config.yml)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-file", "", "Write logs to this file instead of stderr")
	rootCmd.PersistentFlags().Bool("verbose", false, "Enable debug logging")

	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
