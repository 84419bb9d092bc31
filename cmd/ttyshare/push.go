package main

import (
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/PiranhaCodes/ttyshare/internal/config"
	"github.com/PiranhaCodes/ttyshare/internal/ipc"
)

var pushCmd = &cobra.Command{
	Use:   "push <socket-path>",
	Short: "Stream standard input into a shared session",
	Long: `Connects to a session started with "ttyshare fork" and copies standard
input into it unmodified until input ends.

Example:
  echo "make test" | ttyshare push /tmp/share.sock`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

func runPush(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	cmd.SilenceUsage = true

	path, err := config.ExpandPath(args[0])
	if err != nil {
		return err
	}

	n, err := ipc.Push(path, cmd.InOrStdin())
	if err != nil {
		return err
	}
	logger.WithField("path", path).Infof("Pushed %s", humanize.Bytes(uint64(n)))
	return nil
}
