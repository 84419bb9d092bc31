package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/PiranhaCodes/ttyshare/internal/config"
	"github.com/PiranhaCodes/ttyshare/internal/ipc"
	"github.com/PiranhaCodes/ttyshare/internal/pty"
	"github.com/PiranhaCodes/ttyshare/internal/share"
	"github.com/PiranhaCodes/ttyshare/internal/transcode"
)

var forkCmd = &cobra.Command{
	Use:   "fork <socket-path> [program [args...]]",
	Short: "Run a program on a shared PTY that local clients can type into",
	Long: `Runs a program on a new pseudo-terminal and renders its output on this
terminal. Local clients connect to <socket-path> (see "ttyshare push") and
everything they send is typed into the program, with line feeds turned into
carriage returns.

The session ends when the program exits, when the last connected client
disconnects, or on SIGINT/SIGTERM/SIGHUP. The socket path is removed and this
terminal's mode restored in every case.

Without a program, the configured shell (or /bin/bash, /bin/zsh, /bin/sh) runs.

Example:
  ttyshare fork /tmp/share.sock /bin/bash -l`,
	Args: cobra.MinimumNArgs(1),
	RunE: runFork,
}

var (
	forkBacklog    int
	forkBufferSize int
	forkNoStdin    bool
)

// shutdownSignals end the session through the normal teardown path.
// SIGKILL cannot be caught.
var shutdownSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGABRT,
	syscall.SIGSEGV,
	syscall.SIGILL,
}

var errProgramExited = errors.New("program exited")

func init() {
	forkCmd.Flags().IntVar(&forkBacklog, "backlog", 0, "Listen backlog (default from config, 255)")
	forkCmd.Flags().IntVar(&forkBufferSize, "buffer-size", 0, "Relay buffer size in bytes (default from config, 2048)")
	forkCmd.Flags().BoolVar(&forkNoStdin, "no-stdin", false, "Do not relay this terminal's keystrokes into the session")
	// everything after the socket path belongs to the program
	forkCmd.Flags().SetInterspersed(false)
}

func runFork(cmd *cobra.Command, args []string) error {
	cfg, found, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	applyForkFlags(cmd, cfg)

	logger, closeLog, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	if !found {
		logger.Debug("Config file not found, using defaults")
	}

	socketPath, err := config.ExpandPath(args[0])
	if err != nil {
		return err
	}

	argv := args[1:]
	if len(argv) == 0 {
		shell, err := pty.DetectShell(cfg.Shell)
		if err != nil {
			return err
		}
		argv = []string{shell}
	}

	ctx, cancel := context.WithCancelCause(cmd.Context())
	defer cancel(nil)
	ctx, stop := signal.NotifyContext(ctx, shutdownSignals...)
	defer stop()

	res := &share.Resources{Logger: logger}
	defer res.Close()

	// Listen before allocating anything so a taken path fails cleanly.
	srv := ipc.NewServer(socketPath, cfg.Backlog, logger)
	if err := srv.Listen(); err != nil {
		return err
	}
	res.Server = srv

	in, out := terminalFiles(cmd)
	sess, err := pty.Open(pty.Options{TermIn: in, TermOut: out, Logger: logger})
	if err != nil {
		return err
	}
	res.Session = sess

	if err := sess.Spawn(argv); err != nil {
		return err
	}
	go func() {
		select {
		case <-sess.Done():
			cancel(errProgramExited)
		case <-ctx.Done():
		}
	}()

	if err := sess.MakeRaw(); err != nil {
		return err
	}

	input := -1
	if cfg.RelayStdin {
		input = sess.TermInFd()
	}
	loop, err := share.NewLoop(share.Config{
		Master:     sess.MasterFd(),
		Output:     transcode.FD(sess.TermOutFd()),
		Input:      input,
		Listener:   srv,
		BufferSize: cfg.BufferSize,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	res.Loop = loop

	logger.WithFields(logrus.Fields{
		"session": sess.ID,
		"path":    socketPath,
		"program": argv[0],
	}).Info("Session started")

	return loop.Run(ctx)
}

func applyForkFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("backlog") {
		cfg.Backlog = forkBacklog
	}
	if cmd.Flags().Changed("buffer-size") {
		cfg.BufferSize = forkBufferSize
	}
	if forkNoStdin {
		cfg.RelayStdin = false
	}
}

// terminalFiles returns the owning terminal's streams, honoring cobra's
// SetIn/SetOut when they are files.
func terminalFiles(cmd *cobra.Command) (in, out *os.File) {
	in, out = os.Stdin, os.Stdout
	if f, ok := cmd.InOrStdin().(*os.File); ok {
		in = f
	}
	if f, ok := cmd.OutOrStdout().(*os.File); ok {
		out = f
	}
	return in, out
}
