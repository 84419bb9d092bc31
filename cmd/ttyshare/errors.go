package main

import (
	"errors"

	"github.com/PiranhaCodes/ttyshare/internal/ipc"
	"github.com/PiranhaCodes/ttyshare/internal/pty"
)

// hints add a next step to the diagnostics users hit most often.
var hints = []struct {
	err  error
	hint string
}{
	{pty.ErrNotTerminal, "run ttyshare fork from an interactive terminal"},
	{ipc.ErrListen, "pick another socket path or stop the session using it"},
	{pty.ErrOpen, "check permissions and available PTY devices"},
}

// FormatUserError renders err as the one-line diagnostic printed before exit.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	for _, h := range hints {
		if errors.Is(err, h.err) {
			return msg + " (" + h.hint + ")"
		}
	}
	return msg
}
