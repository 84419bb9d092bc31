package pty

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"
)

// Close releases the session: it closes the PTY master, restores the owning
// terminal's saved mode and hangs up the program if it is still running.
// Only the first call does anything; later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cleanup()
	})
	return s.closeErr
}

func (s *Session) cleanup() error {
	s.logger.Debug("Cleaning up session")

	var errs []error

	if s.Master != nil {
		if err := s.Master.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty master: %w", err))
		}
	}

	if s.slave != nil {
		if err := s.slave.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, fmt.Errorf("close pty slave: %w", err))
		}
		s.slave = nil
	}

	s.mu.Lock()
	state := s.termState
	s.termState = nil
	exited := s.exited
	s.mu.Unlock()

	if state != nil {
		if err := term.Restore(s.TermInFd(), state); err != nil {
			errs = append(errs, fmt.Errorf("restore terminal: %w", err))
		}
	}

	if s.Cmd != nil && s.Cmd.Process != nil && !exited {
		if err := s.Cmd.Process.Signal(syscall.SIGHUP); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.WithError(err).WithField("pid", s.Cmd.Process.Pid).Warn("Failed to send SIGHUP to program")
		}
	}

	s.logger.Debug("Session cleaned up")
	return errors.Join(errs...)
}
