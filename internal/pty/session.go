package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	ptylib "github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/term"
)

var (
	// ErrNotTerminal means the owning process is not attached to a real terminal.
	ErrNotTerminal = errors.New("the parent terminal is not a valid TTY")
	// ErrOpen means the pseudo-terminal could not be allocated, granted or unlocked.
	ErrOpen = errors.New("unable to allocate a new pseudo-terminal")
	// ErrSpawn means the shared program could not be started in a new session.
	ErrSpawn = errors.New("unable to execute the specified command")
	// ErrRawMode means a terminal could not be switched into raw mode.
	ErrRawMode = errors.New("unable to switch terminal into raw mode")
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Options configures Open. Nil terminals default to the process's stdin and
// stdout.
type Options struct {
	TermIn  *os.File
	TermOut *os.File
	Logger  *logrus.Logger
}

// Session represents the shared pseudo-terminal and the program running on it.
type Session struct {
	ID     string
	Master *os.File
	Cmd    *exec.Cmd

	masterFd  int
	slave     *os.File
	termIn    *os.File
	termOut   *os.File
	termState *term.State
	logger    *logrus.Entry

	mu        sync.Mutex
	done      chan struct{}
	exited    bool
	closeOnce sync.Once
	closeErr  error
}

// Open checks that the owning terminal is real and allocates a PTY pair.
// Nothing is spawned and no terminal mode is changed yet.
func Open(opts Options) (*Session, error) {
	in, out := opts.TermIn, opts.TermOut
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger
	}

	if !term.IsTerminal(int(in.Fd())) || !term.IsTerminal(int(out.Fd())) {
		return nil, ErrNotTerminal
	}

	master, slave, err := ptylib.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpen, err)
	}

	id := uuid.New().String()
	s := &Session{
		ID:       id,
		Master:   master,
		masterFd: int(master.Fd()),
		slave:    slave,
		termIn:   in,
		termOut:  out,
		logger:   logger.WithField("session", id),
		done:     make(chan struct{}),
	}
	s.logger.WithField("tty", slave.Name()).Debug("Allocated pseudo-terminal")
	return s, nil
}

// MasterFd returns the PTY master descriptor.
func (s *Session) MasterFd() int { return s.masterFd }

// TermInFd returns the owning terminal's input descriptor.
func (s *Session) TermInFd() int { return int(s.termIn.Fd()) }

// TermOutFd returns the owning terminal's output descriptor.
func (s *Session) TermOutFd() int { return int(s.termOut.Fd()) }

// TTYName returns the slave device path.
func (s *Session) TTYName() string {
	if s.slave == nil {
		return ""
	}
	return s.slave.Name()
}

// MakeRaw saves the owning terminal's mode and switches both the owning
// terminal and the PTY master into raw mode. Close restores the saved mode.
func (s *Session) MakeRaw() error {
	state, err := term.MakeRaw(s.TermInFd())
	if err != nil {
		return fmt.Errorf("%w: owning terminal: %w", ErrRawMode, err)
	}
	s.mu.Lock()
	s.termState = state
	s.mu.Unlock()

	if _, err := term.MakeRaw(s.masterFd); err != nil {
		return fmt.Errorf("%w: pty master: %w", ErrRawMode, err)
	}
	s.logger.Debug("Owning terminal and PTY master switched to raw mode")
	return nil
}

// Done is closed once the spawned program has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Exited reports whether the spawned program has exited.
func (s *Session) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}
