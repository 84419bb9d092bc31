// Package share runs the shared session: a single-threaded readiness loop
// that relays PTY output to the owning terminal and every client's input
// into the PTY.
package share

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/PiranhaCodes/ttyshare/internal/transcode"
	"github.com/PiranhaCodes/ttyshare/internal/watch"
)

// DefaultBufferSize is the per-read relay buffer used when none is configured.
const DefaultBufferSize = 2048

var (
	// ErrServerLost means the listening socket reported an error condition.
	ErrServerLost = errors.New("server connection lost")
	// ErrTerminalLost means the PTY master reported an error condition.
	ErrTerminalLost = errors.New("terminal connection lost")
	// ErrIO means relaying bytes to the PTY or the owning terminal failed.
	ErrIO = errors.New("an IO transfer was abnormally aborted")
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Listener is the connection factory the loop polls and accepts from.
type Listener interface {
	Fd() int
	Accept() (fd int, ok bool, err error)
}

// Config wires the loop to its endpoints.
type Config struct {
	Master     int       // PTY master descriptor
	Output     io.Writer // owning terminal output
	Input      int       // owning terminal input; negative disables relaying it
	Listener   Listener
	BufferSize int
	Logger     *logrus.Logger
}

// Stats counts what the loop relayed.
type Stats struct {
	Accepted int    // clients accepted over the session lifetime
	Clients  int    // clients currently connected
	BytesIn  uint64 // bytes written into the PTY
	BytesOut uint64 // bytes read from the PTY
}

// Loop is the session loop. It is not safe for concurrent use except for
// the context passed to Run.
type Loop struct {
	master   int
	input    int
	output   io.Writer
	listener Listener
	logger   *logrus.Logger

	set   *watch.Set
	buf   []byte
	stats Stats

	mu           sync.Mutex // guards wakeW and closed against the ctx watcher
	wakeR, wakeW int
	closed       bool
}

// NewLoop prepares a loop watching the PTY master, the listener and, when
// configured, the owning terminal's input.
func NewLoop(cfg Config) (*Loop, error) {
	if cfg.Listener == nil || cfg.Output == nil {
		return nil, errors.New("share: listener and output are required")
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger
	}

	p := make([]int, 2)
	if err := unix.Pipe(p); err != nil {
		return nil, fmt.Errorf("share: wake pipe: %w", err)
	}
	unix.CloseOnExec(p[0])
	unix.CloseOnExec(p[1])

	l := &Loop{
		master:   cfg.Master,
		input:    cfg.Input,
		output:   cfg.Output,
		listener: cfg.Listener,
		logger:   logger,
		set:      watch.New(8),
		buf:      make([]byte, size),
		wakeR:    p[0],
		wakeW:    p[1],
	}

	l.set.Add(l.master)
	l.set.Add(l.listener.Fd())
	l.set.Add(l.wakeR)
	if l.input >= 0 {
		l.set.Add(l.input)
	}
	return l, nil
}

// Stats returns the relay counters.
func (l *Loop) Stats() Stats { return l.stats }

// Run multiplexes until the last client disconnects (nil), the program side
// of the PTY hangs up (nil), ctx is done (nil), or a fatal condition occurs.
func (l *Loop) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, l.wake)
	defer stop()

	listenFd := l.listener.Fd()

	for {
		if _, err := l.set.Poll(); err != nil {
			return err
		}

		if l.set.Errored(listenFd) {
			return ErrServerLost
		}
		if l.set.Errored(l.master) {
			return ErrTerminalLost
		}

		// PTY output always goes out first.
		if l.set.Readable(l.master) {
			gone, err := l.relayOutput()
			if err != nil {
				return err
			}
			if gone {
				l.logger.Info("Program side of the PTY hung up, session complete")
				return nil
			}
		}
		l.set.Unflag(l.master)

		if l.set.Readable(l.wakeR) {
			l.logger.WithField("cause", context.Cause(ctx)).Debug("Session loop stopping")
			return nil
		}

		if l.set.Readable(listenFd) {
			if err := l.accept(); err != nil {
				return err
			}
		}
		l.set.Unflag(listenFd)

		for _, fd := range l.set.Ready() {
			if fd == l.input {
				if err := l.serviceInput(); err != nil {
					return err
				}
				continue
			}
			done, err := l.serviceClient(fd)
			if err != nil {
				return err
			}
			if done {
				l.logger.Info("Last client disconnected, session complete")
				return nil
			}
		}
	}
}

// relayOutput copies one read of PTY output to the owning terminal. gone
// reports that the slave side hung up and nothing more can be read.
func (l *Loop) relayOutput() (gone bool, err error) {
	hungUp := l.set.HungUp(l.master)
	n, err := readRetry(l.master, l.buf)
	if err != nil {
		if hungUp {
			return true, nil
		}
		// Programs can leave the slave in states that make master reads fail
		// spuriously; these are harmless.
		l.logger.WithError(err).Debug("Ignoring PTY read failure")
		return false, nil
	}
	if n == 0 {
		return hungUp, nil
	}
	l.stats.BytesOut += uint64(n)
	if err := transcode.Write(l.output, transcode.CRLF, l.buf[:n]); err != nil {
		return false, fmt.Errorf("%w: write to terminal: %w", ErrIO, err)
	}
	return false, nil
}

func (l *Loop) accept() error {
	fd, ok, err := l.listener.Accept()
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	l.set.Add(fd)
	l.stats.Accepted++
	l.stats.Clients++
	l.logger.WithFields(logrus.Fields{"fd": fd, "clients": l.stats.Clients}).Info("Client connected")
	return nil
}

// serviceClient handles one flagged client. done reports that the last
// client has gone.
func (l *Loop) serviceClient(fd int) (done bool, err error) {
	if l.set.Errored(fd) {
		return l.retire(fd, "error"), nil
	}
	if !l.set.Readable(fd) {
		return false, nil
	}
	l.set.Unflag(fd)

	n, err := readRetry(fd, l.buf)
	if err != nil {
		l.logger.WithError(err).WithField("fd", fd).Debug("Client read failed")
		return l.retire(fd, "read error"), nil
	}
	if n == 0 {
		return l.retire(fd, "eof"), nil
	}
	return false, l.relayInput(l.buf[:n])
}

// serviceInput handles the owning terminal's input. It never ends the
// session; end-of-stream only stops watching it.
func (l *Loop) serviceInput() error {
	fd := l.input
	if l.set.Errored(fd) {
		l.stopInput("error")
		return nil
	}
	if !l.set.Readable(fd) {
		return nil
	}
	l.set.Unflag(fd)

	n, err := readRetry(fd, l.buf)
	if err != nil {
		l.logger.WithError(err).Debug("Terminal input read failed")
		l.stopInput("read error")
		return nil
	}
	if n == 0 {
		l.stopInput("eof")
		return nil
	}
	return l.relayInput(l.buf[:n])
}

func (l *Loop) relayInput(data []byte) error {
	if err := transcode.Write(transcode.FD(l.master), transcode.CR, data); err != nil {
		return fmt.Errorf("%w: write to pty: %w", ErrIO, err)
	}
	l.stats.BytesIn += uint64(len(data))
	return nil
}

func (l *Loop) retire(fd int, reason string) bool {
	l.set.Remove(fd)
	if err := unix.Close(fd); err != nil {
		l.logger.WithError(err).WithField("fd", fd).Debug("Close client failed")
	}
	l.stats.Clients--
	l.logger.WithFields(logrus.Fields{"fd": fd, "reason": reason, "clients": l.stats.Clients}).Info("Client disconnected")
	return l.stats.Clients == 0
}

func (l *Loop) stopInput(reason string) {
	l.set.Remove(l.input)
	l.logger.WithField("reason", reason).Debug("Stopped relaying terminal input")
	l.input = -1
}

func (l *Loop) wake() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	for {
		_, err := unix.Write(l.wakeW, []byte{0})
		if !errors.Is(err, syscall.EINTR) {
			return
		}
	}
}

// Close closes every client still connected and the loop's wake pipe.
// The PTY, terminal and listener belong to their owners. Later calls are
// no-ops.
func (l *Loop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	for _, fd := range l.set.Fds() {
		if fd == l.master || fd == l.listener.Fd() || fd == l.input || fd == l.wakeR {
			continue
		}
		unix.Close(fd)
		l.set.Remove(fd)
	}
	l.stats.Clients = 0
	return errors.Join(unix.Close(l.wakeR), unix.Close(l.wakeW))
}

func readRetry(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, syscall.EINTR) {
			return 0, err
		}
	}
}
