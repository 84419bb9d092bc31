// Package ipc is the local channel clients use to inject input into the
// shared session: a Unix socket listener whose connections are raw,
// unframed byte streams flowing toward the PTY.
package ipc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// DefaultBacklog is the listen backlog used when none is configured.
const DefaultBacklog = 255

var (
	// ErrListen means the socket could not be created, bound or put into
	// listening state.
	ErrListen = errors.New("unable to create a server socket")
	// ErrAccept means accepting a connection failed for a reason other than
	// the client vanishing mid-handshake.
	ErrAccept = errors.New("unable to accept incoming connections")
)

var noopLogger = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

// Server owns the listening socket. It works on the raw descriptor so the
// session loop can poll it alongside the PTY.
type Server struct {
	socketPath string
	backlog    int
	logger     *logrus.Entry

	fd        int
	bound     bool
	closeOnce sync.Once
	closeErr  error
}

// NewServer creates a new server instance for socketPath. A backlog below 1
// uses DefaultBacklog and a nil logger discards output.
func NewServer(socketPath string, backlog int, logger *logrus.Logger) *Server {
	if backlog < 1 {
		backlog = DefaultBacklog
	}
	if logger == nil {
		logger = noopLogger
	}
	return &Server{
		socketPath: socketPath,
		backlog:    backlog,
		logger:     logger.WithField("path", socketPath),
		fd:         -1,
	}
}

// Path returns the socket's filesystem path.
func (s *Server) Path() string { return s.socketPath }

// Fd returns the listening descriptor, or -1 before Listen.
func (s *Server) Fd() int { return s.fd }

// Listen binds the socket path and starts listening. A path held by a live
// listener is an error; a stale socket file nobody accepts on is replaced.
func (s *Server) Listen() error {
	if err := s.clearStale(); err != nil {
		return err
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("%w: socket: %w", ErrListen, err)
	}
	unix.CloseOnExec(fd)

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: set nonblocking: %w", ErrListen, err)
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: s.socketPath}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("%w: bind %s: %w", ErrListen, s.socketPath, err)
	}
	s.bound = true

	if err := unix.Listen(fd, s.backlog); err != nil {
		unix.Close(fd)
		s.removePath()
		s.bound = false
		return fmt.Errorf("%w: listen %s: %w", ErrListen, s.socketPath, err)
	}

	s.fd = fd
	s.logger.WithField("fd", fd).Info("Server listening")
	return nil
}

func (s *Server) clearStale() error {
	info, err := os.Lstat(s.socketPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: stat %s: %w", ErrListen, s.socketPath, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s exists and is not a socket", ErrListen, s.socketPath)
	}

	conn, err := net.DialTimeout("unix", s.socketPath, time.Second)
	if err == nil {
		conn.Close()
		return fmt.Errorf("%w: %s is in use by another listener", ErrListen, s.socketPath)
	}
	if !errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: probe %s: %w", ErrListen, s.socketPath, err)
	}

	s.logger.Debug("Removing stale socket")
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: remove stale socket: %w", ErrListen, err)
	}
	return nil
}

// Accept takes one pending connection. ok is false when the client vanished
// before it could be accepted or nothing was pending; that is not an error.
// The returned descriptor is blocking and owned by the caller.
func (s *Server) Accept() (fd int, ok bool, err error) {
	for {
		nfd, _, err := unix.Accept(s.fd)
		if err == nil {
			unix.CloseOnExec(nfd)
			if err := unix.SetNonblock(nfd, false); err != nil {
				unix.Close(nfd)
				return -1, false, fmt.Errorf("%w: %w", ErrAccept, err)
			}
			s.logger.WithField("fd", nfd).Debug("Client connected")
			return nfd, true, nil
		}

		switch {
		case errors.Is(err, syscall.EINTR):
			continue
		case errors.Is(err, syscall.ECONNABORTED),
			errors.Is(err, syscall.EAGAIN),
			errors.Is(err, syscall.EWOULDBLOCK):
			s.logger.WithError(err).Debug("No connection to accept")
			return -1, false, nil
		default:
			return -1, false, fmt.Errorf("%w: %w", ErrAccept, err)
		}
	}
}

// Close closes the listening socket and removes the socket path if this
// server bound it. Only the first call does anything.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.fd >= 0 {
			if err := unix.Close(s.fd); err != nil {
				errs = append(errs, fmt.Errorf("close listener: %w", err))
			}
			s.fd = -1
		}
		if s.bound {
			if err := s.removePath(); err != nil {
				errs = append(errs, err)
			}
			s.bound = false
		}
		s.logger.Info("Server stopped")
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Server) removePath() error {
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.WithError(err).Warn("Failed to remove socket path")
		return fmt.Errorf("remove %s: %w", s.socketPath, err)
	}
	return nil
}
