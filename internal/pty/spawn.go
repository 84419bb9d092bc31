package pty

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// Spawn starts argv on the slave side as the leader of a new session, with
// the slave as its controlling terminal and standard streams. The slave's
// line discipline is reset to interactive defaults first. The parent's slave
// handle is closed once the child is running.
func (s *Session) Spawn(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("%w: no program given", ErrSpawn)
	}
	if s.slave == nil {
		return fmt.Errorf("%w: session already spawned", ErrSpawn)
	}

	if err := setLineDiscipline(int(s.slave.Fd())); err != nil {
		return fmt.Errorf("%w: configure slave: %w", ErrSpawn, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()
	cmd.Stdin = s.slave
	cmd.Stdout = s.slave
	cmd.Stderr = s.slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
		Ctty:    0, // child's stdin
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSpawn, argv[0], err)
	}
	s.Cmd = cmd

	if err := s.slave.Close(); err != nil {
		s.logger.WithError(err).Warn("Failed to close parent slave handle")
	}
	s.slave = nil

	pid := cmd.Process.Pid
	s.logger.WithField("pid", pid).Infof("Spawned %s", argv[0])

	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		s.exited = true
		s.mu.Unlock()
		if err != nil {
			s.logger.WithField("pid", pid).WithError(err).Info("Program exited with error")
		} else {
			s.logger.WithField("pid", pid).Info("Program exited")
		}
		close(s.done)
	}()

	return nil
}

// setLineDiscipline applies standard interactive defaults: echo, canonical
// input, signal characters and output post-processing with NL->CRNL.
func setLineDiscipline(fd int) error {
	t, err := unix.IoctlGetTermios(fd, ioctlReadTermios)
	if err != nil {
		return err
	}

	t.Iflag |= unix.ICRNL | unix.IXON | unix.BRKINT
	t.Iflag &^= unix.INLCR | unix.IGNCR
	t.Oflag |= unix.OPOST | unix.ONLCR
	t.Lflag |= unix.ECHO | unix.ECHOE | unix.ECHOK | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag |= unix.CREAD | unix.CS8

	t.Cc[unix.VINTR] = 0x03  // ^C
	t.Cc[unix.VQUIT] = 0x1c  // ^\
	t.Cc[unix.VERASE] = 0x7f // DEL
	t.Cc[unix.VKILL] = 0x15  // ^U
	t.Cc[unix.VEOF] = 0x04   // ^D
	t.Cc[unix.VSUSP] = 0x1a  // ^Z
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, ioctlWriteTermios, t); err != nil {
		return fmt.Errorf("set termios: %w", err)
	}
	return nil
}
