// Package transcode implements the two newline transforms applied when bytes
// are relayed between the PTY, the owning terminal and client connections.
package transcode

import (
	"bytes"
	"errors"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

// Mode selects one of the two transforms.
type Mode int

const (
	// CRLF follows every line feed with a carriage return. Used for PTY output
	// bound to the raw-mode owning terminal.
	CRLF Mode = iota
	// CR replaces every line feed with a carriage return. Used for input
	// bound to the PTY master.
	CR
)

func (m Mode) String() string {
	switch m {
	case CRLF:
		return "lf-crlf"
	case CR:
		return "lf-cr"
	default:
		return "unknown"
	}
}

var crByte = []byte{'\r'}

// Write transforms buf with mode and writes the result to w.
// In CR mode buf is rewritten in place.
func Write(w io.Writer, mode Mode, buf []byte) error {
	switch mode {
	case CRLF:
		for len(buf) > 0 {
			i := bytes.IndexByte(buf, '\n')
			if i < 0 {
				return writeFull(w, buf)
			}
			if err := writeFull(w, buf[:i+1]); err != nil {
				return err
			}
			if err := writeFull(w, crByte); err != nil {
				return err
			}
			buf = buf[i+1:]
		}
		return nil
	case CR:
		return writeFull(w, lfToCR(buf))
	default:
		return errors.New("transcode: unknown mode")
	}
}

// lfToCR rewrites every line feed in buf as a carriage return, in place.
func lfToCR(buf []byte) []byte {
	for i, b := range buf {
		if b == '\n' {
			buf[i] = '\r'
		}
	}
	return buf
}

func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// FD writes straight to a raw descriptor, retrying EINTR.
type FD int

func (fd FD) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		n, err := unix.Write(int(fd), p[written:])
		if n > 0 {
			written += n
		}
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return written, err
		}
		if n == 0 {
			return written, io.ErrShortWrite
		}
	}
	return written, nil
}

// Writer adapts a Mode to io.Writer. Unlike Write it never modifies the
// caller's slice.
type Writer struct {
	W    io.Writer
	Mode Mode
}

func (tw *Writer) Write(p []byte) (int, error) {
	buf := p
	if tw.Mode == CR {
		buf = bytes.Clone(p)
	}
	if err := Write(tw.W, tw.Mode, buf); err != nil {
		return 0, err
	}
	return len(p), nil
}
