package ipc

import (
	"fmt"
	"io"
	"net"
)

// Dial connects to the session socket at path.
func Dial(path string) (net.Conn, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to server socket: %w", err)
	}
	return conn, nil
}

// Push copies src to the session at path unmodified until src ends.
// Translation of line endings is the server's job.
func Push(path string, src io.Reader) (int64, error) {
	conn, err := Dial(path)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	n, err := io.Copy(conn, src)
	if err != nil {
		return n, fmt.Errorf("an IO transfer was abnormally aborted: %w", err)
	}
	return n, nil
}
