// Package pty owns the shared session's pseudo-terminal: it allocates the
// master/slave pair, spawns the shared program as a session leader on the
// slave, switches the owning terminal and the master into raw mode, and
// restores everything on Close.
package pty
