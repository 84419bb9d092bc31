// Package watch tracks a dynamic set of open descriptors and reports, via a
// blocking poll, which of them are readable or have errored.
package watch

import (
	"errors"
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrPoll is returned when the underlying wait primitive fails for any reason
// other than signal interruption.
var ErrPoll = errors.New("readiness poll failed")

// Flags describes the readiness of a descriptor after the last Poll.
type Flags uint8

const (
	Readable Flags = 1 << iota
	Errored
	// HungUp marks a peer hangup. A hung-up descriptor is also Readable.
	HungUp
)

// Set is the watched set. It is not safe for concurrent use; the session
// loop is its only user.
type Set struct {
	fds   []int
	slot  map[int]int // fd -> index in fds
	flags map[int]Flags
	max   int

	pollFds []unix.PollFd
}

// New returns an empty set with room for capacity descriptors.
func New(capacity int) *Set {
	if capacity < 1 {
		capacity = 1
	}
	return &Set{
		fds:     make([]int, 0, capacity),
		slot:    make(map[int]int, capacity),
		flags:   make(map[int]Flags, capacity),
		max:     -1,
		pollFds: make([]unix.PollFd, 0, capacity),
	}
}

// Add registers fd for monitoring and clears any stale readiness for it.
// Adding a descriptor that is already watched only clears its flags.
func (s *Set) Add(fd int) {
	delete(s.flags, fd)
	if _, ok := s.slot[fd]; ok {
		return
	}
	s.slot[fd] = len(s.fds)
	s.fds = append(s.fds, fd)
	if fd > s.max {
		s.max = fd
	}
}

// Remove deregisters fd. The last member is moved into the freed slot.
// It reports whether fd was a member.
func (s *Set) Remove(fd int) bool {
	i, ok := s.slot[fd]
	if !ok {
		return false
	}
	last := len(s.fds) - 1
	if i != last {
		moved := s.fds[last]
		s.fds[i] = moved
		s.slot[moved] = i
	}
	s.fds = s.fds[:last]
	delete(s.slot, fd)
	delete(s.flags, fd)

	if fd == s.max {
		s.max = -1
		for _, f := range s.fds {
			if f > s.max {
				s.max = f
			}
		}
	}
	return true
}

// Contains reports whether fd is watched.
func (s *Set) Contains(fd int) bool {
	_, ok := s.slot[fd]
	return ok
}

// Len returns the number of watched descriptors.
func (s *Set) Len() int { return len(s.fds) }

// Max returns the highest watched descriptor, or -1 when the set is empty.
func (s *Set) Max() int { return s.max }

// Fds returns a copy of the current membership in slot order.
func (s *Set) Fds() []int {
	out := make([]int, len(s.fds))
	copy(out, s.fds)
	return out
}

// Poll blocks until at least one watched descriptor is readable or errored.
// Interest is rebuilt from the current membership on every call, and
// EINTR is retried. It returns the number of flagged descriptors.
func (s *Set) Poll() (int, error) {
	return s.poll(-1)
}

func (s *Set) poll(timeoutMs int) (int, error) {
	clear(s.flags)

	s.pollFds = s.pollFds[:0]
	for _, fd := range s.fds {
		s.pollFds = append(s.pollFds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	for {
		_, err := unix.Poll(s.pollFds, timeoutMs)
		if err == nil {
			break
		}
		if errors.Is(err, syscall.EINTR) {
			continue
		}
		return 0, fmt.Errorf("%w: %w", ErrPoll, err)
	}

	count := 0
	for _, p := range s.pollFds {
		var f Flags
		// POLLHUP alone still means a read will report end-of-stream.
		if p.Revents&(unix.POLLIN|unix.POLLHUP) != 0 {
			f |= Readable
		}
		if p.Revents&unix.POLLHUP != 0 {
			f |= HungUp
		}
		if p.Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			f |= Errored
		}
		if f != 0 {
			s.flags[int(p.Fd)] = f
			count++
		}
	}
	return count, nil
}

// Readable reports whether fd was flagged readable by the last Poll.
func (s *Set) Readable(fd int) bool { return s.flags[fd]&Readable != 0 }

// Errored reports whether fd was flagged errored by the last Poll.
func (s *Set) Errored(fd int) bool { return s.flags[fd]&Errored != 0 }

// HungUp reports whether fd's peer hung up as of the last Poll.
func (s *Set) HungUp(fd int) bool { return s.flags[fd]&HungUp != 0 }

// Unflag clears the readiness flags of fd until the next Poll.
func (s *Set) Unflag(fd int) { delete(s.flags, fd) }

// Ready returns the flagged members in slot order. The result is a
// snapshot, so callers may Remove members while iterating it.
func (s *Set) Ready() []int {
	out := make([]int, 0, len(s.flags))
	for _, fd := range s.fds {
		if s.flags[fd] != 0 {
			out = append(out, fd)
		}
	}
	return out
}
