package poll

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/freekieb7/flint/socket"
)

// Events is a readiness mask. The zero mask doubles as the failure
// event kind: a descriptor reported ready with neither Recv nor Send
// (error, hangup) comes back as a Failure event.
type Events uint8

const (
	Failure Events = 0
	Recv    Events = 1 << 0
	Send    Events = 1 << 1
)

// Event pairs a readiness report with the token its descriptor was
// registered under.
type Event[T any] struct {
	Events Events
	Token  T
}

var ErrFull = errors.New("poll: registration table is full")

// Loop is a fixed-capacity poll(2) dispatcher. Wait yields exactly one
// logical event per call: ready descriptors left over from the last
// blocking poll are drained first, via a cursor over the registration
// table, before the kernel is asked again. That keeps dispatch in the
// caller trivial and makes delivery fair across descriptors within one
// poll epoch.
type Loop[T any] struct {
	fds    []unix.PollFd
	tokens []T
	count  int
	cursor int
}

func NewLoop[T any](capacity int) *Loop[T] {
	return &Loop[T]{
		fds:    make([]unix.PollFd, capacity),
		tokens: make([]T, capacity),
	}
}

func (l *Loop[T]) Len() int {
	return l.count
}

func (l *Loop[T]) find(s *socket.Socket) int {
	fd := int32(s.FD())
	for i := 0; i < l.count; i++ {
		if l.fds[i].Fd == fd {
			return i
		}
	}
	return -1
}

func interest(mask Events) int16 {
	var out int16
	if mask&Recv != 0 {
		out |= unix.POLLIN
	}
	if mask&Send != 0 {
		out |= unix.POLLOUT
	}
	return out
}

// Add registers a socket with an initial interest mask and a token that
// comes back with every event for it.
func (l *Loop[T]) Add(s *socket.Socket, mask Events, token T) error {
	if l.count == len(l.fds) {
		return ErrFull
	}
	l.fds[l.count] = unix.PollFd{Fd: int32(s.FD()), Events: interest(mask)}
	l.tokens[l.count] = token
	l.count++
	return nil
}

// AddEvents widens the interest mask of a registered socket.
func (l *Loop[T]) AddEvents(s *socket.Socket, mask Events) {
	if i := l.find(s); i >= 0 {
		l.fds[i].Events |= interest(mask)
	}
}

// RemoveEvents narrows the interest mask of a registered socket.
func (l *Loop[T]) RemoveEvents(s *socket.Socket, mask Events) {
	if i := l.find(s); i >= 0 {
		l.fds[i].Events &^= interest(mask)
	}
}

// Remove unregisters a socket by swapping the last entry into its
// place. Pending readiness for the removed socket is gone with it.
func (l *Loop[T]) Remove(s *socket.Socket) bool {
	i := l.find(s)
	if i < 0 {
		return false
	}
	l.count--
	l.fds[i] = l.fds[l.count]
	l.tokens[i] = l.tokens[l.count]
	var zero T
	l.tokens[l.count] = zero
	if l.cursor > i {
		l.cursor--
	}
	return true
}

func (l *Loop[T]) skip() {
	for l.cursor < l.count && l.fds[l.cursor].Revents == 0 {
		l.cursor++
	}
}

// Wait blocks until a registered descriptor is ready and returns one
// event. A descriptor ready for both reading and writing yields Recv
// first and Send on the following call. Readiness with neither bit
// (POLLERR, POLLHUP, POLLNVAL) is reported as Failure with the whole
// mask cleared.
func (l *Loop[T]) Wait() (Event[T], error) {
	l.skip()
	for l.cursor == l.count {
		if _, err := unix.Poll(l.fds[:l.count], -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return Event[T]{}, fmt.Errorf("poll: wait: %w", err)
		}
		l.cursor = 0
		l.skip()
	}

	token := l.tokens[l.cursor]
	revents := &l.fds[l.cursor].Revents

	if *revents&unix.POLLIN != 0 {
		*revents &^= unix.POLLIN
		return Event[T]{Events: Recv, Token: token}, nil
	}
	if *revents&unix.POLLOUT != 0 {
		*revents &^= unix.POLLOUT
		return Event[T]{Events: Send, Token: token}, nil
	}

	*revents = 0
	return Event[T]{Events: Failure, Token: token}, nil
}
