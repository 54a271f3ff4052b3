package buffer

import (
	"bytes"
	"io"
	"math"

	"github.com/freekieb7/flint/socket"
)

const (
	growMin   = 256
	minIngest = 256

	headTerminator = "\r\n\r\n"
)

var headTerminatorBytes = []byte(headTerminator)

// Buffer is a growable byte region that knows how to move bytes to and
// from a non-blocking socket. Failure is sticky: after an I/O error or a
// bad overwrite, every mutating call is a no-op and the owner is
// expected to discard the buffer.
//
// The zero value is an empty, usable buffer.
type Buffer struct {
	data   []byte
	used   int
	failed bool

	// Position+1 of "\r\n\r\n" in the live region; 0 when unknown.
	// Mutations that move or drop live bytes reset it. Appends don't
	// need to: a memoized hit stays valid (live bytes never move on
	// append) and a stale "unknown" just makes the next Seek re-scan.
	seekMemo int
}

func (b *Buffer) Len() int {
	return b.used
}

func (b *Buffer) Failed() bool {
	return b.failed
}

// Bytes is a view of the live region, valid until the next mutation.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.used]
}

func (b *Buffer) grow(min int) {
	if b.used+min <= len(b.data) {
		return
	}
	size := 2 * len(b.data)
	if size < growMin {
		size = growMin
	}
	for size < b.used+min {
		size *= 2
	}
	next := make([]byte, size)
	copy(next, b.data[:b.used])
	b.data = next
}

// Append copies p onto the end of the live region.
func (b *Buffer) Append(p []byte) {
	if b.failed {
		return
	}
	if b.used > math.MaxInt-len(p) {
		b.failed = true
		return
	}
	b.grow(len(p))
	copy(b.data[b.used:], p)
	b.used += len(p)
}

// AppendString is Append for string data, without an intermediate copy.
func (b *Buffer) AppendString(s string) {
	if b.failed {
		return
	}
	if b.used > math.MaxInt-len(s) {
		b.failed = true
		return
	}
	b.grow(len(s))
	copy(b.data[b.used:], s)
	b.used += len(s)
}

// Overwrite patches len(p) bytes in place at off. The patched range
// must already be live; anything else marks the buffer failed.
func (b *Buffer) Overwrite(off int, p []byte) {
	if b.failed {
		return
	}
	if off < 0 || off+len(p) > b.used {
		b.failed = true
		return
	}
	copy(b.data[off:], p)
}

// ReadOut moves up to len(dst) bytes from the head of the buffer into
// dst and returns how many were moved. The remainder shifts to the
// front.
func (b *Buffer) ReadOut(dst []byte) int {
	if b.failed {
		return 0
	}
	b.seekMemo = 0
	n := copy(dst, b.data[:b.used])
	copy(b.data, b.data[n:b.used])
	b.used -= n
	return n
}

// Fill pulls everything currently readable from the socket, growing as
// needed so every read has headroom. It returns true when the peer has
// closed its end. I/O errors mark the buffer failed.
func (b *Buffer) Fill(s *socket.Socket) (closed bool) {
	if b.failed {
		return false
	}
	for {
		b.grow(minIngest)
		n, err := s.Read(b.data[b.used:])
		if err == socket.ErrWouldBlock {
			return false
		}
		if err == io.EOF {
			return true
		}
		if err != nil {
			b.failed = true
			return false
		}
		if b.used > math.MaxInt-n {
			b.failed = true
			return false
		}
		b.used += n
	}
}

// Drain pushes live bytes into the socket until it would block or the
// buffer is empty, then shifts what is left to the front. Returns the
// number of bytes written. Write errors mark the buffer failed.
func (b *Buffer) Drain(s *socket.Socket) int {
	if b.failed {
		return 0
	}
	copied := 0
	for copied < b.used {
		n, err := s.Write(b.data[copied:b.used])
		if err == socket.ErrWouldBlock {
			break
		}
		if err != nil || n == 0 {
			b.failed = true
			return 0
		}
		copied += n
	}
	b.seekMemo = 0
	copy(b.data, b.data[copied:b.used])
	b.used -= copied
	return copied
}

// Seek returns the index of the first occurrence of needle in the live
// region, or -1. Lookups of the request-head terminator are memoized.
func (b *Buffer) Seek(needle string) int {
	isTerminator := needle == headTerminator
	if isTerminator {
		if b.seekMemo > 0 {
			return b.seekMemo - 1
		}
		i := bytes.Index(b.data[:b.used], headTerminatorBytes)
		if i >= 0 {
			b.seekMemo = i + 1
		}
		return i
	}
	return bytes.Index(b.data[:b.used], []byte(needle))
}

func (b *Buffer) Contains(needle string) bool {
	return b.Seek(needle) >= 0
}

// Consume drops the first n live bytes. n must not exceed Len.
func (b *Buffer) Consume(n int) {
	if b.failed {
		return
	}
	if n > b.used {
		panic("buffer: consume past end of live region")
	}
	copy(b.data, b.data[n:b.used])
	b.used -= n
	b.seekMemo = 0
}

// Slice is a view of the live bytes in [off, end). Out-of-range
// requests yield an empty slice rather than failing. The view is valid
// until the next mutation of the buffer.
func (b *Buffer) Slice(off, end int) []byte {
	if off < 0 || end < off || end > b.used {
		return nil
	}
	return b.data[off:end]
}

// SliceUntil is a view from the head up to the first occurrence of
// token, optionally including the token itself. Empty when the token
// is absent.
func (b *Buffer) SliceUntil(token string, includeToken bool) []byte {
	end := b.Seek(token)
	if end < 0 {
		return nil
	}
	if includeToken {
		end += len(token)
	}
	return b.data[:end]
}
