// Package drayio has common i/o functions.
package drayio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/draymta/dray/mlog"
)

// ErrLineTooLong is returned by Bufpool.Readline for lines longer than the
// buffer size.
var ErrLineTooLong = errors.New("line from remote too long")

// Bufpool caches byte slices, for reuse while reading line-terminated
// protocol commands.
type Bufpool struct {
	free chan []byte
	size int
}

// NewBufpool makes a pool, initially empty, holding at most max buffers of
// size bytes each.
func NewBufpool(max, size int) *Bufpool {
	return &Bufpool{free: make(chan []byte, max), size: size}
}

func (b *Bufpool) get() []byte {
	select {
	case buf := <-b.free:
		return buf
	default:
	}
	return make([]byte, b.size)
}

// put returns buf to the pool, clearing the first n bytes, those read into
// the buffer. If the pool is full, the buffer is left for the garbage
// collector.
func (b *Bufpool) put(log mlog.Log, buf []byte, n int) {
	if len(buf) != b.size {
		log.Error("dropping buffer with unexpected size", slog.Int("got", len(buf)), slog.Int("expect", b.size))
		return
	}
	clear(buf[:n])
	select {
	case b.free <- buf:
	default:
	}
}

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. Returns ErrLineTooLong if no newline was seen before the buffer
// filled up: we cannot resynchronize the protocol after that, callers should
// abort the connection. An EOF before any newline returns
// io.ErrUnexpectedEOF.
func (b *Bufpool) Readline(log mlog.Log, r *bufio.Reader) (line string, rerr error) {
	buf := b.get()
	n := 0
	defer func() {
		b.put(log, buf, n)
	}()

	for n < len(buf) {
		c, err := r.ReadByte()
		if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if err != nil {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
		if c != '\n' {
			buf[n] = c
			n++
			continue
		}
		end := n
		if n > 0 && buf[n-1] == '\r' {
			end--
		}
		n++
		return string(buf[:end]), nil
	}
	return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, n)
}
