package drayio

import (
	"errors"
	"io"
)

// ErrLimit is returned by LimitReader when input exceeds the configured
// maximum size.
var ErrLimit = errors.New("input exceeds maximum size")

// LimitReader passes through up to Limit bytes, returning ErrLimit when more
// is read. For enforcing maximum message sizes.
type LimitReader struct {
	R     io.Reader
	Limit int64
}

func (r *LimitReader) Read(buf []byte) (int, error) {
	n, err := r.R.Read(buf)
	if n > 0 {
		r.Limit -= int64(n)
		if r.Limit < 0 {
			return 0, ErrLimit
		}
	}
	return n, err
}
