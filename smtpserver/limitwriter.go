package smtpserver

import (
	"errors"
	"io"
)

var errSizeLimit = errors.New("message exceeds maximum size")

// limitWriter passes data through to dst until the size limit is reached. It
// also notes whether any byte had the high bit set, the queue needs to know
// whether the 8BITMIME extension is required to pass the message on.
type limitWriter struct {
	max     int64
	dst     io.Writer
	count   int64
	has8bit bool
}

func (lw *limitWriter) Write(buf []byte) (int, error) {
	if lw.count+int64(len(buf)) > lw.max {
		return 0, errSizeLimit
	}
	if !lw.has8bit {
		for _, b := range buf {
			if b >= 0x80 {
				lw.has8bit = true
				break
			}
		}
	}
	n, err := lw.dst.Write(buf)
	lw.count += int64(n)
	return n, err
}
