package smtp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

var ErrCRLF = errors.New("message contains bare cr or lf, needs crlf line endings")

var errMissingCRLF = errors.New("message must end with crlf")

// DataWrite reads a mail message from r and writes it to SMTP connection w
// with dot stuffing, for use with the DATA command.
//
// Messages with a bare carriage return or bare newline result in an error.
func DataWrite(w io.Writer, r io.Reader) error {
	var prev, last byte = '\r', '\n' // As if a line ending was just written, so a leading dot gets stuffed too.
	// todo: at least for submission, the 1000 octet line length limit from RFC 5321 should probably be enforced here.
	buf := make([]byte, 8*1024)
	for {
		n, err := r.Read(buf)
		p := buf[:n]
		for len(p) > 0 {
			// A dot following a line ending gets an extra dot before it.
			if p[0] == '.' && prev == '\r' && last == '\n' {
				if _, err := w.Write(dotCRLF[:1]); err != nil {
					return err
				}
			}
			// Take one line, or whatever of the chunk is left without newline.
			line := p
			nl := bytes.IndexByte(p, '\n')
			if nl >= 0 {
				line = p[:nl+1]
				// The newline must complete a crlf, without a bare carriage
				// return earlier on the line.
				if cr := bytes.IndexByte(line, '\r'); cr < 0 {
					if nl > 0 || last != '\r' {
						return ErrCRLF
					}
				} else if cr != nl-1 {
					return ErrCRLF
				}
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
			if len(line) == 1 {
				prev, last = last, line[0]
			} else {
				prev, last = line[len(line)-2], line[len(line)-1]
			}
			p = p[len(line):]
		}
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
	}
	if prev != '\r' || last != '\n' {
		return errMissingCRLF
	}
	_, err := w.Write(dotCRLF)
	return err
}

var dotCRLF = []byte(".\r\n")

// DataReader is an io.Reader for the data of an SMTP DATA command: it undoes
// dot stuffing and returns io.EOF at the line with the bare ending dot. Use
// NewDataReader.
//
// A bare carriage return, and the sequences "[^\r]\n." and "\n.\n", result in
// an error.
type DataReader struct {
	r          *bufio.Reader
	prev, last byte
	buf        []byte // Remainder from the previous ReadSlice.
	err        error  // Read error, returned once buf is drained.

	// Invalid CR/LF combinations are noted here while we keep reading, the
	// error is only returned at the closing "\r\n.\r\n". Failing earlier
	// would leave the SMTP connection out of sync with the client.
	badCRLF bool
}

// NewDataReader returns a DataReader in its initial state, as if a line just
// ended, so a message of only ".\r\n" is accepted.
func NewDataReader(r *bufio.Reader) *DataReader {
	return &DataReader{r: r, prev: '\r', last: '\n'}
}

// fill reads the next chunk, up to and including a newline when one fits in
// the bufio buffer.
func (r *DataReader) fill() {
	buf, err := r.r.ReadSlice('\n')
	switch err {
	case bufio.ErrBufferFull:
		err = nil
	case io.EOF:
		// EOF before the ending dot line is an error. Restored to a regular
		// io.EOF when the ending line does come.
		err = io.ErrUnexpectedEOF
	}
	r.buf, r.err = buf, err
}

// Read implements io.Reader, with dot stuffing undone.
func (r *DataReader) Read(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		if len(r.buf) == 0 && r.err == nil {
			r.fill()
		}
		if len(r.buf) == 0 {
			break
		}

		// Note bare \r. A crlf can straddle chunks, a final \r is judged
		// against the first byte of the next chunk.
		pc := r.last
		for _, c := range r.buf {
			if pc == '\r' && c != '\n' {
				r.badCRLF = true
			}
			pc = c
		}

		// The transaction must end with crlf. Bare newlines are accepted as
		// message data, except around a bare dot: such messages occur in the
		// real world, and missing carriage returns are added on receipt.
		if r.prev == '\r' && r.last == '\n' {
			if bytes.Equal(r.buf, dotCRLF) {
				// The ending line. Bad line endings seen on the way only fail
				// the transaction now, with the protocol still in sync.
				end := io.EOF
				if r.badCRLF {
					end = ErrCRLF
				}
				r.buf, r.err = nil, end
				break
			}
			if r.buf[0] == '.' {
				// Undo dot stuffing, rejecting "\r\n.\n".
				if len(r.buf) > 1 && r.buf[1] == '\n' {
					r.badCRLF = true
				}
				r.buf = r.buf[1:]
			}
		} else if r.last == '\n' && r.buf[0] == '.' {
			// A dot on a line after a bare newline. Reject "[^\r]\n.\n" and
			// "[^\r]\n.\r\n".
			if rest := r.buf[1:]; bytes.HasPrefix(rest, []byte("\n")) || bytes.HasPrefix(rest, []byte("\r\n")) {
				r.badCRLF = true
			}
		}

		n := copy(p, r.buf)
		if n > 0 {
			r.prev, r.last = r.last, r.buf[n-1]
			if n > 1 {
				r.prev = r.buf[n-2]
			}
		}
		p, r.buf = p[n:], r.buf[n:]
		total += n
	}
	return total, r.err
}
