package smtp

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestDataWrite(t *testing.T) {
	// errors.Is is false for a nil error, so messages that are wrongly
	// accepted fail these cases too.
	badSeqs := []struct {
		data string
		err  error
	}{
		{"unterminated", errMissingCRLF},
		{".", errMissingCRLF},
		{"cr \r alone\r\n", ErrCRLF},
		{"lf \n alone\r\n", ErrCRLF},
		{"\n.\nx\r\n", ErrCRLF},
		{"\r.\rx\r\n", ErrCRLF},
		{"\r\n.\rx\r\n", ErrCRLF},
		{"\r\n.\nx\r\n", ErrCRLF},
		{"\n.\rx\r\n", ErrCRLF},
		{"\n.\r\nx\r\n", ErrCRLF},
	}
	for _, seq := range badSeqs {
		if err := DataWrite(io.Discard, strings.NewReader(seq.data)); !errors.Is(err, seq.err) {
			t.Errorf("writing %q: got err %v, expected %v", seq.data, err, seq.err)
		}
	}

	golden := []struct {
		msg  string
		want string
	}{
		{"", ".\r\n"},
		{".\r\n", "..\r\n.\r\n"},
		{"x\r\n.y\r\n..z\r\n", "x\r\n..y\r\n...z\r\n.\r\n"},
		{"From: a@b\r\n\r\nbody text\r\n", "From: a@b\r\n\r\nbody text\r\n.\r\n"},
	}
	for _, g := range golden {
		var sb strings.Builder
		if err := DataWrite(&sb, strings.NewReader(g.msg)); err != nil {
			t.Fatalf("writing %q: %v", g.msg, err)
		}
		if got := sb.String(); got != g.want {
			t.Errorf("writing %q: got %q, expected %q", g.msg, got, g.want)
		}
	}
}

func TestDataReader(t *testing.T) {
	verify := func(data, want string, wantErr error) {
		t.Helper()

		// Copy with a large buffer and with a 1-byte buffer, exercising the
		// state carried between Read calls.
		for _, size := range []int{8 * 1024, 1} {
			var sb strings.Builder
			r := NewDataReader(bufio.NewReader(strings.NewReader(data)))
			if _, err := io.CopyBuffer(&sb, r, make([]byte, size)); err != nil {
				if wantErr == nil || !errors.Is(err, wantErr) {
					t.Fatalf("reading %q with %d-byte buffer: got err %v, expected %v", data, size, err, wantErr)
				}
			} else if got := sb.String(); got != want {
				t.Fatalf("reading %q with %d-byte buffer: got %q, expected %q", data, size, got, want)
			}
		}
	}

	verify("hello\r\n.\r\n", "hello\r\n", nil)
	verify(".\r\n", "", nil)
	verify(".stuffed\r\n.\r\n", "stuffed\r\n", nil) // Unneeded stuffing, valid in SMTP.
	verify("..stuffed\r\n.\r\n", ".stuffed\r\n", nil)
	verify("..a\nb.\n\r\n.\r\n", ".a\nb.\n\r\n", nil) // Bare newlines are allowed as data.
	verify("..a\nb\n", "", io.ErrUnexpectedEOF)       // Missing end-of-message.
	verify("data without end", "", io.ErrUnexpectedEOF)

	// A bare \r is rejected.
	verify("alone \r rejected\r\n.\r\n", "", ErrCRLF)
	verify("x:\r.\rrejected\r\n.\r\n", "", ErrCRLF)
	verify("x:\r.\nrejected\r\n.\r\n", "", ErrCRLF)

	// Bare newlines around a dot are rejected.
	verify("x:\n.\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("x:\n.\r\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("x:\r\n.\nrejected\r\n.\r\n", "", ErrCRLF)

	// Near-endings at the start of the message.
	verify(".\rrejected\r\n.\r\n", "", ErrCRLF)
	verify(".\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("\n.\rrejected\r\n.\r\n", "", ErrCRLF)
	verify("\r.\rrejected\r\n.\r\n", "", ErrCRLF)
	verify("\n.\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("\r.\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("\r.\r\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("\n.\r\nrejected\r\n.\r\n", "", ErrCRLF)
	verify("\r\n.\rrejected\r\n.\r\n", "", ErrCRLF)
	verify("\r\n.\nrejected\r\n.\r\n", "", ErrCRLF)

	// Lines longer than the bufio buffer are passed through in chunks.
	long := strings.Repeat("z", 2*4096+17) + "\r\n"
	verify(long+".\r\n", long, nil)
}

// A crlf split across two bufio chunks must not be seen as a bare cr, and a
// cr at the end of a chunk followed by anything else must.
func TestDataReaderChunkBoundary(t *testing.T) {
	verify := func(data, want string, wantErr error) {
		t.Helper()
		var sb strings.Builder
		// Minimum bufio size, lines longer than 16 bytes come in multiple chunks.
		r := NewDataReader(bufio.NewReaderSize(strings.NewReader(data), 16))
		if _, err := io.Copy(&sb, r); err != nil {
			if wantErr == nil || !errors.Is(err, wantErr) {
				t.Fatalf("reading %q: got err %v, expected %v", data, err, wantErr)
			}
		} else if got := sb.String(); got != want {
			t.Fatalf("got %q, expected %q, for %q", got, want, data)
		}
	}

	// 15 bytes and \r fill the first chunk exactly, the \n starts the next.
	verify("aaaaaaaaaaaaaaa\r\nb\r\n.\r\n", "aaaaaaaaaaaaaaa\r\nb\r\n", nil)
	// Same split, but no \n after the chunk-final \r.
	verify("aaaaaaaaaaaaaaa\rb\r\n.\r\n", "", ErrCRLF)
}

// Line state must carry across chunks when the source hands out single bytes.
func TestDataWriteByteReads(t *testing.T) {
	const msg = "Subject: chunked\r\n\r\nfed one byte at a time\r\n"
	var sb strings.Builder
	if err := DataWrite(&sb, &dripReader{[]byte(msg)}); err != nil {
		t.Fatalf("data write: %v", err)
	}
	if got, want := sb.String(), msg+".\r\n"; got != want {
		t.Fatalf("got %q, expected %q", got, want)
	}
}

// dripReader hands out its data one byte at a time.
type dripReader struct {
	s []byte
}

func (r *dripReader) Read(p []byte) (int, error) {
	if len(r.s) == 0 {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	p[0] = r.s[0]
	r.s = r.s[1:]
	return 1, nil
}
