package drayio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/draymta/dray/mlog"
)

type errReader struct {
	err error
}

func (r errReader) Read(buf []byte) (int, error) {
	return 0, r.err
}

func TestBufpool(t *testing.T) {
	log := mlog.New("drayio", nil)
	bp := NewBufpool(1, 8)

	a := bp.get()
	b := bp.get()
	for i := range a {
		a[i] = 1
	}
	bp.put(log, a, len(a)) // Stored, pool has room for one.
	bp.put(log, b, 0)      // Discarded.
	na := bp.get()
	if fmt.Sprintf("%p", a) != fmt.Sprintf("%p", na) {
		t.Fatalf("got new buf %p, expected reuse of %p", na, a)
	}
	for _, c := range na {
		if c != 0 {
			t.Fatalf("reused buf not cleared")
		}
	}

	if line, err := bp.Readline(log, bufio.NewReader(strings.NewReader("220 hi\r\n"))); line != "220 hi" {
		t.Fatalf(`got %q, err %v, expected line "220 hi"`, line, err)
	}
	if line, err := bp.Readline(log, bufio.NewReader(strings.NewReader("220 hi\n"))); line != "220 hi" {
		t.Fatalf(`got %q, err %v, expected line "220 hi"`, line, err)
	}
	if _, err := bp.Readline(log, bufio.NewReader(strings.NewReader("this line does not fit"))); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("got err %v, expected ErrLineTooLong", err)
	}
	if _, err := bp.Readline(log, bufio.NewReader(strings.NewReader("eof"))); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("got err %v, expected ErrUnexpectedEOF", err)
	}
	er := errReader{fmt.Errorf("read: broken")}
	if _, err := bp.Readline(log, bufio.NewReader(er)); err == nil || !errors.Is(err, er.err) {
		t.Fatalf("got err %v, expected wrapped reader error", err)
	}
}
