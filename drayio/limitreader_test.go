package drayio

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestLimitReader(t *testing.T) {
	buf, err := io.ReadAll(&LimitReader{R: strings.NewReader("header"), Limit: 8})
	if err != nil || string(buf) != "header" {
		t.Fatalf("got %q, err %v, expected full read without error", buf, err)
	}

	_, err = io.ReadAll(&LimitReader{R: strings.NewReader("header: value"), Limit: 8})
	if !errors.Is(err, ErrLimit) {
		t.Fatalf("got err %v, expected ErrLimit", err)
	}
}
