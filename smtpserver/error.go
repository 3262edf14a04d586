package smtpserver

import (
	"errors"
	"fmt"

	"github.com/draymta/dray/smtp"
)

// xcheckf turns an error into a panic with a temporary server error, for
// conditions that are our fault rather than the remote's.
func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	panic(smtpError{smtp.C451LocalErr, smtp.SeSys3Other0, msg + ": " + err.Error(), fmt.Errorf("%s: %w", msg, err), true, false})
}

type smtpError struct {
	code       int
	secode     string // Enhanced status without the leading class digit, like "5.2".
	errmsg     string // Response text for the remote.
	err        error  // Underlying error for the log, may be nil.
	printStack bool
	userError  bool // The remote's fault, logged at a lower level.
}

func (se smtpError) Error() string { return se.errmsg }
func (se smtpError) Unwrap() error { return se.err }

func xsmtpErrorf(code int, secode string, userError bool, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	panic(smtpError{code, secode, msg, errors.New(msg), false, userError})
}

func xsmtpServerErrorf(cs codes, format string, args ...any) {
	xsmtpErrorf(cs.code, cs.secode, false, format, args...)
}

func xsmtpUserErrorf(code int, secode string, format string, args ...any) {
	xsmtpErrorf(code, secode, true, format, args...)
}
