package errorsx

import "errors"

// Error tags a failure with the reason code logged and recorded for it.
type Error struct {
	Reason ReasonCode
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap tags err with reason. An error that already carries a reason keeps
// it, so the code closest to the failure wins.
func Wrap(err error, reason ReasonCode) error {
	if err == nil || tagged(err) != nil {
		return err
	}
	return &Error{Reason: reason, Err: err}
}

// Reason returns the reason code carried anywhere in err's chain.
func Reason(err error) ReasonCode {
	if e := tagged(err); e != nil {
		return e.Reason
	}
	return ReasonUnknown
}

func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}

// IsFatal reports whether err must end the call it happened on.
func IsFatal(err error) bool {
	return Reason(err).Fatal()
}

func tagged(err error) *Error {
	var e *Error
	if err != nil && errors.As(err, &e) {
		return e
	}
	return nil
}
