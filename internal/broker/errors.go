package broker

import "fmt"

// Error is the failure type for broker connectivity, snapshots and order
// handling. Planning and confirmation treat it as an execution-layer fault
// scoped to one account.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds an Error with a formatted message.
func Errf(format string, args ...any) *Error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a message to an underlying error. Returns nil when err is
// nil.
func Wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Msg: fmt.Sprintf(format, args...), Err: err}
}
