package meshsync

import (
	"errors"
	"fmt"
)

var (
	// ErrRetriesExhausted is reported once the reconnect budget for a channel
	// has been spent; no further automatic attempts are made.
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")

	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
)

// TransportError is a network or channel failure: a failed dial, a dropped
// connection, or a non-success HTTP status from the pull channel.
type TransportError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d", e.Op, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + ": transport failure"
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError is a payload that could not be parsed as the expected shape.
// For push-channel frames it is logged and the frame dropped; for pull-channel
// responses it is surfaced to the caller.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %v", e.What, e.Err)
	}
	return "decode " + e.What
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// CommandError is a failed state-changing call. Optimistic local state is left
// as applied; reconciliation relies on the next snapshot or event.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command %s: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
