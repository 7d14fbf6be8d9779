package bluetooth

import (
	"errors"
	"fmt"
)

// ErrPairingRejected signals an explicit negative pairing decision. The
// agent maps it to org.bluez.Error.Rejected so the daemon declines the
// pairing; it is not a transport failure.
var ErrPairingRejected = errors.New("pairing rejected")

// ErrConnectionUnavailable marks a startup bus-connection failure. The
// affected features stay disabled for the life of the process; the
// connection itself is not retried.
var ErrConnectionUnavailable = errors.New("bus connection unavailable")

// ErrTransferIncomplete is returned when the phonebook transfer never
// reached a terminal status within the poll budget. The sync aborts
// without touching stored contacts.
var ErrTransferIncomplete = errors.New("phonebook transfer incomplete")

// RemoteCallError wraps a failed outbound D-Bus call.
type RemoteCallError struct {
	Method string
	Err    error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s: %v", e.Method, e.Err)
}

func (e *RemoteCallError) Unwrap() error { return e.Err }

func remoteErr(method string, err error) error {
	return &RemoteCallError{Method: method, Err: err}
}

// ParseError marks one malformed vCard record. The record is skipped;
// the sync continues with the remaining records.
type ParseError struct {
	Record string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("vcard record skipped: %s", e.Reason)
}
