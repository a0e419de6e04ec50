package model

import (
	"errors"
	"fmt"
)

// ErrInvalidRecipient marks an address that failed the shape check. It is a warning, the run continues.
var ErrInvalidRecipient = errors.New("invalid recipient address")

// MissingInputError reports a required input file that is absent or unreadable.
type MissingInputError struct {
	Name string
	Path string
	Err  error
}

func (e *MissingInputError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("missing %s %q: %v", e.Name, e.Path, e.Err)
	}
	return fmt.Sprintf("missing %s %q", e.Name, e.Path)
}

func (e *MissingInputError) Unwrap() error { return e.Err }

// InvalidConfigError reports a malformed configuration value.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransportUnavailableError reports a mail transport that cannot be used at all.
type TransportUnavailableError struct {
	Transport string
	Err       error
}

func (e *TransportUnavailableError) Error() string {
	return fmt.Sprintf("transport %s unavailable: %v", e.Transport, e.Err)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

// SendFailure is returned when the transport rejected one message.
type SendFailure struct {
	To  string
	Err error
}

func (e *SendFailure) Error() string {
	return fmt.Sprintf("send to %s: %v", e.To, e.Err)
}

func (e *SendFailure) Unwrap() error { return e.Err }

// ExtractionFailure is returned when the delivery log could not be read or the output not written.
type ExtractionFailure struct {
	Source string
	Err    error
}

func (e *ExtractionFailure) Error() string {
	return fmt.Sprintf("extract delivered from %s: %v", e.Source, e.Err)
}

func (e *ExtractionFailure) Unwrap() error { return e.Err }
