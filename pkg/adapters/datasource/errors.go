package datasource

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
)

// SyntaxError is returned when the server rejected the statement itself.
// Retrying will not help.
type SyntaxError struct {
	Message  string
	Fragment string // offending token, when the server reported a position
	Err      error
}

func (e *SyntaxError) Error() string {
	if e.Fragment != "" {
		return fmt.Sprintf("%s (near %q)", e.Message, e.Fragment)
	}
	return e.Message
}

func (e *SyntaxError) Unwrap() error     { return e.Err }
func (e *SyntaxError) IsRetryable() bool { return false }

// ConnectionError is returned when the data source could not be reached or dropped the
// connection mid-query.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error     { return e.Err }
func (e *ConnectionError) IsRetryable() bool { return true }

// IsTransportError reports whether err came from the network or the driver's connection
// handling rather than from query evaluation. Context errors are not transport errors.
func IsTransportError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
