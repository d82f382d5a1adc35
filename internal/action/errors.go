package action

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies leaf executor failures.
type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindAuthentication ErrorKind = "authentication"
	KindCommand        ErrorKind = "command"
	KindTimeout        ErrorKind = "timeout"
)

type kinded interface {
	Kind() ErrorKind
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return ""
}

// ConnectionError means the device could not be reached.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string   { return fmt.Sprintf("cannot reach %s: %v", e.Addr, e.Err) }
func (e *ConnectionError) Unwrap() error   { return e.Err }
func (e *ConnectionError) Kind() ErrorKind { return KindConnection }

// AuthenticationError means the device rejected the credentials.
type AuthenticationError struct {
	User string
	Addr string
	Err  error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s@%s: %v", e.User, e.Addr, e.Err)
}
func (e *AuthenticationError) Unwrap() error   { return e.Err }
func (e *AuthenticationError) Kind() ErrorKind { return KindAuthentication }

// CommandError is a non-zero exit with the captured stderr.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("command exited with status %d: %s", e.ExitCode, lastLines(e.Stderr, 5))
	}
	return fmt.Sprintf("command exited with status %d", e.ExitCode)
}
func (e *CommandError) Kind() ErrorKind { return KindCommand }

// TimeoutError means the operation did not finish within After.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}
func (e *TimeoutError) Kind() ErrorKind { return KindTimeout }

// Is lets errors.Is(err, context.DeadlineExceeded) hold for timeouts.
func (e *TimeoutError) Is(target error) bool { return target == errDeadline }
