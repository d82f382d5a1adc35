// Package pty runs a command attached to a pseudo-terminal. Flash tools such as
// esptool only print progress when they see a terminal.
package pty

// Default size of a new terminal.
const (
	DefaultRows = 40
	DefaultCols = 120
)

// PTY is a small, cross-platform abstraction over a pseudo-terminal with one
// child process attached.
type PTY interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	// Wait blocks until the child exits.
	Wait() error
	// Pid of the child process, 0 before start.
	Pid() int
	Close() error
	SetSize(rows, cols int) error
}
