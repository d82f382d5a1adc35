package action

import (
	"strings"
	"sync"
)

// lineWriter splits written bytes into lines and hands each to emit. A bare
// '\r' also ends a line so progress bars show up as separate lines.
type lineWriter struct {
	mu      *sync.Mutex
	emit    func(string)
	capture *strings.Builder
	partial []byte
	closed  bool
}

func newLineWriter(mu *sync.Mutex, emit func(string)) *lineWriter {
	return &lineWriter{mu: mu, emit: emit, capture: &strings.Builder{}}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return len(p), nil
	}
	w.capture.Write(p)
	for _, b := range p {
		if b == '\n' || b == '\r' {
			w.flushLocked()
			continue
		}
		w.partial = append(w.partial, b)
	}
	return len(p), nil
}

func (w *lineWriter) flushLocked() {
	if len(w.partial) == 0 {
		return
	}
	line := string(w.partial)
	w.partial = w.partial[:0]
	if w.emit != nil {
		w.emit(line)
	}
}

// Close emits a trailing line without newline. Later writes are discarded.
func (w *lineWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.flushLocked()
	w.closed = true
	return nil
}

func (w *lineWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.capture.String()
}
