package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Printer serialises console output from concurrent runs. While an
// interactive prompt owns the terminal it is suspended and holds output back.
type Printer struct {
	mu        sync.Mutex
	w         io.Writer
	suspended bool
	held      strings.Builder
}

// Default writes to stdout.
var Default = NewPrinter(os.Stdout)

func NewPrinter(w io.Writer) *Printer { return &Printer{w: w} }

func (p *Printer) write(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.suspended {
		p.held.WriteString(s)
		return
	}
	fmt.Fprint(p.w, s)
}

func (p *Printer) Print(a ...interface{}) { p.write(fmt.Sprint(a...)) }

func (p *Printer) Printf(format string, a ...interface{}) { p.write(fmt.Sprintf(format, a...)) }

func (p *Printer) Println(a ...interface{}) { p.write(fmt.Sprintln(a...)) }

// PrintBlock prints block on its own line, optionally clearing the current
// terminal line first.
func (p *Printer) PrintBlock(block string, clearLine bool) {
	if clearLine {
		block = "\r\x1b[K" + block
	}
	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	p.write(block)
}

func (p *Printer) Suspend() {
	p.mu.Lock()
	p.suspended = true
	p.mu.Unlock()
}

// Resume prints everything written while suspended.
func (p *Printer) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.suspended = false
	if p.held.Len() > 0 {
		fmt.Fprint(p.w, p.held.String())
		p.held.Reset()
	}
}
