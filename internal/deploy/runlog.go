package deploy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"provisioner/internal/util"
)

// evidenceCap bounds the output history kept per step for error evidence.
const evidenceCap = 300 * 1024

// RingBuffer stores lines with a total byte cap, evicting the oldest first.
type RingBuffer struct {
	lines      []string
	totalBytes int
	capBytes   int
}

func NewRingBuffer(capBytes int) *RingBuffer {
	return &RingBuffer{capBytes: capBytes}
}

// Add appends a line and evicts from the front while over the cap.
func (r *RingBuffer) Add(line string) {
	if line == "" {
		return
	}
	r.lines = append(r.lines, line)
	r.totalBytes += len(line)
	for r.totalBytes > r.capBytes && len(r.lines) > 0 {
		r.totalBytes -= len(r.lines[0])
		r.lines = r.lines[1:]
	}
}

// LastN returns a copy of up to n most recent lines.
func (r *RingBuffer) LastN(n int) []string {
	if n <= 0 || len(r.lines) == 0 {
		return nil
	}
	if n > len(r.lines) {
		n = len(r.lines)
	}
	out := make([]string, n)
	copy(out, r.lines[len(r.lines)-n:])
	return out
}

// All returns a copy of every stored line.
func (r *RingBuffer) All() []string {
	return r.LastN(len(r.lines))
}

// Reset drops every line.
func (r *RingBuffer) Reset() {
	r.lines = nil
	r.totalBytes = 0
}

// runLog is the plain text log of one run. A nil runLog discards writes.
type runLog struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	history *RingBuffer
}

// openRunLog creates <workDir>/logs/<solution>-<runID>.log. An empty workDir
// disables the file but keeps the evidence buffer.
func openRunLog(workDir, solutionID, runID string) (*runLog, error) {
	l := &runLog{history: NewRingBuffer(evidenceCap)}
	if workDir == "" {
		return l, nil
	}
	dir := filepath.Join(workDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return l, fmt.Errorf("failed to create log directory: %w", err)
	}
	l.path = filepath.Join(dir, fmt.Sprintf("%s-%s.log", solutionID, runID))
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		l.path = ""
		return l, fmt.Errorf("failed to create run log: %w", err)
	}
	l.f = f
	return l, nil
}

// writeLog appends a timestamped line with terminal escapes removed.
func (l *runLog) writeLog(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.writeLocked(fmt.Sprintf(format, args...))
}

func (l *runLog) writeLocked(msg string) {
	if l.f == nil {
		return
	}
	ts := time.Now().Format("[2006-01-02 15:04:05]")
	for _, line := range strings.Split(util.StripANSI(msg), "\n") {
		fmt.Fprintf(l.f, "%s %s\n", ts, line)
	}
}

// output records a device or tool line in the log and the evidence buffer.
func (l *runLog) output(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	clean := util.StripANSI(line)
	l.history.Add(clean)
	l.writeLocked("  " + clean)
}

// startStep clears the evidence buffer for a new step.
func (l *runLog) startStep() {
	l.mu.Lock()
	l.history.Reset()
	l.mu.Unlock()
}

// flushErrorEvidence writes the buffered output of the failed step under a
// header.
func (l *runLog) flushErrorEvidence() {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := l.history.All()
	if len(lines) == 0 {
		return
	}
	l.writeLocked("=== ERROR EVIDENCE (buffer up to 300KB) ===")
	for _, line := range lines {
		l.writeLocked(line)
	}
	l.writeLocked("=== END ERROR EVIDENCE ===")
}

func (l *runLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
