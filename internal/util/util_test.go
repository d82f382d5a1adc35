package util

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	cases := map[string]string{
		"\x1b[32mok\x1b[0m":               "ok",
		"\x1b]0;title\x07hello":           "hello",
		"\x1b]8;;http://x\x1b\\link":      "link",
		"a\tb\x07c":                       "a\tbc",
		"Writing 10%\rWriting 100%":       "Writing 100%",
		"done\r":                          "done",
		"\x1b[?25lplain\x1b[?25h":         "plain",
		"keep\nlines":                     "keep\nlines",
	}
	for in, want := range cases {
		assert.Equal(t, want, StripANSI(in), "%q", in)
	}
}

func TestStripperAcrossChunks(t *testing.T) {
	var s Stripper
	out := append(s.Strip([]byte("a\x1b[3")), s.Strip([]byte("1mb"))...)
	assert.Equal(t, "ab", string(out))
}

func TestRunConcurrentLimit(t *testing.T) {
	var running, peak int32
	tasks := make([]Task, 8)
	for i := range tasks {
		tasks[i] = func(context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}
	}
	assert.NoError(t, RunConcurrent(context.Background(), tasks, 3))
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestRunConcurrentFirstError(t *testing.T) {
	boom := errors.New("boom")
	var ran int32
	tasks := []Task{
		func(context.Context) error { return boom },
	}
	for i := 0; i < 5; i++ {
		tasks = append(tasks, func(ctx context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		})
	}
	assert.ErrorIs(t, RunConcurrent(context.Background(), tasks, 1), boom)
	assert.NoError(t, RunConcurrent(context.Background(), nil, 0))
}

func TestPrinterSuspend(t *testing.T) {
	var buf bytes.Buffer
	p := NewPrinter(&buf)
	p.Printf("a%d", 1)
	p.Suspend()
	p.Println("held")
	p.Print("back")
	assert.Equal(t, "a1", buf.String())
	p.Resume()
	p.PrintBlock("b", false)
	assert.Equal(t, "a1held\nbackb\n", buf.String())

	p.Suspend()
	p.Resume()
	assert.Equal(t, "a1held\nbackb\n", buf.String())
}
