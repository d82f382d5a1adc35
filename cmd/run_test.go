package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/deploy"
	"provisioner/internal/drivers"
	"provisioner/internal/hooks"
	"provisioner/internal/solution"
	"provisioner/internal/util"
)

func TestCollectInputsFlagsWin(t *testing.T) {
	p := filepath.Join(t.TempDir(), "inputs.yaml")
	require.NoError(t, os.WriteFile(p, []byte("host: 192.168.42.1\nport: 1880\nempty:\n"), 0o644))

	got, err := collectInputs(p, map[string]string{"host": "10.0.0.2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"host": "10.0.0.2", "port": "1880"}, got)

	_, err = collectInputs(filepath.Join(t.TempDir(), "none.yaml"), nil)
	assert.Error(t, err)
}

func TestConsoleSink(t *testing.T) {
	var buf bytes.Buffer
	s := &consoleSink{printer: util.NewPrinter(&buf)}
	events := []deploy.Event{
		deploy.RunEvent{Run: "r1", Status: deploy.RunRunning},
		deploy.StepEvent{Run: "r1", Step: "flash", Status: deploy.StepRunning},
		deploy.StepEvent{Run: "r1", Step: "flash", Status: deploy.StepRunning, Phase: "detect"},
		deploy.LogEvent{Run: "r1", Step: "flash", Line: "\x1b[1mChip is ESP32-S3\x1b[0m"},
		deploy.HookEvent{Run: "r1", Step: "flash", Result: hooks.HookResult{Name: "warmup", Status: hooks.StatusFailed, Ignored: true, Error: errors.New("exit 1")}},
		deploy.StepEvent{Run: "r1", Step: "flash", Status: deploy.StepFailed, Error: errors.New("no port")},
	}
	for _, ev := range events {
		require.NoError(t, s.Emit(ev))
	}
	out := buf.String()
	assert.Contains(t, out, "🚀 Deployment r1 started")
	assert.Contains(t, out, "▶ Step 1: flash")
	assert.Contains(t, out, "  • detect")
	assert.Contains(t, out, "    │ Chip is ESP32-S3")
	assert.Contains(t, out, "hook warmup failed (ignored): exit 1")
	assert.Contains(t, out, "❌ flash failed: no port")

	buf.Reset()
	s.quiet = true
	require.NoError(t, s.Emit(deploy.LogEvent{Line: "hidden"}))
	assert.Empty(t, buf.String())
}

func TestCancelOnSignalReturnsWhenRunEnds(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	returned := make(chan struct{})
	cancelled := false
	go func() {
		cancelOnSignal(sigs, done, func() { cancelled = true })
		close(returned)
	}()
	close(done)
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("signal watcher outlived the run")
	}
	assert.False(t, cancelled)

	sigs <- syscall.SIGTERM
	called := make(chan struct{})
	cancelOnSignal(sigs, make(chan struct{}), func() { close(called) })
	select {
	case <-called:
	default:
		t.Fatal("signal did not cancel")
	}
}

func TestPromptAcknowledgerAnswers(t *testing.T) {
	tests := []struct {
		name        string
		answer      error
		want        bool
		wantErr     error
		interrupted bool
	}{
		{"confirmed", nil, true, nil, false},
		{"declined", promptui.ErrAbort, false, nil, false},
		{"interrupted", promptui.ErrInterrupt, false, context.Canceled, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			interrupted := false
			a := &promptAcknowledger{
				confirm:   func(string) error { return tt.answer },
				interrupt: func() { interrupted = true },
			}
			ok, err := a.Acknowledge(context.Background(), "wire", "Connect the sensor")
			assert.Equal(t, tt.want, ok)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.interrupted, interrupted)
		})
	}
}

func TestInterruptAtManualPromptCancelsRun(t *testing.T) {
	sol := &solution.Solution{
		ID:  "demo",
		Dir: t.TempDir(),
		Presets: []*solution.Preset{{ID: "default", Steps: []*solution.StepSpec{
			{ID: "wire", Type: solution.StepManual, Required: true},
			{ID: "after", Type: solution.StepManual, Required: true},
		}}},
	}
	prompt := &promptAcknowledger{confirm: func(string) error { return promptui.ErrInterrupt }}
	ex := deploy.New(deploy.Options{
		Catalog: solution.NewCatalog(sol),
		Drivers: drivers.Registry{solution.StepManual: &drivers.Manual{Acknowledger: prompt}},
	})
	prompt.interrupt = func() { ex.Cancel("r1") }

	res, err := ex.PlanAndExecute(context.Background(), deploy.Request{SolutionID: "demo", RunID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, deploy.RunCancelled, res.Status)
	assert.ErrorIs(t, res.Err(), context.Canceled)
	assert.Equal(t, deploy.StepSkipped, res.Steps[1].Status)
}
