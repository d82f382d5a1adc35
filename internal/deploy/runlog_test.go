package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/vars"
)

func TestRingBufferEviction(t *testing.T) {
	rb := NewRingBuffer(10)
	rb.Add("12345")
	rb.Add("")
	rb.Add("67890")
	rb.Add("abc")
	assert.Equal(t, []string{"67890", "abc"}, rb.All())
	assert.Equal(t, []string{"abc"}, rb.LastN(1))
	assert.Nil(t, rb.LastN(0))
	rb.Reset()
	assert.Empty(t, rb.All())
}

func TestFlushErrorEvidenceAll(t *testing.T) {
	dir := t.TempDir()
	l, err := openRunLog(dir, "demo", "r1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "logs", "demo-r1.log"), l.path)

	l.output("before step")
	l.startStep()
	for i := 0; i < 3; i++ {
		l.output("line " + string(rune('a'+i)))
	}
	l.flushErrorEvidence()
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	data, err := os.ReadFile(l.path)
	require.NoError(t, err)
	text := string(data)
	start := strings.Index(text, "=== ERROR EVIDENCE")
	end := strings.Index(text, "=== END ERROR EVIDENCE ===")
	require.True(t, start >= 0 && end > start)
	evidence := text[start:end]
	assert.NotContains(t, evidence, "before step")
	for _, s := range []string{"line a", "line b", "line c"} {
		assert.Contains(t, evidence, s)
	}
}

func TestRunLogWithoutWorkDir(t *testing.T) {
	l, err := openRunLog("", "demo", "r1")
	require.NoError(t, err)
	assert.Empty(t, l.path)
	l.writeLog("dropped %d", 1)
	l.output("kept in memory")
	assert.Equal(t, []string{"kept in memory"}, l.history.All())
	assert.NoError(t, l.Close())
}

func TestResultErrAndTerminal(t *testing.T) {
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunCompletedWithWarnings.Terminal())

	stepErr := &StepError{Step: "a", Phase: "flash", Err: context.Canceled}
	r := &RunResult{RunID: "r", Status: RunCancelled, Steps: []StepResult{
		{StepID: "a", Status: StepFailed, Error: stepErr},
		{StepID: "b", Status: StepSkipped},
	}}
	assert.Same(t, stepErr, r.Err())
	assert.Equal(t, "step a, phase flash: context canceled", stepErr.Error())

	r = &RunResult{RunID: "r", Status: RunFailed}
	assert.EqualError(t, r.Err(), "run r failed")

	r = &RunResult{Status: RunCompletedWithWarnings, Steps: []StepResult{{Status: StepFailed, Error: stepErr}}}
	assert.NoError(t, r.Err())

	_, ok := r.Step("zzz")
	assert.False(t, ok)
}

func TestApplyInputDefaultsKeepsProvidedValues(t *testing.T) {
	dev := doc(t, `
user_inputs:
  - id: port
    default: "1880"
  - id: name
    default: ""
`)
	b := vars.NewBindings(map[string]string{"port": "9000"})
	b.Push(nil)
	require.NoError(t, applyInputDefaults(dev, b))
	assert.Equal(t, "9000", b.Get("port"))
	_, ok := b.Lookup("name")
	assert.False(t, ok)

	require.NoError(t, applyInputDefaults(nil, b))

	bad := doc(t, "user_inputs:\n  - id: x\n    default: '{{unbound}}'\n")
	var undef *vars.UndefinedVariableError
	assert.ErrorAs(t, applyInputDefaults(bad, vars.NewBindings(nil)), &undef)
}

func TestMultiSinkSkipsNil(t *testing.T) {
	var got []string
	s := MultiSink{nil, SinkFunc(func(ev Event) error {
		got = append(got, ev.RunID())
		return nil
	})}
	require.NoError(t, s.Emit(RunEvent{Run: "r1"}))
	require.NoError(t, s.Emit(LogEvent{Run: "r2"}))
	assert.Equal(t, []string{"r1", "r2"}, got)
}
