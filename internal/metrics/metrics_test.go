package metrics

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"provisioner/internal/deploy"
	"provisioner/internal/hooks"
	"provisioner/internal/solution"
)

func sampleRun() *deploy.RunResult {
	at := time.Now()
	return &deploy.RunResult{
		RunID:      "r1",
		SolutionID: "demo",
		Status:     deploy.RunCompletedWithWarnings,
		StartedAt:  at,
		FinishedAt: at.Add(90 * time.Second),
		Steps: []deploy.StepResult{
			{
				StepID: "backend", Type: solution.StepDockerLocal, Status: deploy.StepSucceeded,
				StartedAt: at, FinishedAt: at.Add(time.Minute),
				Hooks: []hooks.HookResult{
					{Name: "a", Phase: "actions_before", Status: hooks.StatusSucceeded},
					{Name: "b", Phase: "actions_before", Status: hooks.StatusFailed, Ignored: true},
				},
			},
			{StepID: "preview", Type: solution.StepPreview, Status: deploy.StepFailed, StartedAt: at, FinishedAt: at.Add(time.Second)},
			{StepID: "never", Type: solution.StepManual, Status: deploy.StepSkipped},
		},
	}
}

func TestObserveRun(t *testing.T) {
	m := New()
	m.RunStarted("demo")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns.WithLabelValues("demo")))

	m.ObserveRun(sampleRun())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns.WithLabelValues("demo")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("demo", "completed_with_warnings")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("docker_local", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.steps.WithLabelValues("manual", "skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hooks.WithLabelValues("actions_before", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.hooks.WithLabelValues("actions_before", "succeeded")))
	// Skipped steps have no duration.
	assert.Equal(t, 2, testutil.CollectAndCount(m.stepDuration))
}

func TestHandlerAndTextfile(t *testing.T) {
	m := New()
	m.ObserveRun(sampleRun())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `provisioner_run_total{solution="demo",status="completed_with_warnings"} 1`)

	p := filepath.Join(t.TempDir(), "provisioner.prom")
	require.NoError(t, m.WriteTextfile(p))
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(data), "provisioner_step_total")
}

func TestDefaultIsShared(t *testing.T) {
	assert.Same(t, Default(), Default())
}
