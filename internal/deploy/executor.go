// Package deploy runs execution plans: one step at a time, each phase
// delegated to the step type's driver, with hooks around the main operation.
package deploy

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"provisioner/internal/action"
	"provisioner/internal/drivers"
	"provisioner/internal/hooks"
	"provisioner/internal/logging"
	"provisioner/internal/planner"
	"provisioner/internal/solution"
	"provisioner/internal/sshclient"
	"provisioner/internal/vars"
)

// Recorder persists finished runs.
type Recorder interface {
	Record(ctx context.Context, r *RunResult) error
}

// Observer is told about run starts and finished runs.
type Observer interface {
	RunStarted(solutionID string)
	ObserveRun(r *RunResult)
}

// Options configure an Executor. Catalog and Drivers are required.
type Options struct {
	Catalog *solution.Catalog
	Drivers drivers.Registry
	// Sink receives the events of every run, in addition to Request.Sink.
	Sink    Sink
	History Recorder
	Metrics Observer
	// WorkDir holds run logs under logs/. Empty disables run log files.
	WorkDir string
	// SSH carries station-wide connection defaults such as host key policy.
	SSH    sshclient.Config
	Health drivers.HealthPolicy
	Dial   drivers.Dialer
	HTTP   *http.Client
	Hooks  *hooks.Runner
	// Local builds the station executor for a solution directory.
	Local func(dir string, logger *logging.Logger) action.Executor
}

// Request selects what one run deploys.
type Request struct {
	SolutionID    string
	PresetID      string
	TargetChoices map[string]string
	Inputs        map[string]string
	Sink          Sink
	// RunID is generated when empty.
	RunID string
}

// Executor runs deployments. Runs are independent; several may execute at
// once on different goroutines.
type Executor struct {
	opts Options

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

func New(opts Options) *Executor {
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewRunner()
	}
	if opts.Local == nil {
		opts.Local = func(dir string, logger *logging.Logger) action.Executor { return action.NewLocal(dir, logger) }
	}
	return &Executor{opts: opts, active: map[string]context.CancelFunc{}}
}

// Plan resolves a request to its execution plan without running it.
func (e *Executor) Plan(req Request) (*planner.ExecutionPlan, error) {
	sol, err := e.solution(req.SolutionID)
	if err != nil {
		return nil, err
	}
	preset := req.PresetID
	if preset == "" && len(sol.Presets) > 0 {
		preset = sol.Presets[0].ID
	}
	plan, err := planner.PlanSolution(sol, preset, req.TargetChoices)
	if err != nil {
		return nil, err
	}
	types := make([]solution.StepType, 0, len(plan.Steps))
	for _, ps := range plan.Steps {
		types = append(types, ps.Type)
	}
	if missing := e.opts.Drivers.Missing(types); len(missing) > 0 {
		return nil, &UnsupportedStepTypeError{Types: missing}
	}
	return plan, nil
}

func (e *Executor) solution(id string) (*solution.Solution, error) {
	if e.opts.Catalog == nil {
		return nil, &UnknownSolutionError{ID: id}
	}
	sol, ok := e.opts.Catalog.Get(id)
	if !ok {
		return nil, &UnknownSolutionError{ID: id}
	}
	return sol, nil
}

// PlanAndExecute plans req and runs it to a terminal status. Planning errors
// return a nil result and nothing is recorded. Otherwise the result is
// returned with a nil error whatever the run's outcome; use RunResult.Err.
func (e *Executor) PlanAndExecute(ctx context.Context, req Request) (*RunResult, error) {
	plan, err := e.Plan(req)
	if err != nil {
		return nil, err
	}
	sol, _ := e.solution(req.SolutionID)

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.register(runID, cancel); err != nil {
		return nil, err
	}
	defer e.unregister(runID)

	r := e.newRun(runID, sol, plan, req)
	defer r.log.Close()
	r.execute(runCtx)
	return r.result, nil
}

// Cancel asks an active run to stop. The running step is interrupted best
// effort and the remaining steps are skipped. It reports whether the run was
// active; calling it again is harmless.
func (e *Executor) Cancel(runID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[runID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active lists the ids of running runs, sorted.
func (e *Executor) Active() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Executor) register(runID string, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.active[runID]; ok {
		return ErrRunExists
	}
	e.active[runID] = cancel
	return nil
}

func (e *Executor) unregister(runID string) {
	e.mu.Lock()
	delete(e.active, runID)
	e.mu.Unlock()
}

// run is the state of one deployment. Only the run goroutine touches result,
// except for output lines which arrive under mu.
type run struct {
	exec     *Executor
	sol      *solution.Solution
	plan     *planner.ExecutionPlan
	result   *RunResult
	sink     Sink
	log      *runLog
	logger   *logging.Logger
	local    action.Executor
	bindings *vars.Bindings

	mu    sync.Mutex
	phase string
}

func (e *Executor) newRun(runID string, sol *solution.Solution, plan *planner.ExecutionPlan, req Request) *run {
	logger := logging.WithFields(map[string]interface{}{
		"run_id": runID, "solution": sol.ID, "preset": plan.PresetID,
	})
	log, err := openRunLog(e.opts.WorkDir, sol.ID, runID)
	if err != nil {
		logger.Warn("run log unavailable", map[string]interface{}{"error": err.Error()})
	}

	// Inputs sit below the layer that collects step outputs.
	b := vars.NewBindings(req.Inputs)
	b.Push(nil)

	res := &RunResult{
		RunID:      runID,
		SolutionID: sol.ID,
		PresetID:   plan.PresetID,
		Status:     RunNotStarted,
		Steps:      make([]StepResult, len(plan.Steps)),
		LogPath:    log.path,
	}
	for i, ps := range plan.Steps {
		res.Steps[i] = StepResult{
			StepID:   ps.ID(),
			Title:    ps.Spec.Title,
			Type:     ps.Type,
			Target:   ps.TargetID(),
			Required: ps.Spec.Required,
			Status:   StepPending,
		}
	}

	var sink Sink = nopSink{}
	if e.opts.Sink != nil || req.Sink != nil {
		sink = MultiSink{e.opts.Sink, req.Sink}
	}
	return &run{
		exec:     e,
		sol:      sol,
		plan:     plan,
		result:   res,
		sink:     sink,
		log:      log,
		logger:   logger,
		local:    e.opts.Local(sol.Dir, logger),
		bindings: b,
	}
}

func (r *run) emit(ev Event) { _ = r.sink.Emit(ev) }

func (r *run) setStatus(s RunStatus) {
	r.result.Status = s
	r.emit(RunEvent{Run: r.result.RunID, Status: s, Time: time.Now()})
}

func (r *run) execute(ctx context.Context) {
	res := r.result
	res.StartedAt = time.Now()
	r.setStatus(RunRunning)
	if m := r.exec.opts.Metrics; m != nil {
		m.RunStarted(res.SolutionID)
	}
	r.logger.Info("deployment started", map[string]interface{}{"steps": len(r.plan.Steps)})
	r.log.writeLog("Deployment of %s, preset %s, run %s", res.SolutionID, res.PresetID, res.RunID)

	halted, cancelled, warnings := false, false, false
	for i, ps := range r.plan.Steps {
		sr := &res.Steps[i]
		if halted || ctx.Err() != nil {
			cancelled = cancelled || ctx.Err() != nil
			r.skip(sr, ps)
			continue
		}
		r.runStep(ctx, ps, sr)
		if sr.Status == StepSucceeded {
			continue
		}
		switch {
		case ctx.Err() != nil:
			halted, cancelled = true, true
		case sr.Required:
			halted = true
		default:
			warnings = true
			r.logger.Warn("optional step failed, continuing", map[string]interface{}{"step": sr.StepID})
		}
	}

	res.FinishedAt = time.Now()
	switch {
	case cancelled:
		r.setStatus(RunCancelled)
	case halted:
		r.setStatus(RunFailed)
	case warnings:
		r.setStatus(RunCompletedWithWarnings)
	default:
		r.setStatus(RunCompleted)
	}
	fields := map[string]interface{}{"status": string(res.Status), "duration_ms": res.FinishedAt.Sub(res.StartedAt).Milliseconds()}
	if res.Status == RunFailed || res.Status == RunCancelled {
		r.logger.Error("deployment finished", fields)
	} else {
		r.logger.Info("deployment finished", fields)
	}
	r.log.writeLog("Deployment %s in %s", res.Status, res.FinishedAt.Sub(res.StartedAt).Round(time.Millisecond))

	if h := r.exec.opts.History; h != nil {
		if err := h.Record(context.WithoutCancel(ctx), res); err != nil {
			r.logger.Warn("failed to record deployment history", map[string]interface{}{"error": err.Error()})
		}
	}
	if m := r.exec.opts.Metrics; m != nil {
		m.ObserveRun(res)
	}
}

func (r *run) skip(sr *StepResult, ps *planner.PlannedStep) {
	sr.Status = StepSkipped
	for _, name := range ps.Phases {
		sr.Phases = append(sr.Phases, PhaseResult{Name: name, Status: StepSkipped})
	}
	r.log.writeLog("- Step %s skipped", sr.StepID)
	r.emit(StepEvent{Run: r.result.RunID, Step: sr.StepID, Status: StepSkipped, Time: time.Now()})
}

// output records a step output line.
func (r *run) output(sr *StepResult, line string) {
	r.mu.Lock()
	sr.Logs = append(sr.Logs, line)
	phase := r.phase
	r.mu.Unlock()
	r.log.output(line)
	r.emit(LogEvent{Run: r.result.RunID, Step: sr.StepID, Phase: phase, Line: line, Time: time.Now()})
}

func (r *run) setPhase(p string) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

func (r *run) runStep(ctx context.Context, ps *planner.PlannedStep, sr *StepResult) {
	id := sr.StepID
	sl := r.logger.WithFields(map[string]interface{}{"step": id, "type": string(ps.Type)})
	sr.Status = StepRunning
	sr.StartedAt = time.Now()
	r.log.startStep()
	r.log.writeLog("▶ Step %s (%s)", id, ps.Type)
	r.emit(StepEvent{Run: r.result.RunID, Step: id, Status: StepRunning, Time: sr.StartedAt})
	sl.Info("step started", nil)

	failedPhase := ""
	fail := func(phase string, err error, from int) {
		failedPhase = phase
		sr.Status = StepFailed
		sr.Error = &StepError{Step: id, Phase: phase, Err: err}
		for _, name := range ps.Phases[from:] {
			sr.Phases = append(sr.Phases, PhaseResult{Name: name, Status: StepSkipped})
		}
		fields := map[string]interface{}{"phase": phase, "error": err.Error()}
		if kind := action.KindOf(err); kind != "" {
			fields["kind"] = string(kind)
		}
		sl.Error("step failed", fields)
		r.log.writeLog("✗ Step %s failed in %s: %v", id, phase, err)
		r.log.flushErrorEvidence()
	}
	defer func() {
		sr.FinishedAt = time.Now()
		r.setPhase("")
		ev := StepEvent{Run: r.result.RunID, Step: id, Status: sr.Status, Time: sr.FinishedAt}
		if sr.Status == StepFailed {
			ev.Phase, ev.Error = failedPhase, sr.Error
		} else {
			r.log.writeLog("✓ Step %s succeeded", id)
			sl.Info("step succeeded", map[string]interface{}{"duration_ms": sr.Duration().Milliseconds()})
		}
		r.emit(ev)
	}()

	// Step-scoped bindings: defaults and this step's outputs stay out of the
	// run until the step succeeds.
	sb := r.bindings.Clone()
	sb.Push(nil)
	if err := applyInputDefaults(ps.Device, sb); err != nil {
		fail("inputs", err, 0)
		return
	}
	var doc *yaml.Node
	if ps.Device != nil {
		var err error
		if doc, err = drivers.RenderConfig(ps.Device.Doc, sb); err != nil {
			fail("render", err, 0)
			return
		}
	}
	drv, _ := r.exec.opts.Drivers.Lookup(ps.Type)

	opts := r.exec.opts
	env := &drivers.Env{
		StepID:   id,
		Title:    sr.Title,
		Type:     ps.Type,
		Dir:      r.sol.Dir,
		Config:   doc,
		Bindings: sb,
		Local:    r.local,
		Logger:   sl,
		HTTP:     opts.HTTP,
		Health:   opts.Health,
		SSH:      opts.SSH,
		Dial:     opts.Dial,
		Output:   func(line string) { r.output(sr, line) },
	}
	defer func() {
		if err := env.Close(); err != nil {
			sl.Debug("closing ssh session", map[string]interface{}{"error": err.Error()})
		}
	}()

	for i, name := range ps.Phases {
		if err := ctx.Err(); err != nil {
			fail(name, err, i)
			return
		}
		r.setPhase(name)
		r.emit(StepEvent{Run: r.result.RunID, Step: id, Status: StepRunning, Phase: name, Time: time.Now()})
		sl.Debug("phase started", map[string]interface{}{"phase": name})

		started := time.Now()
		err := r.runPhase(ctx, ps, name, drv, env, sr, sl)
		pr := PhaseResult{Name: name, Status: StepSucceeded, Duration: time.Since(started)}
		if err != nil {
			pr.Status, pr.Error = StepFailed, err
			sr.Phases = append(sr.Phases, pr)
			fail(name, err, i+1)
			return
		}
		sr.Phases = append(sr.Phases, pr)
		for k, v := range env.Outputs() {
			sb.Set(k, v)
		}
	}

	sr.Status = StepSucceeded
	sr.Outputs = env.Outputs()
	for k, v := range sr.Outputs {
		r.bindings.Set(k, v)
		r.bindings.Set(id+"."+k, v)
	}
}

func (r *run) runPhase(ctx context.Context, ps *planner.PlannedStep, name string, drv drivers.Driver, env *drivers.Env, sr *StepResult, sl *logging.Logger) error {
	if name != planner.PhaseActionsBefore && name != planner.PhaseActionsAfter {
		return drv.RunPhase(ctx, name, env)
	}
	list := ps.Before
	if name == planner.PhaseActionsAfter {
		list = ps.After
	}
	ex := env.Local
	if ps.Remote {
		var err error
		if ex, err = env.Remote(ctx); err != nil {
			return err
		}
	}
	_, err := r.exec.opts.Hooks.Run(ctx, list, hooks.ExecutionContext{
		Phase:    name,
		Bindings: env.Bindings,
		Executor: ex,
		Logger:   sl,
		Output:   env.Output,
		OnResult: func(hr hooks.HookResult) {
			sr.Hooks = append(sr.Hooks, hr)
			if hr.Error != nil {
				r.log.writeLog("  hook %s: %s (%v)", hr.Name, hr.Status, hr.Error)
			} else {
				r.log.writeLog("  hook %s: %s", hr.Name, hr.Status)
			}
			r.emit(HookEvent{Run: r.result.RunID, Step: sr.StepID, Result: hr})
		},
	})
	return err
}
