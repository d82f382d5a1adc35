// Package hooks runs the before/after action hooks attached to a step.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"provisioner/internal/action"
	"provisioner/internal/logging"
	"provisioner/internal/solution"
	"provisioner/internal/vars"
)

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// HookResult records one hook. Ignored is set for a failure that did not fail
// the step because the hook has ignore_error.
type HookResult struct {
	Name     string
	Phase    string
	Status   Status
	Output   string
	Error    error
	Duration time.Duration
	Ignored  bool
}

// HookError wraps a hook failure with the hook's name.
type HookError struct {
	Hook string
	Err  error
}

func (e *HookError) Error() string { return fmt.Sprintf("hook %q: %v", e.Hook, e.Err) }
func (e *HookError) Unwrap() error { return e.Err }

// ExecutionContext is what a hook list runs against.
type ExecutionContext struct {
	// Phase is a label for results and logs, e.g. "actions_before".
	Phase    string
	Bindings *vars.Bindings
	// Executor runs the hooks: the step's SSH executor for remote steps,
	// otherwise the local one.
	Executor action.Executor
	Logger   *logging.Logger
	// Output receives command output lines.
	Output func(line string)
	// OnResult is called as each hook finishes.
	OnResult func(HookResult)
}

// Runner executes hook lists strictly in order, one at a time.
type Runner struct {
	// DefaultTimeout applies to hooks without a timeout.
	DefaultTimeout time.Duration
}

func NewRunner() *Runner {
	return &Runner{DefaultTimeout: solution.DefaultHookTimeout * time.Second}
}

func (r *Runner) timeout(h solution.ActionHook) time.Duration {
	if h.Timeout > 0 {
		return time.Duration(h.Timeout) * time.Second
	}
	if r.DefaultTimeout > 0 {
		return r.DefaultTimeout
	}
	return solution.DefaultHookTimeout * time.Second
}

// Run executes hooks and returns one result per hook it reached. The error is
// non-nil when the list stopped early: an undefined variable (never
// ignorable), a failure without ignore_error, or cancellation of ctx. Hooks
// after the stopping one are not run and have no result.
func (r *Runner) Run(ctx context.Context, hooks []solution.ActionHook, ec ExecutionContext) ([]HookResult, error) {
	logger := ec.Logger
	if logger == nil {
		logger = logging.WithFields(nil)
	}
	results := make([]HookResult, 0, len(hooks))
	for i, h := range hooks {
		name := h.Name
		if name == "" {
			name = fmt.Sprintf("%s#%d", ec.Phase, i+1)
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		hl := logger.WithFields(map[string]interface{}{"hook": name, "phase": ec.Phase})

		res, stop := r.runOne(ctx, h, name, ec, hl)
		results = append(results, res)
		if ec.OnResult != nil {
			ec.OnResult(res)
		}
		if stop != nil {
			return results, stop
		}
	}
	return results, nil
}

// runOne returns the hook's result and a non-nil error when the list must stop.
func (r *Runner) runOne(ctx context.Context, h solution.ActionHook, name string, ec ExecutionContext, hl *logging.Logger) (HookResult, error) {
	res := HookResult{Name: name, Phase: ec.Phase}
	started := time.Now()
	fail := func(err error, ignorable bool) (HookResult, error) {
		res.Status = StatusFailed
		res.Error = err
		res.Duration = time.Since(started)
		if ignorable && h.IgnoreError {
			res.Ignored = true
			hl.Warn("hook failed, ignoring", map[string]interface{}{"error": err.Error()})
			return res, nil
		}
		hl.Error("hook failed", map[string]interface{}{"error": err.Error()})
		return res, &HookError{Hook: name, Err: err}
	}

	run, err := shouldRun(h.When, ec.Bindings)
	if err != nil {
		return fail(err, false)
	}
	if !run {
		res.Status = StatusSkipped
		hl.Info("hook skipped by condition", map[string]interface{}{"field": h.When.Field})
		return res, nil
	}

	op, err := prepare(h, ec.Bindings)
	if err != nil {
		return fail(err, false)
	}

	timeout := r.timeout(h)
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	hl.Info("running hook", map[string]interface{}{"sudo": h.Sudo, "timeout_s": int(timeout.Seconds())})
	var out strings.Builder
	err = op.execute(hctx, ec, &out)
	res.Output = strings.TrimSpace(out.String())

	if err != nil {
		if ctx.Err() != nil {
			res.Status = StatusFailed
			res.Error = ctx.Err()
			res.Duration = time.Since(started)
			return res, ctx.Err()
		}
		var te *action.TimeoutError
		if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &te) {
			err = &action.TimeoutError{Op: "hook " + name, After: timeout}
		} else if te != nil {
			te.After = timeout
		}
		return fail(err, true)
	}
	res.Status = StatusSucceeded
	res.Duration = time.Since(started)
	hl.Info("hook succeeded", map[string]interface{}{"duration_ms": res.Duration.Milliseconds()})
	return res, nil
}

// operation is a hook with every placeholder resolved.
type operation struct {
	line     string
	env      map[string]string
	copy     *action.CopySpec
	sudo     bool
	password string
	tty      bool
}

// prepare substitutes run, env and copy paths. Any unbound name fails the
// hook before anything executes.
func prepare(h solution.ActionHook, b *vars.Bindings) (*operation, error) {
	op := &operation{sudo: h.Sudo, tty: h.TTY}
	var missing []string
	collect := func(err error) {
		var uv *vars.UndefinedVariableError
		if errors.As(err, &uv) {
			for _, n := range uv.Names {
				if !contains(missing, n) {
					missing = append(missing, n)
				}
			}
		}
	}

	if h.Run != "" {
		line, err := vars.Substitute(h.Run, b)
		if err != nil {
			collect(err)
		}
		op.line = line
	}
	if h.Copy != nil {
		src, err := vars.Substitute(h.Copy.Src, b)
		if err != nil {
			collect(err)
		}
		dest, err := vars.Substitute(h.Copy.Dest, b)
		if err != nil {
			collect(err)
		}
		mode, err := h.Copy.FileMode()
		if err != nil {
			return nil, err
		}
		op.copy = &action.CopySpec{Src: src, Dest: dest, Mode: os.FileMode(mode)}
	}
	env, err := vars.SubstituteMap(h.Env, b)
	if err != nil {
		collect(err)
	}
	op.env = env
	if len(missing) > 0 {
		return nil, &vars.UndefinedVariableError{Names: missing}
	}
	if op.sudo {
		op.password = SudoPassword(b)
	}
	return op, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func (op *operation) execute(ctx context.Context, ec ExecutionContext, out *strings.Builder) error {
	if ec.Executor == nil {
		return fmt.Errorf("no executor for hook")
	}
	emit := func(line string) {
		out.WriteString(line)
		out.WriteByte('\n')
		if ec.Output != nil {
			ec.Output(line)
		}
	}
	if op.copy != nil {
		if !op.sudo {
			return ec.Executor.Copy(ctx, *op.copy)
		}
		// Stage in /tmp, then move into place as root.
		tmp := fmt.Sprintf("/tmp/.provisioner-%d-%s", time.Now().UnixNano(), path.Base(op.copy.Dest))
		staged := *op.copy
		staged.Dest = tmp
		if err := ec.Executor.Copy(ctx, staged); err != nil {
			return err
		}
		line := fmt.Sprintf("mkdir -p %s && mv %s %s && chmod %04o %s",
			action.ShellQuote(path.Dir(op.copy.Dest)), action.ShellQuote(tmp),
			action.ShellQuote(op.copy.Dest), op.copy.Mode.Perm(), action.ShellQuote(op.copy.Dest))
		_, err := ec.Executor.Run(ctx, action.Command{Line: WrapSudo(line, nil, op.password), Stdout: emit})
		return err
	}

	cmd := action.Command{Line: op.line, Env: op.env, TTY: op.tty, Stdout: emit}
	if op.sudo {
		cmd.Line = WrapSudo(op.line, op.env, op.password)
		cmd.Env = nil
	}
	_, err := ec.Executor.Run(ctx, cmd)
	return err
}
