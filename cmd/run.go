package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"provisioner/internal/config"
	"provisioner/internal/deploy"
	"provisioner/internal/drivers"
	"provisioner/internal/history"
	"provisioner/internal/logging"
	"provisioner/internal/metrics"
	"provisioner/internal/sshclient"
	"provisioner/internal/util"
)

type runOptions struct {
	preset     string
	targets    map[string]string
	inputs     map[string]string
	inputsFile string
	yes        bool
	quiet      bool
}

func newRunCmd() *cobra.Command {
	var o runOptions
	cmd := &cobra.Command{
		Use:   "run <solution>",
		Short: "Deploy a solution preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			inputs, err := collectInputs(o.inputsFile, o.inputs)
			if err != nil {
				return err
			}
			return runDeployment(cmd.Context(), st, deploy.Request{
				SolutionID:    args[0],
				PresetID:      o.preset,
				TargetChoices: o.targets,
				Inputs:        inputs,
			}, o.yes, o.quiet)
		},
	}
	cmd.Flags().StringVar(&o.preset, "preset", "", "Preset id (default: first preset)")
	cmd.Flags().StringToStringVar(&o.targets, "target", nil, "Target choice per step (step=target)")
	cmd.Flags().StringToStringVar(&o.inputs, "input", nil, "Input values (key=value)")
	cmd.Flags().StringVar(&o.inputsFile, "inputs", "", "YAML file of input values")
	cmd.Flags().BoolVarP(&o.yes, "yes", "y", false, "Acknowledge manual steps without prompting")
	cmd.Flags().BoolVarP(&o.quiet, "quiet", "q", false, "Hide device and tool output")
	return cmd
}

// collectInputs merges the inputs file with --input flags, flags winning.
func collectInputs(file string, flags map[string]string) (map[string]string, error) {
	out := map[string]string{}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read inputs file: %w", err)
		}
		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse inputs file %s: %w", file, err)
		}
		for k, v := range raw {
			if v == nil {
				continue
			}
			out[k] = fmt.Sprint(v)
		}
	}
	for k, v := range flags {
		out[k] = v
	}
	return out, nil
}

func newPlanCmd() *cobra.Command {
	var preset string
	var targets map[string]string
	cmd := &cobra.Command{
		Use:   "plan <solution>",
		Short: "Print the execution plan of a preset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := loadStation()
			if err != nil {
				return err
			}
			ex := deploy.New(deploy.Options{Catalog: st.catalog, Drivers: drivers.Default(drivers.Options{})})
			plan, err := ex.Plan(deploy.Request{SolutionID: args[0], PresetID: preset, TargetChoices: targets})
			if err != nil {
				return err
			}
			sol, _ := st.solution(args[0])
			util.Default.Printf("📋 %s, preset %s\n", sol.DisplayName(st.cfg.Lang), plan.PresetID)
			for i, ps := range plan.Steps {
				req := "optional"
				if ps.Spec.Required {
					req = "required"
				}
				target := ""
				if id := ps.TargetID(); id != "" {
					target = " → " + id
				}
				util.Default.Printf("%2d. %s [%s%s, %s]\n", i+1, ps.Spec.DisplayTitle(st.cfg.Lang), ps.Type, target, req)
				util.Default.Printf("    phases: %s\n", strings.Join(ps.Phases, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&preset, "preset", "", "Preset id (default: first preset)")
	cmd.Flags().StringToStringVar(&targets, "target", nil, "Target choice per step (step=target)")
	return cmd
}

// runDeployment executes req with console progress. SIGINT and SIGTERM
// cancel the run; a second signal is left to the default handler.
func runDeployment(ctx context.Context, st *station, req deploy.Request, yes, quiet bool) error {
	cfg := st.cfg
	if cfg.SSH.KeyPath != "" {
		if err := config.FixKeyPermissions(cfg.SSH.KeyPath); err != nil {
			logging.Warn("ssh key permissions", map[string]interface{}{"error": err.Error()})
		}
	}

	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	prompt := &promptAcknowledger{}
	var ack drivers.Acknowledger = prompt
	if yes {
		ack = drivers.AutoAck{}
	}

	m := metrics.Default()
	stopMetrics := serveMetrics(cfg.Metrics.Listen, m)
	defer stopMetrics()

	var recorder deploy.Recorder
	if store, err := history.Open(ctx, cfg.History.Path, cfg.History.MaxRecords); err != nil {
		logging.Warn("deployment history disabled", map[string]interface{}{"error": err.Error()})
	} else {
		defer store.Close()
		recorder = store
	}

	ex := deploy.New(deploy.Options{
		Catalog: st.catalog,
		Drivers: drivers.Default(drivers.Options{
			Acknowledger: ack,
			EsptoolPath:  cfg.Tools.Esptool,
			HimaxFlasher: cfg.Tools.HimaxFlasher,
		}),
		Sink:    &consoleSink{printer: util.Default, quiet: quiet},
		History: recorder,
		Metrics: m,
		WorkDir: cfg.WorkDir,
		SSH: sshclient.Config{
			KeyPath:               cfg.SSH.KeyPath,
			KnownHostsPath:        cfg.SSH.KnownHosts,
			AcceptNewHostKeys:     cfg.AcceptNew(),
			InsecureIgnoreHostKey: cfg.SSH.InsecureIgnoreHostKey,
			Timeout:               cfg.SSH.ConnectTimeout.Duration,
		},
		Health: drivers.HealthPolicy{
			Retries:         cfg.Health.Retries,
			InitialInterval: cfg.Health.InitialInterval.Duration,
			MaxInterval:     cfg.Health.MaxInterval.Duration,
		},
		Dial: drivers.DialSSH,
		HTTP: &http.Client{Timeout: 30 * time.Second},
	})

	cancelRun := func() {
		util.Default.Println("\n⏹  Cancelling deployment...")
		ex.Cancel(req.RunID)
	}
	prompt.interrupt = cancelRun

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go cancelOnSignal(sigs, done, func() {
		cancelRun()
		signal.Stop(sigs)
	})

	res, err := ex.PlanAndExecute(ctx, req)
	signal.Stop(sigs)
	close(done)
	if err != nil {
		return err
	}
	if cfg.Metrics.Textfile != "" {
		if err := m.WriteTextfile(cfg.Metrics.Textfile); err != nil {
			logging.Warn("failed to write metrics textfile", map[string]interface{}{"error": err.Error()})
		}
	}
	printSummary(res)
	return res.Err()
}

// serveMetrics exposes /metrics on addr until the returned func is called.
func serveMetrics(addr string, m *metrics.Metrics) func() {
	if addr == "" {
		return func() {}
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logging.Warn("metrics listener disabled", map[string]interface{}{"addr": addr, "error": err.Error()})
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Warn("metrics server stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func printSummary(res *deploy.RunResult) {
	icon := map[deploy.RunStatus]string{
		deploy.RunCompleted:             "✅",
		deploy.RunCompletedWithWarnings: "⚠️ ",
		deploy.RunFailed:                "❌",
		deploy.RunCancelled:             "⏹ ",
	}[res.Status]
	util.Default.PrintBlock(fmt.Sprintf("\n%s Deployment %s in %s (run %s)", icon, res.Status,
		res.FinishedAt.Sub(res.StartedAt).Round(time.Second), res.RunID), term.IsTerminal(int(os.Stdout.Fd())))

	outputs := map[string]string{}
	for _, s := range res.Steps {
		for k, v := range s.Outputs {
			outputs[s.StepID+"."+k] = v
		}
	}
	if len(outputs) > 0 {
		keys := make([]string, 0, len(outputs))
		for k := range outputs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			util.Default.Printf("   %s = %s\n", k, outputs[k])
		}
	}
	if res.LogPath != "" {
		util.Default.Printf("📄 Run log: %s\n", res.LogPath)
	}
}

// consoleSink renders run progress on the terminal.
type consoleSink struct {
	printer *util.Printer
	quiet   bool

	mu    sync.Mutex
	steps int
}

func (c *consoleSink) Emit(ev deploy.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.printer
	switch e := ev.(type) {
	case deploy.RunEvent:
		if e.Status == deploy.RunRunning {
			p.Printf("🚀 Deployment %s started\n", e.Run)
		}
	case deploy.StepEvent:
		switch {
		case e.Status == deploy.StepRunning && e.Phase == "":
			c.steps++
			p.Printf("\n▶ Step %d: %s\n", c.steps, e.Step)
		case e.Status == deploy.StepRunning:
			p.Printf("  • %s\n", e.Phase)
		case e.Status == deploy.StepSucceeded:
			p.Printf("  ✅ %s done\n", e.Step)
		case e.Status == deploy.StepFailed:
			p.Printf("  ❌ %s failed: %v\n", e.Step, e.Error)
		case e.Status == deploy.StepSkipped:
			p.Printf("  ⏭  %s skipped\n", e.Step)
		}
	case deploy.HookEvent:
		r := e.Result
		switch {
		case r.Ignored:
			p.Printf("  ↳ hook %s failed (ignored): %v\n", r.Name, r.Error)
		case r.Error != nil:
			p.Printf("  ↳ hook %s %s: %v\n", r.Name, r.Status, r.Error)
		default:
			p.Printf("  ↳ hook %s %s\n", r.Name, r.Status)
		}
	case deploy.LogEvent:
		if !c.quiet {
			p.Printf("    │ %s\n", util.StripANSI(e.Line))
		}
	}
	return nil
}

// cancelOnSignal calls cancel on the first signal, or returns once done is
// closed.
func cancelOnSignal(sigs <-chan os.Signal, done <-chan struct{}, cancel func()) {
	select {
	case <-sigs:
		cancel()
	case <-done:
	}
}

// promptAcknowledger asks on the terminal. Without a terminal every manual
// step is refused.
type promptAcknowledger struct {
	// confirm asks the operator; nil uses a promptui confirmation on stdin.
	confirm func(label string) error
	// interrupt cancels the run when the operator hits Ctrl-C at the prompt.
	interrupt func()
}

func (a *promptAcknowledger) Acknowledge(ctx context.Context, step, title string) (bool, error) {
	confirm := a.confirm
	if confirm == nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			logging.Warn("manual step needs a terminal, use --yes to acknowledge", map[string]interface{}{"step": step})
			return false, nil
		}
		confirm = func(label string) error {
			prompt := promptui.Prompt{Label: label, IsConfirm: true}
			_, err := prompt.Run()
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	util.Default.Printf("🖐  Manual step: %s\n", title)
	// Device output of concurrent runs is held back while the prompt is up.
	util.Default.Suspend()
	err := confirm("Done")
	util.Default.Resume()
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, promptui.ErrAbort):
		return false, nil
	case errors.Is(err, promptui.ErrInterrupt):
		if a.interrupt != nil {
			a.interrupt()
		}
		return false, context.Canceled
	}
	return false, err
}
