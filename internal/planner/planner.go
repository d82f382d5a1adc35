// Package planner turns a preset and target choices into an ordered execution
// plan. Planning is pure: no I/O, no environment lookups.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"provisioner/internal/solution"
)

// PlannedStep is one step of a plan with its target resolved and its phases expanded.
type PlannedStep struct {
	Spec      *solution.StepSpec
	Type      solution.StepType // concrete type after target resolution
	Target    *solution.TargetSpec
	ConfigRef string
	Device    *solution.DeviceConfig
	Phases    []string
	Before    []solution.ActionHook
	After     []solution.ActionHook
	Remote    bool
}

func (p *PlannedStep) ID() string { return p.Spec.ID }

// TargetID returns the resolved target id or "".
func (p *PlannedStep) TargetID() string {
	if p.Target == nil {
		return ""
	}
	return p.Target.ID
}

type ExecutionPlan struct {
	SolutionID string
	PresetID   string
	Steps      []*PlannedStep
}

type NoDefaultTargetError struct {
	Step    string
	Targets []string
}

func (e *NoDefaultTargetError) Error() string {
	return fmt.Sprintf("step %q has targets [%s] but no default and no explicit choice", e.Step, strings.Join(e.Targets, ", "))
}

type UnresolvedTargetChoiceError struct {
	Step   string
	Target string
	Reason string
}

func (e *UnresolvedTargetChoiceError) Error() string {
	return fmt.Sprintf("target choice %s=%s: %s", e.Step, e.Target, e.Reason)
}

type UnknownPresetError struct {
	Solution string
	Preset   string
	Known    []string
}

func (e *UnknownPresetError) Error() string {
	return fmt.Sprintf("solution %q has no preset %q (known: %s)", e.Solution, e.Preset, strings.Join(e.Known, ", "))
}

// PlanSolution looks up presetID in sol and plans it.
func PlanSolution(sol *solution.Solution, presetID string, choices map[string]string) (*ExecutionPlan, error) {
	p, ok := sol.Preset(presetID)
	if !ok {
		return nil, &UnknownPresetError{Solution: sol.ID, Preset: presetID, Known: sol.PresetIDs()}
	}
	plan, err := Plan(p, choices)
	if err != nil {
		return nil, err
	}
	plan.SolutionID = sol.ID
	return plan, nil
}

// Plan expands preset into an ExecutionPlan. choices maps step id to target id.
func Plan(preset *solution.Preset, choices map[string]string) (*ExecutionPlan, error) {
	if err := checkChoices(preset, choices); err != nil {
		return nil, err
	}
	plan := &ExecutionPlan{PresetID: preset.ID}
	for _, spec := range preset.Steps {
		ps, err := planStep(spec, choices[spec.ID])
		if err != nil {
			return nil, err
		}
		plan.Steps = append(plan.Steps, ps)
	}
	return plan, nil
}

// checkChoices rejects choices for steps outside the preset, in sorted order so
// the reported error does not depend on map iteration.
func checkChoices(preset *solution.Preset, choices map[string]string) error {
	ids := make([]string, 0, len(choices))
	for id := range choices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if _, ok := preset.Step(id); !ok {
			return &UnresolvedTargetChoiceError{Step: id, Target: choices[id], Reason: fmt.Sprintf("preset %q has no such step", preset.ID)}
		}
	}
	return nil
}

func planStep(spec *solution.StepSpec, choice string) (*PlannedStep, error) {
	ps := &PlannedStep{
		Spec:      spec,
		Type:      spec.Type,
		ConfigRef: spec.ConfigRef,
		Device:    spec.Device,
	}
	actions := spec.Actions

	target, err := resolveTarget(spec, choice)
	if err != nil {
		return nil, err
	}
	if target != nil {
		ps.Target = target
		if target.ConfigRef != "" {
			ps.ConfigRef = target.ConfigRef
			ps.Device = target.Device
			actions = target.Actions
		}
	}

	if spec.Type == solution.StepDockerDeploy {
		ps.Type = solution.StepDockerLocal
		if target != nil && target.Kind == solution.TargetRemote {
			ps.Type = solution.StepDockerRemote
		}
	}

	tpl, ok := registry[ps.Type]
	if !ok {
		return nil, fmt.Errorf("step %q: no phase template for type %q", spec.ID, ps.Type)
	}
	if ps.Type == solution.StepManual {
		ps.Phases = []string{PhaseAcknowledge}
		return ps, nil
	}

	ps.Before = cloneHooks(actions.Before)
	ps.After = cloneHooks(actions.After)
	ps.Phases = expand(tpl, len(ps.Before) > 0, len(ps.After) > 0)
	ps.Remote = remoteTypes[ps.Type]
	return ps, nil
}

func resolveTarget(spec *solution.StepSpec, choice string) (*solution.TargetSpec, error) {
	if len(spec.Targets) == 0 {
		if choice != "" {
			return nil, &UnresolvedTargetChoiceError{Step: spec.ID, Target: choice, Reason: "step declares no targets"}
		}
		return nil, nil
	}
	if choice != "" {
		t, ok := spec.Target(choice)
		if !ok {
			return nil, &UnresolvedTargetChoiceError{Step: spec.ID, Target: choice, Reason: "unknown target"}
		}
		return t, nil
	}
	if t, ok := spec.DefaultTarget(); ok {
		return t, nil
	}
	ids := make([]string, 0, len(spec.Targets))
	for _, t := range spec.Targets {
		ids = append(ids, t.ID)
	}
	return nil, &NoDefaultTargetError{Step: spec.ID, Targets: ids}
}

func cloneHooks(in []solution.ActionHook) []solution.ActionHook {
	if len(in) == 0 {
		return nil
	}
	out := make([]solution.ActionHook, len(in))
	copy(out, in)
	return out
}
