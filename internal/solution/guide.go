package solution

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/width"
)

// Guide is the structure extracted from one locale's deployment guide.
type Guide struct {
	File    string
	Presets []*GuidePreset
}

type GuidePreset struct {
	ID       string
	Name     string
	Line     int
	Implicit bool // steps declared without any preset header
	Steps    []*GuideStep
}

type GuideStep struct {
	ID       string
	Title    string
	Type     StepType
	Required bool
	Config   string
	Line     int
	Targets  []*GuideTarget
}

type GuideTarget struct {
	ID      string
	Name    string
	Kind    TargetKind
	Config  string
	Default bool
	Line    int
}

// DefaultPresetID names the preset that holds steps of a guide without preset headers.
const DefaultPresetID = "default"

// CodeStepOutsidePreset flags steps placed before the first preset header of a
// guide that does declare presets.
const CodeStepOutsidePreset = "STEP_OUTSIDE_PRESET"

var (
	stepHeaderRe     = regexp.MustCompile(`(?i)^##\s+(?:Step\s+\d+:\s*|步骤\s*\d+[：:]\s*)?(.+?)\s*\{#(\w+)([^}]*)\}\s*$`)
	presetHeaderRe   = regexp.MustCompile(`(?i)^##\s+Preset:\s*(.+?)\s*\{#(\w+)\}\s*$`)
	presetHeaderZhRe = regexp.MustCompile(`^##\s+套餐[：:]\s*(.+?)\s*\{#(\w+)\}\s*$`)
	targetHeaderRe   = regexp.MustCompile(`(?i)^###\s+(?:Target|部署目标)[：:]?\s*(.+?)\s*\{#(\w+)([^}]*)\}\s*$`)
	successHeaderRe  = regexp.MustCompile(`(?i)^#\s+(Deployment\s+Complete|部署完成)\s*$`)
	attrRe           = regexp.MustCompile(`(\w+)=(?:"([^"]+)"|([^\s]+))`)
)

// attrs parses `key=value key2="quoted value"` pairs from a header's brace block.
func attrs(s string) map[string]string {
	out := map[string]string{}
	for _, m := range attrRe.FindAllStringSubmatch(s, -1) {
		v := m[2]
		if v == "" {
			v = m[3]
		}
		out[m[1]] = v
	}
	return out
}

func attrBool(a map[string]string, key string, def bool) bool {
	v, ok := a[key]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	}
	return def
}

// ParseGuide extracts presets, steps and targets from guide markdown. Problems
// are collected; the returned guide holds whatever parsed cleanly.
func ParseGuide(file, content string) (*Guide, []error) {
	g := &Guide{File: file}
	var errs []error

	var (
		preset  *GuidePreset
		step    *GuideStep
		seen    = map[string]bool{}
		inFence bool
		lineNo  int
	)

	flush := func() {
		if step == nil {
			return
		}
		defaults := 0
		for _, t := range step.Targets {
			if t.Default {
				defaults++
			}
		}
		if defaults > 1 {
			var ids []string
			for _, t := range step.Targets {
				if t.Default {
					ids = append(ids, t.ID)
				}
			}
			errs = append(errs, &StructureMismatchError{
				Kind:    CodeMultipleDefaultTargets,
				Preset:  preset.ID,
				Step:    step.ID,
				IDs:     ids,
				Message: fmt.Sprintf("%s:%d: at most one target may set default=true", file, step.Line),
			})
		}
		preset.Steps = append(preset.Steps, step)
		step = nil
	}

	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(raw, "```") || strings.HasPrefix(raw, "~~~") {
			inFence = !inFence
			continue
		}
		if inFence || !strings.HasPrefix(raw, "#") {
			continue
		}
		line := width.Fold.String(raw)

		if successHeaderRe.MatchString(line) {
			flush()
			continue
		}

		if m := presetHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			preset = startPreset(g, m[2], m[1], lineNo)
			seen = map[string]bool{}
			continue
		}
		if m := presetHeaderZhRe.FindStringSubmatch(line); m != nil {
			flush()
			preset = startPreset(g, m[2], m[1], lineNo)
			seen = map[string]bool{}
			continue
		}

		if m := stepHeaderRe.FindStringSubmatch(line); m != nil {
			flush()
			if preset == nil {
				preset = &GuidePreset{ID: DefaultPresetID, Implicit: true, Line: lineNo}
				g.Presets = append(g.Presets, preset)
			}
			id, a := m[2], attrs(m[3])
			typ := StepType(a["type"])
			if !typ.Valid() {
				errs = append(errs, &InvalidStepTypeError{File: file, Line: lineNo, Step: id, Type: a["type"]})
				continue
			}
			if seen[id] {
				errs = append(errs, &DuplicateStepIDError{File: file, Line: lineNo, Preset: preset.ID, Step: id})
				continue
			}
			seen[id] = true
			step = &GuideStep{
				ID:       id,
				Title:    strings.TrimSpace(m[1]),
				Type:     typ,
				Required: attrBool(a, "required", true),
				Config:   a["config"],
				Line:     lineNo,
			}
			continue
		}

		if m := targetHeaderRe.FindStringSubmatch(line); m != nil {
			if step == nil || !step.Type.HasTargets() {
				continue
			}
			a := attrs(m[3])
			kind := TargetKind(strings.ToLower(a["type"]))
			if kind == "" {
				kind = TargetLocal
			}
			if kind != TargetLocal && kind != TargetRemote {
				errs = append(errs, &StructureMismatchError{
					Kind:    CodeInvalidTarget,
					Preset:  preset.ID,
					Step:    step.ID,
					IDs:     []string{m[2]},
					Message: fmt.Sprintf("%s:%d: target type must be local or remote, got %q", file, lineNo, a["type"]),
				})
				continue
			}
			if _, dup := findTarget(step.Targets, m[2]); dup {
				errs = append(errs, &StructureMismatchError{
					Kind:    CodeInvalidTarget,
					Preset:  preset.ID,
					Step:    step.ID,
					IDs:     []string{m[2]},
					Message: fmt.Sprintf("%s:%d: target declared twice", file, lineNo),
				})
				continue
			}
			step.Targets = append(step.Targets, &GuideTarget{
				ID:      m[2],
				Name:    strings.TrimSpace(m[1]),
				Kind:    kind,
				Config:  a["config"],
				Default: attrBool(a, "default", false),
				Line:    lineNo,
			})
		}
	}
	flush()

	if len(g.Presets) > 1 && g.Presets[0].Implicit {
		stray := g.Presets[0]
		ids := make([]string, 0, len(stray.Steps))
		for _, s := range stray.Steps {
			ids = append(ids, s.ID)
		}
		errs = append(errs, &StructureMismatchError{
			Kind:    CodeStepOutsidePreset,
			IDs:     ids,
			Message: fmt.Sprintf("%s: steps appear before the first preset header", file),
		})
		g.Presets = g.Presets[1:]
	}
	if err := sc.Err(); err != nil {
		errs = append(errs, fmt.Errorf("failed to read guide %s: %w", file, err))
	}
	return g, errs
}

func startPreset(g *Guide, id, name string, line int) *GuidePreset {
	p := &GuidePreset{ID: id, Name: strings.TrimSpace(name), Line: line}
	g.Presets = append(g.Presets, p)
	return p
}

func findTarget(ts []*GuideTarget, id string) (*GuideTarget, bool) {
	for _, t := range ts {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// Preset returns the guide preset with the given id.
func (g *Guide) Preset(id string) (*GuidePreset, bool) {
	for _, p := range g.Presets {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Step returns the step with the given id.
func (p *GuidePreset) Step(id string) (*GuideStep, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}
