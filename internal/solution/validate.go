package solution

import (
	"fmt"
)

// CompareGuides checks that two locale guides declare the same structure:
// same presets in the same order, and per preset the same steps in the same
// order with identical type, required flag and config reference.
func CompareGuides(primary, secondary *Guide) []error {
	var errs []error

	pIDs, sIDs := presetIDs(primary), presetIDs(secondary)
	if len(pIDs) != len(sIDs) {
		errs = append(errs, &StructureMismatchError{
			Kind:    CodePresetCountMismatch,
			Message: fmt.Sprintf("%s has %d presets, %s has %d", primary.File, len(pIDs), secondary.File, len(sIDs)),
		})
	}
	if diff := symmetricDiff(pIDs, sIDs); len(diff) > 0 {
		errs = append(errs, &StructureMismatchError{
			Kind:    CodePresetIDMismatch,
			IDs:     diff,
			Message: fmt.Sprintf("preset ids differ between %s and %s", primary.File, secondary.File),
		})
	} else if pos := firstOrderDiff(pIDs, sIDs); pos >= 0 {
		errs = append(errs, &StructureMismatchError{
			Kind:    CodePresetIDMismatch,
			IDs:     []string{pIDs[pos], sIDs[pos]},
			Message: fmt.Sprintf("preset order differs at position %d", pos+1),
		})
	}

	for _, pp := range primary.Presets {
		sp, ok := secondary.Preset(pp.ID)
		if !ok {
			continue
		}
		errs = append(errs, compareSteps(primary.File, secondary.File, pp, sp)...)
	}
	return errs
}

func compareSteps(pFile, sFile string, pp, sp *GuidePreset) []error {
	var errs []error
	pIDs, sIDs := stepIDs(pp), stepIDs(sp)

	if len(pIDs) != len(sIDs) {
		errs = append(errs, &StructureMismatchError{
			Kind:    CodeStepCountMismatch,
			Preset:  pp.ID,
			Message: fmt.Sprintf("%s has %d steps, %s has %d", pFile, len(pIDs), sFile, len(sIDs)),
		})
	}
	if diff := symmetricDiff(pIDs, sIDs); len(diff) > 0 {
		errs = append(errs, &StructureMismatchError{
			Kind:    CodeStepIDMismatch,
			Preset:  pp.ID,
			IDs:     diff,
			Message: fmt.Sprintf("step ids differ between %s and %s", pFile, sFile),
		})
	} else if pos := firstOrderDiff(pIDs, sIDs); pos >= 0 {
		errs = append(errs, &StructureMismatchError{
			Kind:    CodeStepIDMismatch,
			Preset:  pp.ID,
			IDs:     []string{pIDs[pos], sIDs[pos]},
			Message: fmt.Sprintf("step order differs at position %d", pos+1),
		})
	}

	for _, ps := range pp.Steps {
		ss, ok := sp.Step(ps.ID)
		if !ok {
			continue
		}
		if ps.Type != ss.Type {
			errs = append(errs, &StructureMismatchError{
				Kind:    CodeStepTypeMismatch,
				Preset:  pp.ID,
				Step:    ps.ID,
				Message: fmt.Sprintf("%s has type=%s, %s has type=%s", pFile, ps.Type, sFile, ss.Type),
			})
		}
		if ps.Required != ss.Required {
			errs = append(errs, &StructureMismatchError{
				Kind:    CodeStepRequiredMismatch,
				Preset:  pp.ID,
				Step:    ps.ID,
				Message: fmt.Sprintf("%s has required=%t, %s has required=%t", pFile, ps.Required, sFile, ss.Required),
			})
		}
		if ps.Config != ss.Config {
			errs = append(errs, &StructureMismatchError{
				Kind:    CodeStepConfigMismatch,
				Preset:  pp.ID,
				Step:    ps.ID,
				Message: fmt.Sprintf("%s has config=%q, %s has config=%q", pFile, ps.Config, sFile, ss.Config),
			})
		}
	}
	return errs
}

func presetIDs(g *Guide) []string {
	ids := make([]string, 0, len(g.Presets))
	for _, p := range g.Presets {
		ids = append(ids, p.ID)
	}
	return ids
}

func stepIDs(p *GuidePreset) []string {
	ids := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		ids = append(ids, s.ID)
	}
	return ids
}

// symmetricDiff returns ids only in a (in a's order) followed by ids only in b.
func symmetricDiff(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	inB := make(map[string]bool, len(b))
	for _, id := range a {
		inA[id] = true
	}
	for _, id := range b {
		inB[id] = true
	}
	var out []string
	for _, id := range a {
		if !inB[id] {
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !inA[id] {
			out = append(out, id)
		}
	}
	return out
}

func firstOrderDiff(a, b []string) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}
