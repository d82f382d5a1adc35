package solution

import (
	"errors"
	"fmt"
	"strings"
)

// Structure error codes.
const (
	CodePresetCountMismatch    = "PRESET_COUNT_MISMATCH"
	CodePresetIDMismatch       = "PRESET_ID_MISMATCH"
	CodeStepCountMismatch      = "STEP_COUNT_MISMATCH"
	CodeStepIDMismatch         = "STEP_ID_MISMATCH"
	CodeStepTypeMismatch       = "STEP_TYPE_MISMATCH"
	CodeStepRequiredMismatch   = "STEP_REQUIRED_MISMATCH"
	CodeStepConfigMismatch     = "STEP_CONFIG_MISMATCH"
	CodeInvalidStepType        = "INVALID_STEP_TYPE"
	CodeDuplicateStepID        = "DUPLICATE_STEP_ID"
	CodeMultipleDefaultTargets = "MULTIPLE_DEFAULT_TARGETS"
	CodeInvalidTarget          = "INVALID_TARGET"
)

// Coded is implemented by every structural load error.
type Coded interface {
	error
	Code() string
}

// StructureMismatchError reports a structural inconsistency, usually between
// the primary and secondary locale guides.
type StructureMismatchError struct {
	Kind    string
	Preset  string
	Step    string
	IDs     []string
	Message string
}

func (e *StructureMismatchError) Code() string { return e.Kind }

func (e *StructureMismatchError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind)
	if e.Preset != "" {
		fmt.Fprintf(&b, " preset=%s", e.Preset)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " step=%s", e.Step)
	}
	if len(e.IDs) > 0 {
		fmt.Fprintf(&b, " ids=[%s]", strings.Join(e.IDs, ", "))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

type InvalidStepTypeError struct {
	File string
	Line int
	Step string
	Type string
}

func (e *InvalidStepTypeError) Code() string { return CodeInvalidStepType }

func (e *InvalidStepTypeError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: %s:%d: step %q missing type attribute (valid: %s)", CodeInvalidStepType, e.File, e.Line, e.Step, validTypeList())
	}
	return fmt.Sprintf("%s: %s:%d: step %q has invalid type %q (valid: %s)", CodeInvalidStepType, e.File, e.Line, e.Step, e.Type, validTypeList())
}

type DuplicateStepIDError struct {
	File   string
	Line   int
	Preset string
	Step   string
}

func (e *DuplicateStepIDError) Code() string { return CodeDuplicateStepID }

func (e *DuplicateStepIDError) Error() string {
	return fmt.Sprintf("%s: %s:%d: step %q declared twice in preset %q", CodeDuplicateStepID, e.File, e.Line, e.Step, e.Preset)
}

// LoadError aggregates everything wrong with one solution directory.
type LoadError struct {
	Dir    string
	Errors []error
}

func (e *LoadError) Error() string {
	lines := make([]string, 0, len(e.Errors))
	for _, err := range e.Errors {
		lines = append(lines, "  - "+err.Error())
	}
	return fmt.Sprintf("failed to load solution %s:\n%s", e.Dir, strings.Join(lines, "\n"))
}

func (e *LoadError) Unwrap() []error { return e.Errors }

// Codes lists the structure codes carried by err, in order.
func Codes(err error) []string {
	var out []string
	var le *LoadError
	if errors.As(err, &le) {
		for _, e := range le.Errors {
			var c Coded
			if errors.As(e, &c) {
				out = append(out, c.Code())
			}
		}
		return out
	}
	var c Coded
	if errors.As(err, &c) {
		out = append(out, c.Code())
	}
	return out
}
