package solution

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// StepType is the closed set of deployment step kinds.
type StepType string

const (
	StepManual          StepType = "manual"
	StepDockerDeploy    StepType = "docker_deploy"
	StepDockerLocal     StepType = "docker_local"
	StepDockerRemote    StepType = "docker_remote"
	StepESP32USB        StepType = "esp32_usb"
	StepHimaxUSB        StepType = "himax_usb"
	StepRecameraCpp     StepType = "recamera_cpp"
	StepRecameraNodeRed StepType = "recamera_nodered"
	StepSSHDeb          StepType = "ssh_deb"
	StepScript          StepType = "script"
	StepHAIntegration   StepType = "ha_integration"
	StepPreview         StepType = "preview"
)

// StepTypes lists every valid type in declaration order.
var StepTypes = []StepType{
	StepManual, StepDockerDeploy, StepDockerLocal, StepDockerRemote,
	StepESP32USB, StepHimaxUSB, StepRecameraCpp, StepRecameraNodeRed,
	StepSSHDeb, StepScript, StepHAIntegration, StepPreview,
}

func (t StepType) Valid() bool {
	for _, v := range StepTypes {
		if v == t {
			return true
		}
	}
	return false
}

// DockerFamily reports whether the type offers local/remote targets.
func (t StepType) DockerFamily() bool {
	return t == StepDockerDeploy || t == StepDockerLocal || t == StepDockerRemote
}

// HasTargets reports whether guide target headers are parsed for this type.
func (t StepType) HasTargets() bool {
	return t.DockerFamily() || t == StepRecameraCpp
}

func validTypeList() string {
	names := make([]string, 0, len(StepTypes))
	for _, v := range StepTypes {
		names = append(names, string(v))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// TargetKind says where a docker_deploy-family step runs.
type TargetKind string

const (
	TargetLocal  TargetKind = "local"
	TargetRemote TargetKind = "remote"
)

// Solution is the loaded, read-only definition of one deployable bundle.
type Solution struct {
	ID            string
	Name          string
	NameZh        string
	Version       string
	Enabled       bool
	Requires      string // semver constraint on the station version
	SelectionMode string
	Dir           string
	Presets       []*Preset
	// Locales holds the guide files that contributed to the structure.
	Locales []string
}

// Preset returns the preset with the given id.
func (s *Solution) Preset(id string) (*Preset, bool) {
	for _, p := range s.Presets {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// PresetIDs lists preset IDs in declaration order.
func (s *Solution) PresetIDs() []string {
	ids := make([]string, 0, len(s.Presets))
	for _, p := range s.Presets {
		ids = append(ids, p.ID)
	}
	return ids
}

type Preset struct {
	ID           string
	Name         string
	NameZh       string
	Description  string
	Disabled     bool
	DeviceGroups []yaml.Node // presentation only
	Steps        []*StepSpec
}

// Step returns the step with the given id.
func (p *Preset) Step(id string) (*StepSpec, bool) {
	for _, s := range p.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

type StepSpec struct {
	ID        string
	Title     string
	TitleZh   string
	Type      StepType
	Required  bool
	ConfigRef string
	Device    *DeviceConfig // nil when ConfigRef is empty
	Targets   []*TargetSpec
	Actions   Actions
	Line      int
}

// Target returns the target with the given id.
func (s *StepSpec) Target(id string) (*TargetSpec, bool) {
	for _, t := range s.Targets {
		if t.ID == id {
			return t, true
		}
	}
	return nil, false
}

// DefaultTarget returns the single target marked default, if any.
func (s *StepSpec) DefaultTarget() (*TargetSpec, bool) {
	for _, t := range s.Targets {
		if t.Default {
			return t, true
		}
	}
	return nil, false
}

type TargetSpec struct {
	ID        string
	Name      string
	NameZh    string
	Kind      TargetKind
	ConfigRef string
	Default   bool
	Device    *DeviceConfig
	Actions   Actions
}

// Actions are the hook lists attached around a step's main operation.
type Actions struct {
	Before []ActionHook `yaml:"before"`
	After  []ActionHook `yaml:"after"`
}

func (a Actions) Empty() bool { return len(a.Before) == 0 && len(a.After) == 0 }

// DefaultHookTimeout is applied when a hook does not set timeout.
const DefaultHookTimeout = 300

type ActionHook struct {
	Name        string            `yaml:"name"`
	NameZh      string            `yaml:"name_zh,omitempty"`
	Run         string            `yaml:"run,omitempty"`
	Copy        *CopySpec         `yaml:"copy,omitempty"`
	When        *When             `yaml:"when,omitempty"`
	Sudo        bool              `yaml:"sudo,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Timeout     int               `yaml:"timeout,omitempty"` // seconds
	IgnoreError bool              `yaml:"ignore_error,omitempty"`
	TTY         bool              `yaml:"tty,omitempty"` // local only: run under a pseudo-terminal
}

// TimeoutSeconds returns the effective timeout.
func (h ActionHook) TimeoutSeconds() int {
	if h.Timeout <= 0 {
		return DefaultHookTimeout
	}
	return h.Timeout
}

type CopySpec struct {
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
	Mode string `yaml:"mode,omitempty"` // octal, default 0644
}

// FileMode parses Mode, defaulting to 0644.
func (c CopySpec) FileMode() (uint32, error) {
	if c.Mode == "" {
		return 0o644, nil
	}
	var m uint32
	if _, err := fmt.Sscanf(c.Mode, "%o", &m); err != nil {
		return 0, fmt.Errorf("invalid copy mode %q: %w", c.Mode, err)
	}
	return m, nil
}

// When gates a hook on one resolved input. Exactly one of Value or NotValue is set.
type When struct {
	Field    string  `yaml:"field"`
	Value    *string `yaml:"value,omitempty"`
	NotValue *string `yaml:"not_value,omitempty"`
}

func (w *When) validate() error {
	if w.Field == "" {
		return fmt.Errorf("when.field is required")
	}
	if (w.Value == nil) == (w.NotValue == nil) {
		return fmt.Errorf("when on %q needs exactly one of value or not_value", w.Field)
	}
	return nil
}

func (h ActionHook) validate() error {
	hasRun := strings.TrimSpace(h.Run) != ""
	hasCopy := h.Copy != nil
	if hasRun == hasCopy {
		return fmt.Errorf("hook %q needs exactly one of run or copy", h.Name)
	}
	if hasCopy {
		if h.Copy.Src == "" || h.Copy.Dest == "" {
			return fmt.Errorf("hook %q: copy needs src and dest", h.Name)
		}
		if _, err := h.Copy.FileMode(); err != nil {
			return fmt.Errorf("hook %q: %w", h.Name, err)
		}
	}
	if h.When != nil {
		if err := h.When.validate(); err != nil {
			return fmt.Errorf("hook %q: %w", h.Name, err)
		}
	}
	if h.Timeout < 0 {
		return fmt.Errorf("hook %q: timeout must not be negative", h.Name)
	}
	return nil
}
