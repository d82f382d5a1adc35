package planner

import (
	"strings"

	"provisioner/internal/solution"
)

// Hook phases, inserted only when the step declares hooks for that side.
const (
	PhaseActionsBefore = "actions_before"
	PhaseActionsAfter  = "actions_after"
	// PhaseAcknowledge is the single phase of a manual step.
	PhaseAcknowledge = "acknowledge"
)

// registry maps a concrete step type to its canonical phase order. A trailing
// "*" marks a phase that is dropped when its hook list is empty.
var registry = map[solution.StepType][]string{
	solution.StepDockerLocal: {
		"actions_before*", "pull_images", "create_volumes", "start_services", "health_check", "actions_after*",
	},
	solution.StepDockerRemote: {
		"connect", "check_os", "check_docker", "prepare", "actions_before*",
		"upload", "pull_images", "start_services", "health_check", "actions_after*",
	},
	solution.StepESP32USB: {
		"actions_before*", "detect", "erase", "flash", "verify", "actions_after*",
	},
	solution.StepHimaxUSB: {
		"actions_before*", "detect", "prepare", "flash", "verify", "actions_after*",
	},
	solution.StepRecameraCpp: {
		"connect", "precheck", "prepare", "actions_before*", "transfer", "install",
		"models", "configure", "actions_after*", "start", "verify",
	},
	solution.StepRecameraNodeRed: {
		"actions_before*", "prepare", "load_flow", "configure", "connect", "deploy", "verify", "actions_after*",
	},
	solution.StepSSHDeb: {
		"connect", "actions_before*", "transfer", "install", "verify", "actions_after*",
	},
	solution.StepScript: {
		"actions_before*", "validate", "setup", "configure", "start", "health_check", "actions_after*",
	},
	solution.StepHAIntegration: {
		"auth", "detect", "ssh", "actions_before*", "copy", "restart", "integrate", "actions_after*",
	},
	solution.StepPreview: {
		"preview_setup",
	},
	solution.StepManual: {
		PhaseAcknowledge,
	},
}

// remoteTypes need an SSH session for their main operation.
var remoteTypes = map[solution.StepType]bool{
	solution.StepDockerRemote:  true,
	solution.StepSSHDeb:        true,
	solution.StepRecameraCpp:   true,
	solution.StepHAIntegration: true,
}

// Template returns the phase template of a concrete type with "*" markers
// intact. docker_deploy has no template of its own; it resolves to
// docker_local or docker_remote through its target.
func Template(t solution.StepType) ([]string, bool) {
	tpl, ok := registry[t]
	if !ok {
		return nil, false
	}
	out := make([]string, len(tpl))
	copy(out, tpl)
	return out, true
}

// expand drops conditional hook phases whose list is empty and strips markers.
func expand(tpl []string, hasBefore, hasAfter bool) []string {
	out := make([]string, 0, len(tpl))
	for _, p := range tpl {
		name := strings.TrimSuffix(p, "*")
		if name != p {
			if name == PhaseActionsBefore && !hasBefore {
				continue
			}
			if name == PhaseActionsAfter && !hasAfter {
				continue
			}
		}
		out = append(out, name)
	}
	return out
}
