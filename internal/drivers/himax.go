package drivers

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

const defaultHimaxFlasher = "python -m sscma.cli flash"

type himaxModel struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Offset   string `yaml:"offset"`
	Required bool   `yaml:"required"`
	Default  *bool  `yaml:"default"`
}

type himaxFirmware struct {
	Source      firmwareSource `yaml:"source"`
	FlashConfig struct {
		flashConfig `yaml:",inline"`
		Models      []himaxModel `yaml:"models"`
	} `yaml:"flash_config"`
}

type himaxImage struct {
	label  string
	path   string
	offset string
}

type himaxState struct {
	images []himaxImage
}

// Himax flashes a Himax WE2 board through the SSCMA command line flasher.
type Himax struct {
	// Flasher is the command prefix; port, baud rate and image are appended.
	Flasher string
}

func (d *Himax) flasher() string {
	if d.Flasher == "" {
		return defaultHimaxFlasher
	}
	return d.Flasher
}

func (d *Himax) RunPhase(ctx context.Context, phase string, env *Env) error {
	var fw himaxFirmware
	if ok, err := env.Decode("firmware", &fw); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("device config has no firmware section")
	}
	fw.FlashConfig.applyDefaults()
	port, err := serialPort(env)
	if err != nil {
		return err
	}
	st := stateOf[himaxState](env, "himax")

	switch phase {
	case "detect":
		if err := portPresent(port); err != nil {
			return err
		}
		env.Log("device detected on %s", port)
		env.Publish("serial_port", port)
		return nil
	case "prepare":
		st.images, err = d.images(env, &fw)
		return err
	case "flash":
		if st.images == nil {
			if st.images, err = d.images(env, &fw); err != nil {
				return err
			}
		}
		for _, img := range st.images {
			line := fmt.Sprintf("%s --port %s --baudrate %d", d.flasher(), action.ShellQuote(port), fw.FlashConfig.Baudrate)
			if img.offset != "" {
				line += " --offset " + action.ShellQuote(img.offset)
			}
			line += " " + action.ShellQuote(img.path)
			env.Log("flashing %s", img.label)
			if _, err := env.run(ctx, env.Local, action.Command{Line: line, TTY: true}); err != nil {
				return fmt.Errorf("flash %s: %w", img.label, err)
			}
		}
		return nil
	case "verify":
		// The board re-enumerates after flashing.
		within := time.Duration(fw.FlashConfig.Timeout) * time.Second
		if within <= 0 {
			within = 60 * time.Second
		}
		return waitHealthy(ctx, env, "serial port "+port, within, func(context.Context) error {
			return portPresent(port)
		})
	}
	return unknownPhase(solution.StepHimaxUSB, phase)
}

// images lists the base firmware and the selected models. The models input,
// when set, is a comma-separated list of model ids; otherwise required and
// default models are flashed.
func (d *Himax) images(env *Env, fw *himaxFirmware) ([]himaxImage, error) {
	base, err := env.Asset(fw.Source.Path)
	if err != nil {
		return nil, fmt.Errorf("firmware image: %w", err)
	}
	out := []himaxImage{{label: "firmware", path: base}}

	chosen := map[string]bool{}
	explicit := false
	if sel := env.Input("models"); sel != "" {
		explicit = true
		for _, id := range strings.Split(sel, ",") {
			chosen[strings.TrimSpace(id)] = true
		}
	}
	for _, m := range fw.FlashConfig.Models {
		want := m.Required || (explicit && chosen[m.ID]) || (!explicit && boolOr(m.Default, true))
		if !want {
			continue
		}
		p, err := env.Asset(m.Path)
		if err != nil {
			return nil, fmt.Errorf("model %s: %w", m.ID, err)
		}
		offset := m.Offset
		if offset == "" {
			offset = "0x0"
		}
		out = append(out, himaxImage{label: "model " + firstNonEmpty(m.Name, m.ID), path: p, offset: offset})
	}
	return out, nil
}

// portPresent checks a serial device node exists. COM ports on Windows have no
// node, so only the name is checked there.
func portPresent(port string) error {
	if runtime.GOOS == "windows" {
		if !strings.HasPrefix(strings.ToUpper(port), "COM") {
			return fmt.Errorf("invalid serial port %q", port)
		}
		if _, err := strconv.Atoi(port[3:]); err != nil {
			return fmt.Errorf("invalid serial port %q", port)
		}
		return nil
	}
	if _, err := os.Stat(port); err != nil {
		return fmt.Errorf("serial port %s not found", port)
	}
	return nil
}
