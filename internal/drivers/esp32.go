package drivers

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"provisioner/internal/action"
	"provisioner/internal/solution"
)

type partition struct {
	Name   string `yaml:"name"`
	Offset string `yaml:"offset"`
	File   string `yaml:"file"`
}

type flashConfig struct {
	Chip       string      `yaml:"chip"`
	BaudRate   int         `yaml:"baud_rate"`
	Baudrate   int         `yaml:"baudrate"`
	FlashMode  string      `yaml:"flash_mode"`
	FlashFreq  string      `yaml:"flash_freq"`
	FlashSize  string      `yaml:"flash_size"`
	Erase      *bool       `yaml:"erase"`
	Partitions []partition `yaml:"partitions"`
	Timeout    int         `yaml:"timeout"`
}

type firmwareSource struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
	URL  string `yaml:"url"`
}

type firmwareConfig struct {
	Source      firmwareSource `yaml:"source"`
	FlashConfig flashConfig    `yaml:"flash_config"`
}

type detectionConfig struct {
	Method        string   `yaml:"method"`
	FallbackPorts []string `yaml:"fallback_ports"`
}

type postDeployment struct {
	ResetDevice   bool   `yaml:"reset_device"`
	VerifyService bool   `yaml:"verify_service"`
	ServiceName   string `yaml:"service_name"`
	URL           string `yaml:"url"`
}

func (f *flashConfig) applyDefaults() {
	if f.Chip == "" {
		f.Chip = "esp32s3"
	}
	if f.BaudRate == 0 {
		f.BaudRate = 921600
	}
	if f.Baudrate == 0 {
		f.Baudrate = 921600
	}
	if f.FlashMode == "" {
		f.FlashMode = "dio"
	}
	if f.FlashFreq == "" {
		f.FlashFreq = "80m"
	}
	if f.FlashSize == "" {
		f.FlashSize = "16MB"
	}
}

// serialPort picks the port from the serial_port input, then the device
// config's fallback ports.
func serialPort(env *Env) (string, error) {
	if p := env.Input("serial_port"); p != "" {
		return p, nil
	}
	var det detectionConfig
	if _, err := env.Decode("detection", &det); err != nil {
		return "", err
	}
	if len(det.FallbackPorts) > 0 {
		return det.FallbackPorts[0], nil
	}
	return "", fmt.Errorf("no serial port: set the serial_port input")
}

// ESP32 flashes firmware with esptool over USB serial.
type ESP32 struct {
	// Tool is the esptool executable; "esptool.py" when empty.
	Tool string
}

func (d *ESP32) tool() string {
	if d.Tool == "" {
		return "esptool.py"
	}
	return d.Tool
}

func (d *ESP32) RunPhase(ctx context.Context, phase string, env *Env) error {
	var fw firmwareConfig
	if ok, err := env.Decode("firmware", &fw); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("device config has no firmware section")
	}
	fc := fw.FlashConfig
	fc.applyDefaults()
	port, err := serialPort(env)
	if err != nil {
		return err
	}
	esptool := func(args ...string) action.Command {
		parts := []string{action.ShellQuote(d.tool()), "--port", action.ShellQuote(port)}
		for _, a := range args {
			parts = append(parts, action.ShellQuote(a))
		}
		return action.Command{Line: strings.Join(parts, " "), TTY: true}
	}

	switch phase {
	case "detect":
		if _, err := env.run(ctx, env.Local, esptool("chip_id")); err != nil {
			return fmt.Errorf("no %s answered on %s: %w", fc.Chip, port, err)
		}
		env.Publish("serial_port", port)
		return nil
	case "erase":
		if !boolOr(fc.Erase, true) {
			env.Log("flash erase disabled for this device")
			return nil
		}
		_, err := env.run(ctx, env.Local, esptool("--chip", fc.Chip, "erase_flash"))
		return err
	case "flash":
		images, err := d.images(env, fc)
		if err != nil {
			return err
		}
		args := []string{"--chip", fc.Chip, "--baud", strconv.Itoa(fc.BaudRate), "write_flash",
			"--flash_mode", fc.FlashMode, "--flash_freq", fc.FlashFreq, "--flash_size", fc.FlashSize}
		_, err = env.run(ctx, env.Local, esptool(append(args, images...)...))
		return err
	case "verify":
		images, err := d.images(env, fc)
		if err != nil {
			return err
		}
		if _, err := env.run(ctx, env.Local, esptool(append([]string{"--chip", fc.Chip, "verify_flash"}, images...)...)); err != nil {
			return err
		}
		var post postDeployment
		if _, err := env.Decode("post_deployment", &post); err != nil {
			return err
		}
		if post.ResetDevice {
			if _, err := env.run(ctx, env.Local, esptool("run")); err != nil {
				env.logger().Warn("device reset failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return nil
	}
	return unknownPhase(solution.StepESP32USB, phase)
}

// images returns offset/path pairs for every partition.
func (d *ESP32) images(env *Env, fc flashConfig) ([]string, error) {
	if len(fc.Partitions) == 0 {
		return nil, fmt.Errorf("firmware.flash_config has no partitions")
	}
	out := make([]string, 0, 2*len(fc.Partitions))
	for _, p := range fc.Partitions {
		if p.Offset == "" {
			return nil, fmt.Errorf("partition %s has no offset", p.Name)
		}
		file, err := env.Asset(p.File)
		if err != nil {
			return nil, fmt.Errorf("partition %s: %w", p.Name, err)
		}
		out = append(out, p.Offset, file)
	}
	return out, nil
}
