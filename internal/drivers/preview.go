package drivers

import (
	"context"
	"fmt"
	"strconv"

	"provisioner/internal/solution"
)

type previewConfig struct {
	Video struct {
		Type            string `yaml:"type"`
		RTSPURLTemplate string `yaml:"rtsp_url_template"`
	} `yaml:"video"`
	MQTT struct {
		BrokerTemplate string `yaml:"broker_template"`
		Port           int    `yaml:"port"`
		TopicTemplate  string `yaml:"topic_template"`
		Topic          string `yaml:"topic"`
	} `yaml:"mqtt"`
}

// Preview publishes the stream and broker coordinates a viewer needs. It
// performs no I/O.
type Preview struct{}

func (d *Preview) RunPhase(ctx context.Context, phase string, env *Env) error {
	if phase != "preview_setup" {
		return unknownPhase(solution.StepPreview, phase)
	}
	var cfg previewConfig
	// The video and mqtt sections may sit under preview or at the top level.
	if ok, err := env.Decode("preview", &cfg); err != nil {
		return err
	} else if !ok && env.Config != nil {
		if err := env.Config.Decode(&cfg); err != nil {
			return fmt.Errorf("failed to decode preview config: %w", err)
		}
	}
	// Templates were rendered with the device config.
	rtsp := firstNonEmpty(env.Input("rtsp_url"), cfg.Video.RTSPURLTemplate)
	broker := firstNonEmpty(env.Input("mqtt_broker"), cfg.MQTT.BrokerTemplate)
	topic := firstNonEmpty(env.Input("mqtt_topic"), cfg.MQTT.TopicTemplate, cfg.MQTT.Topic)
	port := cfg.MQTT.Port
	if p, err := strconv.Atoi(env.Input("mqtt_port")); err == nil && p > 0 {
		port = p
	}
	if port == 0 {
		port = 1883
	}
	if rtsp != "" {
		env.Publish("rtsp_url", rtsp)
	}
	if broker != "" {
		env.Publish("mqtt_broker", broker)
		env.Publish("mqtt_port", strconv.Itoa(port))
	}
	if topic != "" {
		env.Publish("mqtt_topic", topic)
	}
	env.Log("preview ready")
	return nil
}
