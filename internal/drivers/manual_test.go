package drivers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualAcknowledge(t *testing.T) {
	env := newEnv(t, "", nil, nil, nil)
	env.Title = "Plug in the camera"

	var asked string
	d := &Manual{Acknowledger: AcknowledgerFunc(func(_ context.Context, step, title string) (bool, error) {
		asked = step + ": " + title
		return true, nil
	})}
	require.NoError(t, d.RunPhase(context.Background(), "acknowledge", env))
	assert.Equal(t, "step1: Plug in the camera", asked)

	assert.NoError(t, (&Manual{Acknowledger: AutoAck{}}).RunPhase(context.Background(), "acknowledge", env))
	assert.ErrorIs(t, (&Manual{}).RunPhase(context.Background(), "acknowledge", env), ErrNotAcknowledged)

	boom := errors.New("terminal closed")
	d.Acknowledger = AcknowledgerFunc(func(context.Context, string, string) (bool, error) { return false, boom })
	assert.ErrorIs(t, d.RunPhase(context.Background(), "acknowledge", env), boom)
}

func TestPreviewPublishesEndpoints(t *testing.T) {
	env := newEnv(t, `
preview:
  video:
    type: rtsp
    rtsp_url_template: "rtsp://{{host}}:554/live"
  mqtt:
    broker_template: "{{host}}"
    topic_template: "recamera/{{device_id}}/detections"
`, map[string]string{"host": "10.0.0.7", "device_id": "cam1"}, nil, nil)
	require.NoError(t, (&Preview{}).RunPhase(context.Background(), "preview_setup", env))
	assert.Equal(t, map[string]string{
		"rtsp_url":    "rtsp://10.0.0.7:554/live",
		"mqtt_broker": "10.0.0.7",
		"mqtt_port":   "1883",
		"mqtt_topic":  "recamera/cam1/detections",
	}, env.Outputs())
}

func TestPreviewInputsOverride(t *testing.T) {
	env := newEnv(t, "", map[string]string{"rtsp_url": "rtsp://x/y", "mqtt_port": "8883", "mqtt_broker": "b"}, nil, nil)
	require.NoError(t, (&Preview{}).RunPhase(context.Background(), "preview_setup", env))
	out := env.Outputs()
	assert.Equal(t, "rtsp://x/y", out["rtsp_url"])
	assert.Equal(t, "8883", out["mqtt_port"])
	assert.NotContains(t, out, "mqtt_topic")
}
