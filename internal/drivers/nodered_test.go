package drivers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNodeRed struct {
	mu       sync.Mutex
	deployed []map[string]interface{}
	deployTy string
	creds    map[string]string
}

func (f *fakeNodeRed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/flows":
		if f.deployed == nil {
			_, _ = io.WriteString(w, "[]")
			return
		}
		_ = json.NewEncoder(w).Encode(f.deployed)
	case r.Method == http.MethodPost && r.URL.Path == "/flows":
		f.deployTy = r.Header.Get("Node-RED-Deployment-Type")
		_ = json.NewDecoder(r.Body).Decode(&f.deployed)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut && len(r.URL.Path) > len("/credentials/"):
		body, _ := io.ReadAll(r.Body)
		if f.creds == nil {
			f.creds = map[string]string{}
		}
		f.creds[r.URL.Path[len("/credentials/"):]] = string(body)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

const flowJSON = `[
  {"id": "tab1", "type": "tab", "label": "Camera {{device_name}}"},
  {"id": "fn1", "type": "template", "template": "count={{payload.count}}"},
  {"id": "db1", "type": "influxdb", "url": "http://old:8086", "bucket": "old"},
  {"id": "out1", "type": "influxdb out", "bucket": "old"}
]`

func TestNodeRedPhases(t *testing.T) {
	fake := &fakeNodeRed{}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	env := newEnv(t, `
nodered:
  flow_file: flows.json
  port: `+u.Port()+`
`, map[string]string{
		"recamera_ip":    "127.0.0.1",
		"device_name":    `cam "A"`,
		"influxdb_url":   "http://influx:8086",
		"influxdb_token": "tok",
	}, nil, nil)
	writeAsset(t, env, "flows.json", flowJSON)
	d := &NodeRed{}

	for _, phase := range []string{"prepare", "load_flow", "configure", "connect", "deploy", "verify"} {
		require.NoError(t, d.RunPhase(context.Background(), phase, env), phase)
	}
	assert.Equal(t, "http://127.0.0.1:"+u.Port(), env.Outputs()["nodered_url"])
	assert.Equal(t, "full", fake.deployTy)
	require.Len(t, fake.deployed, 4)
	assert.Equal(t, `Camera cam "A"`, fake.deployed[0]["label"])
	assert.Equal(t, "count={{payload.count}}", fake.deployed[1]["template"])
	assert.Equal(t, "http://influx:8086", fake.deployed[2]["url"])
	assert.Equal(t, "seeed", fake.deployed[2]["org"])
	assert.Equal(t, "recamera", fake.deployed[2]["bucket"])
	assert.Equal(t, "recamera", fake.deployed[3]["bucket"])
	assert.JSONEq(t, `{"token":"tok"}`, fake.creds["db1"])
}

func TestNodeRedBadFlow(t *testing.T) {
	env := newEnv(t, "nodered:\n  flow_file: flows.json\n", nil, nil, nil)
	writeAsset(t, env, "flows.json", `{"not": "a list"}`)
	d := &NodeRed{}
	require.NoError(t, d.RunPhase(context.Background(), "prepare", env))
	assert.ErrorContains(t, d.RunPhase(context.Background(), "load_flow", env), "JSON node list")
}

func TestNodeRedUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()
	env := newEnv(t, "nodered:\n  port: "+u.Port()+"\n", map[string]string{"nodered_host": "127.0.0.1"}, nil, nil)
	assert.ErrorContains(t, (&NodeRed{}).RunPhase(context.Background(), "connect", env), "cannot reach Node-RED")

	env = newEnv(t, "nodered: {}\n", nil, nil, nil)
	assert.ErrorContains(t, (&NodeRed{}).RunPhase(context.Background(), "connect", env), "no Node-RED host")
}

func TestConfigureInfluxSelectsNode(t *testing.T) {
	env := newEnv(t, "", map[string]string{"influxdb_token": "t", "influxdb_bucket": "b"}, nil, nil)
	flow := []map[string]interface{}{
		{"id": "a", "type": "influxdb"},
		{"id": "b", "type": "influxdb"},
	}
	creds := configureInflux(flow, "b", env)
	assert.Equal(t, map[string]map[string]string{"b": {"token": "t"}}, creds)
	assert.NotContains(t, flow[0], "org")
	assert.Equal(t, "seeed", flow[1]["org"])
}
