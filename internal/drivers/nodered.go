package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"provisioner/internal/solution"
	"provisioner/internal/vars"
)

const defaultNodeRedPort = 1880

type nodeRedConfig struct {
	FlowFile       string `yaml:"flow_file"`
	Port           int    `yaml:"port"`
	InfluxDBNodeID string `yaml:"influxdb_node_id"`
}

type nodeRedState struct {
	raw         []byte
	flow        []map[string]interface{}
	credentials map[string]map[string]string
}

// NodeRed deploys a flow to a Node-RED instance through its admin API.
type NodeRed struct{}

func (d *NodeRed) baseURL(env *Env, cfg nodeRedConfig) (string, error) {
	host := env.Input("nodered_host", "recamera_ip", "host")
	if host == "" {
		return "", fmt.Errorf("no Node-RED host: set the nodered_host or recamera_ip input")
	}
	port := cfg.Port
	if port == 0 {
		port = defaultNodeRedPort
	}
	return "http://" + host + ":" + strconv.Itoa(port), nil
}

func (d *NodeRed) RunPhase(ctx context.Context, phase string, env *Env) error {
	var cfg nodeRedConfig
	if ok, err := env.Decode("nodered", &cfg); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("device config has no nodered section")
	}
	st := stateOf[nodeRedState](env, "nodered")

	switch phase {
	case "prepare":
		p, err := env.Asset(cfg.FlowFile)
		if err != nil {
			return fmt.Errorf("flow file: %w", err)
		}
		st.raw, err = os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("failed to read flow file: %w", err)
		}
		return nil
	case "load_flow":
		// Flows carry their own mustache templates, so only bound names are
		// replaced. Values land inside JSON strings.
		text := vars.SubstituteBound(string(st.raw), env.Bindings, jsonEscape)
		if err := json.Unmarshal([]byte(text), &st.flow); err != nil {
			return fmt.Errorf("flow file is not a JSON node list: %w", err)
		}
		env.Log("flow loaded with %d nodes", len(st.flow))
		return nil
	case "configure":
		st.credentials = configureInflux(st.flow, cfg.InfluxDBNodeID, env)
		return nil
	case "connect":
		base, err := d.baseURL(env, cfg)
		if err != nil {
			return err
		}
		if _, err := d.getFlows(ctx, env, base); err != nil {
			return fmt.Errorf("cannot reach Node-RED at %s: %w", base, err)
		}
		env.Publish("nodered_url", base)
		return nil
	case "deploy":
		base, err := d.baseURL(env, cfg)
		if err != nil {
			return err
		}
		body, err := json.Marshal(st.flow)
		if err != nil {
			return err
		}
		header := http.Header{"Content-Type": {"application/json"}, "Node-RED-Deployment-Type": {"full"}}
		if err := d.send(ctx, env, http.MethodPost, base+"/flows", body, header); err != nil {
			return err
		}
		for id, creds := range st.credentials {
			data, _ := json.Marshal(creds)
			if err := d.send(ctx, env, http.MethodPut, base+"/credentials/"+id, data, http.Header{"Content-Type": {"application/json"}}); err != nil {
				env.logger().Warn("failed to set node credentials", map[string]interface{}{"node": id, "error": err.Error()})
			}
		}
		return nil
	case "verify":
		base, err := d.baseURL(env, cfg)
		if err != nil {
			return err
		}
		nodes, err := d.getFlows(ctx, env, base)
		if err != nil {
			return err
		}
		env.Log("Node-RED reports %d nodes", nodes)
		return nil
	}
	return unknownPhase(solution.StepRecameraNodeRed, phase)
}

// getFlows fetches the deployed flow and returns its node count.
func (d *NodeRed) getFlows(ctx context.Context, env *Env, base string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/flows", nil)
	if err != nil {
		return 0, err
	}
	resp, err := env.httpClient().Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("GET /flows: status %d", resp.StatusCode)
	}
	var nodes []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&nodes); err != nil {
		// Newer admin APIs wrap the list as {"flows": [...]}.
		return 0, nil
	}
	return len(nodes), nil
}

func (d *NodeRed) send(ctx context.Context, env *Env, method, url string, body []byte, header http.Header) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header = header
	resp, err := env.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

// configureInflux points InfluxDB nodes at the influxdb_* inputs and returns
// the token credentials to set per node.
func configureInflux(flow []map[string]interface{}, nodeID string, env *Env) map[string]map[string]string {
	url := env.Input("influxdb_url")
	token := env.Input("influxdb_token")
	org := firstNonEmpty(env.Input("influxdb_org"), "seeed")
	bucket := firstNonEmpty(env.Input("influxdb_bucket"), "recamera")

	creds := map[string]map[string]string{}
	for _, node := range flow {
		switch node["type"] {
		case "influxdb":
			id, _ := node["id"].(string)
			if nodeID != "" && id != nodeID {
				continue
			}
			if url != "" {
				node["url"] = url
			}
			node["org"] = org
			if _, ok := node["bucket"]; ok {
				node["bucket"] = bucket
			}
			if token != "" && id != "" {
				creds[id] = map[string]string{"token": token}
			}
		case "influxdb out":
			node["bucket"] = bucket
		}
	}
	return creds
}

// jsonEscape escapes s for use inside a JSON string literal.
func jsonEscape(s string) string {
	b, _ := json.Marshal(s)
	return string(b[1 : len(b)-1])
}
