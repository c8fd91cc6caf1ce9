package meshsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Client is the pull channel: one-shot snapshot fetches and state-changing
// calls. No retry is built in; the caller decides whether to retry. Response
// entities pass through the same variant-tolerant extraction as push frames,
// since both sources must yield identical canonical entities.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// FetchPeers returns the peer collection snapshot. The endpoint may answer
// with a bare array or an object wrapping it under "peers".
func (c *Client) FetchPeers(ctx context.Context) ([]Peer, error) {
	items, err := c.fetchCollection(ctx, "/api/peers", "peers")
	if err != nil {
		return nil, err
	}
	peers := make([]Peer, 0, len(items))
	for _, item := range items {
		if peer, ok := peerFromRaw(item); ok {
			peers = append(peers, peer)
		}
	}
	return peers, nil
}

// FetchNodes returns the node collection snapshot ("items"-wrapped or bare).
func (c *Client) FetchNodes(ctx context.Context) ([]Node, error) {
	items, err := c.fetchCollection(ctx, "/api/nodes", "items")
	if err != nil {
		return nil, err
	}
	nodes := make([]Node, 0, len(items))
	for _, item := range items {
		if node, ok := nodeFromRaw(item); ok {
			nodes = append(nodes, node)
		}
	}
	return nodes, nil
}

// FetchWorkloads returns the workload collection snapshot.
func (c *Client) FetchWorkloads(ctx context.Context) ([]Workload, error) {
	items, err := c.fetchCollection(ctx, "/api/workloads", "workloads")
	if err != nil {
		return nil, err
	}
	workloads := make([]Workload, 0, len(items))
	for _, item := range items {
		if workload, ok := workloadFromRaw(item); ok {
			workloads = append(workloads, workload)
		}
	}
	return workloads, nil
}

// FetchIdentity looks up the client's own identity.
func (c *Client) FetchIdentity(ctx context.Context) (Identity, error) {
	raw, err := c.doObject(ctx, http.MethodGet, "/api/identity", nil)
	if err != nil {
		return Identity{}, err
	}
	id, ok := stringField(raw, "id", "peer_id", "data.id")
	if !ok || id == "" {
		return Identity{}, &DecodeError{What: "/api/identity id"}
	}
	name, _ := stringField(raw, "name", "display_name", "data.name")
	return Identity{ID: id, Name: name}, nil
}

// CreateWorkload submits a new workload and returns the server's
// representation of it.
func (c *Client) CreateWorkload(ctx context.Context, spec WorkloadSpec) (Workload, error) {
	return c.workloadCall(ctx, "/api/workloads", spec)
}

// CancelWorkload cancels by identifier and returns the mutated workload.
func (c *Client) CancelWorkload(ctx context.Context, id string) (Workload, error) {
	if strings.TrimSpace(id) == "" {
		return Workload{}, ErrInvalidInput
	}
	return c.workloadCall(ctx, "/api/workloads/"+url.PathEscape(id)+"/cancel", nil)
}

// RetryWorkload requeues a failed workload and returns the mutated workload.
func (c *Client) RetryWorkload(ctx context.Context, id string) (Workload, error) {
	if strings.TrimSpace(id) == "" {
		return Workload{}, ErrInvalidInput
	}
	return c.workloadCall(ctx, "/api/workloads/"+url.PathEscape(id)+"/retry", nil)
}

func (c *Client) workloadCall(ctx context.Context, path string, body any) (Workload, error) {
	raw, err := c.doObject(ctx, http.MethodPost, path, body)
	if err != nil {
		return Workload{}, err
	}
	workload, ok := workloadFromRaw(raw)
	if !ok {
		return Workload{}, &DecodeError{What: path + " workload id"}
	}
	return workload, nil
}

// fetchCollection tolerates both response shapes the deployments use: a bare
// JSON array, or an object with the array under wrapField.
func (c *Client) fetchCollection(ctx context.Context, path, wrapField string) ([]map[string]any, error) {
	payload, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	trimmed := bytes.TrimSpace(payload)
	var items []any
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &DecodeError{What: path, Err: err}
		}
	} else {
		var wrapper map[string]any
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, &DecodeError{What: path, Err: err}
		}
		value, ok := wrapper[wrapField]
		if !ok {
			return nil, &DecodeError{What: path, Err: fmt.Errorf("missing field %q", wrapField)}
		}
		items, ok = value.([]any)
		if !ok {
			return nil, &DecodeError{What: path, Err: fmt.Errorf("field %q is not an array", wrapField)}
		}
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Client) doObject(ctx context.Context, method, path string, body any) (map[string]any, error) {
	payload, err := c.do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, &DecodeError{What: path, Err: err}
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Correlation-Id", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return nil, &TransportError{Op: method + " " + path, Err: readErr}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var errPayload struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(payload, &errPayload)
		message := errPayload.Message
		if message == "" {
			message = errPayload.Code
		}
		return nil, &TransportError{Op: method + " " + path, StatusCode: resp.StatusCode, Message: message}
	}
	return payload, nil
}
