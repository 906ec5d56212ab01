package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// AdminClient is the worker node's client for the admin node API.
// Transient transport errors are retried with backoff.
type AdminClient struct {
	baseURL string
	peerID  string
	apiKey  string
	http    *retryablehttp.Client
}

// NewAdminClient creates a client for the admin node API. peerID and
// apiKey may be empty before registration.
func NewAdminClient(baseURL, peerID, apiKey string) *AdminClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 1 * time.Second
	client.RetryWaitMax = 10 * time.Second
	client.Logger = nil
	client.HTTPClient.Timeout = 30 * time.Second

	return &AdminClient{
		baseURL: baseURL,
		peerID:  peerID,
		apiKey:  apiKey,
		http:    client,
	}
}

// SetCredentials installs the node credentials after registration.
func (c *AdminClient) SetCredentials(peerID, apiKey string) {
	c.peerID = peerID
	c.apiKey = apiKey
}

// RegisterNodeResult is the admin node's registration response.
type RegisterNodeResult struct {
	NodeID string `json:"node_id"`
	APIKey string `json:"api_key"`
}

// Register registers this worker with the admin node.
func (c *AdminClient) Register(name, peerID, address, networkID string) (*RegisterNodeResult, error) {
	var result RegisterNodeResult
	err := c.post("/api/v1/nodes/register", RegisterNodeRequest{
		Name:      name,
		PeerID:    peerID,
		Address:   address,
		NetworkID: networkID,
	}, &result)
	if err != nil {
		return nil, err
	}
	c.SetCredentials(peerID, result.APIKey)
	return &result, nil
}

// Heartbeat reports liveness and current load.
func (c *AdminClient) Heartbeat(responseTime time.Duration, load float64) error {
	return c.post("/api/v1/nodes/heartbeat", HeartbeatRequest{
		ResponseTimeMillis: responseTime.Milliseconds(),
		CurrentLoad:        load,
	}, nil)
}

// SessionKey fetches the transport key of a transfer session addressed
// to this node. Chunks of the session cannot be unsealed without it.
func (c *AdminClient) SessionKey(sessionID string) ([]byte, error) {
	var result SessionKeyResult
	if err := c.get("/api/v1/nodes/sessions/"+sessionID+"/key", &result); err != nil {
		return nil, err
	}
	return result.Key, nil
}

func (c *AdminClient) post(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *AdminClient) get(path string, out any) error {
	req, err := retryablehttp.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *AdminClient) do(req *retryablehttp.Request, out any) error {
	if c.peerID != "" {
		req.Header.Set("X-Peer-ID", c.peerID)
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Error != "" {
			return fmt.Errorf("admin api error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("admin api error: status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
