// Package agentclient is the HTTP client scraping workers use to talk to the
// orchestrator: claim work, report progress, finish items, and pick up
// pending commands from heartbeat replies.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Commands a worker can receive in a heartbeat reply.
const (
	CommandRotate   = "rotate"
	CommandShutdown = "shutdown"
)

// Heartbeat is the progress report sent on each poll.
type Heartbeat struct {
	WorkerID            string `json:"worker_id"`
	NetworkIdentity     string `json:"network_identity"`
	CurrentItemID       string `json:"current_item_id,omitempty"`
	ItemsProcessed      int    `json:"items_processed"`
	UnitsProcessed      int    `json:"units_processed"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	LifetimeFailures    int    `json:"lifetime_failures"`
	LastError           string `json:"last_error,omitempty"`
}

// HeartbeatReply carries the worker's authoritative status and any pending
// command.
type HeartbeatReply struct {
	Status         string `json:"status"`
	PendingCommand string `json:"pending_command"`
}

// WorkItem is one claimed unit of work.
type WorkItem struct {
	ID           string `json:"id"`
	ParentID     string `json:"parent_id"`
	Kind         string `json:"kind"`
	Name         string `json:"name"`
	AttemptCount int    `json:"attempt_count"`
}

// APIError is a non-2xx orchestrator response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator responded %d: %s", e.StatusCode, e.Message)
}

// Client talks to one orchestrator instance.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New constructs a Client. httpClient may be nil.
func New(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// Heartbeat reports progress and returns the orchestrator's reply. The caller
// must honor the pending command it carries.
func (c *Client) Heartbeat(ctx context.Context, hb Heartbeat) (HeartbeatReply, error) {
	var reply HeartbeatReply
	if err := c.post(ctx, "/v1/heartbeat", hb, &reply); err != nil {
		return HeartbeatReply{}, err
	}
	return reply, nil
}

// ClaimCity claims the next pending city. A nil item means the queue is
// empty.
func (c *Client) ClaimCity(ctx context.Context, workerID string) (*WorkItem, error) {
	return c.claim(ctx, "/v1/claims/city", map[string]string{"worker_id": workerID})
}

// ClaimArtist claims the next pending artist under a city. A nil item means
// the city has no artists left.
func (c *Client) ClaimArtist(ctx context.Context, workerID, cityID string) (*WorkItem, error) {
	return c.claim(ctx, "/v1/claims/artist", map[string]string{"worker_id": workerID, "city_id": cityID})
}

func (c *Client) claim(ctx context.Context, path string, body map[string]string) (*WorkItem, error) {
	var payload struct {
		Item WorkItem `json:"item"`
	}
	found, err := c.postMaybe(ctx, path, body, &payload)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &payload.Item, nil
}

// CompleteItem reports an item finished successfully.
func (c *Client) CompleteItem(ctx context.Context, itemID, workerID string) error {
	return c.post(ctx, "/v1/items/"+itemID+"/complete", map[string]string{"worker_id": workerID}, nil)
}

// FailItem reports an item failed with a reason.
func (c *Client) FailItem(ctx context.Context, itemID, workerID, reason string) error {
	return c.post(ctx, "/v1/items/"+itemID+"/fail",
		map[string]string{"worker_id": workerID, "reason": reason}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	_, err := c.postMaybe(ctx, path, body, out)
	return err
}

// postMaybe returns false without error on 204 No Content.
func (c *Client) postMaybe(ctx context.Context, path string, body, out any) (bool, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return false, nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := string(raw)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return false, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, fmt.Errorf("decode response: %w", err)
		}
	}
	return true, nil
}
