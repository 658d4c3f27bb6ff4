// Package vultr provisions worker compute on Vultr VPS instances. Destroying
// and recreating an instance is also how a worker gets a fresh egress IP.
package vultr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/inkdex/fleet-orchestrator/internal/fleet"
)

const defaultBaseURL = "https://api.vultr.com/v2"

// Config holds the instance template applied to every worker.
type Config struct {
	APIKey       string
	BaseURL      string
	Region       string
	Plan         string
	OSID         int
	LabelPrefix  string
	BootTimeout  time.Duration
	PollInterval time.Duration
}

// Provisioner implements fleet.Provisioner against the Vultr REST API.
type Provisioner struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// New constructs a Provisioner. Zero config fields fall back to the instance
// template the fleet has always run on.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Provisioner {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Region == "" {
		cfg.Region = "lax"
	}
	if cfg.Plan == "" {
		cfg.Plan = "vc2-1c-1gb"
	}
	if cfg.OSID == 0 {
		cfg.OSID = 1743 // Ubuntu 22.04 LTS
	}
	if cfg.BootTimeout <= 0 {
		cfg.BootTimeout = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Provisioner{cfg: cfg, client: client, logger: logger}
}

type instance struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	MainIP string `json:"main_ip"`
	Status string `json:"status"`
}

type instanceEnvelope struct {
	Instance instance `json:"instance"`
}

type apiError struct {
	Error string `json:"error"`
}

// CreateWorker creates an instance labeled after the worker and blocks until
// it is active with an assigned IP.
func (p *Provisioner) CreateWorker(ctx context.Context, name string) (fleet.ProvisionResult, error) {
	label := p.cfg.LabelPrefix + name
	body := map[string]any{
		"region":      p.cfg.Region,
		"plan":        p.cfg.Plan,
		"os_id":       p.cfg.OSID,
		"label":       label,
		"hostname":    label,
		"enable_ipv6": false,
		"backups":     "disabled",
	}
	var env instanceEnvelope
	if err := p.do(ctx, http.MethodPost, "/instances", body, &env); err != nil {
		return fleet.ProvisionResult{}, fmt.Errorf("create instance: %w", err)
	}
	p.logger.Info("vultr instance created",
		zap.String("instance_id", env.Instance.ID),
		zap.String("label", label),
	)
	active, err := p.waitForActive(ctx, env.Instance.ID)
	if err != nil {
		return fleet.ProvisionResult{}, err
	}
	return fleet.ProvisionResult{Ref: active.ID, NetworkIdentity: active.MainIP}, nil
}

// ReplaceIdentity destroys the instance behind ref and creates a fresh one
// under the same label. The new instance boots with a new egress IP.
func (p *Provisioner) ReplaceIdentity(ctx context.Context, ref string) (fleet.ProvisionResult, error) {
	var env instanceEnvelope
	if err := p.do(ctx, http.MethodGet, "/instances/"+ref, nil, &env); err != nil {
		return fleet.ProvisionResult{}, fmt.Errorf("lookup instance: %w", err)
	}
	label := env.Instance.Label
	if err := p.Destroy(ctx, ref); err != nil {
		return fleet.ProvisionResult{}, err
	}

	body := map[string]any{
		"region":      p.cfg.Region,
		"plan":        p.cfg.Plan,
		"os_id":       p.cfg.OSID,
		"label":       label,
		"hostname":    label,
		"enable_ipv6": false,
		"backups":     "disabled",
	}
	var created instanceEnvelope
	if err := p.do(ctx, http.MethodPost, "/instances", body, &created); err != nil {
		return fleet.ProvisionResult{}, fmt.Errorf("recreate instance: %w", err)
	}
	p.logger.Info("vultr instance replaced",
		zap.String("old_instance_id", ref),
		zap.String("new_instance_id", created.Instance.ID),
		zap.String("label", label),
	)
	active, err := p.waitForActive(ctx, created.Instance.ID)
	if err != nil {
		return fleet.ProvisionResult{}, err
	}
	return fleet.ProvisionResult{Ref: active.ID, NetworkIdentity: active.MainIP}, nil
}

// Destroy deletes an instance. An already-deleted instance is not an error.
func (p *Provisioner) Destroy(ctx context.Context, ref string) error {
	err := p.do(ctx, http.MethodDelete, "/instances/"+ref, nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("destroy instance: %w", err)
	}
	p.logger.Info("vultr instance destroyed", zap.String("instance_id", ref))
	return nil
}

// waitForActive polls until the instance reports active with an IP, bounded by
// BootTimeout.
func (p *Provisioner) waitForActive(ctx context.Context, instanceID string) (instance, error) {
	deadline := time.Now().Add(p.cfg.BootTimeout)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var env instanceEnvelope
		if err := p.do(ctx, http.MethodGet, "/instances/"+instanceID, nil, &env); err != nil {
			return instance{}, fmt.Errorf("poll instance: %w", err)
		}
		if env.Instance.Status == "active" && env.Instance.MainIP != "" && env.Instance.MainIP != "0.0.0.0" {
			return env.Instance, nil
		}
		if time.Now().After(deadline) {
			return instance{}, fmt.Errorf("instance %s not active within %s", instanceID, p.cfg.BootTimeout)
		}
		select {
		case <-ctx.Done():
			return instance{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

type statusError struct {
	code    int
	message string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vultr api status %d: %s", e.code, e.message)
}

func (p *Provisioner) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		msg := string(raw)
		if json.Unmarshal(raw, &ae) == nil && ae.Error != "" {
			msg = ae.Error
		}
		return &statusError{code: resp.StatusCode, message: msg}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
