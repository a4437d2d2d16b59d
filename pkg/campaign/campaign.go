// Package campaign implements the best-effort campaigner/telemetry HTTP
// client: a thin wrapper sharing the Fetcher's http.Client idiom, used to
// list pending update campaigns and to report their acceptance back to the
// Director, and to push best-effort telemetry. None of this client's
// failures are ever propagated as fatal; every call logs and moves on.
package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cuemby/nimbus-ota/pkg/log"
)

// MetadataType names the kind of a CampaignMetadata entry.
type MetadataType string

const (
	MetadataDescription                  MetadataType = "DESCRIPTION"
	MetadataEstimatedInstallationDuration MetadataType = "ESTIMATED_INSTALLATION_DURATION"
	MetadataEstimatedPreparationDuration  MetadataType = "ESTIMATED_PREPARATION_DURATION"
)

// CampaignMetadata is one free-form attribute attached to a Campaign.
type CampaignMetadata struct {
	Type  MetadataType `json:"type"`
	Value string       `json:"value"`
}

// Campaign describes one pending update campaign offered by the server.
type Campaign struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	AutoAccept bool               `json:"autoAccept,omitempty"`
	Metadata   []CampaignMetadata `json:"metadata"`
}

type campaignsResponse struct {
	Campaigns []Campaign `json:"campaigns"`
}

type stateRequest struct {
	State string `json:"state"`
}

// Client is a best-effort HTTP client for the campaigner and telemetry
// endpoints.
type Client struct {
	HTTP   *http.Client
	Server string
}

// New creates a Client with a 30 second timeout, matching the rest of this
// module's HTTP client defaults.
func New(server string) *Client {
	return &Client{HTTP: &http.Client{Timeout: 30 * time.Second}, Server: server}
}

// ListCampaigns fetches the server's current campaign list. A transport or
// decode failure is returned to the caller (pollCampaigns in cmd/nimbus-ota
// logs and skips this tick) rather than retried here.
func (c *Client) ListCampaigns(ctx context.Context) ([]Campaign, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/campaigner/campaigns", c.Server), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("campaign list: unexpected status %d", resp.StatusCode)
	}
	var out campaignsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Campaigns, nil
}

// AcceptCampaign PUTs {"state": "accepted"} for the given campaign id.
func (c *Client) AcceptCampaign(ctx context.Context, id string) error {
	return c.putState(ctx, id, "accepted")
}

// DeclineCampaign PUTs {"state": "declined"} for the given campaign id.
func (c *Client) DeclineCampaign(ctx context.Context, id string) error {
	return c.putState(ctx, id, "declined")
}

func (c *Client) putState(ctx context.Context, id, state string) error {
	body, err := json.Marshal(stateRequest{State: state})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/campaigner/campaigns/%s", c.Server, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("campaign %s state %s: unexpected status %d", id, state, resp.StatusCode)
	}
	return nil
}

// ReportNetworkInfo PUTs best-effort telemetry to {server}/system_info/network.
// Failures are logged and swallowed, matching the original's no-retry
// telemetry policy.
func (c *Client) ReportNetworkInfo(ctx context.Context, payload any) {
	c.reportBestEffort(ctx, "/system_info/network", payload)
}

// ReportSystemInfo PUTs best-effort telemetry to {server}/core/system_info.
func (c *Client) ReportSystemInfo(ctx context.Context, payload any) {
	c.reportBestEffort(ctx, "/core/system_info", payload)
}

// ReportInstalled PUTs best-effort telemetry to {server}/core/installed.
func (c *Client) ReportInstalled(ctx context.Context, payload any) {
	c.reportBestEffort(ctx, "/core/installed", payload)
}

func (c *Client) reportBestEffort(ctx context.Context, path string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("telemetry payload marshal failed")
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.Server+path, bytes.NewReader(body))
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("telemetry request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", path).Msg("telemetry PUT failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		log.Logger.Warn().Int("status", resp.StatusCode).Str("path", path).Msg("telemetry PUT rejected")
	}
}
