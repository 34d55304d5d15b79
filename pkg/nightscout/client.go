// Package nightscout reports doses and pump status to a Nightscout site
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // the Nightscout API-SECRET header is a sha1 hex digest
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/avereha/podmanager/pkg/dose"
	"github.com/avereha/podmanager/pkg/manager"

	log "github.com/sirupsen/logrus"
)

const enteredBy = "podmanager"

// Client is a manager.Sink backed by the Nightscout REST API
type Client struct {
	baseURL    string
	apiSecret  string
	httpClient *http.Client
	clock      func() time.Time
}

func NewClient(baseURL, apiSecret string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		clock: time.Now,
	}
}

func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// Treatment is the subset of the Nightscout treatment document written for doses
type Treatment struct {
	EventType      string  `json:"eventType"`
	CreatedAt      string  `json:"created_at"`
	EnteredBy      string  `json:"enteredBy"`
	SyncIdentifier string  `json:"syncIdentifier"`
	Insulin        float64 `json:"insulin,omitempty"`
	Absolute       float64 `json:"absolute"`
	Rate           float64 `json:"rate,omitempty"`
	Duration       float64 `json:"duration"` // minutes
}

func newTreatment(d dose.Dose) Treatment {
	ret := Treatment{
		CreatedAt:      d.StartTime.UTC().Format(time.RFC3339),
		EnteredBy:      enteredBy,
		SyncIdentifier: d.SyncIdentifier(),
		Duration:       d.EndTime.Sub(d.StartTime).Minutes(),
	}
	switch d.Type {
	case dose.TempBasal:
		ret.EventType = "Temp Basal"
		ret.Absolute = d.Value
		ret.Rate = d.Value
	default:
		ret.EventType = "Correction Bolus"
		ret.Insulin = d.Value
	}
	return ret
}

type pumpStatus struct {
	Status    string `json:"status"`
	Suspended bool   `json:"suspended"`
	Bolusing  bool   `json:"bolusing"`
	Timestamp string `json:"timestamp"`
}

type pump struct {
	Clock        string     `json:"clock"`
	Manufacturer string     `json:"manufacturer"`
	Model        string     `json:"model"`
	Reservoir    *float64   `json:"reservoir_percent,omitempty"`
	Status       pumpStatus `json:"status"`
}

// DeviceStatus is the devicestatus document written on every status update
type DeviceStatus struct {
	Device    string `json:"device"`
	CreatedAt string `json:"created_at"`
	Pump      pump   `json:"pump"`
}

func newDeviceStatus(status manager.Status, now time.Time) DeviceStatus {
	ts := now.UTC().Format(time.RFC3339)
	state := "normal"
	switch {
	case status.IsSuspended:
		state = "suspended"
	case status.IsBolusing:
		state = "bolusing"
	case status.IsTempBasalRunning:
		state = "temp basal"
	}
	ret := DeviceStatus{
		Device:    fmt.Sprintf("%s://%s/%s", enteredBy, status.Device.Name, status.Device.LocalIdentifier),
		CreatedAt: ts,
		Pump: pump{
			Clock:        ts,
			Manufacturer: status.Device.Manufacturer,
			Model:        status.Device.Model,
			Status: pumpStatus{
				Status:    state,
				Suspended: status.IsSuspended,
				Bolusing:  status.IsBolusing,
				Timestamp: ts,
			},
		},
	}
	if status.ReservoirLevel != nil {
		percent := *status.ReservoirLevel * 100
		ret.Pump.Reservoir = &percent
	}
	return ret
}

func (c *Client) post(ctx context.Context, endpoint string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, string(msg))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ReportDoses uploads doses as treatments. Nightscout dedupes on the sync
// identifier, so reporting the same dose again is harmless.
func (c *Client) ReportDoses(ctx context.Context, doses []dose.Dose) error {
	if len(doses) == 0 {
		return nil
	}
	treatments := make([]Treatment, 0, len(doses))
	for _, d := range doses {
		treatments = append(treatments, newTreatment(d))
	}
	if err := c.post(ctx, "/api/v1/treatments", treatments); err != nil {
		return fmt.Errorf("upload treatments: %w", err)
	}
	log.Debugf("Uploaded %d treatments", len(treatments))
	return nil
}

func (c *Client) ReportStatusUpdate(ctx context.Context, status manager.Status) error {
	if err := c.post(ctx, "/api/v1/devicestatus", newDeviceStatus(status, c.clock())); err != nil {
		return fmt.Errorf("upload device status: %w", err)
	}
	return nil
}

func (c *Client) ReportHeartbeat(ctx context.Context) {
	log.Debugf("Heartbeat %s", c.clock().Format(time.RFC3339))
}
