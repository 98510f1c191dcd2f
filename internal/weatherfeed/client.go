// Package weatherfeed fetches active weather alerts for a tenant's zones.
package weatherfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
)

// Client queries an alert endpoint speaking the api.weather.gov active-alerts
// format.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type alertResponse struct {
	Features []domain.WeatherFeature `json:"features"`
}

// FetchAlerts returns the active alerts covering any of the given zones.
// Features missing an identifier or event are dropped with a warning.
func (c *Client) FetchAlerts(ctx context.Context, tenantID string, zones []string) ([]domain.WeatherAlert, error) {
	if len(zones) == 0 {
		return nil, nil
	}

	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse alert endpoint: %w", err)
	}
	q := u.Query()
	q.Set("zone", strings.Join(zones, ","))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Accept", "application/geo+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch alerts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch alerts: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read alert response: %w", err)
	}

	var parsed alertResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode alert response: %w", err)
	}

	alerts := make([]domain.WeatherAlert, 0, len(parsed.Features))
	for _, f := range parsed.Features {
		alert, ok := domain.ParseWeatherFeature(tenantID, f)
		if !ok {
			c.logger.Warn("skipping alert feature without identity", "tenant_id", tenantID)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, nil
}
