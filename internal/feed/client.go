// Package feed fetches incident data from the dispatch aggregator. Each
// logical source ("agency") is fetched from a primary endpoint with a
// structurally identical fallback; every attempt gets its own timeout.
// A source failing never aborts sibling sources: the coordinator logs the
// typed error and moves on.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
	"github.com/couchcryptid/dispatch-sync-service/internal/feedcrypt"
	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
)

// FetchError reports that both the primary and fallback endpoints failed for
// one source.
type FetchError struct {
	Resource string
	AgencyID string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s for agency %q: %v", e.Resource, e.AgencyID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FormatError reports a decrypted payload that matched no known shape.
type FormatError struct {
	Resource string
	Detail   string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unrecognized %s payload: %s", e.Resource, e.Detail)
}

// Client fetches and decrypts agency data.
type Client struct {
	primaryURL  string
	fallbackURL string
	httpClient  *http.Client
	codec       *feedcrypt.Codec
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewClient creates a feed client. fallbackURL may be empty to disable
// failover. timeout bounds each attempt independently.
func NewClient(primaryURL, fallbackURL string, timeout time.Duration, codec *feedcrypt.Codec, metrics *observability.Metrics, logger *slog.Logger) *Client {
	return &Client{
		primaryURL:  primaryURL,
		fallbackURL: fallbackURL,
		httpClient:  &http.Client{Timeout: timeout},
		codec:       codec,
		metrics:     metrics,
		logger:      logger,
	}
}

// incidentPayload is the decrypted incidents response.
type incidentPayload struct {
	Incidents struct {
		Active []domain.RawRecord `json:"active"`
		Recent []domain.RawRecord `json:"recent"`
		Closed []domain.RawRecord `json:"closed"`
	} `json:"incidents"`
}

// FetchIncidents fetches one agency's incident arrays and concatenates them.
func (c *Client) FetchIncidents(ctx context.Context, agencyID string) ([]domain.RawRecord, error) {
	body, _, err := c.fetch(ctx, "incidents", agencyID, false)
	if err != nil {
		return nil, err
	}

	plain, err := c.open(body, "incidents")
	if err != nil {
		return nil, err
	}

	var payload incidentPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, &FormatError{Resource: "incidents", Detail: fmt.Sprintf("decode payload: %v", err)}
	}

	records := make([]domain.RawRecord, 0,
		len(payload.Incidents.Active)+len(payload.Incidents.Recent)+len(payload.Incidents.Closed))
	records = append(records, payload.Incidents.Active...)
	records = append(records, payload.Incidents.Recent...)
	records = append(records, payload.Incidents.Closed...)
	return records, nil
}

// legendEntry is one unit-legend row.
type legendEntry struct {
	UnitKey     string `json:"UnitKey"`
	Description string `json:"Description"`
}

// FetchUnitLegend fetches the unit code legend for an agency. The second
// return is false when the feed has no legend for this agency (HTTP 404),
// which is an expected condition, not an error.
func (c *Client) FetchUnitLegend(ctx context.Context, agencyID string) (map[string]string, bool, error) {
	body, found, err := c.fetch(ctx, "unitlegend", agencyID, true)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	plain, err := c.open(body, "unitlegend")
	if err != nil {
		return nil, false, err
	}

	entries, err := parseLegendEntries(plain)
	if err != nil {
		return nil, false, err
	}

	legend := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.UnitKey != "" {
			legend[e.UnitKey] = e.Description
		}
	}
	return legend, true, nil
}

// parseLegendEntries accepts the three shapes the feed is known to return:
// a bare array, or the array nested under "units" or "UnitLegend".
func parseLegendEntries(plain []byte) ([]legendEntry, error) {
	var bare []legendEntry
	if err := json.Unmarshal(plain, &bare); err == nil {
		return bare, nil
	}

	var nested struct {
		Units      []legendEntry `json:"units"`
		UnitLegend []legendEntry `json:"UnitLegend"`
	}
	if err := json.Unmarshal(plain, &nested); err == nil {
		if nested.Units != nil {
			return nested.Units, nil
		}
		if nested.UnitLegend != nil {
			return nested.UnitLegend, nil
		}
	}
	return nil, &FormatError{Resource: "unitlegend", Detail: "payload is neither an entry array nor a units/UnitLegend object"}
}

// open decodes the envelope wrapper and decrypts it.
func (c *Client) open(body []byte, resource string) ([]byte, error) {
	var env feedcrypt.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &FormatError{Resource: resource, Detail: fmt.Sprintf("decode envelope: %v", err)}
	}
	if env.CipherText == "" {
		return nil, &FormatError{Resource: resource, Detail: "envelope has no ciphertext"}
	}
	plain, err := c.codec.Decrypt(env)
	if err != nil {
		c.metrics.DecryptErrors.Inc()
		return nil, err
	}
	return plain, nil
}

// fetch tries the primary endpoint, then the fallback, each under its own
// timeout. When notFoundOK is set an HTTP 404 is returned as found=false
// rather than triggering failover.
func (c *Client) fetch(ctx context.Context, resource, agencyID string, notFoundOK bool) (body []byte, found bool, err error) {
	endpoints := []struct {
		name string
		base string
	}{
		{"primary", c.primaryURL},
		{"fallback", c.fallbackURL},
	}

	var errs []error
	for _, ep := range endpoints {
		if ep.base == "" {
			continue
		}
		body, status, attemptErr := c.attempt(ctx, ep.base, resource, agencyID)
		switch {
		case attemptErr != nil:
			c.metrics.FetchFailures.WithLabelValues(ep.name).Inc()
			c.logger.Warn("feed request failed",
				"endpoint", ep.name, "resource", resource, "agency_id", agencyID, "error", attemptErr)
			errs = append(errs, fmt.Errorf("%s: %w", ep.name, attemptErr))
		case status == http.StatusOK:
			return body, true, nil
		case notFoundOK && status == http.StatusNotFound:
			return nil, false, nil
		default:
			c.metrics.FetchFailures.WithLabelValues(ep.name).Inc()
			c.logger.Warn("feed returned non-2xx",
				"endpoint", ep.name, "resource", resource, "agency_id", agencyID, "status", status)
			errs = append(errs, fmt.Errorf("%s: status %d", ep.name, status))
		}
	}
	return nil, false, &FetchError{Resource: resource, AgencyID: agencyID, Err: errors.Join(errs...)}
}

func (c *Client) attempt(ctx context.Context, base, resource, agencyID string) ([]byte, int, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, 0, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("resource", resource)
	q.Set("agencyid", agencyID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, nil
}
