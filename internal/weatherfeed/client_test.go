package weatherfeed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/dispatch-sync-service/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const alertBody = `{
  "features": [
    {
      "id": "urn:oid:2.49.0.1.840.0.1",
      "properties": {
        "event": "Severe Thunderstorm Warning",
        "headline": "Severe Thunderstorm Warning until 5 PM",
        "description": "Quarter size hail and 60 mph wind gusts.",
        "severity": "Severe",
        "urgency": "Immediate",
        "certainty": "Observed",
        "onset": "2026-04-01T15:30:00-05:00",
        "expires": "2026-04-01T17:00:00-05:00",
        "references": [{"identifier": "urn:oid:2.49.0.1.840.0.0"}],
        "affectedZones": ["TXZ123"]
      }
    },
    {
      "id": "",
      "properties": {"event": ""}
    },
    {
      "id": "urn:oid:2.49.0.1.840.0.2",
      "properties": {
        "event": "Flood Advisory",
        "severity": "made-up-severity"
      }
    }
  ]
}`

func TestFetchAlerts(t *testing.T) {
	var gotZone atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotZone.Store(r.URL.Query().Get("zone"))
		w.Header().Set("Content-Type", "application/geo+json")
		io.WriteString(w, alertBody) //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	alerts, err := c.FetchAlerts(context.Background(), "tenant-1", []string{"TXZ123", "TXZ124"})
	require.NoError(t, err)

	assert.Equal(t, "TXZ123,TXZ124", gotZone.Load())

	// The identity-less feature is dropped.
	require.Len(t, alerts, 2)

	first := alerts[0]
	assert.Equal(t, "urn:oid:2.49.0.1.840.0.1", first.ID)
	assert.Equal(t, "tenant-1", first.TenantID)
	assert.Equal(t, "Severe Thunderstorm Warning", first.Event)
	assert.Equal(t, "Severe", first.Severity)
	assert.Equal(t, []string{"urn:oid:2.49.0.1.840.0.0"}, first.References)
	assert.Equal(t, []string{"TXZ123"}, first.ZoneCodes)

	// Unrecognized enum values fall back to Unknown.
	assert.Equal(t, domain.UnknownValue, alerts[1].Severity)
	assert.Equal(t, domain.UnknownValue, alerts[1].Urgency)
}

func TestFetchAlerts_NoZones(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("no request expected when the tenant has no zones")
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	alerts, err := c.FetchAlerts(context.Background(), "tenant-1", nil)
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestFetchAlerts_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	_, err := c.FetchAlerts(context.Background(), "tenant-1", []string{"TXZ123"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestFetchAlerts_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, "not json") //nolint:errcheck
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, testLogger())
	_, err := c.FetchAlerts(context.Background(), "tenant-1", []string{"TXZ123"})
	require.Error(t, err)
}
