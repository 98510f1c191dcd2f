package feed

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/dispatch-sync-service/internal/feedcrypt"
	"github.com/couchcryptid/dispatch-sync-service/internal/observability"
)

const testSecret = "unit-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// encryptEnvelope mirrors the upstream encoder so tests can serve real
// envelopes: EVP_BytesToKey(MD5) key derivation, AES-256-CBC, PKCS7, and the
// JSON-string quote artifact around the payload.
func encryptEnvelope(t *testing.T, payload string) feedcrypt.Envelope {
	t.Helper()

	quoted, err := json.Marshal(payload)
	require.NoError(t, err)

	salt, _ := hex.DecodeString("0011223344556677")
	iv, _ := hex.DecodeString("101112131415161718191a1b1c1d1e1f")

	var key, prev []byte
	for len(key) < 32 {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(testSecret))
		h.Write(salt)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}

	block, err := aes.NewCipher(key[:32])
	require.NoError(t, err)

	pad := aes.BlockSize - len(quoted)%aes.BlockSize
	for i := 0; i < pad; i++ {
		quoted = append(quoted, byte(pad))
	}
	ct := make([]byte, len(quoted))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, quoted)

	return feedcrypt.Envelope{
		CipherText: base64.StdEncoding.EncodeToString(ct),
		IV:         hex.EncodeToString(iv),
		Salt:       hex.EncodeToString(salt),
	}
}

func serveEnvelope(t *testing.T, payload string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		env := encryptEnvelope(t, payload)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(env) //nolint:errcheck
	}
}

const incidentsPayload = `{"incidents":{"active":[{"IncidentNumber":"26-1","CallType":"SF"}],"recent":[{"IncidentNumber":"26-2"}],"closed":[{"IncidentNumber":"26-3"}]}}`

func newTestClient(primary, fallback string, timeout time.Duration) *Client {
	return NewClient(primary, fallback, timeout, feedcrypt.New(testSecret), observability.NewMetricsForTesting(), testLogger())
}

func TestFetchIncidents_Primary(t *testing.T) {
	var gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery.Store(r.URL.Query().Encode())
		serveEnvelope(t, incidentsPayload)(w, r)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", 5*time.Second)
	records, err := c.FetchIncidents(context.Background(), "agency-9")
	require.NoError(t, err)

	require.Len(t, records, 3)
	assert.Equal(t, "26-1", records[0]["IncidentNumber"])
	assert.Equal(t, "26-3", records[2]["IncidentNumber"])
	assert.Equal(t, "agencyid=agency-9&resource=incidents", gotQuery.Load())
}

func TestFetchIncidents_FallbackOnPrimaryFailure(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(serveEnvelope(t, incidentsPayload))
	defer fallback.Close()

	c := newTestClient(primary.URL, fallback.URL, 5*time.Second)
	records, err := c.FetchIncidents(context.Background(), "agency-9")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestFetchIncidents_FallbackOnPrimaryTimeout(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer primary.Close()
	fallback := httptest.NewServer(serveEnvelope(t, incidentsPayload))
	defer fallback.Close()

	c := newTestClient(primary.URL, fallback.URL, 100*time.Millisecond)
	records, err := c.FetchIncidents(context.Background(), "agency-9")
	require.NoError(t, err)
	assert.Len(t, records, 3)
}

func TestFetchIncidents_BothEndpointsFail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, srv.URL, time.Second)
	_, err := c.FetchIncidents(context.Background(), "agency-9")

	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "agency-9", ferr.AgencyID)
}

func TestFetchIncidents_MalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `{"not": "an envelope"}`) //nolint:errcheck
	}))
	defer srv.Close()

	c := newTestClient(srv.URL, "", time.Second)
	_, err := c.FetchIncidents(context.Background(), "agency-9")

	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
}

func TestFetchIncidents_WrongSecret(t *testing.T) {
	srv := httptest.NewServer(serveEnvelope(t, incidentsPayload))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second, feedcrypt.New("some-other-secret"), observability.NewMetricsForTesting(), testLogger())
	_, err := c.FetchIncidents(context.Background(), "agency-9")

	var derr *feedcrypt.DecryptionError
	require.ErrorAs(t, err, &derr)
}

func TestFetchUnitLegend(t *testing.T) {
	legendArray := `[{"UnitKey":"E1","Description":"Engine 1"},{"UnitKey":"L2","Description":"Ladder 2"}]`

	shapes := map[string]string{
		"bare array":         legendArray,
		"units wrapper":      `{"units":` + legendArray + `}`,
		"UnitLegend wrapper": `{"UnitLegend":` + legendArray + `}`,
	}

	for name, payload := range shapes {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(serveEnvelope(t, payload))
			defer srv.Close()

			c := newTestClient(srv.URL, "", time.Second)
			legend, available, err := c.FetchUnitLegend(context.Background(), "agency-9")
			require.NoError(t, err)
			assert.True(t, available)
			assert.Equal(t, map[string]string{"E1": "Engine 1", "L2": "Ladder 2"}, legend)
		})
	}

	t.Run("404 means unavailable", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		c := newTestClient(srv.URL, srv.URL, time.Second)
		legend, available, err := c.FetchUnitLegend(context.Background(), "agency-9")
		require.NoError(t, err)
		assert.False(t, available)
		assert.Nil(t, legend)
		// 404 is an answer, not a failure: no failover attempt.
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("unrecognized shape", func(t *testing.T) {
		srv := httptest.NewServer(serveEnvelope(t, `{"legend": 42}`))
		defer srv.Close()

		c := newTestClient(srv.URL, "", time.Second)
		_, _, err := c.FetchUnitLegend(context.Background(), "agency-9")
		var formatErr *FormatError
		require.ErrorAs(t, err, &formatErr)
	})

	t.Run("resource parameter", func(t *testing.T) {
		var gotResource atomic.Value
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotResource.Store(r.URL.Query().Get("resource"))
			serveEnvelope(t, legendArray)(w, r)
		}))
		defer srv.Close()

		c := newTestClient(srv.URL, "", time.Second)
		_, _, err := c.FetchUnitLegend(context.Background(), "agency-9")
		require.NoError(t, err)
		assert.Equal(t, "unitlegend", gotResource.Load())
	})
}

func TestFetchIncidents_QuotedNumbersSurvive(t *testing.T) {
	// Numeric call numbers must come through the artifact stripping intact.
	payload := `{"incidents":{"active":[{"IncidentNumber":` + strconv.Itoa(4411) + `}],"recent":[],"closed":[]}}`
	srv := httptest.NewServer(serveEnvelope(t, payload))
	defer srv.Close()

	c := newTestClient(srv.URL, "", time.Second)
	records, err := c.FetchIncidents(context.Background(), "agency-9")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, float64(4411), records[0]["IncidentNumber"])
}
