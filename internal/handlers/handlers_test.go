package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/httputil"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/ratelimit"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
	"github.com/cis-datafabric/sensor-ingest/internal/sink/memory"
)

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// rowFailingSink reports one row error for every batch it receives.
type rowFailingSink struct {
	failIndex int
	permanent bool
}

func (s *rowFailingSink) Name() string { return "failing" }
func (s *rowFailingSink) Kind() event.SinkKind { return event.Relational }
func (s *rowFailingSink) Ping(context.Context) error { return errors.New("connection refused") }
func (s *rowFailingSink) Close() error { return nil }

func (s *rowFailingSink) Persist(_ context.Context, b *batch.Batch) (sink.Result, error) {
	return sink.Failed(sink.RowError{Index: s.failIndex, Detail: "value too long", Permanent: s.permanent}), nil
}

type fakeLimiter struct {
	allowed bool
	err     error
}

func (l *fakeLimiter) Allow(context.Context, string) (bool, error) { return l.allowed, l.err }
func (l *fakeLimiter) Close() error { return nil }

type keyRecorder struct {
	keys []string
}

func (l *keyRecorder) Allow(_ context.Context, key string) (bool, error) {
	l.keys = append(l.keys, key)
	return true, nil
}

func (l *keyRecorder) Close() error { return nil }

func newController(s sink.Sink, transport string) *delivery.Controller {
	return delivery.New(s, batch.NewAssembler(func() time.Time { return fixedTime }),
		delivery.WithLogger(logging.Discard()),
		delivery.WithTransport(transport),
	)
}

func newTestHandler(relational, analytical sink.Sink, limiter ratelimit.RateLimiter) *IngestHandler {
	var push *delivery.Controller
	if analytical != nil {
		push = newController(analytical, "push")
	}
	return NewIngestHandler(newController(relational, "http"), push, limiter, 1<<20, logging.Discard())
}

func post(t *testing.T, fn http.HandlerFunc, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "10.0.0.7:51234"
	rr := httptest.NewRecorder()
	fn(rr, req)
	return rr
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	return body["error"]
}

func TestIngest_SingleObject(t *testing.T) {
	store := memory.New(event.Relational)
	h := newTestHandler(store, nil, nil)

	rr := post(t, h.Ingest, "/ingest", `{"source":"nova","device_id":"nova-001","temperature":36.5}`)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"success","count":1}`, rr.Body.String())

	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, "nova", records[0].Source)
	assert.Equal(t, "nova-001", records[0].DeviceID)
	assert.Equal(t, fixedTime, records[0].IngestTimestamp)
}

func TestIngest_Array(t *testing.T) {
	store := memory.New(event.Relational)
	h := newTestHandler(store, nil, nil)

	body := `[
		{"source":"virgo","device_id":"virgo-A","lat":52.1},
		{"source":"virgo","device_id":"virgo-B","lat":52.2},
		{"source":"virgo","device_id":"virgo-C","lat":52.3}
	]`
	rr := post(t, h.Ingest, "/ingest", body)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"success","count":3}`, rr.Body.String())

	records := store.Records()
	require.Len(t, records, 3)
	for i, r := range records {
		assert.Equal(t, "virgo", r.Source, "record %d", i)
		assert.Equal(t, records[0].IngestTimestamp, r.IngestTimestamp)
	}
	assert.Equal(t, 1, store.Batches())
}

func TestIngest_EmptyObjectIsUnknown(t *testing.T) {
	store := memory.New(event.Relational)
	h := newTestHandler(store, nil, nil)

	rr := post(t, h.Ingest, "/ingest", `{}`)

	require.Equal(t, http.StatusOK, rr.Code)
	records := store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, event.Unknown, records[0].Source)
	assert.Equal(t, event.Unknown, records[0].DeviceID)
}

func TestIngest_ClientErrors(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"empty body", "", "no JSON data"},
		{"whitespace body", "   \n", "no JSON data"},
		{"string value", `"hello"`, "body must be a JSON object or an array of objects"},
		{"number value", `42`, "body must be a JSON object or an array of objects"},
		{"malformed", `{"source":`, "body is not valid JSON"},
		{"array with scalar", `[{"source":"a"}, 7]`, "array element is not a JSON object (index 1)"},
		{"empty array", `[]`, "array contains no events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New(event.Relational)
			h := newTestHandler(store, nil, nil)

			rr := post(t, h.Ingest, "/ingest", tt.body)

			require.Equal(t, http.StatusBadRequest, rr.Code)
			assert.Equal(t, tt.wantErr, decodeError(t, rr))
			assert.Empty(t, store.Records())
		})
	}
}

func TestIngest_SinkFailureIsServerError(t *testing.T) {
	h := newTestHandler(&rowFailingSink{failIndex: 1}, nil, nil)

	body := `[{"source":"a"},{"source":"b"},{"source":"c"}]`
	rr := post(t, h.Ingest, "/ingest", body)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	msg := decodeError(t, rr)
	assert.Contains(t, msg, "record 1: value too long")
	assert.NotContains(t, rr.Body.String(), `"count"`)
}

func TestIngest_UnstorableContentIsClientError(t *testing.T) {
	h := newTestHandler(&rowFailingSink{failIndex: 0, permanent: true}, nil, nil)

	rr := post(t, h.Ingest, "/ingest", `{"source":"nova","note":"\u0000"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr), "record 0: value too long")
}

func TestIngest_MethodNotAllowed(t *testing.T) {
	h := newTestHandler(memory.New(event.Relational), nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	rr := httptest.NewRecorder()
	h.Ingest(rr, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	assert.Equal(t, http.MethodPost, rr.Header().Get("Allow"))
}

func TestIngest_BodyTooLarge(t *testing.T) {
	store := memory.New(event.Relational)
	h := NewIngestHandler(newController(store, "http"), nil, nil, 16, logging.Discard())

	rr := post(t, h.Ingest, "/ingest", `{"source":"nova","padding":"xxxxxxxxxxxxxxxx"}`)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.Empty(t, store.Records())
}

func TestIngest_RateLimited(t *testing.T) {
	h := newTestHandler(memory.New(event.Relational), nil, &fakeLimiter{allowed: false})

	rr := post(t, h.Ingest, "/ingest", `{"source":"nova"}`)

	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestIngest_RateLimitKey(t *testing.T) {
	limiter := &keyRecorder{}
	h := newTestHandler(memory.New(event.Relational), nil, limiter)

	for _, xff := range []string{"198.51.100.1", "198.51.100.2"} {
		req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"source":"nova"}`))
		req.RemoteAddr = "10.0.0.7:51234"
		req.Header.Set("X-Forwarded-For", xff)
		h.Ingest(httptest.NewRecorder(), req)
	}
	assert.Equal(t, []string{"10.0.0.7", "10.0.0.7"}, limiter.keys)

	trusted, err := httputil.ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)
	h.TrustProxies(trusted)
	limiter.keys = nil

	req := httptest.NewRequest(http.MethodPost, "/ingest", strings.NewReader(`{"source":"nova"}`))
	req.RemoteAddr = "10.0.0.7:51234"
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	h.Ingest(httptest.NewRecorder(), req)
	assert.Equal(t, []string{"198.51.100.1"}, limiter.keys)
}

func TestIngest_LimiterErrorFailsOpen(t *testing.T) {
	store := memory.New(event.Relational)
	h := newTestHandler(store, nil, &fakeLimiter{err: errors.New("redis: connection refused")})

	rr := post(t, h.Ingest, "/ingest", `{"source":"nova"}`)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, store.Records(), 1)
}

func TestIngest_RedisRateLimiter(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter, err := ratelimit.NewRedisRateLimiter(context.Background(), "redis://"+mr.Addr(), 2, time.Minute)
	require.NoError(t, err)
	defer limiter.Close()

	h := newTestHandler(memory.New(event.Relational), nil, limiter)

	assert.Equal(t, http.StatusOK, post(t, h.Ingest, "/ingest", `{"source":"nova"}`).Code)
	assert.Equal(t, http.StatusOK, post(t, h.Ingest, "/ingest", `{"source":"nova"}`).Code)
	assert.Equal(t, http.StatusTooManyRequests, post(t, h.Ingest, "/ingest", `{"source":"nova"}`).Code)
}

func pushBody(t *testing.T, payload string) string {
	t.Helper()
	msg, err := envelope.Encode([]byte(payload))
	require.NoError(t, err)
	return `{"message":` + string(msg) + `,"subscription":"projects/fleet/subscriptions/telemetry-push"}`
}

func TestPush_Envelope(t *testing.T) {
	store := memory.New(event.Analytical)
	h := newTestHandler(memory.New(event.Relational), store, nil)

	rr := post(t, h.Push, "/pubsub/push", pushBody(t, `[{"type":"gps","lat":1},{"device_type":"meter","kwh":3}]`))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"success","count":2}`, rr.Body.String())

	records := store.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "gps", records[0].Source)
	assert.Equal(t, "meter", records[1].Source)
	assert.Empty(t, records[0].DeviceID)
}

func TestPush_BadBase64(t *testing.T) {
	store := memory.New(event.Analytical)
	h := newTestHandler(memory.New(event.Relational), store, nil)

	rr := post(t, h.Push, "/pubsub/push", `{"message":{"data":"%%%not-base64"},"subscription":"s"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeError(t, rr), "decode base64")
	assert.Empty(t, store.Records())
}

func TestPush_SinkFailure(t *testing.T) {
	h := newTestHandler(memory.New(event.Relational), &rowFailingSink{failIndex: 0}, nil)

	rr := post(t, h.Push, "/pubsub/push", pushBody(t, `{"source":"virgo"}`))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

type pinger func(ctx context.Context) error

func (p pinger) Ping(ctx context.Context) error { return p(ctx) }

func TestHealth(t *testing.T) {
	h := NewHealthHandler(nil)

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rr.Body.String())
}

func TestReady(t *testing.T) {
	ok := pinger(func(context.Context) error { return nil })
	down := pinger(func(context.Context) error { return errors.New("dial tcp: connection refused") })

	t.Run("all dependencies up", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"postgres": ok, "redis": ok})
		rr := httptest.NewRecorder()
		h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"status":"ready","checks":{"postgres":"ok","redis":"ok"}}`, rr.Body.String())
	})

	t.Run("one dependency down", func(t *testing.T) {
		h := NewHealthHandler(map[string]Pinger{"postgres": ok, "opensearch": down})
		rr := httptest.NewRecorder()
		h.Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.JSONEq(t,
			`{"status":"not ready","checks":{"postgres":"ok","opensearch":"dial tcp: connection refused"}}`,
			rr.Body.String())
	})
}
