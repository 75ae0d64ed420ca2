package opensearch

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/normalizer"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

var fixedTime = time.Date(2025, 3, 1, 12, 0, 0, 123456789, time.UTC)

func analyticalBatch(t *testing.T, body string) *batch.Batch {
	t.Helper()
	objs, err := normalizer.Normalize([]byte(body))
	require.NoError(t, err)
	return batch.NewAssembler(func() time.Time { return fixedTime }).Assemble(event.Analytical, objs)
}

// mockCluster answers the endpoints the sink uses. failItems lists bulk
// item positions to report as rejected.
type mockCluster struct {
	mu        sync.Mutex
	bulkPaths []string
	docs      []sink.AnalyticalRow
	templates int
	failItems map[int]bool
	bulkCode  int
}

func (m *mockCluster) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.URL.Path == "/":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"name":"test-node","cluster_name":"test-cluster","version":{"number":"2.11.0","distribution":"opensearch"}}`))

		case strings.HasSuffix(r.URL.Path, "/_bulk"):
			m.mu.Lock()
			defer m.mu.Unlock()
			m.bulkPaths = append(m.bulkPaths, r.URL.Path)

			if m.bulkCode != 0 {
				w.WriteHeader(m.bulkCode)
				_, _ = w.Write([]byte(`{"error":"cluster_block_exception"}`))
				return
			}

			body, _ := io.ReadAll(r.Body)
			scanner := bufio.NewScanner(bytes.NewReader(body))
			var items []map[string]any
			line := 0
			for scanner.Scan() {
				text := strings.TrimSpace(scanner.Text())
				if text == "" {
					continue
				}
				line++
				if line%2 == 1 {
					continue
				}
				var doc sink.AnalyticalRow
				if err := json.Unmarshal([]byte(text), &doc); err != nil {
					t.Errorf("invalid bulk document %q: %v", text, err)
				}
				idx := len(items)
				if m.failItems[idx] {
					items = append(items, map[string]any{"index": map[string]any{
						"status": 400,
						"error":  map[string]any{"type": "mapper_parsing_exception", "reason": "failed to parse field [ingest_timestamp]"},
					}})
					continue
				}
				m.docs = append(m.docs, doc)
				items = append(items, map[string]any{"index": map[string]any{"status": 201, "result": "created"}})
			}

			w.WriteHeader(http.StatusOK)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"took":   3,
				"errors": len(m.failItems) > 0,
				"items":  items,
			})

		case strings.HasPrefix(r.URL.Path, "/_index_template/"):
			m.mu.Lock()
			m.templates++
			m.mu.Unlock()
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))

		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"acknowledged":true}`))
		}
	}
}

func setupSink(t *testing.T, m *mockCluster) *Sink {
	t.Helper()
	server := httptest.NewServer(m.handler(t))
	t.Cleanup(server.Close)

	cfg := DefaultConfig()
	cfg.URL = server.URL
	cfg.Index = "test-telemetry"

	s, err := New(cfg, logging.Discard())
	require.NoError(t, err)
	return s
}

func TestPersist_AllIndexed(t *testing.T) {
	m := &mockCluster{}
	s := setupSink(t, m)

	b := analyticalBatch(t, `[{"source":"virgo","device_id":"virgo-A","humidity":45},{"type":"sensor","x":1},{"device_type":"meter"}]`)
	res, err := s.Persist(context.Background(), b)

	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 3, res.Count)

	require.Len(t, m.docs, 3)
	assert.Equal(t, []string{"/test-telemetry/_bulk"}, m.bulkPaths)
	assert.Equal(t, "virgo", m.docs[0].SourceType)
	assert.Equal(t, "sensor", m.docs[1].SourceType)
	assert.Equal(t, "meter", m.docs[2].SourceType)
	for _, doc := range m.docs {
		assert.Equal(t, "2025-03-01T12:00:00.123456789Z", doc.IngestTimestamp)
	}
	assert.JSONEq(t, `{"source":"virgo","device_id":"virgo-A","humidity":45}`, m.docs[0].Payload)
}

func TestPersist_PartialFailureReportsIndex(t *testing.T) {
	m := &mockCluster{failItems: map[int]bool{1: true}}
	s := setupSink(t, m)

	res, err := s.Persist(context.Background(), analyticalBatch(t, `[{"source":"a"},{"source":"b"},{"source":"c"}]`))

	require.NoError(t, err)
	require.False(t, res.OK())
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, "mapper_parsing_exception: failed to parse field [ingest_timestamp]", res.Errors[0].Detail)
}

func TestPersist_BulkRequestRejected(t *testing.T) {
	m := &mockCluster{bulkCode: http.StatusForbidden}
	s := setupSink(t, m)

	res, err := s.Persist(context.Background(), analyticalBatch(t, `{"source":"nova"}`))

	require.NoError(t, err)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, sink.WholeBatch, res.Errors[0].Index)
	assert.Contains(t, res.Errors[0].Detail, "403")
}

func TestPersist_Unreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "http://127.0.0.1:1"
	s, err := New(cfg, logging.Discard())
	require.NoError(t, err)

	_, err = s.Persist(context.Background(), analyticalBatch(t, `{"source":"nova"}`))
	assert.Error(t, err)
}

func TestInitialize(t *testing.T) {
	m := &mockCluster{}
	s := setupSink(t, m)

	require.NoError(t, s.Initialize(context.Background()))
	assert.Equal(t, 1, m.templates)
	assert.NoError(t, s.Ping(context.Background()))
}

func TestBulkBody(t *testing.T) {
	body, err := bulkBody(analyticalBatch(t, `[{"source":"a"},{"source":"b"}]`))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSuffix(string(body), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, `{"index":{}}`, lines[0])
	assert.Equal(t, `{"index":{}}`, lines[2])
	assert.JSONEq(t, `{"ingest_timestamp":"2025-03-01T12:00:00.123456789Z","source_type":"b","payload":"{\"source\":\"b\"}"}`, lines[3])
}

func TestRowErrors_ItemCountMismatch(t *testing.T) {
	resp := bulkResponse{Items: []map[string]bulkResponseItem{{"index": {Status: 201}}}}

	errs := resp.rowErrors(2)
	require.Len(t, errs, 1)
	assert.Equal(t, sink.WholeBatch, errs[0].Index)
}
