package simulator

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/normalizer"
)

func TestGenerator_SameSeedSameFleet(t *testing.T) {
	a := NewGenerator(42).Fleet()
	b := NewGenerator(42).Fleet()

	if diff := cmp.Diff(a, b); diff != "" {
		t.Errorf("fleet differs for equal seeds (-a +b):\n%s", diff)
	}
}

func TestGenerator_FleetShapes(t *testing.T) {
	fleet := NewGenerator(7).Fleet()
	require.Len(t, fleet, 3)

	assert.Equal(t, "nova", fleet[0].Body.(map[string]any)["source"])
	assert.Equal(t, "orion", fleet[1].Body.(map[string]any)["source"])

	virgo, ok := fleet[2].Body.([]map[string]any)
	require.True(t, ok, "virgo body should be an array")
	require.Len(t, virgo, 3)
	for _, r := range virgo {
		assert.Equal(t, "virgo", r["source"])
	}
	assert.Equal(t, "virgo-A", virgo[0]["device_id"])
}

func TestGenerator_Generate(t *testing.T) {
	g := NewGenerator(1)

	ev, err := g.Generate("virgo", 5)
	require.NoError(t, err)
	assert.Len(t, ev.Body.([]map[string]any), 5)

	ev, err = g.Generate("gauge", 0)
	require.NoError(t, err)
	body := ev.Body.(map[string]any)
	_, hasType := body["type"]
	_, hasDeviceType := body["device_type"]
	assert.True(t, hasType != hasDeviceType, "gauge carries exactly one of type or device_type")

	_, err = g.Generate("pulsar", 0)
	assert.Error(t, err)
}

func TestParseScenario(t *testing.T) {
	data := []byte(`
name: mixed-fleet
interval: 250ms
repeat: 2
events:
  - producer: nova
  - producer: virgo
    count: 4
  - payload: {"source": "legacy", "reading": 7}
`)
	s, err := ParseScenario(data)
	require.NoError(t, err)
	assert.Equal(t, "mixed-fleet", s.Name)
	assert.Equal(t, 2, s.Repeat)
	assert.Equal(t, "250ms", s.Interval.String())

	events, err := s.Build(NewGenerator(3))
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Len(t, events[1].Body.([]map[string]any), 4)
	assert.Equal(t, "legacy", events[2].Body.(map[string]any)["source"])
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no events", "name: empty\n"},
		{"event without producer or payload", "events:\n  - count: 3\n"},
		{"not yaml", "events: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestScenario_UnknownProducer(t *testing.T) {
	s, err := ParseScenario([]byte("events:\n  - producer: pulsar\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Repeat)

	_, err = s.Build(NewGenerator(1))
	assert.ErrorContains(t, err, "pulsar")
}

type recordingSender struct {
	mu     sync.Mutex
	bodies []string
	fail   map[int]bool
}

func (s *recordingSender) Send(_ context.Context, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.bodies)
	s.bodies = append(s.bodies, string(body))
	if s.fail[n] {
		return errors.New("connection reset")
	}
	return nil
}

func TestRunner_CountsFailures(t *testing.T) {
	sender := &recordingSender{fail: map[int]bool{1: true}}
	r := NewRunner(sender, 0, logging.Discard())

	stats, err := r.Run(context.Background(), NewGenerator(9).Fleet())
	require.NoError(t, err)
	assert.Equal(t, Stats{Sent: 2, Failed: 1}, stats)
	require.Len(t, sender.bodies, 3)

	// every generated body is accepted by the normalizer
	for _, body := range sender.bodies {
		_, err := normalizer.Normalize([]byte(body))
		assert.NoError(t, err)
	}
}

func TestRunner_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	stats, err := NewRunner(&recordingSender{}, 0, logging.Discard()).Run(ctx, NewGenerator(1).Fleet())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, stats.Sent)
}

func TestHTTPSender(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewHTTPSender(srv.URL+"/").Send(context.Background(), []byte(`{"source":"nova"}`))
	require.NoError(t, err)
	assert.Equal(t, "/ingest", gotPath)
	assert.Equal(t, `{"source":"nova"}`, gotBody)
}

func TestHTTPSender_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no JSON data"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewHTTPSender(srv.URL).Send(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "no JSON data")
}

func TestPushSender_WrapsEnvelope(t *testing.T) {
	var gotPath string
	var payload []byte
	var msg *envelope.Message
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		var err error
		payload, msg, err = envelope.Decode(b)
		if err != nil {
			t.Errorf("decode push body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	err := NewPushSender(srv.URL, "telemetry-push").Send(context.Background(), []byte(`[{"source":"virgo"}]`))
	require.NoError(t, err)
	assert.Equal(t, "/pubsub/push", gotPath)
	assert.Equal(t, `[{"source":"virgo"}]`, string(payload))
	require.NotNil(t, msg)
	assert.NotEmpty(t, msg.MessageID)
	assert.NotNil(t, msg.PublishTime)
}

type fakePublisher struct {
	subject string
	data    []byte
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	p.subject, p.data = subject, data
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func TestQueueSender(t *testing.T) {
	pub := &fakePublisher{}
	err := NewQueueSender(pub, "telemetry.ingest.events").Send(context.Background(), []byte(`{"source":"orion"}`))
	require.NoError(t, err)

	assert.Equal(t, "telemetry.ingest.events", pub.subject)
	payload, _, err := envelope.Decode(pub.data)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(payload), "orion"))
}
