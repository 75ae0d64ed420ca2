package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/delivery"
	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/middleware"
	"github.com/cis-datafabric/sensor-ingest/internal/sink/memory"
)

type ctxRecorder struct {
	requestID string
}

func (r *ctxRecorder) HandleEnvelope(ctx context.Context, _ []byte) error {
	r.requestID = middleware.GetRequestID(ctx)
	return nil
}

func TestHandlerFor_PropagatesRequestID(t *testing.T) {
	rec := &ctxRecorder{}
	h := handlerFor(rec)

	err := h(context.Background(), &messaging.Message{
		Data:     []byte(`{}`),
		Metadata: map[string]string{middleware.RequestIDHeader: "req-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-42", rec.requestID)

	require.NoError(t, h(context.Background(), &messaging.Message{Data: []byte(`{}`)}))
	assert.Empty(t, rec.requestID)
}

// Envelopes flow through the real controller into the in-memory sink.
func TestKafka_EndToEndWithController(t *testing.T) {
	store := memory.New(event.Analytical)
	ctrl := delivery.New(store, batch.NewAssembler(nil), delivery.WithLogger(logging.Discard()), delivery.WithTransport("kafka"))

	obj, err := envelope.Encode([]byte(`{"source":"nova","device_id":"nova-001","temperature":36.5,"status":"active"}`))
	require.NoError(t, err)
	arr, err := envelope.Encode([]byte(`[{"source":"virgo","device_id":"virgo-A"},{"type":"gps"},{"device_type":"meter"}]`))
	require.NoError(t, err)

	client := &fakeKafka{polls: []kgo.Fetches{fetchOf(string(obj), string(arr), `{"data":"not base64!"}`)}}
	dl := &deadLetters{}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.cancel = cancel

	c := newKafka(client, KafkaConfig{MaxAttempts: 3}, ctrl, dl.write, logging.Discard())
	c.sleep = func(context.Context, time.Duration) {}
	require.NoError(t, c.Run(ctx))

	records := store.Records()
	require.Len(t, records, 4)
	assert.Equal(t, []string{"nova", "virgo", "gps", "meter"}, []string{records[0].Source, records[1].Source, records[2].Source, records[3].Source})
	assert.Len(t, dl.msgs, 1)
	assert.Equal(t, []int64{0, 1, 2}, client.committed)
}
