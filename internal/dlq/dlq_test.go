package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
	"github.com/cis-datafabric/sensor-ingest/internal/normalizer"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func newTestQueue(pub messaging.Publisher, opts ...Option) *Queue {
	q := New(pub, "nats", append([]Option{WithLogger(logging.Discard())}, opts...)...)
	q.now = func() time.Time { return time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC) }
	return q
}

func TestQueue_Write(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantSubject string
		wantReason  string
	}{
		{
			name:        "decode failure",
			err:         &envelope.DecodeError{Stage: envelope.StageBase64, Err: errors.New("illegal base64 data")},
			wantSubject: "telemetry.dlq.decode",
			wantReason:  "decode",
		},
		{
			name:        "rejected payload",
			err:         &normalizer.Error{Kind: normalizer.KindInvalidEnvelope},
			wantSubject: "telemetry.dlq.rejected",
			wantReason:  "rejected",
		},
		{
			name:        "sink failure",
			err:         fmt.Errorf("persist: %w", &sink.Error{Sink: "opensearch", Rows: []sink.RowError{{Index: 0, Detail: "boom"}}}),
			wantSubject: "telemetry.dlq.sink_failure",
			wantReason:  "sink_failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			q := newTestQueue(pub)

			msg := &messaging.Message{
				Subject:      messaging.SubjectTelemetryIngest,
				Data:         []byte(`{"data":"!!!"}`),
				NumDelivered: 5,
			}
			require.NoError(t, q.Write(context.Background(), msg, tt.err))

			require.Len(t, pub.msgs, 1)
			assert.Equal(t, tt.wantSubject, pub.msgs[0].subject)

			var failed FailedMessage
			require.NoError(t, json.Unmarshal(pub.msgs[0].data, &failed))
			assert.Equal(t, tt.wantReason, failed.Reason)
			assert.Equal(t, msg.Data, failed.Data)
			assert.Equal(t, uint64(5), failed.Attempts)
			assert.Equal(t, "nats", failed.Transport)
			assert.Equal(t, tt.err.Error(), failed.Error)
			assert.Equal(t, uint64(1), q.Written())
		})
	}
}

func TestQueue_WriteCustomSubject(t *testing.T) {
	pub := &fakePublisher{}
	q := newTestQueue(pub, WithSubject(func(string) string { return "sensor-dlq" }))

	require.NoError(t, q.Write(context.Background(), &messaging.Message{Data: []byte("x")}, errors.New("boom")))
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "sensor-dlq", pub.msgs[0].subject)
}

func TestQueue_WritePublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("no responders")}
	q := newTestQueue(pub)

	err := q.Write(context.Background(), &messaging.Message{Data: []byte("x")}, errors.New("boom"))
	assert.ErrorContains(t, err, "no responders")
	assert.Zero(t, q.Written())
}
