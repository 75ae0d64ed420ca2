package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cis-datafabric/sensor-ingest/internal/envelope"
	"github.com/cis-datafabric/sensor-ingest/internal/messaging"
)

// Sender delivers one message body.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// HTTPSender POSTs raw bodies to the synchronous ingest endpoint.
type HTTPSender struct {
	url    string
	client *http.Client
}

// NewHTTPSender targets baseURL + "/ingest".
func NewHTTPSender(baseURL string) *HTTPSender {
	return &HTTPSender{
		url:    strings.TrimRight(baseURL, "/") + "/ingest",
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSender) Send(ctx context.Context, body []byte) error {
	return post(ctx, s.client, s.url, body)
}

// PushSender wraps bodies the way a push subscription does and POSTs them to
// the push endpoint.
type PushSender struct {
	url          string
	subscription string
	client       *http.Client
	now          func() time.Time
}

// NewPushSender targets baseURL + "/pubsub/push".
func NewPushSender(baseURL, subscription string) *PushSender {
	return &PushSender{
		url:          strings.TrimRight(baseURL, "/") + "/pubsub/push",
		subscription: subscription,
		client:       &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
}

func (s *PushSender) Send(ctx context.Context, body []byte) error {
	data, err := envelope.Encode(body)
	if err != nil {
		return err
	}
	var msg envelope.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	published := s.now().UTC()
	msg.MessageID = uuid.NewString()
	msg.PublishTime = &published

	req, err := json.Marshal(envelope.PushRequest{Message: msg, Subscription: s.subscription})
	if err != nil {
		return err
	}
	return post(ctx, s.client, s.url, req)
}

// QueueSender publishes envelopes to a NATS subject or Kafka topic.
type QueueSender struct {
	pub     messaging.Publisher
	subject string
}

func NewQueueSender(pub messaging.Publisher, subject string) *QueueSender {
	return &QueueSender{pub: pub, subject: subject}
}

func (s *QueueSender) Send(ctx context.Context, body []byte) error {
	data, err := envelope.Encode(body)
	if err != nil {
		return err
	}
	return s.pub.Publish(ctx, s.subject, data)
}

func post(ctx context.Context, client *http.Client, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("post %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
