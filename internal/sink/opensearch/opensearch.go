// Package opensearch is an analytical sink writing each batch with a single
// _bulk request.
package opensearch

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/cis-datafabric/sensor-ingest/internal/batch"
	"github.com/cis-datafabric/sensor-ingest/internal/event"
	"github.com/cis-datafabric/sensor-ingest/internal/logging"
	"github.com/cis-datafabric/sensor-ingest/internal/sink"
)

// Config holds OpenSearch connection and index settings.
type Config struct {
	URL           string
	Username      string
	Password      string
	TLSSkipVerify bool
	Index         string
	ShardCount    int
	ReplicaCount  int
	Timeout       time.Duration
}

// DefaultConfig returns settings for a local single-node cluster.
func DefaultConfig() Config {
	return Config{
		URL:           "https://localhost:9200",
		Username:      "admin",
		Password:      "admin",
		TLSSkipVerify: true,
		Index:         "sensor-telemetry",
		ShardCount:    1,
		ReplicaCount:  0,
		Timeout:       30 * time.Second,
	}
}

// Sink indexes analytical rows into one index.
type Sink struct {
	client *opensearch.Client
	config Config
	logger *logging.Logger
}

// New builds a client. No request is made until Initialize or Persist.
func New(cfg Config, logger *logging.Logger) (*Sink, error) {
	if cfg.Index == "" {
		cfg.Index = DefaultConfig().Index
	}
	if logger == nil {
		logger = logging.Default()
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
		ResponseHeaderTimeout: cfg.Timeout,
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	return &Sink{
		client: client,
		config: cfg,
		logger: logger.With(logging.Sink("opensearch")),
	}, nil
}

func (s *Sink) Name() string {
	return "opensearch"
}

func (s *Sink) Kind() event.SinkKind {
	return event.Analytical
}

// Initialize verifies the connection and installs the index template.
func (s *Sink) Initialize(ctx context.Context) error {
	info, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	if err := s.putIndexTemplate(ctx); err != nil {
		return fmt.Errorf("failed to create index template: %w", err)
	}

	s.logger.Info("opensearch initialized", "index", s.config.Index)
	return nil
}

func (s *Sink) putIndexTemplate(ctx context.Context) error {
	body, err := json.Marshal(indexTemplate(s.config))
	if err != nil {
		return err
	}

	res, err := s.client.Indices.PutIndexTemplate(
		s.config.Index+"-template",
		bytes.NewReader(body),
		s.client.Indices.PutIndexTemplate.WithContext(ctx),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return fmt.Errorf("%s - %s", res.Status(), string(bodyBytes))
	}
	return nil
}

func indexTemplate(cfg Config) map[string]any {
	return map[string]any{
		"index_patterns": []string{cfg.Index + "*"},
		"template": map[string]any{
			"settings": map[string]any{
				"number_of_shards":   cfg.ShardCount,
				"number_of_replicas": cfg.ReplicaCount,
			},
			"mappings": map[string]any{
				"properties": map[string]any{
					"ingest_timestamp": map[string]any{"type": "date"},
					"source_type":      map[string]any{"type": "keyword"},
					// stored verbatim, queried after ingestion
					"payload": map[string]any{"type": "text", "index": false},
				},
			},
		},
		"priority": 100,
	}
}

// Persist sends every record in one _bulk request. Item failures from the
// response are returned by record index.
func (s *Sink) Persist(ctx context.Context, b *batch.Batch) (sink.Result, error) {
	body, err := bulkBody(b)
	if err != nil {
		return sink.FailedBatch(err), nil
	}

	res, err := s.client.Bulk(
		bytes.NewReader(body),
		s.client.Bulk.WithIndex(s.config.Index),
		s.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return sink.Result{}, fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		return sink.FailedBatch(fmt.Errorf("bulk request failed: %s - %s", res.Status(), strings.TrimSpace(string(bodyBytes)))), nil
	}

	var parsed bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return sink.FailedBatch(fmt.Errorf("decode bulk response: %w", err)), nil
	}

	if rowErrs := parsed.rowErrors(b.Len()); len(rowErrs) > 0 {
		return sink.Failed(rowErrs...), nil
	}
	return sink.Succeeded(b.Len()), nil
}

// bulkBody renders the NDJSON body: one index action and one document per
// record.
func bulkBody(b *batch.Batch) ([]byte, error) {
	var buf bytes.Buffer
	err := b.Each(func(i int, r batch.Record) error {
		doc, err := json.Marshal(sink.NewAnalyticalRow(r))
		if err != nil {
			return fmt.Errorf("record %d: %w", i, err)
		}
		buf.WriteString(`{"index":{}}`)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
		return nil
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type bulkResponse struct {
	Errors bool                         `json:"errors"`
	Items  []map[string]bulkResponseItem `json:"items"`
}

type bulkResponseItem struct {
	Status int `json:"status"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error,omitempty"`
}

func (r bulkResponse) rowErrors(expected int) []sink.RowError {
	var errs []sink.RowError
	for i, item := range r.Items {
		for _, result := range item {
			if result.Error != nil {
				errs = append(errs, sink.RowError{
					Index:  i,
					Detail: fmt.Sprintf("%s: %s", result.Error.Type, result.Error.Reason),
				})
			} else if result.Status >= 300 {
				errs = append(errs, sink.RowError{Index: i, Detail: fmt.Sprintf("status %d", result.Status)})
			}
		}
	}
	if len(r.Items) != expected {
		errs = append(errs, sink.RowError{
			Index:  sink.WholeBatch,
			Detail: fmt.Sprintf("bulk response has %d items, sent %d", len(r.Items), expected),
		})
	}
	return errs
}

func (s *Sink) Ping(ctx context.Context) error {
	res, err := s.client.Ping(s.client.Ping.WithContext(ctx))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("opensearch ping: %s", res.Status())
	}
	return nil
}

func (s *Sink) Close() error {
	return nil
}
