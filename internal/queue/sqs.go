// Package queue ships usage records to the downstream billing pipeline.
// The engine hands each record to an exporter after the debit settles; SQS
// carries them to the billing service, which consumes the queue on its own
// schedule. Export is best effort from the request path: the durable store
// keeps every record regardless.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/cellsage/ai-engine/internal/domain"
)

type Exporter interface {
	Export(ctx context.Context, record domain.UsageRecord) error
}

// SQSExporter publishes one message per usage record. Consumers filter on
// the CallerID and RecordID message attributes.
type SQSExporter struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSExporter(ctx context.Context, region, queueURL string) (*SQSExporter, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewSQSExporterWithConfig(cfg, queueURL), nil
}

func NewSQSExporterWithConfig(cfg aws.Config, queueURL string) *SQSExporter {
	return &SQSExporter{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

func (e *SQSExporter) Export(ctx context.Context, record domain.UsageRecord) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"CallerID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.CallerID),
			},
			"RecordID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(record.ID),
			},
		},
	}

	if _, err := e.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("send usage record: %w", err)
	}
	return nil
}

// AsyncExporter decouples export from the request path. Records buffer in a
// channel and a background worker ships them; when the buffer is full the
// record is dropped and counted rather than stalling a caller.
type AsyncExporter struct {
	inner   Exporter
	records chan domain.UsageRecord
	wg      sync.WaitGroup

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

func NewAsyncExporter(inner Exporter, buffer int) *AsyncExporter {
	if buffer <= 0 {
		buffer = 256
	}
	e := &AsyncExporter{
		inner:   inner,
		records: make(chan domain.UsageRecord, buffer),
	}
	e.wg.Add(1)
	go e.run()
	return e
}

func (e *AsyncExporter) Export(ctx context.Context, record domain.UsageRecord) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}

	select {
	case e.records <- record:
	default:
		e.dropped.Add(1)
		slog.Warn("usage export buffer full, dropping record",
			"record_id", record.ID,
			"caller_id", record.CallerID,
		)
	}
	return nil
}

func (e *AsyncExporter) run() {
	defer e.wg.Done()
	for record := range e.records {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := e.inner.Export(ctx, record); err != nil {
			slog.Error("usage export failed",
				"record_id", record.ID,
				"error", err,
			)
		}
		cancel()
	}
}

// Dropped reports how many records were discarded because the buffer was
// full.
func (e *AsyncExporter) Dropped() int64 {
	return e.dropped.Load()
}

// Close drains buffered records and stops the worker.
func (e *AsyncExporter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.records)
	e.mu.Unlock()

	e.wg.Wait()
}

// InMemoryExporter collects records for tests and local development.
type InMemoryExporter struct {
	mu      sync.Mutex
	records []domain.UsageRecord
	err     error
}

func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

func (e *InMemoryExporter) Export(ctx context.Context, record domain.UsageRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.records = append(e.records, record)
	return nil
}

func (e *InMemoryExporter) Records() []domain.UsageRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	result := make([]domain.UsageRecord, len(e.records))
	copy(result, e.records)
	return result
}

// FailWith makes subsequent exports return err.
func (e *InMemoryExporter) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}
