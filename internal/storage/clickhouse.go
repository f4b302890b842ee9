package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const createTableSQL = `
	CREATE TABLE IF NOT EXISTS screening_events (
		request_id      String,
		pipeline        LowCardinality(String),
		subject_id      String,
		client_id       String,
		timestamp       DateTime64(3, 'UTC'),
		label           LowCardinality(String),
		probability     Float64,
		escalated       UInt8,
		reasons         Array(String),
		detector_names  Array(String),
		detector_tiers  Array(LowCardinality(String)),
		detector_scores Array(Float64),
		content_preview String,
		content_hash    FixedString(64),
		content_size    UInt32,
		metadata        Map(String, String),
		latency_ms      Float32
	) ENGINE = MergeTree
	ORDER BY (pipeline, timestamp)
`

const insertSQL = `
	INSERT INTO screening_events (
		request_id, pipeline, subject_id, client_id, timestamp,
		label, probability, escalated, reasons,
		detector_names, detector_tiers, detector_scores,
		content_preview, content_hash, content_size,
		metadata, latency_ms
	)
`

// ClickHouseWriter writes screening events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	insert  func(ctx context.Context, events []*ScreeningEvent) error
	buffer  chan *ScreeningEvent
	done    chan struct{}
	flushed chan struct{} // closed by flushLoop when it returns
	logger  *zap.Logger
}

// NewClickHouseWriter connects, ensures the screening_events table exists,
// and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseWriter: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: ping: %w", err)
	}
	if err := conn.Exec(ctx, createTableSQL); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("NewClickHouseWriter: create table: %w", err)
	}

	w := newClickHouseWriter(nil, logger)
	w.conn = conn
	w.insert = w.insertBatch
	go w.flushLoop()
	return w, nil
}

func newClickHouseWriter(insert func(ctx context.Context, events []*ScreeningEvent) error, logger *zap.Logger) *ClickHouseWriter {
	return &ClickHouseWriter{
		insert:  insert,
		buffer:  make(chan *ScreeningEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
}

// Write queues a screening event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *ScreeningEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping event",
			zap.String("request_id", event.RequestID),
		)
	}
}

// Close signals the flush loop to drain remaining events, waits for it to
// finish (up to drainTimeout), and then closes the connection. Safe to call once.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if w.conn != nil {
		_ = w.conn.Close()
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*ScreeningEvent, 0, flushBatch)

	for {
		select {
		case event := <-w.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-w.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*ScreeningEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := w.insert(ctx, events); err != nil {
		w.logger.Error("clickhouse batch insert failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func (w *ClickHouseWriter) insertBatch(ctx context.Context, events []*ScreeningEvent) error {
	batch, err := w.conn.PrepareBatch(ctx, insertSQL)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, e := range events {
		var escalated uint8
		if e.Escalated {
			escalated = 1
		}

		if err := batch.Append(
			e.RequestID,
			e.Pipeline,
			e.SubjectID,
			e.ClientID,
			e.Timestamp,
			e.Label,
			e.Probability,
			escalated,
			e.Reasons,
			e.DetectorNames,
			e.DetectorTiers,
			e.DetectorScores,
			e.ContentPreview,
			e.ContentHash,
			e.ContentSize,
			e.Metadata,
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("request_id", e.RequestID),
				zap.Error(err),
			)
		}
	}

	return batch.Send()
}

// LogWriter is a fallback EventWriter for local development.
// It logs events as structured JSON to stdout via zap.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ScreeningEvent) {
	w.logger.Info("screening_event",
		zap.String("request_id", event.RequestID),
		zap.String("pipeline", event.Pipeline),
		zap.String("subject_id", event.SubjectID),
		zap.String("client_id", event.ClientID),
		zap.String("label", event.Label),
		zap.Float64("probability", event.Probability),
		zap.Bool("escalated", event.Escalated),
		zap.Strings("reasons", event.Reasons),
		zap.Strings("detector_names", event.DetectorNames),
		zap.Float32("latency_ms", event.LatencyMs),
		zap.String("content_hash", event.ContentHash),
	)
}

func (w *LogWriter) Close() {}
