package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 250 * time.Millisecond
	flushBatch    = 500
	drainTimeout  = 2 * time.Second
)

// batchConn is the subset of driver.Conn the writer needs.
type batchConn interface {
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

// ClickHouseWriter inserts decision events into tool_authorization_events.
// Events are buffered and batch-inserted by a background goroutine.
type ClickHouseWriter struct {
	conn    batchConn
	buffer  chan *DecisionEvent
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseWriter connects to dsn and starts the flush loop.
// TLS comes from the DSN (secure=true) or is forced by tlsRequired.
func NewClickHouseWriter(ctx context.Context, dsn string, tlsRequired bool, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if opts.TLS == nil && tlsRequired {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return newClickHouseWriter(conn, logger), nil
}

func newClickHouseWriter(conn batchConn, logger *zap.Logger) *ClickHouseWriter {
	w := &ClickHouseWriter{
		conn:    conn,
		buffer:  make(chan *DecisionEvent, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}
	go w.flushLoop()
	return w
}

// Write queues an event. Drops it if the buffer is full.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	select {
	case w.buffer <- event:
	default:
		w.logger.Warn("clickhouse buffer full, dropping decision event",
			zap.String("event_id", event.EventID),
			zap.String("tool_name", event.ToolName),
		)
	}
}

// Close drains buffered events and closes the connection.
func (w *ClickHouseWriter) Close() {
	close(w.done)
	<-w.flushed
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flushLoop() {
	defer close(w.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*DecisionEvent, 0, flushBatch)

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
			deadline := time.After(drainTimeout)
		drain:
			for {
				select {
				case event := <-w.buffer:
					batch = append(batch, event)
				case <-deadline:
					break drain
				default:
					break drain
				}
			}
			if len(batch) > 0 {
				w.flush(batch)
			}
			return
		}
	}
}

func (w *ClickHouseWriter) flush(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO tool_authorization_events (
			event_id, timestamp, audit_id, mcp_version, tool_name,
			consumer_id, username, role,
			outcome, code, allow, reason, policy_error, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.EventID,
			e.Timestamp,
			e.AuditID,
			e.Version,
			e.ToolName,
			e.ConsumerID,
			e.Username,
			e.Role,
			e.Outcome,
			e.Code,
			boolToUint8(e.Allow),
			e.Reason,
			boolToUint8(e.PolicyError),
			e.LatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// LogWriter is a fallback EventWriter that logs events.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	w.logger.Info("tool_authorization_event",
		zap.String("event_id", event.EventID),
		zap.String("audit_id", event.AuditID),
		zap.String("tool_name", event.ToolName),
		zap.String("consumer_id", event.ConsumerID),
		zap.String("outcome", event.Outcome),
		zap.String("code", event.Code),
		zap.String("reason", event.Reason),
		zap.Bool("policy_error", event.PolicyError),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
