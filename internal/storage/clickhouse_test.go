package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// stubBatch records appended rows. Unused driver.Batch methods are left to
// the embedded nil interface.
type stubBatch struct {
	driver.Batch
	conn *stubConn
	rows [][]any
}

func (b *stubBatch) Append(v ...any) error {
	b.rows = append(b.rows, v)
	return nil
}

func (b *stubBatch) Send() error {
	b.conn.mu.Lock()
	defer b.conn.mu.Unlock()
	if b.conn.sendErr != nil {
		return b.conn.sendErr
	}
	b.conn.sent = append(b.conn.sent, b.rows...)
	b.conn.batches++
	return nil
}

type stubConn struct {
	mu         sync.Mutex
	sent       [][]any
	batches    int
	prepareErr error
	sendErr    error
	closed     bool
}

func (c *stubConn) PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error) {
	if c.prepareErr != nil {
		return nil, c.prepareErr
	}
	return &stubBatch{conn: c}, nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *stubConn) rowCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestClickHouseWriter_CloseDrainsBuffer(t *testing.T) {
	conn := &stubConn{}
	w := newClickHouseWriter(conn, zap.NewNop())

	for i := 0; i < 25; i++ {
		w.Write(&DecisionEvent{EventID: "ev", ToolName: "db_query", Outcome: "forwarded", Allow: true})
	}
	w.Close()

	if got := conn.rowCount(); got != 25 {
		t.Fatalf("expected 25 rows flushed, got %d", got)
	}
	if !conn.closed {
		t.Error("expected connection to be closed")
	}
}

func TestClickHouseWriter_RowLayout(t *testing.T) {
	conn := &stubConn{}
	w := newClickHouseWriter(conn, zap.NewNop())

	ts := time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)
	w.Write(&DecisionEvent{
		EventID:     "ev-1",
		Timestamp:   ts,
		AuditID:     "",
		Version:     "2025-06-18",
		ToolName:    "shell_exec",
		ConsumerID:  "user-1",
		Username:    "alice",
		Role:        "developer",
		Outcome:     "denied",
		Code:        "AUTHORIZATION_DENIED",
		Allow:       false,
		Reason:      "Policy evaluation failed",
		PolicyError: true,
		LatencyMs:   1.5,
	})
	w.Close()

	if conn.rowCount() != 1 {
		t.Fatalf("expected 1 row, got %d", conn.rowCount())
	}
	row := conn.sent[0]
	if len(row) != 14 {
		t.Fatalf("expected 14 columns, got %d", len(row))
	}
	if row[4] != "shell_exec" {
		t.Errorf("tool_name column = %v", row[4])
	}
	if row[10] != uint8(0) {
		t.Errorf("allow column = %v, want 0", row[10])
	}
	if row[12] != uint8(1) {
		t.Errorf("policy_error column = %v, want 1", row[12])
	}
}

func TestClickHouseWriter_FlushesOnTicker(t *testing.T) {
	conn := &stubConn{}
	w := newClickHouseWriter(conn, zap.NewNop())
	defer w.Close()

	w.Write(&DecisionEvent{EventID: "ev-1"})

	deadline := time.Now().Add(2 * time.Second)
	for conn.rowCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conn.rowCount() != 1 {
		t.Fatalf("expected ticker flush, got %d rows", conn.rowCount())
	}
}

func TestClickHouseWriter_PrepareFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	conn := &stubConn{prepareErr: errors.New("table missing")}
	w := newClickHouseWriter(conn, zap.New(core))

	w.Write(&DecisionEvent{EventID: "ev-1"})
	w.Close()

	if logs.FilterMessage("clickhouse prepare batch failed").Len() != 1 {
		t.Fatalf("expected prepare failure log, got %v", logs.All())
	}
}

func TestClickHouseWriter_WriteNeverBlocks(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	conn := &stubConn{}
	// No flush loop: the buffer fills and further writes are dropped.
	w := &ClickHouseWriter{
		conn:   conn,
		buffer: make(chan *DecisionEvent, 2),
		logger: zap.New(core),
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			w.Write(&DecisionEvent{EventID: "ev"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Write blocked on a full buffer")
	}
	if got := logs.FilterMessage("clickhouse buffer full, dropping decision event").Len(); got != 3 {
		t.Errorf("expected 3 dropped events, got %d", got)
	}
}

func TestLogWriter_Write(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	w := NewLogWriter(zap.New(core))

	w.Write(&DecisionEvent{
		EventID:    "ev-1",
		AuditID:    "audit-1",
		ToolName:   "db_query",
		ConsumerID: "user-1",
		Outcome:    "forwarded",
	})
	w.Close()

	entries := logs.FilterMessage("tool_authorization_event").All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["audit_id"] != "audit-1" {
		t.Errorf("audit_id = %v", fields["audit_id"])
	}
	if fields["outcome"] != "forwarded" {
		t.Errorf("outcome = %v", fields["outcome"])
	}
}
