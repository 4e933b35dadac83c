package eventlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/supportdesk-live/internal/connection"
)

// Schema creates the event table. Rows are append-only.
const Schema = `
CREATE TABLE IF NOT EXISTS connection_events (
	event_id    UUID PRIMARY KEY,
	instance_id TEXT NOT NULL,
	kind        TEXT NOT NULL,
	epoch       BIGINT NOT NULL,
	room        TEXT,
	delay_ms    BIGINT,
	error       TEXT,
	occurred_at TIMESTAMPTZ NOT NULL
)`

// DB is the subset of pgxpool.Pool the writer uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Config controls batching.
type Config struct {
	InstanceID    string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		InstanceID:    "supportdesk",
		BatchSize:     100,
		FlushInterval: 2 * time.Second,
	}
}

// Metrics tracks writer activity.
type Metrics struct {
	Recorded int64
	Inserts  int64
	Errors   int64
	Flushes  int64
}

type eventRow struct {
	ID         uuid.UUID
	Kind       string
	Epoch      int64
	Room       *string
	DelayMs    *int64
	Error      *string
	OccurredAt time.Time
}

// Writer is a connection.EventSink. Record never blocks on the database.
type Writer struct {
	cfg    Config
	logger *slog.Logger
	db     DB // nil: log only

	batch   []eventRow
	batchMu sync.Mutex
	metrics Metrics
	kick    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWriter creates a Writer. db may be nil.
func NewWriter(cfg Config, db DB, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = def.InstanceID
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		batch:  make([]eventRow, 0, cfg.BatchSize),
		kick:   make(chan struct{}, 1),
	}
}

// EnsureSchema creates the event table if it does not exist.
func (w *Writer) EnsureSchema(ctx context.Context) error {
	if w.db == nil {
		return nil
	}
	_, err := w.db.Exec(ctx, Schema)
	return err
}

// Start begins periodic flushing.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("event writer started",
		"persist", w.db != nil,
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop halts flushing and writes whatever is still batched.
func (w *Writer) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("event writer stopped")
	case <-ctx.Done():
		w.logger.Warn("event writer stop timed out")
	}

	// Final flush
	w.flush(ctx)
	return nil
}

// Record logs e and queues it for persistence.
func (w *Writer) Record(e connection.Event) {
	w.log(e)

	w.batchMu.Lock()
	w.metrics.Recorded++
	if w.db == nil {
		w.batchMu.Unlock()
		return
	}
	w.batch = append(w.batch, w.transform(e))
	full := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if full {
		select {
		case w.kick <- struct{}{}:
		default:
		}
	}
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

func (w *Writer) log(e connection.Event) {
	attrs := []any{"kind", string(e.Kind), "epoch", e.Epoch}
	if e.Room != "" {
		attrs = append(attrs, "room", e.Room)
	}
	if e.Delay > 0 {
		attrs = append(attrs, "delay", e.Delay)
	}
	if e.Err != nil {
		attrs = append(attrs, "error", e.Err)
	}

	switch e.Kind {
	case connection.EventHandshakeFailed, connection.EventTransportLost,
		connection.EventSubscribeFailed, connection.EventSendFailed:
		w.logger.Warn("connection event", attrs...)
	case connection.EventTeardownFailed, connection.EventSendRejected:
		w.logger.Info("connection event", attrs...)
	default:
		w.logger.Debug("connection event", attrs...)
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.flush(w.ctx)
		case <-w.kick:
			w.flush(w.ctx)
		}
	}
}

// transform converts an event to a row.
func (w *Writer) transform(e connection.Event) eventRow {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	row := eventRow{
		ID:         uuid.New(),
		Kind:       string(e.Kind),
		Epoch:      int64(e.Epoch),
		OccurredAt: at.UTC(),
	}
	if e.Room != "" {
		room := e.Room
		row.Room = &room
	}
	if e.Delay > 0 {
		ms := e.Delay.Milliseconds()
		row.DelayMs = &ms
	}
	if e.Err != nil {
		msg := e.Err.Error()
		row.Error = &msg
	}
	return row
}

// flush writes the current batch. A failed batch is dropped.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}
	batch := w.batch
	w.batch = make([]eventRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	// The final flush runs after cancellation
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	start := time.Now()
	if err := w.batchInsert(ctx, batch); err != nil {
		w.logger.Error("event batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch))
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed connection events",
		"count", len(batch),
		"duration", time.Since(start),
	)
}

func (w *Writer) batchInsert(ctx context.Context, rows []eventRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO connection_events (event_id, instance_id, kind, epoch, room, delay_ms, error, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (event_id) DO NOTHING
		`, r.ID, w.cfg.InstanceID, r.Kind, r.Epoch, r.Room, r.DelayMs, r.Error, r.OccurredAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
