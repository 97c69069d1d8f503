package archive

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickgao/cable/internal/backend"
	"github.com/rickgao/cable/internal/metrics"
)

// Archiver consumes backend feeds and writes events to a Store.
type Archiver struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	// Input
	backend backend.Backend

	// Output
	store Store

	// Batching
	batch   []Row
	batchMu sync.Mutex

	// Serializes flushes so batches reach the store in order
	flushMu sync.Mutex

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stats Stats
}

// Option configures an Archiver.
type Option func(*Archiver)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Archiver) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics records insert and flush metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Archiver) {
		a.metrics = m
	}
}

// New creates an Archiver. Call Start to begin consuming.
func New(cfg Config, b backend.Backend, store Store, opts ...Option) *Archiver {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultConfig().FlushInterval
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = DefaultConfig().FlushTimeout
	}

	a := &Archiver{
		cfg:     cfg,
		logger:  slog.Default(),
		backend: b,
		store:   store,
		batch:   make([]Row, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start subscribes to every configured topic and begins writing. Feeds are
// registered before Start returns, so events published afterwards are
// archived.
func (a *Archiver) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	for _, topic := range a.cfg.Topics {
		feed, err := a.backend.Subscribe(a.ctx, topic)
		if err != nil {
			a.cancel()
			a.wg.Wait()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}

		a.wg.Add(1)
		go a.consumeLoop(topic, feed)
	}

	a.wg.Add(1)
	go a.flushLoop()

	a.logger.Info("event archiver started",
		"topics", a.cfg.Topics,
		"batch_size", a.cfg.BatchSize,
		"flush_interval", a.cfg.FlushInterval,
	)
	return nil
}

// Stop ends the feeds, waits for the consumers and flushes what is left.
// The final flush runs even when ctx is done first; ctx.Err() is returned
// in that case.
func (a *Archiver) Stop(ctx context.Context) error {
	a.logger.Info("stopping event archiver")

	if a.cancel != nil {
		a.cancel()
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
		a.logger.Info("event archiver stopped")
	case <-ctx.Done():
		a.logger.Warn("event archiver stop timed out")
		err = ctx.Err()
	}

	// Final flush
	a.flush(context.WithoutCancel(ctx))

	return err
}

// Stats returns current statistics.
func (a *Archiver) Stats() Stats {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()
	return a.stats
}

// consumeLoop drains one topic feed until it ends.
func (a *Archiver) consumeLoop(topic string, feed iter.Seq[backend.Event]) {
	defer a.wg.Done()

	for ev := range feed {
		a.handleEvent(ev)
	}

	a.logger.Debug("archive feed ended", "topic", topic)
}

// flushLoop periodically flushes the batch.
func (a *Archiver) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.flush(a.ctx)
		}
	}
}

// handleEvent transforms and adds an event to the batch.
func (a *Archiver) handleEvent(ev backend.Event) {
	row := transform(ev)

	a.batchMu.Lock()
	a.batch = append(a.batch, row)
	a.stats.Received++
	shouldFlush := len(a.batch) >= a.cfg.BatchSize
	a.batchMu.Unlock()

	if shouldFlush {
		a.flush(a.ctx)
	}
}

// transform converts an Event to a Row.
func transform(ev backend.Event) Row {
	row := Row{
		EventID:     ev.ID,
		Topic:       ev.Topic,
		Event:       ev.Name,
		Data:        ev.Data,
		PublishedAt: ev.PublishedAt,
	}
	if row.EventID == uuid.Nil {
		row.EventID = uuid.New()
	}
	if row.PublishedAt.IsZero() {
		row.PublishedAt = time.Now()
	}
	if ev.Origin.ConnID != uuid.Nil {
		id := ev.Origin.ConnID
		row.OriginConn = &id
	}
	return row
}

// flush writes the current batch to the store.
func (a *Archiver) flush(ctx context.Context) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.batchMu.Lock()
	if len(a.batch) == 0 {
		a.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := a.batch
	a.batch = make([]Row, 0, a.cfg.BatchSize)
	a.batchMu.Unlock()

	// Rows taken before shutdown are still written
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.FlushTimeout)
	defer cancel()

	start := time.Now()

	conflicts, err := a.store.Insert(ctx, batch)
	if err != nil {
		a.logger.Error("archive insert failed", "error", err, "count", len(batch))
		a.batchMu.Lock()
		a.stats.Errors++
		a.stats.Lost += int64(len(batch))
		a.batchMu.Unlock()
		a.metrics.ArchiveFlushFailed()
		return
	}

	inserted := len(batch) - conflicts
	a.batchMu.Lock()
	a.stats.Inserts += int64(inserted)
	a.stats.Conflicts += int64(conflicts)
	a.stats.Flushes++
	a.batchMu.Unlock()
	a.metrics.Archived(inserted, conflicts)

	a.logger.Debug("flushed events",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}
