package runner

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"workbench/internal/logging"
	"workbench/internal/observability"
)

const (
	DefaultBatchDelay         = 3 * time.Second
	DefaultProcessingDebounce = 2 * time.Second
	sendTimeout               = 30 * time.Second
)

// BatcherConfig configures a LogBatcher.
type BatcherConfig struct {
	// BatchDelay is armed by the first entry of a batch.
	BatchDelay time.Duration
	// ProcessingDebounce is re-armed when a command starts and when it
	// logs; when it fires command processing is considered over and
	// pending logs flush.
	ProcessingDebounce time.Duration
	Context            ContextProvider
	Logger             logging.Logger
	Metrics            *Metrics
	Tracer             trace.Tracer
}

// LogBatcher buffers command logs and ships them in batches. The batch timer
// only flushes while no command is being processed; otherwise the
// processing-end debounce flushes.
type LogBatcher struct {
	sender  Sender
	cfg     BatcherConfig
	logger  logging.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu         sync.Mutex
	entries    []LogEntry
	batchTimer *time.Timer
	debounce   *time.Timer
	processing bool
	closed     bool

	// sendMu serialises deliveries so batches reach the sink in order.
	sendMu sync.Mutex
}

// NewLogBatcher creates a batcher that delivers to sender.
func NewLogBatcher(sender Sender, cfg BatcherConfig) *LogBatcher {
	if cfg.BatchDelay <= 0 {
		cfg.BatchDelay = DefaultBatchDelay
	}
	if cfg.ProcessingDebounce <= 0 {
		cfg.ProcessingDebounce = DefaultProcessingDebounce
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = defaultMetrics()
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("log-batcher")
	}
	return &LogBatcher{
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		tracer:  tracer,
	}
}

// Add buffers an entry and arms the batch timer if it is idle.
func (b *LogBatcher) Add(entry LogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.entries = append(b.entries, entry)
	b.metrics.IncLogEntries()
	if b.batchTimer == nil {
		b.batchTimer = time.AfterFunc(b.cfg.BatchDelay, b.onBatchTimer)
	}
}

// Activity marks commands as being processed and re-arms the processing-end
// debounce.
func (b *LogBatcher) Activity() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.processing = true
	if b.debounce != nil {
		b.debounce.Stop()
	}
	b.debounce = time.AfterFunc(b.cfg.ProcessingDebounce, b.onProcessingEnd)
}

// Processing reports whether commands are considered active.
func (b *LogBatcher) Processing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.processing
}

// Pending returns the number of buffered entries.
func (b *LogBatcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

func (b *LogBatcher) onBatchTimer() {
	b.mu.Lock()
	b.batchTimer = nil
	if b.processing {
		b.mu.Unlock()
		return
	}
	entries := b.takeLocked()
	b.mu.Unlock()
	b.send(context.Background(), entries)
}

func (b *LogBatcher) onProcessingEnd() {
	b.mu.Lock()
	b.processing = false
	b.debounce = nil
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	entries := b.takeLocked()
	b.mu.Unlock()
	b.send(context.Background(), entries)
}

// Flush sends buffered entries now.
func (b *LogBatcher) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.batchTimer != nil {
		b.batchTimer.Stop()
		b.batchTimer = nil
	}
	entries := b.takeLocked()
	b.mu.Unlock()
	b.send(ctx, entries)
}

// Close stops the timers and flushes what is left. Later entries are dropped.
func (b *LogBatcher) Close(ctx context.Context) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	if b.debounce != nil {
		b.debounce.Stop()
		b.debounce = nil
	}
	b.processing = false
	b.mu.Unlock()
	b.Flush(ctx)
}

// takeLocked empties the buffer and marks the batch boundaries.
func (b *LogBatcher) takeLocked() []LogEntry {
	if len(b.entries) == 0 {
		return nil
	}
	entries := b.entries
	b.entries = nil
	entries[0].First = true
	if len(entries) > 1 {
		entries[len(entries)-1].First = true
	}
	return entries
}

func (b *LogBatcher) send(ctx context.Context, entries []LogEntry) {
	if len(entries) == 0 || b.sender == nil {
		return
	}
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	ctx, span := b.tracer.Start(ctx, observability.SpanLogFlush,
		trace.WithAttributes(attribute.Int("workbench.log_entries", len(entries))))
	defer span.End()

	batch := Batch{Entries: entries}
	if b.cfg.Context != nil {
		bc := b.cfg.Context(ctx)
		batch.Messages = bc.Messages
		batch.Files = bc.Files
	}
	if err := b.sender.SendLogs(ctx, batch); err != nil {
		b.metrics.IncLogBatches("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("dropping %d log entries: %v", len(entries), err)
		return
	}
	b.metrics.IncLogBatches("ok")
	b.logger.Debug("sent %d log entries", len(entries))
}
