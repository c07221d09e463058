package telemetry

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	maxPending    = 8192                   // bound on the in-memory queue
	insertBatch   = 512                    // rows per INSERT
	maxLinger     = 250 * time.Millisecond // how long a partial batch may wait
	insertTimeout = 5 * time.Second
)

// ClickHouseWriter exports decision events asynchronously. Write never
// blocks: events land in a bounded queue and a single flusher goroutine
// owns every insert. When the queue overflows the OLDEST events are
// evicted — a recent decision is worth more to an investigation than one
// that has already waited out an outage.
type ClickHouseWriter struct {
	conn   driver.Conn
	logger *zap.Logger

	mu      sync.Mutex
	pending []*DecisionEvent
	evicted uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

// NewClickHouseWriter connects to ClickHouse and starts the flusher.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{
		conn:   conn,
		logger: logger,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	go w.run()
	return w, nil
}

// Write queues a decision event. Non-blocking: on overflow the oldest
// queued event is evicted to make room.
func (w *ClickHouseWriter) Write(event *DecisionEvent) {
	w.mu.Lock()
	if len(w.pending) >= maxPending {
		w.pending = w.pending[1:]
		w.evicted++
	}
	w.pending = append(w.pending, event)
	w.mu.Unlock()

	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Close flushes whatever is queued and stops the flusher.
func (w *ClickHouseWriter) Close() {
	close(w.stop)
	<-w.done
}

// run waits for the first event of a batch, lingers so neighbours can join
// it, then drains the queue. The linger trades a bounded delay for fewer,
// fuller inserts; shutdown skips it.
func (w *ClickHouseWriter) run() {
	defer close(w.done)

	linger := time.NewTimer(maxLinger)
	linger.Stop()

	for {
		select {
		case <-w.stop:
			w.drain()
			return
		case <-w.wake:
		}

		linger.Reset(maxLinger)
		select {
		case <-w.stop:
			linger.Stop()
			w.drain()
			return
		case <-linger.C:
		}

		w.drain()
	}
}

// drain flushes the queue in insertBatch-sized slices until it is empty.
func (w *ClickHouseWriter) drain() {
	for {
		batch, evicted := w.take()
		if evicted > 0 {
			w.logger.Warn("telemetry queue overflowed, evicted oldest events",
				zap.Uint64("evicted", evicted),
			)
		}
		if len(batch) == 0 {
			return
		}
		w.insert(batch)
	}
}

// take removes up to insertBatch events from the queue and collects the
// eviction count accumulated since the last flush.
func (w *ClickHouseWriter) take() ([]*DecisionEvent, uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := len(w.pending)
	if n > insertBatch {
		n = insertBatch
	}
	batch := w.pending[:n:n]
	w.pending = append([]*DecisionEvent(nil), w.pending[n:]...)

	evicted := w.evicted
	w.evicted = 0
	return batch, evicted
}

func (w *ClickHouseWriter) insert(events []*DecisionEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, `
		INSERT INTO decision_events (
			event_id, kind, timestamp, proposal_id, tool_name,
			args_hash, prompt_hash, decision, reason,
			composite_score, score_defined, risk_level,
			token_issued, token_id, commit_id, latency_ms
		)
	`)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		var score float64
		var scoreDefined uint8
		if e.CompositeScore != nil {
			score = *e.CompositeScore
			scoreDefined = 1
		}

		var tokenIssued uint8
		if e.TokenIssued {
			tokenIssued = 1
		}

		if err := batch.Append(
			e.EventID,
			e.Kind,
			e.Timestamp,
			e.ProposalID,
			e.ToolName,
			e.ArgsHash,
			e.PromptHash,
			e.Decision,
			e.Reason,
			score,
			scoreDefined,
			e.RiskLevel,
			tokenIssued,
			e.TokenID,
			e.CommitID,
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

// LogWriter is a fallback Writer for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *DecisionEvent) {
	fields := []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("kind", event.Kind),
		zap.String("proposal_id", event.ProposalID),
		zap.String("tool_name", event.ToolName),
		zap.String("decision", event.Decision),
		zap.String("reason", event.Reason),
		zap.String("risk_level", event.RiskLevel),
		zap.Bool("token_issued", event.TokenIssued),
		zap.Float64("latency_ms", event.LatencyMs),
	}
	if event.CompositeScore != nil {
		fields = append(fields, zap.Float64("composite_score", *event.CompositeScore))
	}
	w.logger.Info("decision_event", fields...)
}

func (w *LogWriter) Close() {}
