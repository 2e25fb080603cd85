package store

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/domain"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// RequestLogSink receives a summary of every flush, for the caller's own
// structured logging (e.g. slog). It is never required; nil is fine.
type RequestLogSink interface {
	LoggedBatch(n int, dropped int64)
}

// LogWriter is a non-blocking, batched RequestLog writer against Postgres.
// Entries are pushed onto a buffered channel and flushed by a background
// goroutine so the request hot path never waits on a database round trip.
// If the channel fills (> 10 000 pending entries) the oldest pending entry
// is dropped and counted to make room, never blocking the caller.
type LogWriter struct {
	db *sql.DB

	ch        chan domain.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped int64

	baseCtx context.Context
	sink    RequestLogSink
}

func newLogWriter(ctx context.Context, db *sql.DB, sink RequestLogSink) *LogWriter {
	w := &LogWriter{
		db:      db,
		ch:      make(chan domain.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		sink:    sink,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

// Log enqueues entry for the next flush. Never blocks.
func (w *LogWriter) Log(entry domain.RequestLog) {
	for {
		select {
		case w.ch <- entry:
			return
		default:
		}
		select {
		case <-w.ch:
			atomic.AddInt64(&w.dropped, 1)
		default:
		}
	}
}

// Dropped reports how many entries were discarded due to backpressure.
func (w *LogWriter) Dropped() int64 {
	return atomic.LoadInt64(&w.dropped)
}

// Close drains any pending entries and stops the background goroutine.
func (w *LogWriter) Close() {
	w.closeOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *LogWriter) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]domain.RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.insertBatch(batch)
		if w.sink != nil {
			w.sink.LoggedBatch(len(batch), w.Dropped())
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-w.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-w.done:
			for {
				select {
				case entry := <-w.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// insertBatch writes one row per RequestLog entry. Drop-oldest is already
// applied at enqueue time. A failed insert is not reported anywhere (the
// sink only receives the batch size and drop count) and the batch is
// discarded rather than retried, matching the teacher's fire-and-forget
// logging semantics.
func (w *LogWriter) insertBatch(batch []domain.RequestLog) {
	ctx, cancel := context.WithTimeout(w.baseCtx, 5*time.Second)
	defer cancel()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO request_logs (
			id, attempt_number, virtual_key_id, project_id, deployment_id, connection_id,
			provider, method, path, input_tokens, output_tokens, total_tokens, cost,
			http_status_code, error_message, request_ts, response_ts
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (id, attempt_number) DO NOTHING
	`)
	if err != nil {
		return
	}
	defer stmt.Close()

	for _, e := range batch {
		_, _ = stmt.ExecContext(ctx,
			e.ID, e.AttemptNumber, e.VirtualKeyID, e.ProjectID, e.DeploymentID, e.ConnectionID,
			e.Provider, e.Method, e.Path, e.InputTokens, e.OutputTokens, e.TotalTokens, e.Cost,
			e.HTTPStatusCode, e.ErrorMessage, e.RequestTS, e.ResponseTS,
		)
	}
	_ = tx.Commit()
}
