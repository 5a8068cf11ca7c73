// Package indexqueue batches article documents on their way to the search
// backend. Batches go out when they reach a size limit or when the oldest
// unflushed document has waited long enough, whichever happens first.
package indexqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
)

const (
	DefaultMaxBatchSize  = 500
	DefaultMaxBatchDelay = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultFlushTimeout  = 30 * time.Second
)

var ErrQueueClosed = errors.New("index queue is closed")

// Writer is the bulk-write half of the search backend.
type Writer interface {
	BulkUpsert(ctx context.Context, docs []backend.Document) ([]backend.BulkItemError, error)
}

type Options struct {
	MaxBatchSize  int
	MaxBatchDelay time.Duration
	// MaxRetries bounds how many times one document is requeued after a
	// failed write before it is dropped.
	MaxRetries   int
	FlushTimeout time.Duration
}

// Stats are cumulative counters since construction, plus the current backlog.
type Stats struct {
	Enqueued   int64 `json:"enqueued"`
	Flushes    int64 `json:"flushes"`
	Succeeded  int64 `json:"succeeded"`
	Failed     int64 `json:"failed"`
	Requeued   int64 `json:"requeued"`
	Dropped    int64 `json:"dropped"`
	// Superseded counts buffered or retried versions replaced by a newer
	// document with the same id.
	Superseded int64 `json:"superseded"`
	Pending    int   `json:"pending"`
}

// FlushReport describes one or more bulk writes.
type FlushReport struct {
	Attempted  int
	Succeeded  int
	Failed     int
	Requeued   int
	Dropped    int
	Superseded int
}

func (r *FlushReport) add(other FlushReport) {
	r.Attempted += other.Attempted
	r.Succeeded += other.Succeeded
	r.Failed += other.Failed
	r.Requeued += other.Requeued
	r.Dropped += other.Dropped
	r.Superseded += other.Superseded
}

type item struct {
	doc     backend.Document
	retries int
}

type Queue struct {
	writer Writer
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	pending  []item
	// position maps a pending document id to its index in pending.
	position map[string]int
	timer    *time.Timer
	closed   bool

	// flushMu serializes bulk writes; Enqueue never takes it.
	flushMu sync.Mutex
	wg      sync.WaitGroup

	enqueued   atomic.Int64
	flushes    atomic.Int64
	succeeded  atomic.Int64
	failed     atomic.Int64
	requeued   atomic.Int64
	dropped    atomic.Int64
	superseded atomic.Int64
}

func New(writer Writer, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}
	if opts.MaxBatchDelay <= 0 {
		opts.MaxBatchDelay = DefaultMaxBatchDelay
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	return &Queue{
		writer:   writer,
		opts:     opts,
		logger:   logger,
		pending:  make([]item, 0, opts.MaxBatchSize),
		position: make(map[string]int, opts.MaxBatchSize),
	}
}

// Enqueue buffers doc for the next bulk write. It never waits on the backend.
// A document whose id is already buffered replaces the older version in place.
func (q *Queue) Enqueue(doc backend.Document) error {
	if q == nil || q.writer == nil {
		return errors.New("index queue is not initialized")
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.enqueued.Add(1)
	if i, ok := q.position[doc.ID]; ok {
		q.pending[i] = item{doc: doc}
		q.superseded.Add(1)
		return nil
	}
	q.position[doc.ID] = len(q.pending)
	q.pending = append(q.pending, item{doc: doc})
	q.scheduleLocked()
	return nil
}

// scheduleLocked starts a size-triggered flush when a full batch is buffered
// and otherwise arms the delay timer for the oldest pending document.
func (q *Queue) scheduleLocked() {
	if q.closed {
		return
	}
	for len(q.pending) >= q.opts.MaxBatchSize {
		batch := q.takeLocked(q.opts.MaxBatchSize)
		q.stopTimerLocked()
		q.flushAsync(batch)
	}
	if len(q.pending) > 0 && q.timer == nil {
		q.timer = time.AfterFunc(q.opts.MaxBatchDelay, q.onTimer)
	}
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	q.timer = nil
	if q.closed || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	batch := q.takeLocked(q.opts.MaxBatchSize)
	if len(q.pending) > 0 {
		q.timer = time.AfterFunc(q.opts.MaxBatchDelay, q.onTimer)
	}
	q.wg.Add(1)
	q.mu.Unlock()

	defer q.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.FlushTimeout)
	defer cancel()
	q.writeBatch(ctx, batch, "timer")
}

func (q *Queue) flushAsync(batch []item) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), q.opts.FlushTimeout)
		defer cancel()
		q.writeBatch(ctx, batch, "size")
	}()
}

// Flush synchronously writes everything currently buffered. Documents that
// fail are requeued for a later flush, so the backlog may be non-empty
// afterwards.
func (q *Queue) Flush(ctx context.Context) FlushReport {
	if q == nil || q.writer == nil {
		return FlushReport{}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return FlushReport{}
	}
	q.stopTimerLocked()
	batch := q.takeLocked(len(q.pending))
	q.wg.Add(1)
	q.mu.Unlock()
	defer q.wg.Done()

	var report FlushReport
	for start := 0; start < len(batch); start += q.opts.MaxBatchSize {
		end := min(start+q.opts.MaxBatchSize, len(batch))
		report.add(q.writeBatch(ctx, batch[start:end], "manual"))
	}

	q.mu.Lock()
	q.scheduleLocked()
	q.mu.Unlock()
	return report
}

// Close rejects new documents, waits for in-flight writes and flushes the
// backlog until it is empty or every remaining document exhausted its retries.
func (q *Queue) Close(ctx context.Context) FlushReport {
	if q == nil || q.writer == nil {
		return FlushReport{}
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return FlushReport{}
	}
	q.closed = true
	q.stopTimerLocked()
	q.mu.Unlock()

	q.wg.Wait()

	var report FlushReport
	for {
		q.mu.Lock()
		batch := q.takeLocked(q.opts.MaxBatchSize)
		q.mu.Unlock()
		if len(batch) == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			q.mu.Lock()
			remaining := len(q.pending) + len(batch)
			q.pending = nil
			clear(q.position)
			q.mu.Unlock()
			q.dropped.Add(int64(remaining))
			report.Dropped += remaining
			q.logger.Error().Err(err).Int("dropped", remaining).Msg("index queue close interrupted")
			break
		}
		report.add(q.writeBatch(ctx, batch, "close"))
	}

	q.logger.Info().
		Int("succeeded", report.Succeeded).
		Int("dropped", report.Dropped).
		Msg("index queue closed")
	return report
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.pending)
	q.mu.Unlock()
	return Stats{
		Enqueued:   q.enqueued.Load(),
		Flushes:    q.flushes.Load(),
		Succeeded:  q.succeeded.Load(),
		Failed:     q.failed.Load(),
		Requeued:   q.requeued.Load(),
		Dropped:    q.dropped.Load(),
		Superseded: q.superseded.Load(),
		Pending:    pending,
	}
}

func (q *Queue) writeBatch(ctx context.Context, batch []item, trigger string) FlushReport {
	report := FlushReport{Attempted: len(batch)}
	if len(batch) == 0 {
		return report
	}

	q.flushMu.Lock()
	docs := make([]backend.Document, len(batch))
	for i, it := range batch {
		docs[i] = it.doc
	}
	itemErrs, err := q.writer.BulkUpsert(ctx, docs)
	q.flushMu.Unlock()
	q.flushes.Add(1)

	var retry []item
	if err != nil {
		report.Failed = len(batch)
		retry = batch
		q.logger.Warn().Err(err).Int("batch", len(batch)).Str("trigger", trigger).Msg("index batch write failed")
	} else {
		failedByID := make(map[string]error, len(itemErrs))
		for _, itemErr := range itemErrs {
			failedByID[itemErr.ID] = itemErr.Err
		}
		for _, it := range batch {
			if itemErr, failed := failedByID[it.doc.ID]; failed {
				report.Failed++
				retry = append(retry, it)
				q.logger.Debug().Err(itemErr).Str("id", it.doc.ID).Msg("index document rejected")
				continue
			}
			report.Succeeded++
		}
	}

	q.mu.Lock()
	requeue := make([]item, 0, len(retry))
	for _, it := range retry {
		if _, newer := q.position[it.doc.ID]; newer {
			report.Superseded++
			continue
		}
		if it.retries >= q.opts.MaxRetries {
			report.Dropped++
			q.logger.Error().Str("id", it.doc.ID).Int("retries", it.retries).Msg("index document dropped after retries")
			continue
		}
		it.retries++
		requeue = append(requeue, it)
	}
	report.Requeued = len(requeue)
	for _, it := range requeue {
		q.position[it.doc.ID] = len(q.pending)
		q.pending = append(q.pending, it)
	}
	if len(requeue) > 0 {
		q.scheduleLocked()
	}
	q.mu.Unlock()

	q.succeeded.Add(int64(report.Succeeded))
	q.failed.Add(int64(report.Failed))
	q.requeued.Add(int64(report.Requeued))
	q.dropped.Add(int64(report.Dropped))
	q.superseded.Add(int64(report.Superseded))

	q.logger.Info().
		Str("trigger", trigger).
		Int("batch", report.Attempted).
		Int("succeeded", report.Succeeded).
		Int("failed", report.Failed).
		Int("requeued", report.Requeued).
		Int("dropped", report.Dropped).
		Int("superseded", report.Superseded).
		Msg("index batch flushed")
	return report
}

func (q *Queue) takeLocked(n int) []item {
	n = min(n, len(q.pending))
	if n == 0 {
		return nil
	}
	batch := make([]item, n)
	copy(batch, q.pending[:n])
	q.pending = append(q.pending[:0], q.pending[n:]...)
	clear(q.position)
	for i, it := range q.pending {
		q.position[it.doc.ID] = i
	}
	return batch
}

func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}
