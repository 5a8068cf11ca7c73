package indexqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"horse.fit/storyline/internal/backend"
)

type stubWriter struct {
	mu          sync.Mutex
	batches     [][]backend.Document
	attempts    map[string]int
	rejectUntil map[string]int
	failCalls   int
	// onWrite runs inside BulkUpsert before the lock is taken.
	onWrite func()
}

func newStubWriter() *stubWriter {
	return &stubWriter{
		attempts:    make(map[string]int),
		rejectUntil: make(map[string]int),
	}
}

func (w *stubWriter) BulkUpsert(_ context.Context, docs []backend.Document) ([]backend.BulkItemError, error) {
	if w.onWrite != nil {
		w.onWrite()
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	batch := append([]backend.Document(nil), docs...)
	w.batches = append(w.batches, batch)
	if w.failCalls > 0 {
		w.failCalls--
		return nil, errors.New("backend unavailable")
	}

	var failures []backend.BulkItemError
	for _, doc := range docs {
		w.attempts[doc.ID]++
		if limit, ok := w.rejectUntil[doc.ID]; ok && (limit < 0 || w.attempts[doc.ID] <= limit) {
			failures = append(failures, backend.BulkItemError{ID: doc.ID, Err: errors.New("mapping error")})
		}
	}
	return failures, nil
}

func (w *stubWriter) batchSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	sizes := make([]int, len(w.batches))
	for i, b := range w.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (w *stubWriter) lastWritten(id string) (backend.Document, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := len(w.batches) - 1; i >= 0; i-- {
		for _, doc := range w.batches[i] {
			if doc.ID == id {
				return doc, true
			}
		}
	}
	return backend.Document{}, false
}

func docs(n int) []backend.Document {
	out := make([]backend.Document, n)
	for i := range out {
		out[i] = backend.Document{ID: fmt.Sprintf("doc-%03d", i)}
	}
	return out
}

func TestQueueSizeTriggerFlushesFullBatchAndKeepsRemainder(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	q := New(w, Options{MaxBatchSize: 500, MaxBatchDelay: time.Hour, MaxRetries: 3}, zerolog.Nop())

	for _, doc := range docs(501) {
		require.NoError(t, q.Enqueue(doc))
	}

	require.Eventually(t, func() bool {
		return q.Stats().Succeeded == 500
	}, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, []int{500}, w.batchSizes())
	stats := q.Stats()
	require.Equal(t, 1, stats.Pending)
	require.EqualValues(t, 1, stats.Flushes)
	require.EqualValues(t, 501, stats.Enqueued)
}

func TestQueueTimerFlushesPartialBatch(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	q := New(w, Options{MaxBatchSize: 100, MaxBatchDelay: 20 * time.Millisecond, MaxRetries: 3}, zerolog.Nop())

	for _, doc := range docs(3) {
		require.NoError(t, q.Enqueue(doc))
	}

	require.Eventually(t, func() bool {
		return q.Stats().Succeeded == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{3}, w.batchSizes())
	require.Zero(t, q.Stats().Pending)
}

func TestQueueRequeuesRejectedDocuments(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	w.rejectUntil["doc-001"] = 1
	q := New(w, Options{MaxBatchSize: 10, MaxBatchDelay: time.Hour, MaxRetries: 3}, zerolog.Nop())

	for _, doc := range docs(3) {
		require.NoError(t, q.Enqueue(doc))
	}

	first := q.Flush(context.Background())
	require.Equal(t, 3, first.Attempted)
	require.Equal(t, 2, first.Succeeded)
	require.Equal(t, 1, first.Failed)
	require.Equal(t, 1, first.Requeued)
	require.Equal(t, 1, q.Stats().Pending)

	second := q.Flush(context.Background())
	require.Equal(t, 1, second.Succeeded)
	require.Zero(t, q.Stats().Pending)
}

func TestQueueDropsAfterMaxRetries(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	w.rejectUntil["doc-000"] = -1
	q := New(w, Options{MaxBatchSize: 10, MaxBatchDelay: time.Hour, MaxRetries: 2}, zerolog.Nop())

	require.NoError(t, q.Enqueue(docs(1)[0]))
	report := q.Close(context.Background())

	require.Equal(t, 1, report.Dropped)
	require.Equal(t, 3, w.attempts["doc-000"])
	stats := q.Stats()
	require.EqualValues(t, 1, stats.Dropped)
	require.EqualValues(t, 2, stats.Requeued)
	require.Zero(t, stats.Pending)
}

func TestQueueRequeuesWholeBatchOnTransportError(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	w.failCalls = 1
	q := New(w, Options{MaxBatchSize: 10, MaxBatchDelay: time.Hour, MaxRetries: 3}, zerolog.Nop())

	for _, doc := range docs(4) {
		require.NoError(t, q.Enqueue(doc))
	}

	report := q.Flush(context.Background())
	require.Equal(t, 4, report.Failed)
	require.Equal(t, 4, report.Requeued)

	closeReport := q.Close(context.Background())
	require.Equal(t, 4, closeReport.Succeeded)
	require.Equal(t, []int{4, 4}, w.batchSizes())
}

func TestQueueCloseFlushesAndRejectsNewDocuments(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	q := New(w, Options{MaxBatchSize: 2, MaxBatchDelay: time.Hour, MaxRetries: 1}, zerolog.Nop())

	for _, doc := range docs(5) {
		require.NoError(t, q.Enqueue(doc))
	}

	q.Close(context.Background())
	require.EqualValues(t, 5, q.Stats().Succeeded)
	require.Zero(t, q.Stats().Pending)
	require.ErrorIs(t, q.Enqueue(backend.Document{ID: "late"}), ErrQueueClosed)
}

func TestQueueEnqueueReplacesBufferedVersion(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	q := New(w, Options{MaxBatchSize: 10, MaxBatchDelay: time.Hour, MaxRetries: 3}, zerolog.Nop())

	require.NoError(t, q.Enqueue(backend.Document{ID: "doc-000", StoryID: "story-old"}))
	require.NoError(t, q.Enqueue(backend.Document{ID: "doc-001"}))
	require.NoError(t, q.Enqueue(backend.Document{ID: "doc-000", StoryID: "story-new"}))
	require.Equal(t, 2, q.Stats().Pending)

	report := q.Flush(context.Background())
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, []int{2}, w.batchSizes())

	doc, ok := w.lastWritten("doc-000")
	require.True(t, ok)
	require.Equal(t, "story-new", doc.StoryID)
	require.EqualValues(t, 1, q.Stats().Superseded)
}

func TestQueueDoesNotRetryStaleVersionOverNewerDocument(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	w.rejectUntil["doc-000"] = 1
	q := New(w, Options{MaxBatchSize: 10, MaxBatchDelay: time.Hour, MaxRetries: 3}, zerolog.Nop())

	var once sync.Once
	w.onWrite = func() {
		once.Do(func() {
			require.NoError(t, q.Enqueue(backend.Document{ID: "doc-000", StoryID: "story-new"}))
		})
	}
	require.NoError(t, q.Enqueue(backend.Document{ID: "doc-000", StoryID: "story-old"}))

	first := q.Flush(context.Background())
	require.Equal(t, 1, first.Failed)
	require.Equal(t, 1, first.Superseded)
	require.Zero(t, first.Requeued)
	require.Equal(t, 1, q.Stats().Pending)

	second := q.Flush(context.Background())
	require.Equal(t, 1, second.Succeeded)

	doc, ok := w.lastWritten("doc-000")
	require.True(t, ok)
	require.Equal(t, "story-new", doc.StoryID)
	require.Zero(t, q.Stats().Pending)
}

func TestQueueCloseWaitsForInFlightFlush(t *testing.T) {
	t.Parallel()

	w := newStubWriter()
	w.rejectUntil["doc-000"] = 1
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	w.onWrite = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	q := New(w, Options{MaxBatchSize: 10, MaxBatchDelay: time.Hour, MaxRetries: 3}, zerolog.Nop())
	require.NoError(t, q.Enqueue(docs(1)[0]))

	flushed := make(chan FlushReport, 1)
	go func() { flushed <- q.Flush(context.Background()) }()
	<-entered

	closed := make(chan FlushReport, 1)
	go func() { closed <- q.Close(context.Background()) }()
	require.Eventually(t, func() bool {
		return errors.Is(q.Enqueue(backend.Document{ID: "late"}), ErrQueueClosed)
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
	require.Equal(t, 1, (<-flushed).Requeued)
	closeReport := <-closed

	require.Equal(t, 2, w.attempts["doc-000"])
	require.Zero(t, q.Stats().Pending)
	require.Zero(t, closeReport.Dropped)
	require.GreaterOrEqual(t, closeReport.Succeeded, 1)
}
