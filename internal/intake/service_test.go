package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/clustering"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/indexqueue"
	payloadschema "horse.fit/storyline/schema"
)

type stubStore struct {
	existingStory string
	upserted      []db.ArticleRecord
	storyUpdates  map[string]string
}

func (s *stubStore) UpsertArticle(_ context.Context, rec db.ArticleRecord) (string, error) {
	s.upserted = append(s.upserted, rec)
	return s.existingStory, nil
}

func (s *stubStore) UpdateArticleStoryID(_ context.Context, id, storyID string) error {
	if s.storyUpdates == nil {
		s.storyUpdates = make(map[string]string)
	}
	s.storyUpdates[id] = storyID
	return nil
}

type stubAssigner struct {
	decision  clustering.Decision
	calls     int
	embedding []float32
}

func (a *stubAssigner) Decide(_ context.Context, article db.ArticleRecord, embedding []float32) (clustering.Decision, error) {
	a.calls++
	a.embedding = embedding
	if a.decision.StoryID == "" {
		return clustering.Decision{StoryID: clustering.NewStoryID(article.ID)}, nil
	}
	return a.decision, nil
}

type stubEmbedder struct {
	vec []float32
	err error
}

func (e stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, e.err
}

type stubQueue struct {
	docs []backend.Document
	err  error
}

func (q *stubQueue) Enqueue(doc backend.Document) error {
	if q.err != nil {
		return q.err
	}
	q.docs = append(q.docs, doc)
	return nil
}

func mustPayload(t *testing.T, raw string) *payloadschema.ArticlePayload {
	t.Helper()
	payload, err := payloadschema.ValidateArticlePayload(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("invalid test payload: %v", err)
	}
	return payload
}

func TestIntakeOneJoinsStoryAndQueuesDocument(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	best := clustering.Match{ArticleID: "neighbour", StoryID: "story-1", Similarity: 0.91}
	assigner := &stubAssigner{decision: clustering.Decision{StoryID: "story-1", Best: &best, Joined: true}}
	queue := &stubQueue{}
	svc := NewService(store, assigner, nil, queue, Options{Dimensions: 2}, zerolog.Nop())

	result, err := svc.IntakeOne(context.Background(), mustPayload(t, `{
		"id":"art-1","feed_id":"feed","title":"Bridge collapse","language":"EN-us",
		"embedding":[0.6,0.8]
	}`))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}

	if result.StoryID != "story-1" || !result.Joined || result.Similarity != 0.91 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if !result.Embedded || !result.Indexed || result.Language != "en" || result.LanguageDetected {
		t.Fatalf("unexpected flags: %+v", result)
	}
	if store.storyUpdates["art-1"] != "story-1" {
		t.Fatalf("expected story id written to store, got %v", store.storyUpdates)
	}
	if len(queue.docs) != 1 || queue.docs[0].StoryID != "story-1" || len(queue.docs[0].Embedding) != 2 {
		t.Fatalf("unexpected queued documents: %+v", queue.docs)
	}
}

func TestIntakeOneKeepsExistingStory(t *testing.T) {
	t.Parallel()

	store := &stubStore{existingStory: "story-kept"}
	assigner := &stubAssigner{}
	queue := &stubQueue{}
	svc := NewService(store, assigner, nil, queue, Options{}, zerolog.Nop())

	result, err := svc.IntakeOne(context.Background(), mustPayload(t, `{
		"id":"art-2","feed_id":"feed","title":"Resubmitted","language":"en","embedding":[1,0]
	}`))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if result.StoryID != "story-kept" || assigner.calls != 0 || len(store.storyUpdates) != 0 {
		t.Fatalf("expected existing story to be kept, got %+v calls=%d", result, assigner.calls)
	}
	if queue.docs[0].StoryID != "story-kept" {
		t.Fatalf("expected queued doc to carry the kept story")
	}
}

func TestIntakeOneEmbedsWhenMissing(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	assigner := &stubAssigner{}
	svc := NewService(store, assigner, stubEmbedder{vec: []float32{0, 1, 0}}, nil, Options{Dimensions: 3}, zerolog.Nop())

	result, err := svc.IntakeOne(context.Background(), mustPayload(t, `{"id":"art-3","feed_id":"f","title":"t","language":"de"}`))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if !result.Embedded || len(assigner.embedding) != 3 || len(store.upserted[0].Embedding) != 3 {
		t.Fatalf("expected computed embedding to be stored and used, got %+v", result)
	}
	if result.Indexed {
		t.Fatalf("expected no indexing without a queue")
	}
}

func TestIntakeOneStoresUnembeddedOnEmbedderFailure(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	assigner := &stubAssigner{}
	svc := NewService(store, assigner, stubEmbedder{err: errors.New("model offline")}, nil, Options{}, zerolog.Nop())

	result, err := svc.IntakeOne(context.Background(), mustPayload(t, `{"id":"art-4","feed_id":"f","title":"t","language":"en"}`))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if result.Embedded || assigner.embedding != nil {
		t.Fatalf("expected no embedding, got %+v", result)
	}
	if result.StoryID != clustering.NewStoryID("art-4") || result.Joined {
		t.Fatalf("expected a minted story, got %+v", result)
	}
}

func TestIntakeOneRejectsDimensionMismatch(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	svc := NewService(store, &stubAssigner{}, nil, nil, Options{Dimensions: 4}, zerolog.Nop())

	_, err := svc.IntakeOne(context.Background(), mustPayload(t, `{"id":"art-5","feed_id":"f","title":"t","language":"en","embedding":[1,2]}`))
	if !errors.Is(err, ErrInvalidEmbedding) {
		t.Fatalf("expected ErrInvalidEmbedding, got %v", err)
	}
	if len(store.upserted) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestIntakeOneToleratesClosedQueue(t *testing.T) {
	t.Parallel()

	svc := NewService(&stubStore{}, &stubAssigner{}, nil, &stubQueue{err: indexqueue.ErrQueueClosed}, Options{}, zerolog.Nop())

	result, err := svc.IntakeOne(context.Background(), mustPayload(t, `{"id":"art-6","feed_id":"f","title":"t","language":"en"}`))
	if err != nil {
		t.Fatalf("intake: %v", err)
	}
	if result.Indexed {
		t.Fatalf("expected Indexed=false when the queue is closed")
	}
}

func TestIntakeJSONRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	store := &stubStore{}
	svc := NewService(store, &stubAssigner{}, nil, nil, Options{}, zerolog.Nop())
	if _, err := svc.IntakeJSON(context.Background(), json.RawMessage(`{"id":"x"}`)); err == nil {
		t.Fatalf("expected validation error")
	}
	if len(store.upserted) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestBuildRecordNormalizesFields(t *testing.T) {
	t.Parallel()

	rec, detected := buildRecord(mustPayload(t, `{
		"id":" art-7 ","feed_id":"f","title":" Title ",
		"source_url":"https://News.Example.com/a?utm_source=rss&b=2",
		"summary":"<p>First <b>point</b>.</p><script>x()</script>",
		"language":"pt-BR",
		"category":" World ",
		"keywords":["Flood","flood "," Rain"]
	}`))

	if detected {
		t.Fatalf("expected supplied language to be used")
	}
	if rec.ID != "art-7" || rec.Title != "Title" || rec.Category != "World" || rec.Language != "pt" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.CanonicalURL != "https://news.example.com/a?b=2" {
		t.Fatalf("unexpected canonical url: %q", rec.CanonicalURL)
	}
	if rec.Summary != "First point." {
		t.Fatalf("unexpected summary: %q", rec.Summary)
	}
	if len(rec.Keywords) != 2 || rec.Keywords[0] != "flood" || rec.Keywords[1] != "rain" {
		t.Fatalf("unexpected keywords: %v", rec.Keywords)
	}
	if rec.FetchedAt == nil {
		t.Fatalf("expected fetched_at to default to now")
	}
}
