package clustering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
)

func TestNewStoryID_Deterministic(t *testing.T) {
	t.Parallel()

	first := NewStoryID("article-1")
	if first != NewStoryID(" article-1 ") {
		t.Fatalf("expected trimmed seeds to produce the same id")
	}
	if first == NewStoryID("article-2") {
		t.Fatalf("expected distinct seeds to produce distinct ids")
	}
	if SplitStoryID(first, "article-9") == NewStoryID("article-9") {
		t.Fatalf("split ids must not collide with seed ids")
	}
}

func TestAssigner_JoinsNearestStoryAndIsIdempotent(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(
		article("existing", "story-x", now.Add(-2*time.Hour), 1, 0, 0),
		article("far", "story-y", now.Add(-1*time.Hour), 0, 1, 0),
	)
	assigner := NewAssigner(nil, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())

	incoming := article("incoming", "", now, 0.95, 0.05, 0)
	first, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	second, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide again: %v", err)
	}

	if !first.Joined || first.StoryID != "story-x" {
		t.Fatalf("expected join of story-x, got %+v", first)
	}
	if first.StoryID != second.StoryID {
		t.Fatalf("expected idempotent assignment, got %q then %q", first.StoryID, second.StoryID)
	}
	if first.Best == nil || first.Best.ArticleID != "existing" {
		t.Fatalf("unexpected best match: %+v", first.Best)
	}
}

func TestAssigner_MintsBelowThreshold(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(article("existing", "story-x", now.Add(-time.Hour), 1, 0))
	assigner := NewAssigner(nil, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())

	incoming := article("incoming", "", now, 0.5, 0.5)
	got := assigner.AssignStoryID(context.Background(), incoming, incoming.Embedding)
	if got != NewStoryID("incoming") {
		t.Fatalf("expected minted id, got %q", got)
	}
	if again := assigner.AssignStoryID(context.Background(), incoming, incoming.Embedding); again != got {
		t.Fatalf("expected same minted id, got %q", again)
	}
}

func TestAssigner_IgnoresArticlesOutsideWindow(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(article("old", "story-old", now.Add(-72*time.Hour), 1, 0))
	assigner := NewAssigner(nil, store, AssignerOptions{Threshold: 0.82, Window: 48 * time.Hour}, zerolog.Nop())

	incoming := article("incoming", "", now, 1, 0)
	decision, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Joined {
		t.Fatalf("expected out-of-window story to be ignored, got %+v", decision)
	}
}

func TestAssigner_PrefersStoreStoryOverBackendCopy(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(article("neighbor", "story-current", now, 1, 0))
	searcher := stubSearcher{hits: []backend.Hit{{ID: "neighbor", Score: 0.93, StoryID: "story-stale"}}}
	assigner := NewAssigner(searcher, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())

	incoming := article("incoming", "", now, 1, 0)
	decision, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.StoryID != "story-current" {
		t.Fatalf("expected relational story id, got %q", decision.StoryID)
	}
}

func TestAssigner_FallsBackToStoreWhenBackendFails(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(article("neighbor", "story-x", now, 1, 0))
	searcher := stubSearcher{err: errors.New("connection refused")}
	assigner := NewAssigner(searcher, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())

	incoming := article("incoming", "", now, 1, 0.01)
	decision, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.StoryID != "story-x" {
		t.Fatalf("expected store scan to find story-x, got %q", decision.StoryID)
	}

	disabled := NewAssigner(backend.Disabled{}, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())
	if got := disabled.AssignStoryID(context.Background(), incoming, incoming.Embedding); got != "story-x" {
		t.Fatalf("expected disabled backend to use store scan, got %q", got)
	}
}

func TestAssigner_NoEmbeddingMints(t *testing.T) {
	t.Parallel()

	assigner := NewAssigner(nil, newMemStore(), AssignerOptions{Threshold: 0.82}, zerolog.Nop())
	decision, err := assigner.Decide(context.Background(), article("bare", "", time.Now()), nil)
	if err != nil {
		t.Fatalf("missing embedding must not be an error: %v", err)
	}
	if decision.StoryID != NewStoryID("bare") || decision.Joined {
		t.Fatalf("unexpected decision: %+v", decision)
	}
}

func TestAssigner_TitleWeightBlendsSignal(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	neighbor := article("neighbor", "story-x", now, 1, 0)
	neighbor.Title = "Harbor storm floods city"
	store := newMemStore(neighbor)

	incoming := article("incoming", "", now, 0.8, 0.6)
	incoming.Title = "Harbor storm floods city"

	plain := NewAssigner(nil, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())
	if d, _ := plain.Decide(context.Background(), incoming, incoming.Embedding); d.Joined {
		t.Fatalf("cosine 0.8 alone must not join, got %+v", d)
	}

	blended := NewAssigner(nil, store, AssignerOptions{Threshold: 0.82, TitleWeight: 0.5}, zerolog.Nop())
	if d, _ := blended.Decide(context.Background(), incoming, incoming.Embedding); !d.Joined {
		t.Fatalf("identical titles should lift similarity over threshold, got %+v", d)
	}
}

func TestAssigner_SkipsHitUnassignedInStore(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(article("neighbor", "", now, 1, 0))
	searcher := stubSearcher{hits: []backend.Hit{{ID: "neighbor", Score: 0.97, StoryID: "story-deleted"}}}
	assigner := NewAssigner(searcher, store, AssignerOptions{Threshold: 0.82}, zerolog.Nop())

	incoming := article("incoming", "", now, 1, 0)
	decision, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decision.Joined || decision.StoryID != NewStoryID("incoming") {
		t.Fatalf("expected a minted story instead of the cleared one, got %+v", decision)
	}
}

func TestAssigner_UsesBackendStoryForHitUnknownToStore(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	searcher := stubSearcher{hits: []backend.Hit{{ID: "remote", Score: 0.97, StoryID: "story-remote"}}}
	assigner := NewAssigner(searcher, newMemStore(), AssignerOptions{Threshold: 0.82}, zerolog.Nop())

	incoming := article("incoming", "", now, 1, 0)
	decision, err := assigner.Decide(context.Background(), incoming, incoming.Embedding)
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if !decision.Joined || decision.StoryID != "story-remote" {
		t.Fatalf("expected backend story for an unknown hit, got %+v", decision)
	}
}
