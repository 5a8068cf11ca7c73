package db

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestArticleFilterApply(t *testing.T) {
	t.Parallel()

	from := time.Date(2026, 1, 2, 3, 0, 0, 0, time.FixedZone("CET", 3600))
	filter := ArticleFilter{
		From:     &from,
		Language: " EN ",
		FeedID:   "feed-1",
		Category: "Tech",
	}

	query, args, err := filter.apply(psql.Select("a.article_id").From("storyline.articles a")).ToSql()
	if err != nil {
		t.Fatalf("build query: %v", err)
	}

	for _, fragment := range []string{
		"COALESCE(a.published_at, a.fetched_at) >= ?",
		"a.language = ?",
		"a.feed_id = ?",
		"lower(a.category) = ?",
	} {
		if !strings.Contains(query, fragment) {
			t.Fatalf("expected %q in query %q", fragment, query)
		}
	}
	if strings.Contains(query, "story_id") {
		t.Fatalf("empty story filter must not constrain query: %q", query)
	}

	want := []any{from.UTC(), "en", "feed-1", "tech"}
	if !reflect.DeepEqual(args, want) {
		t.Fatalf("unexpected args: %#v", args)
	}
}

func TestUniqueNonEmpty(t *testing.T) {
	t.Parallel()

	got := uniqueNonEmpty([]string{" a ", "", "b", "a", "  "})
	if !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected ids: %v", got)
	}
}

func TestArticleRecordIndexDocument(t *testing.T) {
	t.Parallel()

	published := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := ArticleRecord{
		ID:          "a1",
		StoryID:     "s1",
		Title:       "Title",
		Keywords:    []string{"k"},
		PublishedAt: &published,
		Embedding:   []float32{1, 2},
	}

	doc := rec.IndexDocument()
	if doc.ID != "a1" || doc.StoryID != "s1" || doc.Title != "Title" || len(doc.Embedding) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}
	if rec.EffectiveTime() != rec.PublishedAt {
		t.Fatalf("expected publish time as effective time")
	}
}
