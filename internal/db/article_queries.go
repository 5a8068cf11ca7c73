package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/vector"
)

// ArticleRecord is the decoded read/write model of storyline.articles.
type ArticleRecord struct {
	ID           string     `json:"id"`
	FeedID       string     `json:"feed_id"`
	SourceURL    string     `json:"source_url,omitempty"`
	CanonicalURL string     `json:"canonical_url,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty"`
	Title        string     `json:"title"`
	Summary      string     `json:"summary,omitempty"`
	Language     string     `json:"language"`
	Category     string     `json:"category,omitempty"`
	Keywords     []string   `json:"keywords,omitempty"`
	StoryID      string     `json:"story_id,omitempty"`
	Embedding    []float32  `json:"-"`
}

// EffectiveTime is the publish time, or the fetch time for undated articles.
func (a ArticleRecord) EffectiveTime() *time.Time {
	if a.PublishedAt != nil {
		return a.PublishedAt
	}
	return a.FetchedAt
}

// IndexDocument projects the article into the search backend's shape.
func (a ArticleRecord) IndexDocument() backend.Document {
	return backend.Document{
		ID:           a.ID,
		StoryID:      a.StoryID,
		FeedID:       a.FeedID,
		Title:        a.Title,
		Summary:      a.Summary,
		Language:     a.Language,
		Category:     a.Category,
		Keywords:     a.Keywords,
		SourceURL:    a.SourceURL,
		CanonicalURL: a.CanonicalURL,
		PublishedAt:  a.PublishedAt,
		FetchedAt:    a.FetchedAt,
		Embedding:    a.Embedding,
	}
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const articleColumns = `
	a.article_id,
	a.feed_id,
	a.source_url,
	a.canonical_url,
	a.published_at,
	a.fetched_at,
	a.title,
	a.summary,
	a.language,
	a.category,
	a.keywords,
	a.story_id`

var articleColumnList = []string{
	"a.article_id",
	"a.feed_id",
	"a.source_url",
	"a.canonical_url",
	"a.published_at",
	"a.fetched_at",
	"a.title",
	"a.summary",
	"a.language",
	"a.category",
	"a.keywords",
	"a.story_id",
}

type scanner interface {
	Scan(dest ...any) error
}

// scanArticle reads articleColumns, optionally followed by the embedding and
// any extra destinations.
func scanArticle(row scanner, withEmbedding bool, extra ...any) (ArticleRecord, error) {
	var (
		rec          ArticleRecord
		sourceURL    *string
		canonicalURL *string
		category     *string
		storyID      *string
		keywords     []byte
		embedding    []byte
	)
	dest := []any{
		&rec.ID,
		&rec.FeedID,
		&sourceURL,
		&canonicalURL,
		&rec.PublishedAt,
		&rec.FetchedAt,
		&rec.Title,
		&rec.Summary,
		&rec.Language,
		&category,
		&keywords,
		&storyID,
	}
	if withEmbedding {
		dest = append(dest, &embedding)
	}
	dest = append(dest, extra...)
	if err := row.Scan(dest...); err != nil {
		return ArticleRecord{}, err
	}

	rec.SourceURL = deref(sourceURL)
	rec.CanonicalURL = deref(canonicalURL)
	rec.Category = deref(category)
	rec.StoryID = deref(storyID)
	if len(keywords) > 0 {
		if err := json.Unmarshal(keywords, &rec.Keywords); err != nil {
			return ArticleRecord{}, fmt.Errorf("decode keywords article_id=%s: %w", rec.ID, err)
		}
	}
	if len(embedding) > 0 {
		vec, err := vector.Decode(embedding)
		if err != nil {
			return ArticleRecord{}, fmt.Errorf("decode embedding article_id=%s: %w", rec.ID, err)
		}
		rec.Embedding = vec
	}
	return rec, nil
}

// UpsertArticle inserts or refreshes an article. An existing story assignment
// and embedding survive when the new record does not carry one. It returns the
// story id stored after the write.
func (p *Pool) UpsertArticle(ctx context.Context, rec ArticleRecord) (string, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return "", fmt.Errorf("article id is required")
	}

	keywords := rec.Keywords
	if keywords == nil {
		keywords = []string{}
	}
	keywordsJSON, err := json.Marshal(keywords)
	if err != nil {
		return "", fmt.Errorf("encode keywords article_id=%s: %w", id, err)
	}
	var embedding []byte
	if len(rec.Embedding) > 0 {
		embedding = vector.Encode(rec.Embedding)
	}
	language := strings.TrimSpace(rec.Language)
	if language == "" {
		language = "und"
	}

	const q = `
INSERT INTO storyline.articles (
	article_id,
	feed_id,
	source_url,
	canonical_url,
	published_at,
	fetched_at,
	title,
	summary,
	language,
	category,
	keywords,
	story_id,
	embedding,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $13, now(), now())
ON CONFLICT (article_id) DO UPDATE SET
	feed_id = EXCLUDED.feed_id,
	source_url = EXCLUDED.source_url,
	canonical_url = EXCLUDED.canonical_url,
	published_at = EXCLUDED.published_at,
	fetched_at = COALESCE(EXCLUDED.fetched_at, storyline.articles.fetched_at),
	title = EXCLUDED.title,
	summary = EXCLUDED.summary,
	language = EXCLUDED.language,
	category = EXCLUDED.category,
	keywords = EXCLUDED.keywords,
	story_id = COALESCE(EXCLUDED.story_id, storyline.articles.story_id),
	embedding = COALESCE(EXCLUDED.embedding, storyline.articles.embedding),
	updated_at = now()
RETURNING story_id
`

	var storyID *string
	if err := p.QueryRow(ctx, q,
		id,
		strings.TrimSpace(rec.FeedID),
		nullIfEmpty(rec.SourceURL),
		nullIfEmpty(rec.CanonicalURL),
		utcPtr(rec.PublishedAt),
		utcPtr(rec.FetchedAt),
		strings.TrimSpace(rec.Title),
		rec.Summary,
		language,
		nullIfEmpty(rec.Category),
		string(keywordsJSON),
		nullIfEmpty(rec.StoryID),
		embedding,
	).Scan(&storyID); err != nil {
		return "", fmt.Errorf("upsert article article_id=%s: %w", id, err)
	}
	return deref(storyID), nil
}

// GetArticle returns one article including its embedding. A missing article
// yields an error matching IsNoRows.
func (p *Pool) GetArticle(ctx context.Context, id string) (ArticleRecord, error) {
	q := `SELECT` + articleColumns + `,
	a.embedding
FROM storyline.articles a
WHERE a.article_id = $1
`
	rec, err := scanArticle(p.QueryRow(ctx, q, strings.TrimSpace(id)), true)
	if err != nil {
		return ArticleRecord{}, fmt.Errorf("get article article_id=%s: %w", id, err)
	}
	return rec, nil
}

// GetArticles returns the requested articles, including embeddings, in the
// order of ids. Unknown ids are skipped.
func (p *Pool) GetArticles(ctx context.Context, ids []string) ([]ArticleRecord, error) {
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return nil, nil
	}

	query, args, err := psql.
		Select(append(append([]string(nil), articleColumnList...), "a.embedding")...).
		From("storyline.articles a").
		Where(sq.Eq{"a.article_id": ids}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get articles query: %w", err)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query articles: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]ArticleRecord, len(ids))
	for rows.Next() {
		rec, err := scanArticle(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan article row: %w", err)
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate article rows: %w", err)
	}

	out := make([]ArticleRecord, 0, len(byID))
	for _, id := range ids {
		if rec, ok := byID[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateArticleStoryID sets or, for an empty storyID, clears an article's
// story reference.
func (p *Pool) UpdateArticleStoryID(ctx context.Context, id, storyID string) error {
	const q = `
UPDATE storyline.articles
SET
	story_id = $2,
	updated_at = now()
WHERE article_id = $1
`
	tag, err := p.Exec(ctx, q, strings.TrimSpace(id), nullIfEmpty(storyID))
	if err != nil {
		return fmt.Errorf("update story id article_id=%s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update story id article_id=%s: %w", id, ErrNoRows)
	}
	return nil
}

// ListWindowArticles returns articles whose effective time is at or after
// since, with embeddings, oldest first.
func (p *Pool) ListWindowArticles(ctx context.Context, since time.Time) ([]ArticleRecord, error) {
	q := `SELECT` + articleColumns + `,
	a.embedding
FROM storyline.articles a
WHERE COALESCE(a.published_at, a.fetched_at) >= $1
ORDER BY COALESCE(a.published_at, a.fetched_at) ASC, a.article_id ASC
`
	return p.queryArticles(ctx, "window articles", q, since.UTC())
}

// ListStoryMembers returns every article referencing storyID, with
// embeddings, oldest first.
func (p *Pool) ListStoryMembers(ctx context.Context, storyID string) ([]ArticleRecord, error) {
	q := `SELECT` + articleColumns + `,
	a.embedding
FROM storyline.articles a
WHERE a.story_id = $1
ORDER BY COALESCE(a.published_at, a.fetched_at) ASC NULLS LAST, a.article_id ASC
`
	return p.queryArticles(ctx, "story members story_id="+storyID, q, strings.TrimSpace(storyID))
}

func (p *Pool) queryArticles(ctx context.Context, label, q string, args ...any) ([]ArticleRecord, error) {
	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", label, err)
	}
	defer rows.Close()

	items := make([]ArticleRecord, 0, 64)
	for rows.Next() {
		rec, err := scanArticle(rows, true)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", label, err)
		}
		items = append(items, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", label, err)
	}
	return items, nil
}

// ReassignStory moves every member of from to to in one transaction and
// returns the number of moved articles.
func (p *Pool) ReassignStory(ctx context.Context, from, to string) (int64, error) {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return 0, fmt.Errorf("source and target story ids are required")
	}

	const q = `
UPDATE storyline.articles
SET
	story_id = $2,
	updated_at = now()
WHERE story_id = $1
`
	var moved int64
	err := p.InTx(ctx, func(tx Tx) error {
		tag, err := tx.Exec(ctx, q, from, to)
		if err != nil {
			return fmt.Errorf("reassign story story_id=%s: %w", from, err)
		}
		moved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// ReassignArticles points every listed article at storyID in one transaction.
func (p *Pool) ReassignArticles(ctx context.Context, ids []string, storyID string) (int64, error) {
	ids = uniqueNonEmpty(ids)
	if len(ids) == 0 {
		return 0, nil
	}
	storyID = strings.TrimSpace(storyID)
	if storyID == "" {
		return 0, fmt.Errorf("story id is required")
	}

	query, args, err := psql.
		Update("storyline.articles").
		Set("story_id", storyID).
		Set("updated_at", sq.Expr("now()")).
		Where(sq.Eq{"article_id": ids}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build reassign articles query: %w", err)
	}

	var moved int64
	err = p.InTx(ctx, func(tx Tx) error {
		tag, err := tx.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("reassign articles story_id=%s: %w", storyID, err)
		}
		moved = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return moved, nil
}

// ClearStoryRefs detaches every article from storyID and returns the ids of
// the detached articles.
func (p *Pool) ClearStoryRefs(ctx context.Context, storyID string) ([]string, error) {
	const q = `
UPDATE storyline.articles
SET
	story_id = NULL,
	updated_at = now()
WHERE story_id = $1
RETURNING article_id
`
	ids, err := p.queryStrings(ctx, "clear story refs", q, strings.TrimSpace(storyID))
	if err != nil {
		return nil, fmt.Errorf("story_id=%s: %w", storyID, err)
	}
	return ids, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullIfEmpty(s string) *string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func uniqueNonEmpty(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
