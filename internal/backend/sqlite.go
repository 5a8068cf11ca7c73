package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/vector"
)

// Column weights for bm25 over (title, summary, keywords).
const (
	titleWeight    = 3.0
	summaryWeight  = 1.0
	keywordsWeight = 2.0
)

const coreSchema = `
CREATE TABLE IF NOT EXISTS documents (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	story_id     TEXT NOT NULL DEFAULT '',
	feed_id      TEXT NOT NULL DEFAULT '',
	language     TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	title        TEXT NOT NULL DEFAULT '',
	summary      TEXT NOT NULL DEFAULT '',
	keywords     TEXT NOT NULL DEFAULT '',
	published_at INTEGER,
	fetched_at   INTEGER,
	embedding    BLOB,
	meta         BLOB,
	updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS documents_story_id_idx ON documents(story_id);
CREATE INDEX IF NOT EXISTS documents_published_at_idx ON documents(published_at);

CREATE TABLE IF NOT EXISTS stories (
	story_id   TEXT PRIMARY KEY,
	payload    BLOB NOT NULL,
	centroid   BLOB,
	updated_at INTEGER NOT NULL
);
`

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
	title,
	summary,
	keywords,
	content='documents',
	content_rowid='seq',
	tokenize='porter unicode61'
);

CREATE TRIGGER IF NOT EXISTS documents_ai AFTER INSERT ON documents BEGIN
	INSERT INTO documents_fts(rowid, title, summary, keywords) VALUES (new.seq, new.title, new.summary, new.keywords);
END;

CREATE TRIGGER IF NOT EXISTS documents_ad AFTER DELETE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, summary, keywords) VALUES ('delete', old.seq, old.title, old.summary, old.keywords);
END;

CREATE TRIGGER IF NOT EXISTS documents_au AFTER UPDATE ON documents BEGIN
	INSERT INTO documents_fts(documents_fts, rowid, title, summary, keywords) VALUES ('delete', old.seq, old.title, old.summary, old.keywords);
	INSERT INTO documents_fts(rowid, title, summary, keywords) VALUES (new.seq, new.title, new.summary, new.keywords);
END;
`

const upsertDocumentSQL = `
INSERT INTO documents (
	id, story_id, feed_id, language, category, title, summary, keywords,
	published_at, fetched_at, embedding, meta, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	story_id = excluded.story_id,
	feed_id = excluded.feed_id,
	language = excluded.language,
	category = excluded.category,
	title = excluded.title,
	summary = excluded.summary,
	keywords = excluded.keywords,
	published_at = excluded.published_at,
	fetched_at = excluded.fetched_at,
	embedding = excluded.embedding,
	meta = excluded.meta,
	updated_at = excluded.updated_at
`

const documentColumns = "d.id, d.story_id, d.feed_id, d.language, d.category, d.title, d.summary, d.published_at, d.embedding, d.meta"

// SQLiteBackend stores documents in an embedded SQLite database. Lexical
// queries use FTS5 bm25; vector queries scan embeddings of filtered rows.
type SQLiteBackend struct {
	db           *sql.DB
	logger       zerolog.Logger
	ftsAvailable bool
}

// OpenSQLite opens (creating if needed) the index database at path.
func OpenSQLite(ctx context.Context, path string, logger zerolog.Logger) (*SQLiteBackend, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("sqlite index path is required")
	}

	dsn := "file:" + trimmed + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite index %s: %w", trimmed, err)
	}
	db.SetMaxOpenConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite index: %w", err)
	}

	b := &SQLiteBackend{db: db, logger: logger}
	if err := b.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) ensureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, coreSchema); err != nil {
		return fmt.Errorf("create sqlite index schema: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, ftsSchema); err != nil {
		b.ftsAvailable = false
		b.logger.Warn().Err(err).Msg("fts5 not available, lexical queries fall back to LIKE")
		return nil
	}
	b.ftsAvailable = true
	return nil
}

func (b *SQLiteBackend) Ping(ctx context.Context) error {
	if b == nil || b.db == nil {
		return fmt.Errorf("sqlite backend is not initialized")
	}
	return b.db.PingContext(ctx)
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteBackend) BulkUpsert(ctx context.Context, docs []Document) ([]BulkItemError, error) {
	if b == nil || b.db == nil {
		return nil, fmt.Errorf("sqlite backend is not initialized")
	}
	if len(docs) == 0 {
		return nil, nil
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bulk upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertDocumentSQL)
	if err != nil {
		return nil, fmt.Errorf("prepare bulk upsert: %w", err)
	}
	defer stmt.Close()

	now := globaltime.UTC().UnixMilli()
	var failures []BulkItemError
	for _, doc := range docs {
		id := strings.TrimSpace(doc.ID)
		if id == "" {
			failures = append(failures, BulkItemError{ID: doc.ID, Err: fmt.Errorf("id is required")})
			continue
		}
		if err := vector.Validate(doc.Embedding, 0); err != nil {
			failures = append(failures, BulkItemError{ID: id, Err: err})
			continue
		}
		meta, err := msgpack.Marshal(&doc)
		if err != nil {
			failures = append(failures, BulkItemError{ID: id, Err: fmt.Errorf("encode meta: %w", err)})
			continue
		}

		_, err = stmt.ExecContext(ctx,
			id,
			doc.StoryID,
			doc.FeedID,
			strings.ToLower(strings.TrimSpace(doc.Language)),
			strings.ToLower(strings.TrimSpace(doc.Category)),
			doc.Title,
			doc.Summary,
			strings.Join(doc.Keywords, " "),
			unixMilliOrNil(doc.PublishedAt),
			unixMilliOrNil(doc.FetchedAt),
			vector.Encode(doc.Embedding),
			meta,
			now,
		)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("bulk upsert interrupted: %w", ctx.Err())
			}
			failures = append(failures, BulkItemError{ID: id, Err: err})
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bulk upsert: %w", err)
	}
	return failures, nil
}

func (b *SQLiteBackend) BulkDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sq.Delete("documents").Where(sq.Eq{"id": ids}).ToSql()
	if err != nil {
		return fmt.Errorf("build bulk delete: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("bulk delete %d documents: %w", len(ids), err)
	}
	return nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, id string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete document id=%s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) UpdateStoryID(ctx context.Context, id, storyID string) error {
	res, err := b.db.ExecContext(ctx,
		`UPDATE documents SET story_id = ?, updated_at = ? WHERE id = ?`,
		storyID, globaltime.UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("update story_id document id=%s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (b *SQLiteBackend) Get(ctx context.Context, id string) (Document, error) {
	docs, err := b.MGet(ctx, []string{id})
	if err != nil {
		return Document{}, err
	}
	doc, ok := docs[id]
	if !ok {
		return Document{}, ErrNotFound
	}
	return doc, nil
}

// MGet returns the documents found among ids; missing ids are absent from the map.
func (b *SQLiteBackend) MGet(ctx context.Context, ids []string) (map[string]Document, error) {
	out := make(map[string]Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sq.Select(documentColumns).From("documents d").Where(sq.Eq{"d.id": ids}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build mget: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("mget %d documents: %w", len(ids), err)
	}
	defer rows.Close()

	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate mget rows: %w", err)
	}
	return out, nil
}

// KNN ranks filtered documents by cosine similarity to query.
func (b *SQLiteBackend) KNN(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error) {
	if k <= 0 || len(query) == 0 {
		return nil, nil
	}

	builder := sq.Select("d.id", "d.story_id", "d.published_at", "d.embedding").
		From("documents d").
		Where("d.embedding IS NOT NULL")
	builder = applyFilter(builder, filter)

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build knn query: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("knn query: %w", err)
	}
	defer rows.Close()

	hits := make([]Hit, 0, k)
	for rows.Next() {
		var (
			hit       Hit
			published sql.NullInt64
			blob      []byte
		)
		if err := rows.Scan(&hit.ID, &hit.StoryID, &published, &blob); err != nil {
			return nil, fmt.Errorf("scan knn row: %w", err)
		}
		embedding, err := vector.Decode(blob)
		if err != nil {
			b.logger.Warn().Err(err).Str("id", hit.ID).Msg("skip document with corrupt embedding")
			continue
		}
		sim, err := vector.Cosine(query, embedding)
		if err != nil {
			continue
		}
		hit.Score = sim
		hit.PublishedAt = timeFromMilli(published)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate knn rows: %w", err)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Lexical runs a weighted bm25 match over title, summary and keywords.
func (b *SQLiteBackend) Lexical(ctx context.Context, text string, k int, filter Filter) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	terms := queryTerms(text)
	if len(terms) == 0 {
		return nil, nil
	}
	if !b.ftsAvailable {
		return b.lexicalLike(ctx, terms, k, filter)
	}

	scoreExpr := fmt.Sprintf("-bm25(documents_fts, %.1f, %.1f, %.1f) AS score", titleWeight, summaryWeight, keywordsWeight)
	builder := sq.Select("d.id", "d.story_id", "d.published_at", scoreExpr).
		From("documents_fts").
		Join("documents d ON d.seq = documents_fts.rowid").
		Where("documents_fts MATCH ?", ftsMatchExpression(terms))
	builder = applyFilter(builder, filter).OrderBy("score DESC", "d.id").Limit(uint64(k))

	sqlText, args, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build lexical query: %w", err)
	}
	rows, err := b.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows, k)
}

// lexicalLike scores documents by the number of query terms they contain.
func (b *SQLiteBackend) lexicalLike(ctx context.Context, terms []string, k int, filter Filter) ([]Hit, error) {
	haystack := "LOWER(d.title || ' ' || d.summary || ' ' || d.keywords)"
	parts := make([]string, 0, len(terms))
	args := make([]any, 0, len(terms))
	for _, term := range terms {
		parts = append(parts, fmt.Sprintf("(CASE WHEN %s LIKE ? THEN 1 ELSE 0 END)", haystack))
		args = append(args, "%"+term+"%")
	}
	scoreExpr := sq.Expr("("+strings.Join(parts, " + ")+") AS score", args...)

	builder := sq.Select("d.id", "d.story_id", "d.published_at").
		Column(scoreExpr).
		From("documents d")
	builder = applyFilter(builder, filter)

	inner, innerArgs, err := builder.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build like query: %w", err)
	}
	sqlText := "SELECT id, story_id, published_at, score FROM (" + inner + ") WHERE score > 0 ORDER BY score DESC, id LIMIT ?"
	innerArgs = append(innerArgs, k)

	rows, err := b.db.QueryContext(ctx, sqlText, innerArgs...)
	if err != nil {
		return nil, fmt.Errorf("like query: %w", err)
	}
	defer rows.Close()
	return scanHits(rows, k)
}

func (b *SQLiteBackend) UpsertStory(ctx context.Context, story StoryDocument) error {
	if strings.TrimSpace(story.StoryID) == "" {
		return fmt.Errorf("story_id is required")
	}
	payload, err := msgpack.Marshal(&story)
	if err != nil {
		return fmt.Errorf("encode story story_id=%s: %w", story.StoryID, err)
	}
	updatedAt := story.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = globaltime.UTC()
	}

	const q = `
INSERT INTO stories (story_id, payload, centroid, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(story_id) DO UPDATE SET
	payload = excluded.payload,
	centroid = excluded.centroid,
	updated_at = excluded.updated_at
`
	if _, err := b.db.ExecContext(ctx, q, story.StoryID, payload, vector.Encode(story.Centroid), updatedAt.UnixMilli()); err != nil {
		return fmt.Errorf("upsert story story_id=%s: %w", story.StoryID, err)
	}
	return nil
}

func (b *SQLiteBackend) GetStory(ctx context.Context, storyID string) (StoryDocument, error) {
	var (
		payload   []byte
		centroid  []byte
		updatedAt int64
	)
	err := b.db.QueryRowContext(ctx,
		`SELECT payload, centroid, updated_at FROM stories WHERE story_id = ?`, storyID,
	).Scan(&payload, &centroid, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StoryDocument{}, ErrNotFound
	}
	if err != nil {
		return StoryDocument{}, fmt.Errorf("get story story_id=%s: %w", storyID, err)
	}

	var story StoryDocument
	if err := msgpack.Unmarshal(payload, &story); err != nil {
		return StoryDocument{}, fmt.Errorf("decode story story_id=%s: %w", storyID, err)
	}
	story.StoryID = storyID
	story.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if story.Centroid, err = vector.Decode(centroid); err != nil {
		return StoryDocument{}, fmt.Errorf("decode story centroid story_id=%s: %w", storyID, err)
	}
	return story, nil
}

func (b *SQLiteBackend) DeleteStory(ctx context.Context, storyID string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM stories WHERE story_id = ?`, storyID); err != nil {
		return fmt.Errorf("delete story story_id=%s: %w", storyID, err)
	}
	return nil
}

func applyFilter(builder sq.SelectBuilder, filter Filter) sq.SelectBuilder {
	if filter.From != nil {
		builder = builder.Where("COALESCE(d.published_at, d.fetched_at) >= ?", filter.From.UTC().UnixMilli())
	}
	if filter.To != nil {
		builder = builder.Where("COALESCE(d.published_at, d.fetched_at) <= ?", filter.To.UTC().UnixMilli())
	}
	if lang := strings.ToLower(strings.TrimSpace(filter.Language)); lang != "" {
		builder = builder.Where(sq.Eq{"d.language": lang})
	}
	if feed := strings.TrimSpace(filter.FeedID); feed != "" {
		builder = builder.Where(sq.Eq{"d.feed_id": feed})
	}
	if category := strings.ToLower(strings.TrimSpace(filter.Category)); category != "" {
		builder = builder.Where(sq.Eq{"d.category": category})
	}
	if story := strings.TrimSpace(filter.StoryID); story != "" {
		builder = builder.Where(sq.Eq{"d.story_id": story})
	}
	if len(filter.ExcludeIDs) > 0 {
		builder = builder.Where(sq.NotEq{"d.id": filter.ExcludeIDs})
	}
	return builder
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var (
		doc       Document
		published sql.NullInt64
		embedding []byte
		meta      []byte
	)
	if err := row.Scan(
		&doc.ID,
		&doc.StoryID,
		&doc.FeedID,
		&doc.Language,
		&doc.Category,
		&doc.Title,
		&doc.Summary,
		&published,
		&embedding,
		&meta,
	); err != nil {
		return Document{}, fmt.Errorf("scan document row: %w", err)
	}
	if len(meta) > 0 {
		if err := msgpack.Unmarshal(meta, &doc); err != nil {
			return Document{}, fmt.Errorf("decode document meta id=%s: %w", doc.ID, err)
		}
	}
	vec, err := vector.Decode(embedding)
	if err != nil {
		return Document{}, fmt.Errorf("decode document embedding id=%s: %w", doc.ID, err)
	}
	doc.Embedding = vec
	doc.PublishedAt = timeFromMilli(published)
	return doc, nil
}

func scanHits(rows *sql.Rows, k int) ([]Hit, error) {
	hits := make([]Hit, 0, k)
	for rows.Next() {
		var (
			hit       Hit
			published sql.NullInt64
		)
		if err := rows.Scan(&hit.ID, &hit.StoryID, &published, &hit.Score); err != nil {
			return nil, fmt.Errorf("scan lexical row: %w", err)
		}
		hit.PublishedAt = timeFromMilli(published)
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lexical rows: %w", err)
	}
	return hits, nil
}

func unixMilliOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().UnixMilli()
}

func timeFromMilli(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

var _ Backend = (*SQLiteBackend)(nil)
