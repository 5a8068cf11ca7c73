package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const effectiveTimeExpr = "COALESCE(a.published_at, a.fetched_at)"

// ArticleFilter narrows relational article queries. Zero values do not filter.
type ArticleFilter struct {
	From     *time.Time
	To       *time.Time
	Language string
	FeedID   string
	Category string
	StoryID  string
}

func (f ArticleFilter) apply(b sq.SelectBuilder) sq.SelectBuilder {
	if f.From != nil {
		b = b.Where(effectiveTimeExpr+" >= ?", f.From.UTC())
	}
	if f.To != nil {
		b = b.Where(effectiveTimeExpr+" <= ?", f.To.UTC())
	}
	if language := strings.ToLower(strings.TrimSpace(f.Language)); language != "" {
		b = b.Where(sq.Eq{"a.language": language})
	}
	if feedID := strings.TrimSpace(f.FeedID); feedID != "" {
		b = b.Where(sq.Eq{"a.feed_id": feedID})
	}
	if category := strings.ToLower(strings.TrimSpace(f.Category)); category != "" {
		b = b.Where(sq.Eq{"lower(a.category)": category})
	}
	if storyID := strings.TrimSpace(f.StoryID); storyID != "" {
		b = b.Where(sq.Eq{"a.story_id": storyID})
	}
	return b
}

// ScoredArticle is an article with its relational text-match score.
type ScoredArticle struct {
	ArticleRecord
	Score float64 `json:"score"`
}

type ArticlePage struct {
	Items []ScoredArticle
	Total int
}

// SearchArticlesLexical ranks articles by weighted full-text match of text
// against title, keywords and summary. Without text it lists filtered articles
// newest first. Used when the search backend is unavailable.
func (p *Pool) SearchArticlesLexical(ctx context.Context, filter ArticleFilter, text string, offset, size int) (ArticlePage, error) {
	if size <= 0 {
		return ArticlePage{}, fmt.Errorf("size must be > 0")
	}
	if offset < 0 {
		return ArticlePage{}, fmt.Errorf("offset must be >= 0")
	}

	text = strings.TrimSpace(text)
	countQuery := filter.apply(psql.Select("COUNT(*)").From("storyline.articles a"))
	listQuery := filter.apply(psql.Select(articleColumnList...).From("storyline.articles a"))
	if text != "" {
		match := sq.Expr("a.search_tsv @@ websearch_to_tsquery('simple', ?)", text)
		countQuery = countQuery.Where(match)
		listQuery = listQuery.
			Column(sq.Expr("ts_rank(a.search_tsv, websearch_to_tsquery('simple', ?)) AS score", text)).
			Where(match).
			OrderBy("score DESC", effectiveTimeExpr+" DESC NULLS LAST", "a.article_id ASC")
	} else {
		listQuery = listQuery.
			Column("0::float8 AS score").
			OrderBy(effectiveTimeExpr+" DESC NULLS LAST", "a.article_id ASC")
	}
	listQuery = listQuery.Offset(uint64(offset)).Limit(uint64(size))

	var page ArticlePage
	query, args, err := countQuery.ToSql()
	if err != nil {
		return ArticlePage{}, fmt.Errorf("build lexical count query: %w", err)
	}
	if err := p.QueryRow(ctx, query, args...).Scan(&page.Total); err != nil {
		return ArticlePage{}, fmt.Errorf("count lexical matches: %w", err)
	}

	query, args, err = listQuery.ToSql()
	if err != nil {
		return ArticlePage{}, fmt.Errorf("build lexical search query: %w", err)
	}
	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return ArticlePage{}, fmt.Errorf("query lexical matches: %w", err)
	}
	defer rows.Close()

	page.Items = make([]ScoredArticle, 0, size)
	for rows.Next() {
		var score float64
		rec, err := scanArticle(rows, false, &score)
		if err != nil {
			return ArticlePage{}, fmt.Errorf("scan lexical match row: %w", err)
		}
		page.Items = append(page.Items, ScoredArticle{ArticleRecord: rec, Score: score})
	}
	if err := rows.Err(); err != nil {
		return ArticlePage{}, fmt.Errorf("iterate lexical match rows: %w", err)
	}
	return page, nil
}

// HydrateArticles loads the listed articles that also satisfy filter, keyed by
// id. Embeddings are not loaded.
func (p *Pool) HydrateArticles(ctx context.Context, ids []string, filter ArticleFilter) (map[string]ArticleRecord, error) {
	ids = uniqueNonEmpty(ids)
	out := make(map[string]ArticleRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := filter.apply(
		psql.Select(articleColumnList...).
			From("storyline.articles a").
			Where(sq.Eq{"a.article_id": ids}),
	).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build hydrate query: %w", err)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query hydrate articles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanArticle(rows, false)
		if err != nil {
			return nil, fmt.Errorf("scan hydrate row: %w", err)
		}
		out[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hydrate rows: %w", err)
	}
	return out, nil
}
