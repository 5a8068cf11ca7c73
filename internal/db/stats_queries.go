package db

import (
	"context"
	"fmt"
	"time"
)

// CorpusStats is the read model returned by health checks.
type CorpusStats struct {
	Articles         int64 `json:"articles"`
	EmbeddedArticles int64 `json:"embedded_articles"`
	Unassigned       int64 `json:"unassigned"`
	WindowArticles   int64 `json:"window_articles"`
	Stories          int64 `json:"stories"`
	DanglingRefs     int64 `json:"dangling_refs"`
}

// QueryCorpusStats counts articles, clusters and assignment gaps. Window
// counts use articles whose effective time is at or after since.
func (p *Pool) QueryCorpusStats(ctx context.Context, since time.Time) (*CorpusStats, error) {
	const q = `
SELECT
	(SELECT COUNT(*) FROM storyline.articles) AS articles,
	(SELECT COUNT(*) FROM storyline.articles a WHERE a.embedding IS NOT NULL) AS embedded_articles,
	(SELECT COUNT(*) FROM storyline.articles a WHERE a.story_id IS NULL) AS unassigned,
	(SELECT COUNT(*) FROM storyline.articles a WHERE COALESCE(a.published_at, a.fetched_at) >= $1) AS window_articles,
	(SELECT COUNT(*) FROM storyline.story_clusters) AS stories,
	(
		SELECT COUNT(*)
		FROM storyline.articles a
		WHERE a.story_id IS NOT NULL
		  AND NOT EXISTS (SELECT 1 FROM storyline.story_clusters s WHERE s.story_id = a.story_id)
	) AS dangling_refs
`

	stats := &CorpusStats{}
	if err := p.QueryRow(ctx, q, since.UTC()).Scan(
		&stats.Articles,
		&stats.EmbeddedArticles,
		&stats.Unassigned,
		&stats.WindowArticles,
		&stats.Stories,
		&stats.DanglingRefs,
	); err != nil {
		return nil, fmt.Errorf("query corpus stats: %w", err)
	}
	return stats, nil
}
