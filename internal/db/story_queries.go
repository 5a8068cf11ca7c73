package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"horse.fit/storyline/internal/vector"
)

// StoryClusterRecord is the decoded read/write model of storyline.story_clusters.
type StoryClusterRecord struct {
	StoryID        string     `json:"story_id"`
	TitleRep       string     `json:"title_rep"`
	Summary        string     `json:"summary"`
	Keywords       []string   `json:"keywords"`
	Sources        []string   `json:"sources"`
	TimeRangeStart *time.Time `json:"time_range_start,omitempty"`
	TimeRangeEnd   *time.Time `json:"time_range_end,omitempty"`
	Centroid       []float32  `json:"-"`
	MemberCount    int        `json:"member_count"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// UpsertStoryCluster writes the derived fields of a cluster.
func (p *Pool) UpsertStoryCluster(ctx context.Context, rec StoryClusterRecord) error {
	storyID := strings.TrimSpace(rec.StoryID)
	if storyID == "" {
		return fmt.Errorf("story id is required")
	}

	keywordsJSON, err := marshalStrings(rec.Keywords)
	if err != nil {
		return fmt.Errorf("encode keywords story_id=%s: %w", storyID, err)
	}
	sourcesJSON, err := marshalStrings(rec.Sources)
	if err != nil {
		return fmt.Errorf("encode sources story_id=%s: %w", storyID, err)
	}
	var centroid []byte
	if len(rec.Centroid) > 0 {
		centroid = vector.Encode(rec.Centroid)
	}

	const q = `
INSERT INTO storyline.story_clusters (
	story_id,
	title_rep,
	summary,
	keywords,
	sources,
	time_range_start,
	time_range_end,
	centroid,
	member_count,
	created_at,
	updated_at
)
VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6, $7, $8, $9, now(), now())
ON CONFLICT (story_id) DO UPDATE SET
	title_rep = EXCLUDED.title_rep,
	summary = EXCLUDED.summary,
	keywords = EXCLUDED.keywords,
	sources = EXCLUDED.sources,
	time_range_start = EXCLUDED.time_range_start,
	time_range_end = EXCLUDED.time_range_end,
	centroid = EXCLUDED.centroid,
	member_count = EXCLUDED.member_count,
	updated_at = now()
`
	if _, err := p.Exec(ctx, q,
		storyID,
		rec.TitleRep,
		rec.Summary,
		keywordsJSON,
		sourcesJSON,
		utcPtr(rec.TimeRangeStart),
		utcPtr(rec.TimeRangeEnd),
		centroid,
		rec.MemberCount,
	); err != nil {
		return fmt.Errorf("upsert story cluster story_id=%s: %w", storyID, err)
	}
	return nil
}

// GetStoryCluster returns one cluster. A missing cluster yields an error
// matching IsNoRows.
func (p *Pool) GetStoryCluster(ctx context.Context, storyID string) (StoryClusterRecord, error) {
	const q = `
SELECT
	s.story_id,
	s.title_rep,
	s.summary,
	s.keywords,
	s.sources,
	s.time_range_start,
	s.time_range_end,
	s.centroid,
	s.member_count,
	s.updated_at
FROM storyline.story_clusters s
WHERE s.story_id = $1
`
	var (
		rec      StoryClusterRecord
		keywords []byte
		sources  []byte
		centroid []byte
	)
	if err := p.QueryRow(ctx, q, strings.TrimSpace(storyID)).Scan(
		&rec.StoryID,
		&rec.TitleRep,
		&rec.Summary,
		&keywords,
		&sources,
		&rec.TimeRangeStart,
		&rec.TimeRangeEnd,
		&centroid,
		&rec.MemberCount,
		&rec.UpdatedAt,
	); err != nil {
		return StoryClusterRecord{}, fmt.Errorf("get story cluster story_id=%s: %w", storyID, err)
	}

	if err := unmarshalStrings(keywords, &rec.Keywords); err != nil {
		return StoryClusterRecord{}, fmt.Errorf("decode keywords story_id=%s: %w", storyID, err)
	}
	if err := unmarshalStrings(sources, &rec.Sources); err != nil {
		return StoryClusterRecord{}, fmt.Errorf("decode sources story_id=%s: %w", storyID, err)
	}
	if len(centroid) > 0 {
		vec, err := vector.Decode(centroid)
		if err != nil {
			return StoryClusterRecord{}, fmt.Errorf("decode centroid story_id=%s: %w", storyID, err)
		}
		rec.Centroid = vec
	}
	return rec, nil
}

func (p *Pool) DeleteStoryCluster(ctx context.Context, storyID string) error {
	const q = `DELETE FROM storyline.story_clusters WHERE story_id = $1`
	if _, err := p.Exec(ctx, q, strings.TrimSpace(storyID)); err != nil {
		return fmt.Errorf("delete story cluster story_id=%s: %w", storyID, err)
	}
	return nil
}

func (p *Pool) ListStoryClusterIDs(ctx context.Context) ([]string, error) {
	return p.queryStrings(ctx, "story cluster ids", `SELECT story_id FROM storyline.story_clusters ORDER BY story_id`)
}

// ListStoryIDsInWindow returns the distinct story ids with at least one member
// whose effective time is at or after since.
func (p *Pool) ListStoryIDsInWindow(ctx context.Context, since time.Time) ([]string, error) {
	const q = `
SELECT DISTINCT a.story_id
FROM storyline.articles a
WHERE a.story_id IS NOT NULL
  AND COALESCE(a.published_at, a.fetched_at) >= $1
ORDER BY a.story_id
`
	return p.queryStrings(ctx, "story ids in window", q, since.UTC())
}

// ListDanglingStoryIDs returns story ids referenced by articles that have no
// cluster row.
func (p *Pool) ListDanglingStoryIDs(ctx context.Context) ([]string, error) {
	const q = `
SELECT DISTINCT a.story_id
FROM storyline.articles a
WHERE a.story_id IS NOT NULL
  AND NOT EXISTS (
	SELECT 1
	FROM storyline.story_clusters s
	WHERE s.story_id = a.story_id
  )
ORDER BY a.story_id
`
	return p.queryStrings(ctx, "dangling story ids", q)
}

// DeleteOrphanStoryClusters removes every cluster without members and returns
// the removed ids.
func (p *Pool) DeleteOrphanStoryClusters(ctx context.Context) ([]string, error) {
	const q = `
DELETE FROM storyline.story_clusters s
WHERE NOT EXISTS (
	SELECT 1
	FROM storyline.articles a
	WHERE a.story_id = s.story_id
)
RETURNING s.story_id
`
	return p.queryStrings(ctx, "delete orphan story clusters", q)
}

// StoryMemberCounts returns the current member count for each requested story.
// Stories without members are absent from the result.
func (p *Pool) StoryMemberCounts(ctx context.Context, storyIDs []string) (map[string]int, error) {
	storyIDs = uniqueNonEmpty(storyIDs)
	counts := make(map[string]int, len(storyIDs))
	if len(storyIDs) == 0 {
		return counts, nil
	}

	query, args, err := psql.
		Select("a.story_id", "COUNT(*)").
		From("storyline.articles a").
		Where(sq.Eq{"a.story_id": storyIDs}).
		GroupBy("a.story_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build story member counts query: %w", err)
	}

	rows, err := p.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query story member counts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			storyID string
			count   int
		)
		if err := rows.Scan(&storyID, &count); err != nil {
			return nil, fmt.Errorf("scan story member count row: %w", err)
		}
		counts[storyID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate story member count rows: %w", err)
	}
	return counts, nil
}

func (p *Pool) queryStrings(ctx context.Context, label, q string, args ...any) ([]string, error) {
	rows, err := p.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", label, err)
	}
	defer rows.Close()

	out := make([]string, 0, 32)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", label, err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", label, err)
	}
	return out, nil
}

func marshalStrings(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalStrings(raw []byte, dest *[]string) error {
	if len(raw) == 0 {
		*dest = nil
		return nil
	}
	return json.Unmarshal(raw, dest)
}
