// Package clustering assigns articles to stories and keeps story clusters
// coherent over a sliding window.
package clustering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/vector"
)

const (
	DefaultAssignmentThreshold = 0.82
	DefaultCandidates          = 10
	DefaultWindow              = 48 * time.Hour
)

// Searcher is the nearest-neighbour half of the search backend.
type Searcher interface {
	KNN(ctx context.Context, query []float32, k int, filter backend.Filter) ([]backend.Hit, error)
}

// ArticleReader reads articles from the relational store.
type ArticleReader interface {
	GetArticles(ctx context.Context, ids []string) ([]db.ArticleRecord, error)
	ListWindowArticles(ctx context.Context, since time.Time) ([]db.ArticleRecord, error)
}

type AssignerOptions struct {
	Threshold  float64
	Window     time.Duration
	Candidates int
	// TitleWeight blends title token overlap into similarity. Zero disables it.
	TitleWeight float64
}

// Match is a neighbouring article that already belongs to a story.
type Match struct {
	ArticleID  string  `json:"article_id"`
	StoryID    string  `json:"story_id"`
	Similarity float64 `json:"similarity"`
}

// Decision is the outcome of one nearest-neighbour assignment.
type Decision struct {
	StoryID string `json:"story_id"`
	Best    *Match `json:"best,omitempty"`
	// Joined is true when StoryID was adopted from Best rather than minted.
	Joined bool `json:"joined"`
}

type Assigner struct {
	searcher Searcher
	store    ArticleReader
	opts     AssignerOptions
	logger   zerolog.Logger
}

// NewAssigner builds an assigner. searcher may be nil, in which case
// candidates come from a scan of the store's window.
func NewAssigner(searcher Searcher, store ArticleReader, opts AssignerOptions, logger zerolog.Logger) *Assigner {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Candidates <= 0 {
		opts.Candidates = DefaultCandidates
	}
	return &Assigner{
		searcher: searcher,
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "assigner").Logger(),
	}
}

// AssignStoryID returns the story article belongs to. It never returns an
// empty id: lookup failures mint a new story that maintenance reconciles later.
func (a *Assigner) AssignStoryID(ctx context.Context, article db.ArticleRecord, embedding []float32) string {
	decision, err := a.Decide(ctx, article, embedding)
	if err != nil {
		a.logger.Warn().Err(err).Str("article_id", article.ID).Msg("story candidate lookup failed; minting new story")
	}
	return decision.StoryID
}

// Decide runs the nearest-neighbour decision without side effects. The
// returned decision always carries a story id, even alongside an error.
func (a *Assigner) Decide(ctx context.Context, article db.ArticleRecord, embedding []float32) (Decision, error) {
	minted := Decision{StoryID: NewStoryID(article.ID)}
	if a == nil {
		return minted, fmt.Errorf("assigner is not initialized")
	}
	if strings.TrimSpace(article.ID) == "" {
		return minted, fmt.Errorf("article id is required")
	}
	if len(embedding) == 0 {
		return minted, nil
	}

	matches, err := a.candidates(ctx, article, embedding)
	if err != nil {
		return minted, err
	}
	if len(matches) == 0 {
		return minted, nil
	}

	best := matches[0]
	if best.Similarity >= a.opts.Threshold {
		return Decision{StoryID: best.StoryID, Best: &best, Joined: true}, nil
	}
	minted.Best = &best
	return minted, nil
}

func (a *Assigner) candidates(ctx context.Context, article db.ArticleRecord, embedding []float32) ([]Match, error) {
	since := globaltime.WindowStart(a.opts.Window)

	if a.searcher != nil {
		hits, err := a.searcher.KNN(ctx, embedding, a.opts.Candidates, backend.Filter{
			From:       &since,
			ExcludeIDs: []string{article.ID},
		})
		if err == nil {
			return a.resolveHits(ctx, article, hits), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !backend.IsDisabled(err) {
			a.logger.Warn().Err(err).Str("article_id", article.ID).Msg("backend knn failed; scanning window in store")
		}
	}

	return a.scanWindow(ctx, article, embedding, since)
}

// resolveHits attaches each hit's story id from the relational store. The
// backend's copy is used only for hits the store does not know; a known but
// unassigned hit is skipped.
func (a *Assigner) resolveHits(ctx context.Context, article db.ArticleRecord, hits []backend.Hit) []Match {
	if len(hits) == 0 {
		return nil
	}

	byID := make(map[string]db.ArticleRecord, len(hits))
	if a.store != nil {
		ids := make([]string, len(hits))
		for i, hit := range hits {
			ids[i] = hit.ID
		}
		recs, err := a.store.GetArticles(ctx, ids)
		if err != nil {
			a.logger.Warn().Err(err).Str("article_id", article.ID).Msg("resolve candidate stories from store failed")
		}
		for _, rec := range recs {
			byID[rec.ID] = rec
		}
	}

	matches := make([]Match, 0, len(hits))
	for _, hit := range hits {
		if hit.ID == article.ID {
			continue
		}
		rec, known := byID[hit.ID]
		storyID := rec.StoryID
		if !known {
			storyID = hit.StoryID
		}
		if storyID == "" {
			continue
		}
		sim := hit.Score
		if known {
			sim = blendedSimilarity(sim, article.Title, rec.Title, a.opts.TitleWeight)
		}
		matches = append(matches, Match{ArticleID: hit.ID, StoryID: storyID, Similarity: sim})
	}
	sortMatches(matches)
	return matches
}

func (a *Assigner) scanWindow(ctx context.Context, article db.ArticleRecord, embedding []float32, since time.Time) ([]Match, error) {
	if a.store == nil {
		return nil, errors.New("no candidate source available")
	}
	recs, err := a.store.ListWindowArticles(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("list window articles: %w", err)
	}

	matches := make([]Match, 0, len(recs))
	for _, rec := range recs {
		if rec.ID == article.ID || rec.StoryID == "" || len(rec.Embedding) == 0 {
			continue
		}
		cos, err := vector.Cosine(embedding, rec.Embedding)
		if err != nil {
			continue
		}
		matches = append(matches, Match{
			ArticleID:  rec.ID,
			StoryID:    rec.StoryID,
			Similarity: blendedSimilarity(cos, article.Title, rec.Title, a.opts.TitleWeight),
		})
	}
	sortMatches(matches)
	if len(matches) > a.opts.Candidates {
		matches = matches[:a.opts.Candidates]
	}
	return matches, nil
}

func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].ArticleID < matches[j].ArticleID
	})
}
