// Package retrieval answers article searches by blending lexical and vector
// relevance from the search backend with a recency boost.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/language"
)

const (
	DefaultK        = 200
	DefaultTimeout  = 2 * time.Second
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var (
	ErrInvalidRequest = errors.New("invalid search request")
	errNoEmbedder     = errors.New("query embedder is not configured")
)

// Searcher is the read half of the search backend.
type Searcher interface {
	KNN(ctx context.Context, query []float32, k int, filter backend.Filter) ([]backend.Hit, error)
	Lexical(ctx context.Context, text string, k int, filter backend.Filter) ([]backend.Hit, error)
}

// Store is the relational side used for hydration and as the lexical fallback.
type Store interface {
	HydrateArticles(ctx context.Context, ids []string, filter db.ArticleFilter) (map[string]db.ArticleRecord, error)
	SearchArticlesLexical(ctx context.Context, filter db.ArticleFilter, text string, offset, size int) (db.ArticlePage, error)
	StoryMemberCounts(ctx context.Context, storyIDs []string) (map[string]int, error)
}

type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Options struct {
	// K bounds each backend sub-query.
	K int
	// Timeout applies to every backend, embedding and store call.
	Timeout time.Duration
	Now     func() time.Time
}

type Filter struct {
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Language string     `json:"language,omitempty"`
	FeedID   string     `json:"feed_id,omitempty"`
	Category string     `json:"category,omitempty"`
}

type Request struct {
	Query        string
	Filter       Filter
	Offset       int
	Size         int
	GroupByStory bool
}

type Result struct {
	Article      db.ArticleRecord `json:"article"`
	Score        float64          `json:"score"`
	LexicalScore float64          `json:"lexical_score"`
	VectorScore  float64          `json:"vector_score"`
	Recency      float64          `json:"recency"`
	StoryID      string           `json:"story_id,omitempty"`
	MoreCount    int              `json:"more_count,omitempty"`
	// StorySize is the story's total member count in the store, set when
	// results are grouped by story.
	StorySize int `json:"story_size,omitempty"`
}

type Pagination struct {
	Offset int `json:"offset"`
	Size   int `json:"size"`
	Total  int `json:"total"`
}

type Response struct {
	Results    []Result   `json:"results"`
	Pagination Pagination `json:"pagination"`
}

type Engine struct {
	searcher Searcher
	store    Store
	embedder QueryEmbedder
	opts     Options
	logger   zerolog.Logger
}

// NewEngine builds a search engine. A nil searcher behaves like a disabled
// backend and every query is answered by the store.
func NewEngine(searcher Searcher, store Store, embedder QueryEmbedder, opts Options, logger zerolog.Logger) *Engine {
	if searcher == nil {
		searcher = backend.Disabled{}
	}
	if opts.K <= 0 {
		opts.K = DefaultK
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = globaltime.UTC
	}
	return &Engine{
		searcher: searcher,
		store:    store,
		embedder: embedder,
		opts:     opts,
		logger:   logger.With().Str("component", "retrieval").Logger(),
	}
}

// Search runs one query. Query text triggers the hybrid path; without it the
// filters go straight to the relational store, newest first.
func (e *Engine) Search(ctx context.Context, req Request) (Response, error) {
	if e == nil || e.store == nil {
		return Response{}, errors.New("retrieval engine is not initialized")
	}
	req, err := normalizeRequest(req)
	if err != nil {
		return Response{}, err
	}

	if req.Query == "" {
		return e.searchStore(ctx, req)
	}

	lexHits, vecHits, lexErr, vecErr := e.subQueries(ctx, req)
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}
	if backend.IsDisabled(lexErr) || (lexErr != nil && vecErr != nil) {
		e.logger.Debug().
			AnErr("lexical_error", lexErr).
			AnErr("vector_error", vecErr).
			Msg("search backend unavailable; using relational fallback")
		return e.searchStore(ctx, req)
	}

	ranked := merge(lexHits, vecHits)
	score(ranked, e.opts.Now())
	rank(ranked)

	records, err := e.hydrate(ctx, ranked, req.Filter)
	if err != nil {
		return e.degrade(ctx, req, err)
	}
	kept := ranked[:0]
	for _, c := range ranked {
		rec, ok := records[c.id]
		if !ok {
			continue
		}
		if rec.StoryID != "" {
			c.storyID = rec.StoryID
		}
		kept = append(kept, c)
	}

	list := kept
	if req.GroupByStory {
		list = diversify(kept)
	}
	return e.respond(ctx, req, list, records, len(list)), nil
}

func (e *Engine) subQueries(ctx context.Context, req Request) (lexHits, vecHits []backend.Hit, lexErr, vecErr error) {
	filter := backendFilter(req.Filter)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, e.opts.Timeout)
		defer cancel()
		lexHits, lexErr = e.searcher.Lexical(callCtx, req.Query, e.opts.K, filter)
		if lexErr != nil && !backend.IsDisabled(lexErr) {
			e.logger.Warn().Err(lexErr).Msg("lexical sub-query failed")
		}
		return nil
	})
	g.Go(func() error {
		if e.embedder == nil {
			vecErr = errNoEmbedder
			return nil
		}
		embedCtx, cancel := context.WithTimeout(gctx, e.opts.Timeout)
		query, err := e.embedder.Embed(embedCtx, req.Query)
		cancel()
		if err != nil {
			vecErr = fmt.Errorf("embed query: %w", err)
			e.logger.Warn().Err(err).Msg("query embedding failed; lexical only")
			return nil
		}

		callCtx, cancel := context.WithTimeout(gctx, e.opts.Timeout)
		defer cancel()
		vecHits, vecErr = e.searcher.KNN(callCtx, query, e.opts.K, filter)
		if vecErr != nil && !backend.IsDisabled(vecErr) {
			e.logger.Warn().Err(vecErr).Msg("vector sub-query failed")
		}
		return nil
	})
	_ = g.Wait()
	return lexHits, vecHits, lexErr, vecErr
}

// searchStore answers from the relational store with the same scoring and
// response shape as the hybrid path.
func (e *Engine) searchStore(ctx context.Context, req Request) (Response, error) {
	limit := max(e.opts.K, req.Offset+req.Size)

	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	page, err := e.store.SearchArticlesLexical(callCtx, storeFilter(req.Filter), req.Query, 0, limit)
	cancel()
	if err != nil {
		return e.degrade(ctx, req, fmt.Errorf("search relational store: %w", err))
	}

	records := make(map[string]db.ArticleRecord, len(page.Items))
	ranked := make([]*candidate, 0, len(page.Items))
	for _, item := range page.Items {
		records[item.ID] = item.ArticleRecord
		ranked = append(ranked, &candidate{
			id:          item.ID,
			storyID:     item.StoryID,
			publishedAt: item.PublishedAt,
			lexicalRaw:  item.Score,
			hasLexical:  req.Query != "",
		})
	}
	score(ranked, e.opts.Now())
	rank(ranked)

	list, total := ranked, page.Total
	if req.GroupByStory {
		list = diversify(ranked)
		total = len(list)
	}
	return e.respond(ctx, req, list, records, total), nil
}

// degrade turns a failed store call into an empty page. Only cancellation
// by the caller is reported as an error.
func (e *Engine) degrade(ctx context.Context, req Request, err error) (Response, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Response{}, ctxErr
	}
	e.logger.Warn().Err(err).Msg("search store unavailable; returning empty results")
	return Response{
		Results:    []Result{},
		Pagination: Pagination{Offset: req.Offset, Size: req.Size},
	}, nil
}

func (e *Engine) hydrate(ctx context.Context, ranked []*candidate, filter Filter) (map[string]db.ArticleRecord, error) {
	ids := make([]string, len(ranked))
	for i, c := range ranked {
		ids[i] = c.id
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	records, err := e.store.HydrateArticles(callCtx, ids, storeFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("hydrate search results: %w", err)
	}
	return records, nil
}

func (e *Engine) respond(ctx context.Context, req Request, list []*candidate, records map[string]db.ArticleRecord, total int) Response {
	page := paginate(list, req.Offset, req.Size)

	var storySizes map[string]int
	if req.GroupByStory && len(page) > 0 {
		storySizes = e.storySizes(ctx, page)
	}

	results := make([]Result, 0, len(page))
	for _, c := range page {
		results = append(results, Result{
			Article:      records[c.id],
			Score:        c.score,
			LexicalScore: c.lexical,
			VectorScore:  c.vector,
			Recency:      c.recency,
			StoryID:      c.storyID,
			MoreCount:    c.moreCount,
			StorySize:    storySizes[c.storyID],
		})
	}
	return Response{
		Results:    results,
		Pagination: Pagination{Offset: req.Offset, Size: req.Size, Total: total},
	}
}

func (e *Engine) storySizes(ctx context.Context, page []*candidate) map[string]int {
	ids := make([]string, 0, len(page))
	for _, c := range page {
		if c.storyID != "" {
			ids = append(ids, c.storyID)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()
	counts, err := e.store.StoryMemberCounts(callCtx, ids)
	if err != nil {
		e.logger.Warn().Err(err).Msg("load story sizes failed")
		return nil
	}
	return counts
}

func merge(lexHits, vecHits []backend.Hit) []*candidate {
	byID := make(map[string]*candidate, len(lexHits)+len(vecHits))
	out := make([]*candidate, 0, len(lexHits)+len(vecHits))
	get := func(h backend.Hit) *candidate {
		c, ok := byID[h.ID]
		if !ok {
			c = &candidate{id: h.ID}
			byID[h.ID] = c
			out = append(out, c)
		}
		if c.storyID == "" {
			c.storyID = h.StoryID
		}
		if c.publishedAt == nil {
			c.publishedAt = h.PublishedAt
		}
		return c
	}
	for _, h := range lexHits {
		c := get(h)
		c.lexicalRaw, c.hasLexical = h.Score, true
	}
	for _, h := range vecHits {
		c := get(h)
		c.vectorRaw, c.hasVector = h.Score, true
	}
	return out
}

func normalizeRequest(req Request) (Request, error) {
	req.Query = strings.TrimSpace(req.Query)
	if raw := strings.TrimSpace(req.Filter.Language); raw != "" {
		req.Filter.Language = language.NormalizeCode(raw)
		if req.Filter.Language == "" {
			return Request{}, fmt.Errorf("%w: language %q is not a language tag", ErrInvalidRequest, raw)
		}
	}
	req.Filter.FeedID = strings.TrimSpace(req.Filter.FeedID)
	req.Filter.Category = strings.TrimSpace(req.Filter.Category)

	if req.Offset < 0 {
		return Request{}, fmt.Errorf("%w: offset must be >= 0", ErrInvalidRequest)
	}
	if req.Size <= 0 {
		req.Size = DefaultPageSize
	}
	if req.Size > MaxPageSize {
		req.Size = MaxPageSize
	}
	if req.Filter.From != nil && req.Filter.To != nil && req.Filter.From.After(*req.Filter.To) {
		return Request{}, fmt.Errorf("%w: from must not be after to", ErrInvalidRequest)
	}
	return req, nil
}

// backendFilter leaves category to the store.
func backendFilter(f Filter) backend.Filter {
	return backend.Filter{
		From:     f.From,
		To:       f.To,
		Language: f.Language,
		FeedID:   f.FeedID,
	}
}

func storeFilter(f Filter) db.ArticleFilter {
	return db.ArticleFilter{
		From:     f.From,
		To:       f.To,
		Language: f.Language,
		FeedID:   f.FeedID,
		Category: f.Category,
	}
}
