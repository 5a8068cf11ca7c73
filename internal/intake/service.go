package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/clustering"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/indexqueue"
	"horse.fit/storyline/internal/language"
	"horse.fit/storyline/internal/textnorm"
	"horse.fit/storyline/internal/vector"
	payloadschema "horse.fit/storyline/schema"
)

const maxKeywords = 32

// ErrInvalidEmbedding marks a supplied embedding that cannot be stored.
var ErrInvalidEmbedding = errors.New("invalid embedding")

type Store interface {
	UpsertArticle(ctx context.Context, rec db.ArticleRecord) (string, error)
	UpdateArticleStoryID(ctx context.Context, id, storyID string) error
}

type StoryAssigner interface {
	Decide(ctx context.Context, article db.ArticleRecord, embedding []float32) (clustering.Decision, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Enqueuer interface {
	Enqueue(doc backend.Document) error
}

type Options struct {
	// Dimensions, when positive, is enforced on supplied and computed embeddings.
	Dimensions       int
	EmbeddingTimeout time.Duration
}

type Service struct {
	store    Store
	assigner StoryAssigner
	embedder Embedder
	queue    Enqueuer
	opts     Options
	logger   zerolog.Logger
}

type Result struct {
	ArticleID        string  `json:"article_id"`
	StoryID          string  `json:"story_id"`
	Joined           bool    `json:"joined"`
	Similarity       float64 `json:"similarity,omitempty"`
	Language         string  `json:"language,omitempty"`
	LanguageDetected bool    `json:"language_detected"`
	Embedded         bool    `json:"embedded"`
	Indexed          bool    `json:"indexed"`
}

// NewService wires intake. embedder and queue may be nil: articles without an
// embedding are then stored unembedded and nothing is sent to the backend.
func NewService(store Store, assigner StoryAssigner, embedder Embedder, queue Enqueuer, opts Options, logger zerolog.Logger) *Service {
	if opts.EmbeddingTimeout <= 0 {
		opts.EmbeddingTimeout = 15 * time.Second
	}
	return &Service{
		store:    store,
		assigner: assigner,
		embedder: embedder,
		queue:    queue,
		opts:     opts,
		logger:   logger.With().Str("component", "intake").Logger(),
	}
}

// IntakeJSON validates a raw payload and takes it in.
func (s *Service) IntakeJSON(ctx context.Context, raw json.RawMessage) (Result, error) {
	payload, err := payloadschema.ValidateArticlePayload(raw)
	if err != nil {
		return Result{}, err
	}
	return s.IntakeOne(ctx, payload)
}

// IntakeOne stores an article, assigns its story and queues it for indexing.
// Re-submitting an article keeps the story it already belongs to.
func (s *Service) IntakeOne(ctx context.Context, payload *payloadschema.ArticlePayload) (Result, error) {
	if s == nil || s.store == nil || s.assigner == nil {
		return Result{}, errors.New("intake service is not initialized")
	}
	if payload == nil {
		return Result{}, errors.New("payload is required")
	}

	rec, detected := buildRecord(payload)
	if rec.ID == "" {
		return Result{}, errors.New("id is required")
	}

	embedding, err := s.resolveEmbedding(ctx, payload, rec)
	if err != nil {
		return Result{}, fmt.Errorf("article id=%s: %w", rec.ID, err)
	}
	rec.Embedding = embedding

	storyID, err := s.store.UpsertArticle(ctx, rec)
	if err != nil {
		return Result{}, fmt.Errorf("upsert article id=%s: %w", rec.ID, err)
	}

	result := Result{
		ArticleID:        rec.ID,
		Language:         rec.Language,
		LanguageDetected: detected,
		Embedded:         len(embedding) > 0,
	}

	if storyID == "" {
		decision, err := s.assigner.Decide(ctx, rec, embedding)
		if err != nil {
			s.logger.Warn().Err(err).Str("article_id", rec.ID).Msg("story candidate lookup failed; minting new story")
		}
		storyID = decision.StoryID
		result.Joined = decision.Joined
		if decision.Best != nil {
			result.Similarity = decision.Best.Similarity
		}
		if err := s.store.UpdateArticleStoryID(ctx, rec.ID, storyID); err != nil {
			return Result{}, fmt.Errorf("store story id article id=%s: %w", rec.ID, err)
		}
	}
	rec.StoryID = storyID
	result.StoryID = storyID

	if s.queue != nil {
		if err := s.queue.Enqueue(rec.IndexDocument()); err != nil {
			if !errors.Is(err, indexqueue.ErrQueueClosed) {
				return Result{}, fmt.Errorf("enqueue article id=%s: %w", rec.ID, err)
			}
			s.logger.Warn().Err(err).Str("article_id", rec.ID).Msg("index queue closed; article not indexed")
		} else {
			result.Indexed = true
		}
	}

	s.logger.Info().
		Str("article_id", rec.ID).
		Str("story_id", storyID).
		Bool("joined", result.Joined).
		Bool("embedded", result.Embedded).
		Msg("article taken in")

	return result, nil
}

func (s *Service) resolveEmbedding(ctx context.Context, payload *payloadschema.ArticlePayload, rec db.ArticleRecord) ([]float32, error) {
	if len(payload.Embedding) > 0 {
		embedding := vector.FromFloat64(payload.Embedding)
		if err := vector.Validate(embedding, s.opts.Dimensions); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEmbedding, err)
		}
		return embedding, nil
	}
	if s.embedder == nil {
		return nil, nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.opts.EmbeddingTimeout)
	defer cancel()
	embedding, err := s.embedder.Embed(embedCtx, embeddingText(rec))
	if err == nil {
		err = vector.Validate(embedding, s.opts.Dimensions)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("article_id", rec.ID).Msg("article embedding failed; storing without embedding")
		return nil, nil
	}
	return embedding, nil
}

func buildRecord(payload *payloadschema.ArticlePayload) (db.ArticleRecord, bool) {
	rec := db.ArticleRecord{
		ID:          strings.TrimSpace(payload.ID),
		FeedID:      strings.TrimSpace(payload.FeedID),
		Title:       strings.TrimSpace(payload.Title),
		PublishedAt: payload.PublishedTime(),
		FetchedAt:   payload.FetchedTime(),
		Summary:     textnorm.PlainText(deref(payload.Summary)),
		Category:    strings.TrimSpace(deref(payload.Category)),
		Keywords:    normalizeKeywords(payload.Keywords),
	}
	if rec.FetchedAt == nil {
		now := globaltime.UTC()
		rec.FetchedAt = &now
	}

	rec.SourceURL = strings.TrimSpace(deref(payload.SourceURL))
	canonical := deref(payload.CanonicalURL)
	if strings.TrimSpace(canonical) == "" {
		canonical = rec.SourceURL
	}
	rec.CanonicalURL, _ = textnorm.CanonicalURL(canonical)

	rec.Language = language.NormalizeCode(deref(payload.Language))
	detected := false
	if rec.Language == "" {
		rec.Language = language.Detect(rec.Title, rec.Summary)
		detected = rec.Language != ""
	}
	return rec, detected
}

func embeddingText(rec db.ArticleRecord) string {
	if rec.Summary == "" {
		return rec.Title
	}
	return rec.Title + "\n\n" + rec.Summary
}

func normalizeKeywords(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, keyword := range raw {
		normalized := textnorm.Normalize(keyword)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
		if len(out) == maxKeywords {
			break
		}
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
