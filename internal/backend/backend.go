// Package backend is the adapter between the clustering and retrieval code
// and the hybrid text+vector search engine that stores article documents.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBackendDisabled is returned by every call on a disabled backend.
	ErrBackendDisabled = errors.New("search backend is disabled")
	ErrNotFound        = errors.New("document not found")
)

// Document is the projection of an article stored by the backend.
type Document struct {
	ID           string     `json:"id" msgpack:"-"`
	StoryID      string     `json:"story_id,omitempty" msgpack:"-"`
	FeedID       string     `json:"feed_id,omitempty" msgpack:"feed_id"`
	Title        string     `json:"title" msgpack:"-"`
	Summary      string     `json:"summary,omitempty" msgpack:"-"`
	Language     string     `json:"language,omitempty" msgpack:"-"`
	Category     string     `json:"category,omitempty" msgpack:"-"`
	Keywords     []string   `json:"keywords,omitempty" msgpack:"keywords"`
	SourceURL    string     `json:"source_url,omitempty" msgpack:"source_url"`
	CanonicalURL string     `json:"canonical_url,omitempty" msgpack:"canonical_url"`
	PublishedAt  *time.Time `json:"published_at,omitempty" msgpack:"-"`
	FetchedAt    *time.Time `json:"fetched_at,omitempty" msgpack:"fetched_at"`
	Embedding    []float32  `json:"-" msgpack:"-"`
}

// StoryDocument is the denormalized cluster record kept next to the articles.
type StoryDocument struct {
	StoryID        string     `json:"story_id" msgpack:"-"`
	TitleRep       string     `json:"title_rep" msgpack:"title_rep"`
	Summary        string     `json:"summary" msgpack:"summary"`
	Keywords       []string   `json:"keywords" msgpack:"keywords"`
	Sources        []string   `json:"sources" msgpack:"sources"`
	TimeRangeStart *time.Time `json:"time_range_start,omitempty" msgpack:"time_range_start"`
	TimeRangeEnd   *time.Time `json:"time_range_end,omitempty" msgpack:"time_range_end"`
	MemberCount    int        `json:"member_count" msgpack:"member_count"`
	Centroid       []float32  `json:"-" msgpack:"-"`
	UpdatedAt      time.Time  `json:"updated_at" msgpack:"-"`
}

// Filter narrows KNN and lexical queries. Zero values do not filter.
type Filter struct {
	From       *time.Time
	To         *time.Time
	Language   string
	FeedID     string
	Category   string
	StoryID    string
	ExcludeIDs []string
}

// Hit is one ranked result. Score is cosine similarity for KNN and a
// higher-is-better relevance for lexical queries.
type Hit struct {
	ID          string
	Score       float64
	StoryID     string
	PublishedAt *time.Time
}

// BulkItemError reports a document the backend refused within a bulk write.
type BulkItemError struct {
	ID  string
	Err error
}

func (e BulkItemError) Error() string {
	return "document " + e.ID + ": " + e.Err.Error()
}

// Backend is the full capability set of a search engine.
type Backend interface {
	KNN(ctx context.Context, query []float32, k int, filter Filter) ([]Hit, error)
	Lexical(ctx context.Context, text string, k int, filter Filter) ([]Hit, error)
	Get(ctx context.Context, id string) (Document, error)
	MGet(ctx context.Context, ids []string) (map[string]Document, error)
	// BulkUpsert returns per-document failures. A non-nil error means the
	// whole batch was not applied.
	BulkUpsert(ctx context.Context, docs []Document) ([]BulkItemError, error)
	BulkDelete(ctx context.Context, ids []string) error
	Delete(ctx context.Context, id string) error
	UpdateStoryID(ctx context.Context, id, storyID string) error
	UpsertStory(ctx context.Context, story StoryDocument) error
	GetStory(ctx context.Context, storyID string) (StoryDocument, error)
	DeleteStory(ctx context.Context, storyID string) error
	Ping(ctx context.Context) error
	Close() error
}

// Disabled satisfies Backend and rejects every call.
type Disabled struct{}

func (Disabled) KNN(context.Context, []float32, int, Filter) ([]Hit, error) {
	return nil, ErrBackendDisabled
}

func (Disabled) Lexical(context.Context, string, int, Filter) ([]Hit, error) {
	return nil, ErrBackendDisabled
}

func (Disabled) Get(context.Context, string) (Document, error) {
	return Document{}, ErrBackendDisabled
}

func (Disabled) MGet(context.Context, []string) (map[string]Document, error) {
	return nil, ErrBackendDisabled
}

func (Disabled) BulkUpsert(context.Context, []Document) ([]BulkItemError, error) {
	return nil, ErrBackendDisabled
}

func (Disabled) BulkDelete(context.Context, []string) error { return ErrBackendDisabled }
func (Disabled) Delete(context.Context, string) error { return ErrBackendDisabled }
func (Disabled) UpdateStoryID(context.Context, string, string) error { return ErrBackendDisabled }
func (Disabled) UpsertStory(context.Context, StoryDocument) error { return ErrBackendDisabled }
func (Disabled) DeleteStory(context.Context, string) error { return ErrBackendDisabled }
func (Disabled) Ping(context.Context) error { return ErrBackendDisabled }
func (Disabled) Close() error { return nil }

func (Disabled) GetStory(context.Context, string) (StoryDocument, error) {
	return StoryDocument{}, ErrBackendDisabled
}

// IsDisabled reports whether err came from a disabled backend.
func IsDisabled(err error) bool {
	return errors.Is(err, ErrBackendDisabled)
}

var _ Backend = Disabled{}
