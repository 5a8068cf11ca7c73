package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed article.schema.json
var articleSchemaJSON string

// ArticlePayload is one enriched article as submitted for intake.
type ArticlePayload struct {
	ID           string    `json:"id"`
	FeedID       string    `json:"feed_id"`
	Title        string    `json:"title"`
	SourceURL    *string   `json:"source_url,omitempty"`
	CanonicalURL *string   `json:"canonical_url,omitempty"`
	PublishedAt  *string   `json:"published_at,omitempty"`
	FetchedAt    *string   `json:"fetched_at,omitempty"`
	Summary      *string   `json:"summary,omitempty"`
	Language     *string   `json:"language,omitempty"`
	Category     *string   `json:"category,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	Embedding    []float64 `json:"embedding,omitempty"`
}

// PublishedTime parses published_at. Validated payloads never fail here.
func (p *ArticlePayload) PublishedTime() *time.Time {
	return parseTime(p.PublishedAt)
}

func (p *ArticlePayload) FetchedTime() *time.Time {
	return parseTime(p.FetchedAt)
}

func parseTime(raw *string) *time.Time {
	if raw == nil {
		return nil
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw))
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

var (
	compileOnce       sync.Once
	compiledSchema    *jsonschema.Schema
	compiledSchemaErr error
)

func ValidateArticlePayload(payload json.RawMessage) (*ArticlePayload, error) {
	value, err := decodeStrictJSON(payload)
	if err != nil {
		return nil, fmt.Errorf("decode payload JSON: %w", err)
	}

	schema, err := loadSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	normalized, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("normalize payload JSON: %w", err)
	}

	var article ArticlePayload
	if err := json.Unmarshal(normalized, &article); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}

	if err := validateSemantics(&article); err != nil {
		return nil, err
	}

	return &article, nil
}

func loadSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		compiler.AssertFormat = true

		if err := compiler.AddResource("article.schema.json", strings.NewReader(articleSchemaJSON)); err != nil {
			compiledSchemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}

		schema, err := compiler.Compile("article.schema.json")
		if err != nil {
			compiledSchemaErr = fmt.Errorf("compile schema: %w", err)
			return
		}

		compiledSchema = schema
	})

	if compiledSchemaErr != nil {
		return nil, compiledSchemaErr
	}
	if compiledSchema == nil {
		return nil, fmt.Errorf("schema not initialized")
	}
	return compiledSchema, nil
}

func decodeStrictJSON(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}

	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("payload contains trailing content")
	}

	return value, nil
}

func validateSemantics(article *ArticlePayload) error {
	if article == nil {
		return fmt.Errorf("payload is nil")
	}

	if strings.TrimSpace(article.ID) == "" {
		return fmt.Errorf("id must not be empty")
	}
	if strings.TrimSpace(article.FeedID) == "" {
		return fmt.Errorf("feed_id must not be empty")
	}
	if strings.TrimSpace(article.Title) == "" {
		return fmt.Errorf("title must not be empty")
	}

	if article.SourceURL != nil {
		if err := validateURI("source_url", *article.SourceURL); err != nil {
			return err
		}
	}
	if article.CanonicalURL != nil {
		if err := validateURI("canonical_url", *article.CanonicalURL); err != nil {
			return err
		}
	}
	if article.PublishedAt != nil {
		if _, err := time.Parse(time.RFC3339, strings.TrimSpace(*article.PublishedAt)); err != nil {
			return fmt.Errorf("published_at must be RFC3339: %w", err)
		}
	}
	if article.FetchedAt != nil {
		if _, err := time.Parse(time.RFC3339, strings.TrimSpace(*article.FetchedAt)); err != nil {
			return fmt.Errorf("fetched_at must be RFC3339: %w", err)
		}
	}

	for i, keyword := range article.Keywords {
		if strings.TrimSpace(keyword) == "" {
			return fmt.Errorf("keywords[%d] must not be empty", i)
		}
	}

	var norm float64
	for i, v := range article.Embedding {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("embedding[%d] is not finite", i)
		}
		norm += v * v
	}
	if len(article.Embedding) > 0 && norm == 0 {
		return fmt.Errorf("embedding must not be the zero vector")
	}

	return nil
}

func validateURI(fieldName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s must not be empty", fieldName)
	}
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("%s is not a valid URI: %w", fieldName, err)
	}
	return nil
}
