package payloadschema

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateArticlePayload_Valid(t *testing.T) {
	payload := json.RawMessage(`{
		"id":"art-001",
		"feed_id":"reuters-world",
		"title":"Flooding closes river crossings",
		"source_url":"https://www.reuters.com/world/floods-001?utm_source=rss",
		"canonical_url":"https://www.reuters.com/world/floods-001",
		"published_at":"2026-02-13T14:00:00+01:00",
		"summary":"Heavy rain closed crossings. More rain is expected.",
		"language":"en",
		"category":"World",
		"keywords":["flood","rain"],
		"embedding":[0.1,0.2,0.3]
	}`)

	article, err := ValidateArticlePayload(payload)
	if err != nil {
		t.Fatalf("expected payload to be valid, got error: %v", err)
	}

	if article.FeedID != "reuters-world" {
		t.Fatalf("expected feed_id=reuters-world, got %q", article.FeedID)
	}
	if len(article.Embedding) != 3 || article.Embedding[2] != 0.3 {
		t.Fatalf("unexpected embedding: %v", article.Embedding)
	}
	published := article.PublishedTime()
	if published == nil || published.Hour() != 13 || published.Location().String() != "UTC" {
		t.Fatalf("expected published_at normalized to UTC, got %v", published)
	}
	if article.FetchedTime() != nil {
		t.Fatalf("expected nil fetched time")
	}
}

func TestValidateArticlePayload_Minimal(t *testing.T) {
	payload := json.RawMessage(`{"id":"a","feed_id":"f","title":"t"}`)

	article, err := ValidateArticlePayload(payload)
	if err != nil {
		t.Fatalf("expected minimal payload to be valid, got error: %v", err)
	}
	if article.Summary != nil || article.PublishedTime() != nil {
		t.Fatalf("expected optional fields to stay nil")
	}
}

func TestValidateArticlePayload_MissingRequired(t *testing.T) {
	payload := json.RawMessage(`{"id":"art-002","title":"No feed"}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for missing feed_id")
	}
}

func TestValidateArticlePayload_WhitespaceTitle(t *testing.T) {
	payload := json.RawMessage(`{"id":"art-003","feed_id":"f","title":"   "}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for whitespace-only title")
	}
	if !strings.Contains(err.Error(), "title must not be empty") {
		t.Fatalf("expected title semantic error, got: %v", err)
	}
}

func TestValidateArticlePayload_InvalidPublishedAt(t *testing.T) {
	payload := json.RawMessage(`{"id":"art-004","feed_id":"f","title":"Bad date","published_at":"yesterday"}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for invalid published_at")
	}
}

func TestValidateArticlePayload_UnknownField(t *testing.T) {
	payload := json.RawMessage(`{"id":"art-005","feed_id":"f","title":"t","story_id":"s1"}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for a client-supplied story_id")
	}
}

func TestValidateArticlePayload_ZeroEmbedding(t *testing.T) {
	payload := json.RawMessage(`{"id":"art-006","feed_id":"f","title":"t","embedding":[0,0,0]}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for a zero embedding")
	}
	if !strings.Contains(err.Error(), "zero vector") {
		t.Fatalf("expected zero vector error, got: %v", err)
	}
}

func TestValidateArticlePayload_TrailingContent(t *testing.T) {
	payload := json.RawMessage(`{"id":"a","feed_id":"f","title":"t"} {"id":"b"}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for trailing content")
	}
}

func TestValidateArticlePayload_EmptyKeyword(t *testing.T) {
	payload := json.RawMessage(`{"id":"a","feed_id":"f","title":"t","keywords":["ok"," "]}`)

	_, err := ValidateArticlePayload(payload)
	if err == nil || !strings.Contains(err.Error(), "keywords[1]") {
		t.Fatalf("expected keywords[1] error, got: %v", err)
	}
}
