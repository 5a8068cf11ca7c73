package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNormalizeBaseURL(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"http://127.0.0.1:8000":       "http://127.0.0.1:8000",
		"http://127.0.0.1:8000/":      "http://127.0.0.1:8000",
		"http://127.0.0.1:8000/embed": "http://127.0.0.1:8000",
		"http://host/svc/embed_batch": "http://host/svc",
		"":                            DefaultEndpoint,
	}
	for in, want := range cases {
		if got := normalizeBaseURL(in); got != want {
			t.Fatalf("normalizeBaseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbedBlankTextReturnsUnitVector(t *testing.T) {
	t.Parallel()

	client := NewClient(Options{Endpoint: "http://127.0.0.1:1", Dimensions: 4})
	vec, err := client.Embed(context.Background(), "   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 4 || vec[0] != 1 || vec[1] != 0 {
		t.Fatalf("unexpected unit vector: %v", vec)
	}
}

func TestEmbedAndBatch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/embed":
			var req embedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{0, 1, 0}, Dims: 3, Model: "test"})
		case "/embed_batch":
			var req batchRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			resp := batchResponse{Dims: 3, Model: "test"}
			for i := range req.Texts {
				resp.Embeddings = append(resp.Embeddings, []float64{float64(i), 1, 0})
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL + "/embed", Dimensions: 3, BatchSize: 2})

	vec, err := client.Embed(context.Background(), "storm")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if vec[1] != 1 {
		t.Fatalf("unexpected vector: %v", vec)
	}

	vecs, err := client.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("embed batch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(vecs))
	}
	if vecs[1][0] != 1 || vecs[2][0] != 0 {
		t.Fatalf("expected per-chunk ordering to be preserved, got %v", vecs)
	}
}

func TestEmbedRejectsWrongDimensions(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(embedResponse{Embedding: []float64{1, 0}, Dims: 2})
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Dimensions: 3})
	if _, err := client.Embed(context.Background(), "storm"); err == nil {
		t.Fatalf("expected dimension mismatch error")
	}
}

func TestEmbedSurfacesServiceErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "Model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(Options{Endpoint: srv.URL, Dimensions: 3})
	if _, err := client.Embed(context.Background(), "storm"); err == nil {
		t.Fatalf("expected service error")
	}
}
