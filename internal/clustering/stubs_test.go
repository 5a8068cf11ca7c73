package clustering

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/db"
)

type memStore struct {
	mu       sync.Mutex
	articles map[string]db.ArticleRecord
	clusters map[string]db.StoryClusterRecord
	// upsertErr fails cluster writes for the listed story ids.
	upsertErr map[string]error
}

func newMemStore(recs ...db.ArticleRecord) *memStore {
	s := &memStore{
		articles: make(map[string]db.ArticleRecord),
		clusters: make(map[string]db.StoryClusterRecord),
	}
	for _, rec := range recs {
		s.articles[rec.ID] = rec
	}
	return s
}

func (s *memStore) storyOf(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.articles[id].StoryID
}

func (s *memStore) clusterIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.clusters))
	for id := range s.clusters {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (s *memStore) membersByStory() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string)
	for _, rec := range s.articles {
		if rec.StoryID != "" {
			out[rec.StoryID] = append(out[rec.StoryID], rec.ID)
		}
	}
	for _, ids := range out {
		sort.Strings(ids)
	}
	return out
}

func (s *memStore) sortedArticles(keep func(db.ArticleRecord) bool) []db.ArticleRecord {
	out := make([]db.ArticleRecord, 0, len(s.articles))
	for _, rec := range s.articles {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) GetArticles(_ context.Context, ids []string) ([]db.ArticleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]db.ArticleRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := s.articles[id]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *memStore) ListWindowArticles(_ context.Context, since time.Time) ([]db.ArticleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedArticles(func(rec db.ArticleRecord) bool {
		at := rec.EffectiveTime()
		return at != nil && !at.Before(since)
	}), nil
}

func (s *memStore) ListStoryIDsInWindow(ctx context.Context, since time.Time) ([]string, error) {
	recs, _ := s.ListWindowArticles(ctx, since)
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range recs {
		if rec.StoryID == "" {
			continue
		}
		if _, ok := seen[rec.StoryID]; ok {
			continue
		}
		seen[rec.StoryID] = struct{}{}
		out = append(out, rec.StoryID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) ListStoryMembers(_ context.Context, storyID string) ([]db.ArticleRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedArticles(func(rec db.ArticleRecord) bool { return rec.StoryID == storyID }), nil
}

func (s *memStore) UpsertStoryCluster(_ context.Context, rec db.StoryClusterRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.upsertErr[rec.StoryID]; err != nil {
		return err
	}
	s.clusters[rec.StoryID] = rec
	return nil
}

func (s *memStore) DeleteStoryCluster(_ context.Context, storyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clusters, storyID)
	return nil
}

func (s *memStore) ReassignStory(_ context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.articles {
		if rec.StoryID == from {
			rec.StoryID = to
			s.articles[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *memStore) ReassignArticles(_ context.Context, ids []string, storyID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if rec, ok := s.articles[id]; ok {
			rec.StoryID = storyID
			s.articles[id] = rec
			n++
		}
	}
	return n, nil
}

func (s *memStore) UpdateArticleStoryID(_ context.Context, id, storyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.articles[id]
	if !ok {
		return fmt.Errorf("update story id article_id=%s: %w", id, db.ErrNoRows)
	}
	rec.StoryID = storyID
	s.articles[id] = rec
	return nil
}

func (s *memStore) ClearStoryRefs(_ context.Context, storyID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cleared []string
	for id, rec := range s.articles {
		if rec.StoryID == storyID {
			rec.StoryID = ""
			s.articles[id] = rec
			cleared = append(cleared, id)
		}
	}
	sort.Strings(cleared)
	return cleared, nil
}

func (s *memStore) ListDanglingStoryIDs(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for _, rec := range s.articles {
		if rec.StoryID == "" {
			continue
		}
		if _, ok := s.clusters[rec.StoryID]; ok {
			continue
		}
		if _, ok := seen[rec.StoryID]; ok {
			continue
		}
		seen[rec.StoryID] = struct{}{}
		out = append(out, rec.StoryID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) DeleteOrphanStoryClusters(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make(map[string]int)
	for _, rec := range s.articles {
		members[rec.StoryID]++
	}
	var deleted []string
	for id := range s.clusters {
		if members[id] == 0 {
			delete(s.clusters, id)
			deleted = append(deleted, id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

type recordingIndex struct {
	mu             sync.Mutex
	storyIDs       map[string]string
	stories        map[string]backend.StoryDocument
	deletedStories []string
}

func newRecordingIndex() *recordingIndex {
	return &recordingIndex{
		storyIDs: make(map[string]string),
		stories:  make(map[string]backend.StoryDocument),
	}
}

func (i *recordingIndex) UpdateStoryID(_ context.Context, id, storyID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.storyIDs[id] = storyID
	return nil
}

func (i *recordingIndex) UpsertStory(_ context.Context, story backend.StoryDocument) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stories[story.StoryID] = story
	return nil
}

func (i *recordingIndex) DeleteStory(_ context.Context, storyID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.stories, storyID)
	i.deletedStories = append(i.deletedStories, storyID)
	return nil
}

type stubSearcher struct {
	hits []backend.Hit
	err  error
}

func (s stubSearcher) KNN(context.Context, []float32, int, backend.Filter) ([]backend.Hit, error) {
	return s.hits, s.err
}

func article(id, storyID string, publishedAt time.Time, embedding ...float32) db.ArticleRecord {
	return db.ArticleRecord{
		ID:          id,
		FeedID:      "feed",
		Title:       "Title " + id,
		StoryID:     storyID,
		PublishedAt: &publishedAt,
		Embedding:   embedding,
	}
}
