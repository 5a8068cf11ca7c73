package clustering

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/backend"
	"horse.fit/storyline/internal/config"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/globaltime"
	"horse.fit/storyline/internal/storymeta"
	"horse.fit/storyline/internal/vector"
)

// Store is the relational side of maintenance.
type Store interface {
	ArticleReader
	ListStoryIDsInWindow(ctx context.Context, since time.Time) ([]string, error)
	ListStoryMembers(ctx context.Context, storyID string) ([]db.ArticleRecord, error)
	UpsertStoryCluster(ctx context.Context, rec db.StoryClusterRecord) error
	DeleteStoryCluster(ctx context.Context, storyID string) error
	ReassignStory(ctx context.Context, from, to string) (int64, error)
	ReassignArticles(ctx context.Context, ids []string, storyID string) (int64, error)
	UpdateArticleStoryID(ctx context.Context, id, storyID string) error
	ClearStoryRefs(ctx context.Context, storyID string) ([]string, error)
	ListDanglingStoryIDs(ctx context.Context) ([]string, error)
	DeleteOrphanStoryClusters(ctx context.Context) ([]string, error)
}

// Index is the write side of the search backend used by maintenance.
type Index interface {
	UpdateStoryID(ctx context.Context, id, storyID string) error
	UpsertStory(ctx context.Context, story backend.StoryDocument) error
	DeleteStory(ctx context.Context, storyID string) error
}

// Enqueuer accepts full documents for a later bulk write.
type Enqueuer interface {
	Enqueue(doc backend.Document) error
}

type MaintenanceOptions struct {
	Window                 time.Duration
	MergeThreshold         float64
	MergeOverlap           time.Duration
	MinSizeForSplit        int
	SplitCohesionThreshold float64
	LloydIterations        int
}

// MaintenanceOptionsFrom maps the clustering tuning onto maintainer options.
func MaintenanceOptionsFrom(tuning config.Clustering) MaintenanceOptions {
	return MaintenanceOptions{
		Window:                 tuning.Window(),
		MergeThreshold:         tuning.MergeSimilarityThreshold,
		MergeOverlap:           tuning.MergeOverlap(),
		MinSizeForSplit:        tuning.MinClusterSizeForSplit,
		SplitCohesionThreshold: tuning.SplitCohesionThreshold,
	}
}

// CycleReport summarizes one maintenance run.
type CycleReport struct {
	StartedAt      time.Time     `json:"started_at"`
	FinishedAt     time.Time     `json:"finished_at"`
	Duration       time.Duration `json:"duration_ns"`
	WindowStart    time.Time     `json:"window_start"`
	Recomputed     int           `json:"recomputed"`
	Merged         int           `json:"merged"`
	Split          int           `json:"split"`
	Reassigned     int           `json:"reassigned"`
	Materialized   int           `json:"materialized"`
	RefsCleared    int64         `json:"refs_cleared"`
	OrphansDeleted int           `json:"orphans_deleted"`
	Errors         int           `json:"errors"`
}

// candidate is the in-window view of one cluster used for merge and split.
type candidate struct {
	storyID    string
	members    []db.ArticleRecord
	articleIDs []string
	embeddings map[string][]float32
	centroid   []float32
	earliest   *time.Time
	merged     bool
}

type Maintainer struct {
	store    Store
	index    Index
	queue    Enqueuer
	assigner *Assigner
	opts     MaintenanceOptions
	logger   zerolog.Logger
}

// NewMaintainer wires a maintainer. index and queue may be nil when the
// search backend is disabled.
func NewMaintainer(store Store, index Index, queue Enqueuer, assigner *Assigner, opts MaintenanceOptions, logger zerolog.Logger) *Maintainer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.LloydIterations <= 0 {
		opts.LloydIterations = DefaultLloydIterations
	}
	if opts.MinSizeForSplit < 2 {
		opts.MinSizeForSplit = 2
	}
	return &Maintainer{
		store:    store,
		index:    index,
		queue:    queue,
		assigner: assigner,
		opts:     opts,
		logger:   logger.With().Str("component", "maintenance").Logger(),
	}
}

// RunCycle runs recompute, merge, split, reassign and orphan cleanup in that
// order. Per-story and per-article failures are counted and skipped; an error
// is returned only when a phase cannot start.
func (m *Maintainer) RunCycle(ctx context.Context) (CycleReport, error) {
	if m == nil || m.store == nil {
		return CycleReport{}, fmt.Errorf("maintainer is not initialized")
	}

	since := globaltime.WindowStart(m.opts.Window)
	report := CycleReport{StartedAt: globaltime.UTC(), WindowStart: since}
	finish := func() {
		report.FinishedAt = globaltime.UTC()
		report.Duration = report.FinishedAt.Sub(report.StartedAt)
	}

	candidates, err := m.recompute(ctx, since, &report)
	if err != nil {
		finish()
		return report, fmt.Errorf("recompute phase: %w", err)
	}
	m.merge(ctx, candidates, since, &report)
	m.split(ctx, candidates, since, &report)
	if err := m.reassign(ctx, since, &report); err != nil {
		finish()
		return report, fmt.Errorf("reassign phase: %w", err)
	}
	if err := m.cleanupOrphans(ctx, since, &report); err != nil {
		finish()
		return report, fmt.Errorf("orphan cleanup phase: %w", err)
	}

	finish()
	m.logger.Info().
		Int("recomputed", report.Recomputed).
		Int("merged", report.Merged).
		Int("split", report.Split).
		Int("reassigned", report.Reassigned).
		Int("materialized", report.Materialized).
		Int("orphans_deleted", report.OrphansDeleted).
		Int("errors", report.Errors).
		Dur("duration", report.Duration).
		Msg("maintenance cycle finished")
	return report, nil
}

func (m *Maintainer) recompute(ctx context.Context, since time.Time, report *CycleReport) ([]*candidate, error) {
	storyIDs, err := m.store.ListStoryIDsInWindow(ctx, since)
	if err != nil {
		return nil, err
	}

	candidates := make([]*candidate, 0, len(storyIDs))
	for _, storyID := range storyIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := m.resummarize(ctx, storyID, since)
		if err != nil {
			report.Errors++
			m.logger.Warn().Err(err).Str("story_id", storyID).Msg("recompute story failed")
			continue
		}
		if c == nil {
			continue
		}
		report.Recomputed++
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].storyID < candidates[j].storyID })

	m.logger.Info().Int("stories", len(storyIDs)).Int("recomputed", report.Recomputed).Msg("centroids recomputed")
	return candidates, nil
}

// merge folds pairs of converged clusters into the lexicographically smaller
// id. candidates is sorted by story id, so the outer cluster always survives.
func (m *Maintainer) merge(ctx context.Context, candidates []*candidate, since time.Time, report *CycleReport) {
	for i := range candidates {
		survivor := candidates[i]
		if survivor.merged || len(survivor.centroid) == 0 {
			continue
		}
		for j := i + 1; j < len(candidates); j++ {
			if ctx.Err() != nil {
				return
			}
			loser := candidates[j]
			if loser.merged || len(loser.centroid) == 0 {
				continue
			}
			sim, err := vector.Cosine(survivor.centroid, loser.centroid)
			if err != nil || sim < m.opts.MergeThreshold {
				continue
			}
			if !withinOverlap(survivor.earliest, loser.earliest, m.opts.MergeOverlap) {
				continue
			}

			if err := m.mergeInto(ctx, survivor, loser); err != nil {
				report.Errors++
				m.logger.Warn().Err(err).Str("survivor", survivor.storyID).Str("loser", loser.storyID).Msg("merge stories failed")
				continue
			}
			loser.merged = true
			report.Merged++
			m.logger.Debug().
				Str("survivor", survivor.storyID).
				Str("loser", loser.storyID).
				Float64("similarity", sim).
				Msg("stories merged")

			refreshed, err := m.resummarize(ctx, survivor.storyID, since)
			if err != nil {
				report.Errors++
				m.logger.Warn().Err(err).Str("story_id", survivor.storyID).Msg("resummarize merged story failed")
				continue
			}
			if refreshed != nil {
				*survivor = *refreshed
			}
		}
	}
	m.logger.Info().Int("merged", report.Merged).Msg("merge phase finished")
}

func (m *Maintainer) mergeInto(ctx context.Context, survivor, loser *candidate) error {
	if _, err := m.store.ReassignStory(ctx, loser.storyID, survivor.storyID); err != nil {
		return err
	}
	for _, rec := range loser.members {
		rec.StoryID = survivor.storyID
		m.syncStoryID(ctx, rec)
	}
	if err := m.store.DeleteStoryCluster(ctx, loser.storyID); err != nil {
		return err
	}
	m.deleteIndexedStory(ctx, loser.storyID)
	return nil
}

func withinOverlap(a, b *time.Time, tolerance time.Duration) bool {
	if a == nil || b == nil {
		return false
	}
	diff := a.Sub(*b)
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func (m *Maintainer) split(ctx context.Context, candidates []*candidate, since time.Time, report *CycleReport) {
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if c.merged || len(c.articleIDs) < m.opts.MinSizeForSplit || len(c.centroid) == 0 {
			continue
		}

		embeddings := make([][]float32, len(c.articleIDs))
		for i, id := range c.articleIDs {
			embeddings[i] = c.embeddings[id]
		}
		cohesion := Cohesion(embeddings, c.centroid)
		if cohesion >= m.opts.SplitCohesionThreshold {
			continue
		}

		part, ok := TwoMeans(c.articleIDs, embeddings, m.opts.LloydIterations)
		if !ok {
			m.logger.Debug().Str("story_id", c.storyID).Float64("cohesion", cohesion).Msg("split collapsed to one group")
			continue
		}

		if err := m.splitOff(ctx, c, part, since); err != nil {
			report.Errors++
			m.logger.Warn().Err(err).Str("story_id", c.storyID).Msg("split story failed")
			continue
		}
		report.Split++
	}
	m.logger.Info().Int("split", report.Split).Msg("split phase finished")
}

// splitOff keeps the original id for the group holding the smallest article
// id and moves the other group to a derived id.
func (m *Maintainer) splitOff(ctx context.Context, c *candidate, part Partition, since time.Time) error {
	keep, move := part.Left, part.Right
	if move[0] < keep[0] {
		keep, move = move, keep
	}
	newID := SplitStoryID(c.storyID, move[0])

	if _, err := m.store.ReassignArticles(ctx, move, newID); err != nil {
		return err
	}

	byID := make(map[string]db.ArticleRecord, len(c.members))
	for _, rec := range c.members {
		byID[rec.ID] = rec
	}
	for _, id := range move {
		rec, ok := byID[id]
		if !ok {
			continue
		}
		rec.StoryID = newID
		m.syncStoryID(ctx, rec)
	}

	m.logger.Debug().
		Str("story_id", c.storyID).
		Str("new_story_id", newID).
		Int("kept", len(keep)).
		Int("moved", len(move)).
		Msg("story split")

	var firstErr error
	for _, storyID := range []string{c.storyID, newID} {
		if _, err := m.resummarize(ctx, storyID, since); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Maintainer) reassign(ctx context.Context, since time.Time, report *CycleReport) error {
	if m.assigner == nil {
		return nil
	}
	articles, err := m.store.ListWindowArticles(ctx, since)
	if err != nil {
		return err
	}

	touched := make(map[string]struct{})
	for _, rec := range articles {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(rec.Embedding) == 0 {
			continue
		}
		decision, err := m.assigner.Decide(ctx, rec, rec.Embedding)
		if err != nil {
			report.Errors++
			m.logger.Warn().Err(err).Str("article_id", rec.ID).Msg("reassignment lookup failed")
			continue
		}
		// Only unassigned articles may seed a new story here.
		if !decision.Joined && rec.StoryID != "" {
			continue
		}
		if decision.StoryID == rec.StoryID {
			continue
		}

		if err := m.store.UpdateArticleStoryID(ctx, rec.ID, decision.StoryID); err != nil {
			report.Errors++
			m.logger.Warn().Err(err).Str("article_id", rec.ID).Msg("reassign article failed")
			continue
		}
		previous := rec.StoryID
		rec.StoryID = decision.StoryID
		m.syncStoryID(ctx, rec)
		report.Reassigned++
		if previous != "" {
			touched[previous] = struct{}{}
		}
		touched[decision.StoryID] = struct{}{}
	}

	for _, storyID := range sortedKeys(touched) {
		if _, err := m.resummarize(ctx, storyID, since); err != nil {
			report.Errors++
			m.logger.Warn().Err(err).Str("story_id", storyID).Msg("resummarize reassigned story failed")
		}
	}
	m.logger.Info().Int("articles", len(articles)).Int("reassigned", report.Reassigned).Msg("reassign phase finished")
	return nil
}

// cleanupOrphans gives every referenced story a cluster row, detaching
// articles when that fails, and then deletes clusters without members.
func (m *Maintainer) cleanupOrphans(ctx context.Context, since time.Time, report *CycleReport) error {
	dangling, err := m.store.ListDanglingStoryIDs(ctx)
	if err != nil {
		return err
	}
	for _, storyID := range dangling {
		c, err := m.resummarize(ctx, storyID, since)
		if err == nil {
			if c != nil {
				report.Materialized++
			}
			continue
		}
		m.logger.Warn().Err(err).Str("story_id", storyID).Msg("materialize referenced story failed; clearing references")

		cleared, err := m.store.ClearStoryRefs(ctx, storyID)
		if err != nil {
			report.Errors++
			m.logger.Warn().Err(err).Str("story_id", storyID).Msg("clear story references failed")
			continue
		}
		report.RefsCleared += int64(len(cleared))
		m.clearIndexedStoryIDs(ctx, cleared)
	}

	deleted, err := m.store.DeleteOrphanStoryClusters(ctx)
	if err != nil {
		return err
	}
	for _, storyID := range deleted {
		m.deleteIndexedStory(ctx, storyID)
	}
	report.OrphansDeleted = len(deleted)
	m.logger.Info().
		Int("materialized", report.Materialized).
		Int64("refs_cleared", report.RefsCleared).
		Int("orphans_deleted", report.OrphansDeleted).
		Msg("orphan cleanup finished")
	return nil
}

// resummarize rewrites the cluster row and story document of storyID from its
// current members. It returns nil without error when the story has no members.
func (m *Maintainer) resummarize(ctx context.Context, storyID string, since time.Time) (*candidate, error) {
	members, err := m.store.ListStoryMembers(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}

	meta := storymeta.Synthesize(toStoryMembers(members))
	updatedAt := globaltime.UTC()
	if err := m.store.UpsertStoryCluster(ctx, db.StoryClusterRecord{
		StoryID:        storyID,
		TitleRep:       meta.TitleRep,
		Summary:        meta.Summary,
		Keywords:       meta.Keywords,
		Sources:        meta.Sources,
		TimeRangeStart: meta.TimeRangeStart,
		TimeRangeEnd:   meta.TimeRangeEnd,
		Centroid:       meta.Centroid,
		MemberCount:    meta.MemberCount,
		UpdatedAt:      updatedAt,
	}); err != nil {
		return nil, err
	}

	if m.index != nil {
		err := m.index.UpsertStory(ctx, backend.StoryDocument{
			StoryID:        storyID,
			TitleRep:       meta.TitleRep,
			Summary:        meta.Summary,
			Keywords:       meta.Keywords,
			Sources:        meta.Sources,
			TimeRangeStart: meta.TimeRangeStart,
			TimeRangeEnd:   meta.TimeRangeEnd,
			MemberCount:    meta.MemberCount,
			Centroid:       meta.Centroid,
			UpdatedAt:      updatedAt,
		})
		if err != nil && !backend.IsDisabled(err) {
			m.logger.Warn().Err(err).Str("story_id", storyID).Msg("index story document failed")
		}
	}

	return newCandidate(storyID, members, since), nil
}

func newCandidate(storyID string, members []db.ArticleRecord, since time.Time) *candidate {
	c := &candidate{
		storyID:    storyID,
		members:    members,
		embeddings: make(map[string][]float32),
	}
	dims := 0
	for _, rec := range members {
		at := rec.EffectiveTime()
		if at != nil && (c.earliest == nil || at.Before(*c.earliest)) {
			t := *at
			c.earliest = &t
		}
		if at == nil || at.Before(since) || len(rec.Embedding) == 0 {
			continue
		}
		if dims == 0 {
			dims = len(rec.Embedding)
		}
		if len(rec.Embedding) != dims {
			continue
		}
		c.articleIDs = append(c.articleIDs, rec.ID)
		c.embeddings[rec.ID] = rec.Embedding
	}
	sort.Strings(c.articleIDs)

	vectors := make([][]float32, len(c.articleIDs))
	for i, id := range c.articleIDs {
		vectors[i] = c.embeddings[id]
	}
	c.centroid = vector.Mean(vectors)
	return c
}

func (m *Maintainer) syncStoryID(ctx context.Context, rec db.ArticleRecord) {
	if m.index == nil {
		return
	}
	err := m.index.UpdateStoryID(ctx, rec.ID, rec.StoryID)
	if err == nil || backend.IsDisabled(err) {
		return
	}
	if m.queue != nil && len(rec.Embedding) > 0 {
		if qerr := m.queue.Enqueue(rec.IndexDocument()); qerr == nil {
			return
		}
	}
	m.logger.Warn().Err(err).Str("article_id", rec.ID).Str("story_id", rec.StoryID).Msg("index story id update failed")
}

// clearIndexedStoryIDs detaches articles in the index so the assigner does
// not follow them to a story that no longer exists.
func (m *Maintainer) clearIndexedStoryIDs(ctx context.Context, ids []string) {
	if m.index == nil {
		return
	}
	for _, id := range ids {
		err := m.index.UpdateStoryID(ctx, id, "")
		if err == nil {
			continue
		}
		if backend.IsDisabled(err) {
			return
		}
		m.logger.Warn().Err(err).Str("article_id", id).Msg("clear indexed story id failed")
	}
}

func (m *Maintainer) deleteIndexedStory(ctx context.Context, storyID string) {
	if m.index == nil {
		return
	}
	err := m.index.DeleteStory(ctx, storyID)
	if err != nil && !backend.IsDisabled(err) {
		m.logger.Warn().Err(err).Str("story_id", storyID).Msg("delete indexed story failed")
	}
}

func toStoryMembers(recs []db.ArticleRecord) []storymeta.Member {
	out := make([]storymeta.Member, len(recs))
	for i, rec := range recs {
		out[i] = storymeta.Member{
			ID:           rec.ID,
			Title:        rec.Title,
			Summary:      rec.Summary,
			Keywords:     rec.Keywords,
			SourceURL:    rec.SourceURL,
			CanonicalURL: rec.CanonicalURL,
			PublishedAt:  rec.PublishedAt,
			FetchedAt:    rec.FetchedAt,
			Embedding:    rec.Embedding,
		}
	}
	return out
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
