package clustering

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"testing"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"

	"horse.fit/storyline/internal/config"
	"horse.fit/storyline/internal/db"
	"horse.fit/storyline/internal/vector"
)

func newTestMaintainer(store *memStore, index *recordingIndex, opts MaintenanceOptions) *Maintainer {
	if opts.Window == 0 {
		opts.Window = 48 * time.Hour
	}
	if opts.MergeThreshold == 0 {
		opts.MergeThreshold = 0.90
	}
	if opts.MergeOverlap == 0 {
		opts.MergeOverlap = 24 * time.Hour
	}
	if opts.MinSizeForSplit == 0 {
		opts.MinSizeForSplit = 6
	}
	if opts.SplitCohesionThreshold == 0 {
		opts.SplitCohesionThreshold = 0.85
	}
	assigner := NewAssigner(nil, store, AssignerOptions{Threshold: 0.82, Window: opts.Window}, zerolog.Nop())
	return NewMaintainer(store, index, nil, assigner, opts, zerolog.Nop())
}

func assertOrphanInvariant(t *testing.T, store *memStore) {
	t.Helper()

	members := store.membersByStory()
	for _, id := range store.clusterIDs() {
		if len(members[id]) == 0 {
			t.Fatalf("cluster %s has no members", id)
		}
	}
	clusters := make(map[string]struct{})
	for _, id := range store.clusterIDs() {
		clusters[id] = struct{}{}
	}
	for storyID := range members {
		if _, ok := clusters[storyID]; !ok {
			t.Fatalf("articles reference missing cluster %s", storyID)
		}
	}
}

func TestRunCycle_MergesConvergedStoriesAndConverges(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(
		article("A", "story-a", now.Add(-2*time.Hour), 1, 0, 0),
		article("B", "story-b", now.Add(-90*time.Minute), 1, 0.1, 0),
		article("C", "story-c", now.Add(-time.Hour), 1, 0, 0.1),
	)
	index := newRecordingIndex()
	m := newTestMaintainer(store, index, MaintenanceOptions{})

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Merged != 2 {
		t.Fatalf("expected two merges, got %+v", report)
	}
	for _, id := range []string{"A", "B", "C"} {
		if got := store.storyOf(id); got != "story-a" {
			t.Fatalf("article %s in %q, want story-a", id, got)
		}
		if got := index.storyIDs[id]; id != "A" && got != "story-a" {
			t.Fatalf("index story id for %s = %q, want story-a", id, got)
		}
	}
	if got := store.clusterIDs(); !reflect.DeepEqual(got, []string{"story-a"}) {
		t.Fatalf("unexpected clusters after merge: %v", got)
	}
	if store.clusters["story-a"].MemberCount != 3 {
		t.Fatalf("expected survivor summary over 3 members, got %+v", store.clusters["story-a"])
	}
	if _, ok := index.stories["story-b"]; ok {
		t.Fatalf("loser story document should be deleted from the index")
	}
	assertOrphanInvariant(t, store)

	again, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Merged != 0 || again.Split != 0 || again.Reassigned != 0 {
		t.Fatalf("expected a converged second cycle, got %+v", again)
	}
}

func TestRunCycle_DoesNotMergeOutsideTimeOverlap(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(
		article("A", "story-a", now.Add(-40*time.Hour), 1, 0),
		article("B", "story-b", now.Add(-time.Hour), 1, 0),
	)
	m := newTestMaintainer(store, newRecordingIndex(), MaintenanceOptions{})
	m.assigner = nil

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Merged != 0 {
		t.Fatalf("stories 39h apart must not merge, got %+v", report)
	}
	if got := store.clusterIDs(); len(got) != 2 {
		t.Fatalf("expected both clusters kept, got %v", got)
	}
}

func TestRunCycle_SplitsLowCohesionClusterWithoutLosingMembers(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	ids, embeddings := twoGroups()
	recs := make([]db.ArticleRecord, len(ids))
	for i, id := range ids {
		recs[i] = article(id, "story-mixed", now.Add(-time.Duration(i)*time.Minute), embeddings[i]...)
	}
	store := newMemStore(recs...)
	m := newTestMaintainer(store, newRecordingIndex(), MaintenanceOptions{SplitCohesionThreshold: 0.9})

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Split != 1 {
		t.Fatalf("expected one split, got %+v", report)
	}

	members := store.membersByStory()
	if len(members) != 2 {
		t.Fatalf("expected two stories after split, got %v", members)
	}
	kept := members["story-mixed"]
	moved := members[SplitStoryID("story-mixed", "b00")]
	if want := []string{"a00", "a01", "a02", "a03", "a04"}; !reflect.DeepEqual(kept, want) {
		t.Fatalf("unexpected kept group: %v", kept)
	}
	if want := []string{"b00", "b01", "b02", "b03", "b04"}; !reflect.DeepEqual(moved, want) {
		t.Fatalf("unexpected moved group: %v", moved)
	}

	union := append(append([]string(nil), kept...), moved...)
	sort.Strings(union)
	if !reflect.DeepEqual(union, ids) {
		t.Fatalf("split lost members: %v", union)
	}
	assertOrphanInvariant(t, store)

	again, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("second cycle: %v", err)
	}
	if again.Split != 0 || again.Merged != 0 {
		t.Fatalf("expected stable clusters on second cycle, got %+v", again)
	}
}

// mixedStoryEmbeddings builds two groups of five unit vectors in 12
// dimensions. Members of one group have cosine intra with each other and
// cosine inter with every member of the other group.
func mixedStoryEmbeddings(intra, inter float64) ([]string, [][]float32) {
	const dims = 12
	shared := math.Sqrt(intra)
	own := math.Sqrt(1 - intra)
	// Group axes u=e0 and w=c*e0+s*e1 with intra*c == inter.
	c := inter / intra
	s := math.Sqrt(1 - c*c)

	var (
		ids        []string
		embeddings [][]float32
	)
	for group, prefix := range []string{"a", "b"} {
		for i := 0; i < 5; i++ {
			emb := make([]float32, dims)
			if group == 0 {
				emb[0] = float32(shared)
			} else {
				emb[0] = float32(shared * c)
				emb[1] = float32(shared * s)
			}
			emb[2+group*5+i] = float32(own)
			ids = append(ids, fmt.Sprintf("%s%02d", prefix, i))
			embeddings = append(embeddings, emb)
		}
	}
	return ids, embeddings
}

func TestRunCycle_SplitsTwoTopicStoryUnderDefaultTuning(t *testing.T) {
	var tuning config.Clustering
	if err := envconfig.Process("", &tuning); err != nil {
		t.Fatalf("load clustering defaults: %v", err)
	}

	ids, embeddings := mixedStoryEmbeddings(0.95, 0.3)
	if got := Cohesion(embeddings, vector.Mean(embeddings)); got >= tuning.SplitCohesionThreshold {
		t.Fatalf("cohesion %.4f does not fall below default threshold %.2f", got, tuning.SplitCohesionThreshold)
	}

	now := time.Now().UTC()
	recs := make([]db.ArticleRecord, len(ids))
	for i, id := range ids {
		recs[i] = article(id, "story-mixed", now.Add(-time.Duration(i)*time.Minute), embeddings[i]...)
	}
	store := newMemStore(recs...)
	assigner := NewAssigner(nil, store, AssignerOptions{
		Threshold: tuning.AssignmentSimilarityThreshold,
		Window:    tuning.Window(),
	}, zerolog.Nop())
	m := NewMaintainer(store, newRecordingIndex(), nil, assigner, MaintenanceOptionsFrom(tuning), zerolog.Nop())

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.Split != 1 {
		t.Fatalf("expected one split, got %+v", report)
	}

	members := store.membersByStory()
	if len(members) != 2 {
		t.Fatalf("expected exactly two stories, got %v", members)
	}
	if want := []string{"a00", "a01", "a02", "a03", "a04"}; !reflect.DeepEqual(members["story-mixed"], want) {
		t.Fatalf("unexpected kept group: %v", members["story-mixed"])
	}
	if want := []string{"b00", "b01", "b02", "b03", "b04"}; !reflect.DeepEqual(members[SplitStoryID("story-mixed", "b00")], want) {
		t.Fatalf("unexpected moved group: %v", members[SplitStoryID("story-mixed", "b00")])
	}
	assertOrphanInvariant(t, store)
}

func TestRunCycle_ReassignsBorderlineAndUnassignedArticles(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(
		article("A", "story-a", now.Add(-3*time.Hour), 1, 0),
		article("B", "story-a", now.Add(-2*time.Hour), 1, 0.05),
		article("X", "story-x", now.Add(-time.Hour), 0, 1),
		article("stray", "story-x", now.Add(-30*time.Minute), 1, 0.2),
		article("loose", "", now.Add(-10*time.Minute), 0.02, 1),
	)
	m := newTestMaintainer(store, newRecordingIndex(), MaintenanceOptions{MergeThreshold: 0.99})

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if got := store.storyOf("stray"); got != "story-a" {
		t.Fatalf("expected stray to move to story-a, got %q", got)
	}
	if got := store.storyOf("loose"); got != "story-x" {
		t.Fatalf("expected unassigned article to join story-x, got %q", got)
	}
	if report.Reassigned != 2 {
		t.Fatalf("expected two reassignments, got %+v", report)
	}
	if store.clusters["story-a"].MemberCount != 3 || store.clusters["story-x"].MemberCount != 2 {
		t.Fatalf("expected resummarized member counts, got a=%d x=%d",
			store.clusters["story-a"].MemberCount, store.clusters["story-x"].MemberCount)
	}
	assertOrphanInvariant(t, store)
}

func TestRunCycle_CleansOrphansAndMaterializesReferencedStories(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(
		article("old", "story-old", now.Add(-30*24*time.Hour), 1, 0),
	)
	store.clusters["story-ghost"] = db.StoryClusterRecord{StoryID: "story-ghost", MemberCount: 4}
	index := newRecordingIndex()
	m := newTestMaintainer(store, index, MaintenanceOptions{})

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.OrphansDeleted != 1 || report.Materialized != 1 {
		t.Fatalf("unexpected cleanup report: %+v", report)
	}
	if got := store.clusterIDs(); !reflect.DeepEqual(got, []string{"story-old"}) {
		t.Fatalf("unexpected clusters: %v", got)
	}
	if !reflect.DeepEqual(index.deletedStories, []string{"story-ghost"}) {
		t.Fatalf("expected ghost story removed from index, got %v", index.deletedStories)
	}
	assertOrphanInvariant(t, store)
}

func TestRunCycle_ClearedReferencesAreDetachedInIndex(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	store := newMemStore(
		article("p1", "story-broken", now.Add(-30*24*time.Hour), 1, 0),
		article("p2", "story-broken", now.Add(-30*24*time.Hour+time.Minute), 1, 0.1),
	)
	store.upsertErr = map[string]error{"story-broken": errors.New("constraint violation")}
	index := newRecordingIndex()
	index.storyIDs["p1"] = "story-broken"
	index.storyIDs["p2"] = "story-broken"
	m := newTestMaintainer(store, index, MaintenanceOptions{})

	report, err := m.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if report.RefsCleared != 2 || report.Materialized != 0 {
		t.Fatalf("unexpected cleanup report: %+v", report)
	}
	for _, id := range []string{"p1", "p2"} {
		if got := store.storyOf(id); got != "" {
			t.Fatalf("article %s still references %q in the store", id, got)
		}
		if got, ok := index.storyIDs[id]; !ok || got != "" {
			t.Fatalf("article %s still references %q in the index", id, got)
		}
	}
	assertOrphanInvariant(t, store)
}
