package retrieval

import (
	"math"
	"sort"
	"time"
)

const (
	LexicalWeight = 0.6
	VectorWeight  = 0.3
	RecencyWeight = 0.1

	RecentHalfLife = 3 * 24 * time.Hour
	StaleHalfLife  = 14 * 24 * time.Hour

	// UndatedRecency is the boost given to documents without a publish time.
	UndatedRecency = 0.5
)

// MinMax rescales scores into [0,1]. When every score is equal, each one maps
// to 1 so a lone hit keeps its full signal.
func MinMax(scores map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(scores))
	if len(scores) == 0 {
		return out
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, s := range scores {
		lo = math.Min(lo, s)
		hi = math.Max(hi, s)
	}
	span := hi - lo
	for id, s := range scores {
		if span <= 0 || math.IsNaN(span) {
			out[id] = 1
			continue
		}
		out[id] = (s - lo) / span
	}
	return out
}

// Recency decays from 1 for future or just-published documents, halving every
// RecentHalfLife up to that age and every StaleHalfLife after it.
func Recency(published *time.Time, now time.Time) float64 {
	if published == nil || published.IsZero() {
		return UndatedRecency
	}
	age := now.Sub(*published)
	if age <= 0 {
		return 1
	}
	if age <= RecentHalfLife {
		return math.Pow(0.5, float64(age)/float64(RecentHalfLife))
	}
	return 0.5 * math.Pow(0.5, float64(age-RecentHalfLife)/float64(StaleHalfLife))
}

// Combine blends normalized signals. The vector term is offset by one so it
// still separates documents the lexical signal ranks equally.
func Combine(lexical, vector, recency float64) float64 {
	return LexicalWeight*lexical + VectorWeight*(1+vector) + RecencyWeight*recency
}

type candidate struct {
	id          string
	storyID     string
	publishedAt *time.Time
	lexicalRaw  float64
	vectorRaw   float64
	hasLexical  bool
	hasVector   bool

	lexical   float64
	vector    float64
	recency   float64
	score     float64
	moreCount int
}

// score fills in the normalized signals and combined score of every candidate.
func score(cands []*candidate, now time.Time) {
	lexRaw := make(map[string]float64)
	vecRaw := make(map[string]float64)
	for _, c := range cands {
		if c.hasLexical {
			lexRaw[c.id] = c.lexicalRaw
		}
		if c.hasVector {
			vecRaw[c.id] = c.vectorRaw
		}
	}
	lexNorm := MinMax(lexRaw)
	vecNorm := MinMax(vecRaw)

	for _, c := range cands {
		c.lexical = lexNorm[c.id]
		c.vector = vecNorm[c.id]
		c.recency = Recency(c.publishedAt, now)
		c.score = Combine(c.lexical, c.vector, c.recency)
	}
}

func rank(cands []*candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		if cands[i].recency != cands[j].recency {
			return cands[i].recency > cands[j].recency
		}
		return cands[i].id < cands[j].id
	})
}

// diversify keeps the best member of each story in rank order and records how
// many of its story's candidates were folded into it. Candidates without a
// story stand alone.
func diversify(ranked []*candidate) []*candidate {
	counts := make(map[string]int, len(ranked))
	for _, c := range ranked {
		counts[groupKey(c)]++
	}

	seen := make(map[string]struct{}, len(counts))
	out := make([]*candidate, 0, len(counts))
	for _, c := range ranked {
		key := groupKey(c)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		c.moreCount = counts[key] - 1
		out = append(out, c)
	}
	return out
}

func groupKey(c *candidate) string {
	if c.storyID == "" {
		return "article:" + c.id
	}
	return "story:" + c.storyID
}

func paginate(ranked []*candidate, offset, size int) []*candidate {
	if offset >= len(ranked) {
		return nil
	}
	end := min(offset+size, len(ranked))
	return ranked[offset:end]
}
