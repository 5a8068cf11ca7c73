// Package storymeta derives the denormalized fields of a story cluster from
// its member articles.
package storymeta

import (
	"math"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"horse.fit/storyline/internal/textnorm"
	"horse.fit/storyline/internal/vector"
)

const (
	MaxKeywords      = 10
	SummarySentences = 3
	minKeywordRunes  = 3
)

// Member is the part of an article the synthesizer reads.
type Member struct {
	ID           string
	Title        string
	Summary      string
	Keywords     []string
	SourceURL    string
	CanonicalURL string
	PublishedAt  *time.Time
	FetchedAt    *time.Time
	Embedding    []float32
}

type Metadata struct {
	TitleRep       string
	Summary        string
	Keywords       []string
	Sources        []string
	TimeRangeStart *time.Time
	TimeRangeEnd   *time.Time
	Centroid       []float32
	MemberCount    int
	// MedoidID is empty when no member carries an embedding.
	MedoidID string
}

// Synthesize never fails: absent inputs produce empty fields.
func Synthesize(members []Member) Metadata {
	meta := Metadata{MemberCount: len(members)}
	if len(members) == 0 {
		return meta
	}

	meta.Centroid = centroid(members)
	latest := mostRecent(members)

	if medoid, ok := medoidOf(members, meta.Centroid); ok {
		meta.TitleRep = strings.TrimSpace(medoid.Title)
		meta.MedoidID = medoid.ID
	}
	if meta.TitleRep == "" && latest != nil {
		meta.TitleRep = strings.TrimSpace(latest.Title)
	}

	if latest != nil {
		meta.Summary = LeadSentences(textnorm.PlainText(latest.Summary), SummarySentences)
		if meta.Summary == "" {
			meta.Summary = strings.TrimSpace(latest.Title)
		}
	}

	meta.Keywords = TopKeywords(members, MaxKeywords)
	meta.Sources = sources(members)
	meta.TimeRangeStart, meta.TimeRangeEnd = timeRange(members)
	return meta
}

func centroid(members []Member) []float32 {
	embeddings := make([][]float32, 0, len(members))
	for _, m := range members {
		if len(m.Embedding) > 0 {
			embeddings = append(embeddings, m.Embedding)
		}
	}
	return vector.Mean(embeddings)
}

// medoidOf picks the member closest to center by Euclidean distance. Ties go
// to the lexicographically smaller id.
func medoidOf(members []Member, center []float32) (Member, bool) {
	if len(center) == 0 {
		return Member{}, false
	}
	bestIdx := -1
	bestDist := math.Inf(1)
	for i, m := range members {
		dist, err := vector.SquaredEuclidean(m.Embedding, center)
		if err != nil {
			continue
		}
		if dist < bestDist || (dist == bestDist && bestIdx >= 0 && m.ID < members[bestIdx].ID) {
			bestIdx = i
			bestDist = dist
		}
	}
	if bestIdx < 0 {
		return Member{}, false
	}
	return members[bestIdx], true
}

func memberTime(m Member) *time.Time {
	if m.PublishedAt != nil {
		return m.PublishedAt
	}
	return m.FetchedAt
}

// mostRecent returns the member with the latest publish time, using fetch time
// when unpublished. Members without either time lose to any dated member.
func mostRecent(members []Member) *Member {
	var best *Member
	var bestAt *time.Time
	for i := range members {
		at := memberTime(members[i])
		switch {
		case best == nil:
		case at == nil:
			continue
		case bestAt == nil, at.After(*bestAt):
		case at.Equal(*bestAt) && members[i].ID < best.ID:
		default:
			continue
		}
		best = &members[i]
		bestAt = at
	}
	return best
}

// LeadSentences returns the first n sentences of text. A sentence ends at
// '.', '!' or '?' followed by whitespace or the end of the text.
func LeadSentences(text string, n int) string {
	text = strings.TrimSpace(text)
	if text == "" || n <= 0 {
		return ""
	}

	count := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		next := i + utf8.RuneLen(r)
		if next < len(text) {
			nr, _ := utf8.DecodeRuneInString(text[next:])
			if !unicode.IsSpace(nr) {
				continue
			}
		}
		count++
		if count == n {
			return strings.TrimSpace(text[:next])
		}
	}
	return text
}

// TopKeywords ranks folded keyword tokens by how often they occur across all
// members, breaking ties alphabetically. Members without keywords contribute
// nothing.
func TopKeywords(members []Member, limit int) []string {
	counts := countTokens(members)
	if len(counts) == 0 || limit <= 0 {
		return nil
	}

	tokens := make([]string, 0, len(counts))
	for token := range counts {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > limit {
		tokens = tokens[:limit]
	}
	return tokens
}

func countTokens(members []Member) map[string]int {
	counts := make(map[string]int)
	for _, m := range members {
		for _, phrase := range m.Keywords {
			for _, token := range textnorm.Tokenize(textnorm.Fold(phrase)) {
				if utf8.RuneCountInString(token) < minKeywordRunes || isStopWord(token) {
					continue
				}
				counts[token]++
			}
		}
	}
	return counts
}

func sources(members []Member) []string {
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		raw := m.CanonicalURL
		if strings.TrimSpace(raw) == "" {
			raw = m.SourceURL
		}
		origin := textnorm.Origin(raw)
		if origin == "" {
			continue
		}
		if _, ok := seen[origin]; ok {
			continue
		}
		seen[origin] = struct{}{}
		out = append(out, origin)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func timeRange(members []Member) (*time.Time, *time.Time) {
	var start, end *time.Time
	for _, m := range members {
		if m.PublishedAt == nil {
			continue
		}
		at := m.PublishedAt.UTC()
		if start == nil || at.Before(*start) {
			s := at
			start = &s
		}
		if end == nil || at.After(*end) {
			e := at
			end = &e
		}
	}
	return start, end
}
