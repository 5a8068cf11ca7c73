package clustering

import (
	"math"
	"sort"

	"horse.fit/storyline/internal/vector"
)

const DefaultLloydIterations = 5

// Partition is a two-way split of article ids. Both sides are sorted.
type Partition struct {
	Left  []string
	Right []string
}

// TwoMeans splits points into two groups by Euclidean 2-means with
// farthest-point initialization. ids[i] labels embeddings[i]. It reports false
// when either group would be empty. The result depends only on the input
// order, so callers should pass ids sorted.
func TwoMeans(ids []string, embeddings [][]float32, iterations int) (Partition, bool) {
	if len(ids) != len(embeddings) || len(ids) < 2 {
		return Partition{}, false
	}
	if iterations <= 0 {
		iterations = DefaultLloydIterations
	}

	first, second, ok := farthestPair(embeddings)
	if !ok {
		return Partition{}, false
	}
	centers := [2][]float32{
		append([]float32(nil), embeddings[first]...),
		append([]float32(nil), embeddings[second]...),
	}

	assign := make([]int, len(embeddings))
	for i := range assign {
		assign[i] = -1
	}
	for iter := 0; iter < iterations; iter++ {
		changed := false
		for i, emb := range embeddings {
			side := nearestCenter(emb, centers)
			if side != assign[i] {
				assign[i] = side
				changed = true
			}
		}

		var groups [2][][]float32
		for i, side := range assign {
			groups[side] = append(groups[side], embeddings[i])
		}
		if len(groups[0]) == 0 || len(groups[1]) == 0 {
			return Partition{}, false
		}
		if !changed {
			break
		}
		centers[0] = vector.Mean(groups[0])
		centers[1] = vector.Mean(groups[1])
	}

	var part Partition
	for i, side := range assign {
		if side == 0 {
			part.Left = append(part.Left, ids[i])
		} else {
			part.Right = append(part.Right, ids[i])
		}
	}
	sort.Strings(part.Left)
	sort.Strings(part.Right)
	return part, len(part.Left) > 0 && len(part.Right) > 0
}

// farthestPair picks the point farthest from the mean, then the point
// farthest from that one. Ties go to the lower index.
func farthestPair(embeddings [][]float32) (int, int, bool) {
	mean := vector.Mean(embeddings)
	if mean == nil {
		return 0, 0, false
	}
	first := farthestFrom(embeddings, mean)
	if first < 0 {
		return 0, 0, false
	}
	second := farthestFrom(embeddings, embeddings[first])
	if second < 0 || second == first {
		return 0, 0, false
	}
	if dist, err := vector.SquaredEuclidean(embeddings[first], embeddings[second]); err != nil || dist == 0 {
		return 0, 0, false
	}
	return first, second, true
}

func farthestFrom(embeddings [][]float32, origin []float32) int {
	best := -1
	bestDist := -1.0
	for i, emb := range embeddings {
		dist, err := vector.SquaredEuclidean(emb, origin)
		if err != nil {
			continue
		}
		if dist > bestDist {
			best = i
			bestDist = dist
		}
	}
	return best
}

func nearestCenter(emb []float32, centers [2][]float32) int {
	best := 0
	bestDist := math.Inf(1)
	for side, center := range centers {
		dist, err := vector.SquaredEuclidean(emb, center)
		if err != nil {
			continue
		}
		if dist < bestDist {
			best = side
			bestDist = dist
		}
	}
	return best
}
