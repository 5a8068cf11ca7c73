package clustering

import (
	"horse.fit/storyline/internal/textnorm"
	"horse.fit/storyline/internal/vector"
)

// blendedSimilarity mixes title token overlap into an embedding cosine. A zero
// weight returns cosine unchanged.
func blendedSimilarity(cosine float64, leftTitle, rightTitle string, weight float64) float64 {
	if weight <= 0 {
		return cosine
	}
	if weight > 1 {
		weight = 1
	}
	return (1-weight)*cosine + weight*textnorm.TokenJaccard(leftTitle, rightTitle)
}

// Cohesion is the mean cosine similarity of embeddings to centroid.
// Embeddings that cannot be compared are skipped.
func Cohesion(embeddings [][]float32, centroid []float32) float64 {
	var (
		sum float64
		n   int
	)
	for _, emb := range embeddings {
		sim, err := vector.Cosine(emb, centroid)
		if err != nil {
			continue
		}
		sum += sim
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
