// Package vector holds the dense-embedding arithmetic shared by clustering,
// retrieval and the embedded search backend.
package vector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	ErrDimensionMismatch = errors.New("vector: dimension mismatch")
	ErrZeroMagnitude     = errors.New("vector: zero-magnitude vector")
	ErrEmpty             = errors.New("vector: empty vector")
)

// Cosine returns the cosine similarity of a and b.
func Cosine(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, ErrEmpty
	}
	var dot, na, nb float64
	for i := range a {
		va := float64(a[i])
		vb := float64(b[i])
		dot += va * vb
		na += va * va
		nb += vb * vb
	}
	if na == 0 || nb == 0 {
		return 0, ErrZeroMagnitude
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}

// CosineOrZero is Cosine with every error mapped to a similarity of 0.
func CosineOrZero(a, b []float32) float64 {
	sim, err := Cosine(a, b)
	if err != nil {
		return 0
	}
	return sim
}

// SquaredEuclidean returns the squared L2 distance of a and b.
func SquaredEuclidean(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum, nil
}

func Euclidean(a, b []float32) (float64, error) {
	sq, err := SquaredEuclidean(a, b)
	if err != nil {
		return 0, err
	}
	return math.Sqrt(sq), nil
}

// Mean returns the arithmetic mean of vectors. Vectors whose dimension differs
// from the first non-empty vector are ignored. Returns nil when nothing usable
// is supplied.
func Mean(vectors [][]float32) []float32 {
	dims := 0
	for _, v := range vectors {
		if len(v) > 0 {
			dims = len(v)
			break
		}
	}
	if dims == 0 {
		return nil
	}

	sum := make([]float64, dims)
	count := 0
	for _, v := range vectors {
		if len(v) != dims {
			continue
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
		count++
	}

	out := make([]float32, dims)
	for i := range sum {
		out[i] = float32(sum[i] / float64(count))
	}
	return out
}

// Normalize returns a unit-length copy of v, or nil when v has no magnitude.
func Normalize(v []float32) []float32 {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return nil
	}
	norm = math.Sqrt(norm)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// FromFloat64 narrows an embedding decoded from JSON.
func FromFloat64(values []float64) []float32 {
	if len(values) == 0 {
		return nil
	}
	out := make([]float32, len(values))
	for i, v := range values {
		out[i] = float32(v)
	}
	return out
}

// Encode packs v as little-endian IEEE 754 float32 values without a length
// prefix.
func Encode(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	b := make([]byte, len(v)*4)
	for i, x := range v {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(x))
	}
	return b
}

func Decode(b []byte) ([]float32, error) {
	if len(b) == 0 {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector: invalid blob length %d (not multiple of 4)", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out, nil
}

// Validate reports non-finite components and unexpected dimensionality.
// dims <= 0 skips the dimension check.
func Validate(v []float32, dims int) error {
	if dims > 0 && len(v) != dims {
		return fmt.Errorf("%w: expected %d dimensions, got %d", ErrDimensionMismatch, dims, len(v))
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("vector has non-finite value at index %d", i)
		}
	}
	return nil
}
