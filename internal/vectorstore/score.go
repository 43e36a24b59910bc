package vectorstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
)

// Score computes the similarity of a and b under d. Higher is more similar.
// Euclidean distance is mapped to 1/(1+d) so thresholds read the same way
// for all metrics.
func Score(d Distance, a, b []float32) float32 {
	switch d {
	case Dot:
		return dot(a, b)
	case Euclid:
		return 1 / (1 + euclidean(a, b))
	default:
		return cosine(a, b)
	}
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var d, magA, magB float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return float32(d / (math.Sqrt(magA) * math.Sqrt(magB)))
}

func dot(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var d float64
	for i := range a {
		d += float64(a[i]) * float64(b[i])
	}
	return float32(d)
}

func euclidean(a, b []float32) float32 {
	if len(a) != len(b) {
		return float32(math.Inf(1))
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return float32(math.Sqrt(sum))
}

// rank orders hits best first, breaking ties by id, and truncates to limit.
func rank(hits []ScoredPoint, limit int) []ScoredPoint {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

// encodeVector packs a vector as little-endian float32s.
func encodeVector(v []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(len(v) * 4)
	if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
		return nil, fmt.Errorf("encode vector: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("decode vector: blob length %d is not a multiple of 4", len(blob))
	}
	v := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &v); err != nil {
		return nil, fmt.Errorf("decode vector: %w", err)
	}
	return v, nil
}
