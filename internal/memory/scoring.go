package memory

import (
	"math"
	"strings"
	"time"
)

// decay computes the recency factor exp(-λ·Δt) used across tiers, Δt in
// hours so default λ values stay human-scale (e.g. λ=0.01 ~ half-life of a
// few days).
func decay(lambda float64, since time.Time, now time.Time) float64 {
	if since.IsZero() {
		return 0
	}
	dt := now.Sub(since).Hours()
	if dt < 0 {
		dt = 0
	}
	return math.Exp(-lambda * dt)
}

// cosineSimilarity returns the cosine similarity of two embeddings in
// [-1,1], or 0 if either is empty or their dimensions disagree.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// textMatchScore is a coarse lexical overlap score in [0,1]: the fraction of
// query words that appear as a substring of haystack. Good enough for
// ranking without pulling in a full-text search engine for this tier.
func textMatchScore(query, haystack string) float64 {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return 0
	}
	haystack = strings.ToLower(haystack)
	words := strings.Fields(query)
	if len(words) == 0 {
		return 0
	}
	hits := 0
	for _, w := range words {
		if strings.Contains(haystack, w) {
			hits++
		}
	}
	return float64(hits) / float64(len(words))
}

// normalize01 clamps a score into [0,1].
func normalize01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
