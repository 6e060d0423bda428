// Package embeddings produces deterministic placeholder vectors. They carry
// no semantic meaning and exist so OpenAI embedding clients keep working.
package embeddings

import (
	"math/rand/v2"
	"strings"

	"github.com/cespare/xxhash/v2"
)

const (
	SmallDimensions = 1536
	LargeDimensions = 3072
)

// Dimensions returns the vector width for a model id.
func Dimensions(model string) int {
	if strings.Contains(strings.ToLower(model), "large") {
		return LargeDimensions
	}
	return SmallDimensions
}

// Embed returns a vector in [-1, 1] seeded by model and text. Equal inputs
// always yield equal vectors.
func Embed(text, model string) []float32 {
	seed := xxhash.Sum64String(model + "\x00" + text)
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	vec := make([]float32, Dimensions(model))
	for i := range vec {
		vec[i] = float32(r.Float64()*2 - 1)
	}
	return vec
}
