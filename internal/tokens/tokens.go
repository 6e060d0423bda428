// Package tokens approximates token counts when a backend does not report
// exact usage. Counts produced here are estimates, never authoritative.
package tokens

import (
	"fmt"
	"math"
	"sync"
	"unicode/utf8"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator approximates the token count of a piece of text.
type Estimator interface {
	Count(text string) int
}

// CharsPerToken is the divisor used by CharEstimator.
const CharsPerToken = 4

// Placeholder split used when only a total is known: prompt:completion = 0.7:1.
const (
	promptShare = 0.7
	splitBase   = 1.7
)

// CharEstimator derives a count from the rune length of the text.
type CharEstimator struct{}

// Count returns ceil(runes / CharsPerToken).
func (CharEstimator) Count(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + CharsPerToken - 1) / CharsPerToken
}

// TiktokenEstimator counts with a BPE codec. Falls back to CharEstimator when
// encoding fails.
type TiktokenEstimator struct {
	mu    sync.Mutex
	codec tokenizer.Codec
}

// NewTiktoken loads the cl100k_base codec.
func NewTiktoken() (*TiktokenEstimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer encoding: %w", err)
	}
	return &TiktokenEstimator{codec: codec}, nil
}

// Count encodes the text and returns the number of ids.
func (e *TiktokenEstimator) Count(text string) int {
	if text == "" {
		return 0
	}
	e.mu.Lock()
	ids, _, err := e.codec.Encode(text)
	e.mu.Unlock()
	if err != nil {
		return CharEstimator{}.Count(text)
	}
	return len(ids)
}

// New returns the estimator named by kind ("chars" or "tiktoken").
func New(kind string) (Estimator, error) {
	switch kind {
	case "", "chars":
		return CharEstimator{}, nil
	case "tiktoken":
		return NewTiktoken()
	default:
		return nil, fmt.Errorf("unknown token estimator %q", kind)
	}
}

// Split divides a known total into prompt and completion shares using the
// fixed 0.7:1 heuristic. The result always sums to total.
func Split(total int) (prompt, completion int) {
	if total <= 0 {
		return 0, 0
	}
	prompt = int(math.Round(float64(total) * promptShare / splitBase))
	return prompt, total - prompt
}
