package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// tokenCounter counts with cl100k_base when the encoding is available and
// falls back to a chars/4 estimate otherwise (offline environments cannot
// always load the encoding data).
type tokenCounter struct {
	enc *tiktoken.Tiktoken
}

func newTokenCounter() *tokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &tokenCounter{}
	}
	return &tokenCounter{enc: enc}
}

func (t *tokenCounter) count(text string) int {
	if t.enc == nil {
		return len(text) / 4
	}
	return len(t.enc.Encode(text, nil, nil))
}
