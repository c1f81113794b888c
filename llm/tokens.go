package llm

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

const fallbackEncoding = "cl100k_base"

// Tokenizer counts tokens in text.
type Tokenizer interface {
	Count(model, text string) int
}

// TokenCounter counts tokens with tiktoken, caching one encoding per
// model. Models tiktoken does not know use cl100k_base; if no encoding can
// be loaded at all the count is estimated at four characters per token.
type TokenCounter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

var _ Tokenizer = (*TokenCounter)(nil)

func NewTokenCounter() *TokenCounter {
	return &TokenCounter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

func (c *TokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoding(model)
	if enc == nil {
		return max(1, utf8.RuneCountInString(text)/4)
	}
	return len(enc.Encode(text, nil, nil))
}

func (c *TokenCounter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(fallbackEncoding)
	}
	if err != nil {
		enc = nil
	}
	c.encodings[model] = enc
	return enc
}
