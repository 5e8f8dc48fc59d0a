package service

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	errorsx "github.com/docstream/ingest-backend/pkg/errors"
)

// chunkEncoding is the BPE encoding used for token counting. It matches the
// embedding model family.
const chunkEncoding = "cl100k_base"

// Tokenizer converts between text and token IDs. The production
// implementation wraps tiktoken; tests can substitute a simpler one.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// NewTiktokenTokenizer returns a Tokenizer backed by the tiktoken BPE tables.
func NewTiktokenTokenizer() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(chunkEncoding)
	if err != nil {
		return nil, fmt.Errorf("loading %s encoding: %w", chunkEncoding, err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

// TextChunk is one bounded segment of a document's text.
type TextChunk struct {
	Text       string
	TokenCount int
}

// TokenChunker splits text into fixed-size token windows with overlap. The
// split is a pure function of the input text and the two parameters, so
// re-running it after a crash reproduces identical chunk boundaries.
type TokenChunker struct {
	tokenizer Tokenizer
	chunkSize int
	overlap   int
}

// NewTokenChunker validates the chunking parameters and returns a chunker.
func NewTokenChunker(tokenizer Tokenizer, chunkSize, overlap int) (*TokenChunker, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive: %w", errorsx.ErrInvalidArgument)
	}
	if overlap < 0 || overlap >= chunkSize {
		return nil, fmt.Errorf("overlap must be in [0, chunk size): %w", errorsx.ErrInvalidArgument)
	}
	return &TokenChunker{
		tokenizer: tokenizer,
		chunkSize: chunkSize,
		overlap:   overlap,
	}, nil
}

// Chunk splits text into segments of at most chunkSize tokens, each starting
// chunkSize-overlap tokens after the previous one. Empty input yields no
// chunks.
func (c *TokenChunker) Chunk(text string) []TextChunk {
	if text == "" {
		return nil
	}

	tokens := c.tokenizer.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	step := c.chunkSize - c.overlap
	var chunks []TextChunk
	for start := 0; start < len(tokens); start += step {
		end := min(start+c.chunkSize, len(tokens))
		window := tokens[start:end]
		chunks = append(chunks, TextChunk{
			Text:       c.tokenizer.Decode(window),
			TokenCount: len(window),
		})
		if end == len(tokens) {
			break
		}
	}
	return chunks
}
