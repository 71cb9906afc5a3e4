package chunker

import (
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
)

const (
	DefaultMaxSize = 1000
	DefaultOverlap = 200
)

// DefaultSeparators are tried in order when looking for a chunk boundary.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "? ", "! "}

// Chunker splits transcript text into overlapping chunks of at most maxSize runes.
// Consecutive chunks share exactly overlap runes.
type Chunker struct {
	maxSize    int
	overlap    int
	separators [][]rune
}

type Option func(*Chunker)

// WithSeparators replaces the boundary separators. An empty list makes every cut a hard
// cut at maxSize.
func WithSeparators(seps ...string) Option {
	return func(c *Chunker) {
		c.separators = toRunes(seps)
	}
}

// New creates a Chunker. overlap must be smaller than maxSize.
func New(maxSize, overlap int, opts ...Option) (*Chunker, error) {
	if maxSize <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "chunk size must be positive", goerr.V("max_size", maxSize))
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, goerr.Wrap(model.ErrValidation, "chunk overlap must be in [0, max_size)",
			goerr.V("max_size", maxSize),
			goerr.V("overlap", overlap),
		)
	}

	c := &Chunker{
		maxSize:    maxSize,
		overlap:    overlap,
		separators: toRunes(DefaultSeparators),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func toRunes(seps []string) [][]rune {
	out := make([][]rune, 0, len(seps))
	for _, s := range seps {
		if s != "" {
			out = append(out, []rune(s))
		}
	}
	return out
}

// Chunk splits text. Empty text yields no chunks.
func (c *Chunker) Chunk(text string) []model.Chunk {
	r := []rune(text)
	n := len(r)

	var chunks []model.Chunk
	for start := 0; start < n; {
		end := n
		if n-start > c.maxSize {
			end = c.boundary(r, start)
		}

		chunks = append(chunks, model.Chunk{
			Text:       string(r[start:end]),
			OrderIndex: len(chunks),
			Start:      start,
		})
		if end == n {
			break
		}
		// end > start+overlap always holds, so start strictly advances
		start = end - c.overlap
	}
	return chunks
}

// boundary returns the end of the chunk beginning at start. The chunk ends right after
// the last occurrence of the highest priority separator in the window, or at the hard
// limit when no separator leaves the chunk longer than the overlap.
func (c *Chunker) boundary(r []rune, start int) int {
	limit := start + c.maxSize
	for _, sep := range c.separators {
		for end := limit; end > start+c.overlap; end-- {
			if end-len(sep) < start {
				break
			}
			if hasSuffix(r[:end], sep) {
				return end
			}
		}
	}
	return limit
}

func hasSuffix(r, suffix []rune) bool {
	if len(suffix) > len(r) {
		return false
	}
	off := len(r) - len(suffix)
	for i := range suffix {
		if r[off+i] != suffix[i] {
			return false
		}
	}
	return true
}

// Reconstruct joins chunks produced by Chunk back into the original text, dropping the
// regions shared by neighbouring chunks.
func Reconstruct(chunks []model.Chunk) string {
	var b strings.Builder
	pos := 0
	for _, ch := range chunks {
		r := []rune(ch.Text)
		skip := pos - ch.Start
		if skip < 0 {
			skip = 0
		}
		if skip < len(r) {
			b.WriteString(string(r[skip:]))
		}
		if end := ch.Start + len(r); end > pos {
			pos = end
		}
	}
	return b.String()
}
