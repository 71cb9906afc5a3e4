package index

import (
	"cmp"
	"encoding/json"
	"io"
	"math"
	"slices"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/model"
)

// Index is an immutable cosine similarity index over the chunks of one transcript.
type Index struct {
	chunks    []model.Chunk
	norms     []float64
	dimension int
}

// Build creates an Index from embedded chunks. All embeddings must have the same
// dimension and every OrderIndex must be unique. Chunks are kept in OrderIndex order.
func Build(chunks []model.Chunk) (*Index, error) {
	x := &Index{
		chunks: make([]model.Chunk, len(chunks)),
		norms:  make([]float64, len(chunks)),
	}
	copy(x.chunks, chunks)

	seen := make(map[int]struct{}, len(chunks))
	for i, ch := range x.chunks {
		if len(ch.Embedding) == 0 {
			return nil, goerr.Wrap(model.ErrInternal, "chunk has no embedding", goerr.V("order_index", ch.OrderIndex))
		}
		if x.dimension == 0 {
			x.dimension = len(ch.Embedding)
		} else if len(ch.Embedding) != x.dimension {
			return nil, goerr.Wrap(model.ErrInternal, "embedding dimension mismatch",
				goerr.V("order_index", ch.OrderIndex),
				goerr.V("expected", x.dimension),
				goerr.V("actual", len(ch.Embedding)),
			)
		}
		if _, ok := seen[ch.OrderIndex]; ok {
			return nil, goerr.Wrap(model.ErrInternal, "duplicated chunk order index", goerr.V("order_index", ch.OrderIndex))
		}
		seen[ch.OrderIndex] = struct{}{}
		x.norms[i] = norm(ch.Embedding)
	}

	if !slices.IsSortedFunc(x.chunks, byOrder) {
		perm := make([]int, len(x.chunks))
		for i := range perm {
			perm[i] = i
		}
		slices.SortFunc(perm, func(a, b int) int { return cmp.Compare(x.chunks[a].OrderIndex, x.chunks[b].OrderIndex) })

		sorted := make([]model.Chunk, len(perm))
		norms := make([]float64, len(perm))
		for i, p := range perm {
			sorted[i] = x.chunks[p]
			norms[i] = x.norms[p]
		}
		x.chunks, x.norms = sorted, norms
	}

	return x, nil
}

func byOrder(a, b model.Chunk) int {
	return cmp.Compare(a.OrderIndex, b.OrderIndex)
}

// Len returns the number of chunks in the index.
func (x *Index) Len() int { return len(x.chunks) }

// Dimension returns the embedding dimension, or 0 for an empty index.
func (x *Index) Dimension() int { return x.dimension }

// Chunks returns the indexed chunks in transcript order.
func (x *Index) Chunks() []model.Chunk {
	return slices.Clone(x.chunks)
}

// Search returns the k chunks most similar to query, by descending cosine similarity.
// Equal scores are ordered by ascending OrderIndex.
func (x *Index) Search(query []float32, k int) ([]model.SearchResult, error) {
	if len(x.chunks) == 0 {
		return nil, goerr.Wrap(model.ErrEmptyIndex, "search on empty index")
	}
	if k <= 0 {
		return nil, goerr.Wrap(model.ErrValidation, "k must be positive", goerr.V("k", k))
	}
	if len(query) != x.dimension {
		return nil, goerr.Wrap(model.ErrInternal, "query dimension mismatch",
			goerr.V("expected", x.dimension),
			goerr.V("actual", len(query)),
		)
	}

	qNorm := norm(query)
	results := make([]model.SearchResult, len(x.chunks))
	for i, ch := range x.chunks {
		results[i] = model.SearchResult{
			Chunk: ch,
			Score: cosine(ch.Embedding, query, x.norms[i], qNorm),
		}
	}

	slices.SortStableFunc(results, func(a, b model.SearchResult) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Chunk.OrderIndex, b.Chunk.OrderIndex)
	})

	return results[:min(k, len(results))], nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine returns 0 when either vector has zero length
func cosine(a, b []float32, normA, normB float64) float64 {
	if normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}

type encoded struct {
	Version   int           `json:"version"`
	Dimension int           `json:"dimension"`
	Chunks    []model.Chunk `json:"chunks"`
}

const encodingVersion = 1

// Encode writes the index as JSON.
func (x *Index) Encode(w io.Writer) error {
	if err := json.NewEncoder(w).Encode(encoded{
		Version:   encodingVersion,
		Dimension: x.dimension,
		Chunks:    x.chunks,
	}); err != nil {
		return goerr.Wrap(err, "failed to encode index")
	}
	return nil
}

// Decode reads an index written by Encode and rebuilds it.
func Decode(r io.Reader) (*Index, error) {
	var data encoded
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, goerr.Wrap(err, "failed to decode index")
	}
	if data.Version != encodingVersion {
		return nil, goerr.New("unsupported index encoding version", goerr.V("version", data.Version))
	}

	x, err := Build(data.Chunks)
	if err != nil {
		return nil, err
	}
	if x.Len() > 0 && x.dimension != data.Dimension {
		return nil, goerr.Wrap(model.ErrInternal, "decoded index dimension mismatch",
			goerr.V("header", data.Dimension),
			goerr.V("chunks", x.dimension),
		)
	}
	return x, nil
}
