package embedding

import (
	"context"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/ytchat/pkg/adapter"
	"github.com/m-mizutani/ytchat/pkg/model"
)

// DefaultBatchSize is the maximum number of texts the Gemini batch endpoint accepts.
const DefaultBatchSize = 100

// Embedder turns chunks and questions into vectors of one fixed dimension. The dimension
// is learned from the first response and enforced afterwards.
type Embedder struct {
	gemini    adapter.Gemini
	batchSize int

	mu        sync.Mutex
	dimension int
}

type Option func(*Embedder)

func WithBatchSize(n int) Option {
	return func(e *Embedder) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

func New(gemini adapter.Gemini, opts ...Option) *Embedder {
	e := &Embedder{
		gemini:    gemini,
		batchSize: DefaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Model returns the name of the embedding model in use.
func (e *Embedder) Model() string {
	return e.gemini.EmbeddingModel()
}

// Dimension returns the learned dimension, or 0 before the first response.
func (e *Embedder) Dimension() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dimension
}

// Embed embeds a question.
func (e *Embedder) Embed(ctx context.Context, text, apiKey string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, apiKey, adapter.TaskRetrievalQuery)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedMany embeds transcript chunks. The result has the same order as texts.
func (e *Embedder) EmbedMany(ctx context.Context, texts []string, apiKey string) ([][]float32, error) {
	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		batch, err := e.embed(ctx, texts[start:end], apiKey, adapter.TaskRetrievalDocument)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to embed batch", goerr.V("offset", start), goerr.V("size", end-start))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (e *Embedder) embed(ctx context.Context, texts []string, apiKey, taskType string) ([][]float32, error) {
	vectors, err := e.gemini.EmbedContents(ctx, apiKey, texts, taskType)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, goerr.Wrap(model.ErrInternal, "embedding count does not match input",
			goerr.V("expected", len(texts)),
			goerr.V("actual", len(vectors)),
		)
	}

	for i, v := range vectors {
		if err := e.checkDimension(len(v)); err != nil {
			return nil, goerr.Wrap(err, "unexpected embedding", goerr.V("position", i))
		}
	}
	return vectors, nil
}

func (e *Embedder) checkDimension(n int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n == 0 {
		return goerr.Wrap(model.ErrInternal, "embedding is empty")
	}
	if e.dimension == 0 {
		e.dimension = n
		return nil
	}
	if n != e.dimension {
		return goerr.Wrap(model.ErrInternal, "embedding dimension changed",
			goerr.V("expected", e.dimension),
			goerr.V("actual", n),
		)
	}
	return nil
}
