package index_test

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/ytchat/pkg/index"
	"github.com/m-mizutani/ytchat/pkg/model"
)

func chunk(order int, text string, vec ...float32) model.Chunk {
	return model.Chunk{Text: text, OrderIndex: order, Start: order * 10, Embedding: vec}
}

func TestBuildValidation(t *testing.T) {
	t.Run("dimension mismatch", func(t *testing.T) {
		_, err := index.Build([]model.Chunk{
			chunk(0, "a", 1, 0),
			chunk(1, "b", 1, 0, 0),
		})
		gt.True(t, errors.Is(err, model.ErrInternal))
	})

	t.Run("duplicated order index", func(t *testing.T) {
		_, err := index.Build([]model.Chunk{
			chunk(0, "a", 1, 0),
			chunk(0, "b", 0, 1),
		})
		gt.True(t, errors.Is(err, model.ErrInternal))
	})

	t.Run("missing embedding", func(t *testing.T) {
		_, err := index.Build([]model.Chunk{chunk(0, "a")})
		gt.True(t, errors.Is(err, model.ErrInternal))
	})

	t.Run("keeps transcript order", func(t *testing.T) {
		x, err := index.Build([]model.Chunk{
			chunk(2, "c", 1, 0),
			chunk(0, "a", 1, 0),
			chunk(1, "b", 1, 0),
		})
		gt.NoError(t, err)
		chunks := x.Chunks()
		gt.Equal(t, chunks[0].Text, "a")
		gt.Equal(t, chunks[1].Text, "b")
		gt.Equal(t, chunks[2].Text, "c")
		gt.Equal(t, x.Dimension(), 2)
	})
}

func TestSearchEmptyIndex(t *testing.T) {
	x, err := index.Build(nil)
	gt.NoError(t, err)
	gt.Equal(t, x.Len(), 0)

	_, err = x.Search([]float32{1, 0}, 4)
	gt.True(t, errors.Is(err, model.ErrEmptyIndex))
}

func TestSearchRanking(t *testing.T) {
	x, err := index.Build([]model.Chunk{
		chunk(0, "east", 1, 0),
		chunk(1, "north", 0, 1),
		chunk(2, "north-east", 1, 1),
		chunk(3, "west", -1, 0),
	})
	gt.NoError(t, err)

	results, err := x.Search([]float32{1, 0.1}, 2)
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
	gt.Equal(t, results[0].Chunk.Text, "east")
	gt.Equal(t, results[1].Chunk.Text, "north-east")
	gt.True(t, results[0].Score > results[1].Score)
}

func TestSearchKLargerThanIndex(t *testing.T) {
	x, err := index.Build([]model.Chunk{
		chunk(0, "a", 1, 0),
		chunk(1, "b", 0, 1),
	})
	gt.NoError(t, err)

	results, err := x.Search([]float32{1, 0}, 10)
	gt.NoError(t, err)
	gt.A(t, results).Length(2)
}

func TestSearchTieBreakByOrder(t *testing.T) {
	x, err := index.Build([]model.Chunk{
		chunk(3, "d", 1, 0),
		chunk(1, "b", 1, 0),
		chunk(2, "c", 2, 0),
		chunk(0, "a", 0, 1),
	})
	gt.NoError(t, err)

	results, err := x.Search([]float32{1, 0}, 4)
	gt.NoError(t, err)
	gt.Equal(t, results[0].Chunk.OrderIndex, 1)
	gt.Equal(t, results[1].Chunk.OrderIndex, 2)
	gt.Equal(t, results[2].Chunk.OrderIndex, 3)
	gt.Equal(t, results[3].Chunk.OrderIndex, 0)
}

func TestSearchOrderingProperty(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		n := rnd.Intn(30) + 1
		chunks := make([]model.Chunk, n)
		for i := range chunks {
			// coarse values force plenty of ties
			chunks[i] = chunk(i, "x", float32(rnd.Intn(3)-1), float32(rnd.Intn(3)-1), 1)
		}
		x, err := index.Build(chunks)
		gt.NoError(t, err)

		k := rnd.Intn(n+3) + 1
		results, err := x.Search([]float32{1, 0, 0}, k)
		gt.NoError(t, err)
		gt.A(t, results).Length(min(k, n))

		for i := 1; i < len(results); i++ {
			prev, cur := results[i-1], results[i]
			if prev.Score < cur.Score {
				t.Fatalf("scores not descending at %d: %f < %f", i, prev.Score, cur.Score)
			}
			if prev.Score == cur.Score && prev.Chunk.OrderIndex > cur.Chunk.OrderIndex {
				t.Fatalf("tie not broken by order at %d", i)
			}
		}
	}
}

func TestSearchInvalidInput(t *testing.T) {
	x, err := index.Build([]model.Chunk{chunk(0, "a", 1, 0)})
	gt.NoError(t, err)

	_, err = x.Search([]float32{1, 0}, 0)
	gt.True(t, errors.Is(err, model.ErrValidation))

	_, err = x.Search([]float32{1, 0, 0}, 1)
	gt.True(t, errors.Is(err, model.ErrInternal))
}

func TestEncodeDecode(t *testing.T) {
	x, err := index.Build([]model.Chunk{
		chunk(0, "alpha", 0.5, 0.5),
		chunk(1, "beta", 0.1, 0.9),
	})
	gt.NoError(t, err)

	var buf bytes.Buffer
	gt.NoError(t, x.Encode(&buf))

	decoded, err := index.Decode(&buf)
	gt.NoError(t, err)
	gt.Equal(t, decoded.Len(), 2)
	gt.Equal(t, decoded.Chunks(), x.Chunks())

	want, err := x.Search([]float32{0, 1}, 2)
	gt.NoError(t, err)
	got, err := decoded.Search([]float32{0, 1}, 2)
	gt.NoError(t, err)
	gt.Equal(t, got, want)
}

func TestDecodeRejectsUnknownVersion(t *testing.T) {
	_, err := index.Decode(bytes.NewBufferString(`{"version":99,"dimension":2,"chunks":[]}`))
	gt.Error(t, err)
}
