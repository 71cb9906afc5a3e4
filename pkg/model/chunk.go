package model

// Chunk is a bounded segment of a transcript. Start is the rune offset of Text within
// the transcript it was cut from.
type Chunk struct {
	Text       string    `json:"text"`
	OrderIndex int       `json:"order_index"`
	Start      int       `json:"start"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// SearchResult is a chunk matched by similarity search.
type SearchResult struct {
	Chunk Chunk
	Score float64
}
