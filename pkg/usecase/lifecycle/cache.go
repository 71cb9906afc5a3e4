package lifecycle

import (
	"sync"

	"github.com/m-mizutani/ytchat/pkg/index"
	"github.com/m-mizutani/ytchat/pkg/model"
)

type cacheKey struct {
	videoID        model.VideoID
	embeddingModel string
}

type cacheEntry struct {
	index      *index.Index
	transcript *model.Transcript
}

// indexCache keeps built indices by video so repeated ingests can share them. Indices
// are immutable, so one instance may back several sessions. The oldest entry is dropped
// when the cache is full.
type indexCache struct {
	mu      sync.Mutex
	size    int
	entries map[cacheKey]cacheEntry
	order   []cacheKey
}

func newIndexCache(size int) *indexCache {
	return &indexCache{
		size:    size,
		entries: make(map[cacheKey]cacheEntry, size),
	}
}

func (c *indexCache) get(videoID model.VideoID, embeddingModel string) (*index.Index, *model.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey{videoID, embeddingModel}]
	if !ok {
		return nil, nil
	}
	return e.index, e.transcript
}

func (c *indexCache) put(videoID model.VideoID, embeddingModel string, idx *index.Index, transcript *model.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey{videoID, embeddingModel}
	if _, ok := c.entries[key]; !ok {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{index: idx, transcript: transcript}

	for len(c.order) > c.size {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
}

func (c *indexCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
