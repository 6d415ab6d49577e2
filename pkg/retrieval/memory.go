package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryRetriever scores documents by keyword overlap with the query. It
// backs tests and local runs where no vector store is configured.
type MemoryRetriever struct {
	mu   sync.RWMutex
	docs []Document
}

var _ Retriever = (*MemoryRetriever)(nil)

// NewMemoryRetriever creates an empty in-memory index.
func NewMemoryRetriever() *MemoryRetriever {
	return &MemoryRetriever{}
}

// Add indexes a document.
func (r *MemoryRetriever) Add(docs ...Document) {
	r.mu.Lock()
	r.docs = append(r.docs, docs...)
	r.mu.Unlock()
}

func (r *MemoryRetriever) Search(ctx context.Context, query string, topK int, opts SearchOptions) ([]Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	topK = clampTopK(topK)
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	scored := make([]Document, 0, len(r.docs))
	for _, doc := range r.docs {
		if !visibleTo(doc.UserID, opts.UserID) {
			continue
		}
		words := tokenize(doc.Title + " " + doc.Content)
		hits := 0
		for term := range terms {
			if _, ok := words[term]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		doc.Score = float32(hits) / float32(len(terms))
		scored = append(scored, doc)
	}
	r.mu.RUnlock()

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].ID < scored[j].ID
	})
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}
