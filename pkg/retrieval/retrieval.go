// Package retrieval finds knowledge-base passages relevant to a query.
package retrieval

import "context"

// DefaultTopK bounds result sets when the caller does not say otherwise.
const DefaultTopK = 10

// Document is one retrieved passage with its relevance score (higher is
// more relevant). An empty UserID marks a shared document; a non-empty one
// restricts visibility to that owner.
type Document struct {
	ID      string
	UserID  string
	Title   string
	Source  string
	Content string
	Score   float32
}

// SearchOptions scopes a lookup. A search always sees shared documents;
// setting UserID additionally includes that user's own documents. Another
// user's documents are never returned.
type SearchOptions struct {
	UserID string
}

// Retriever searches the knowledge base.
type Retriever interface {
	Search(ctx context.Context, query string, topK int, opts SearchOptions) ([]Document, error)
}

// visibleTo reports whether a document owned by owner may be returned for
// a search scoped to userID.
func visibleTo(owner, userID string) bool {
	return owner == "" || owner == userID
}

func clampTopK(topK int) int {
	if topK <= 0 {
		return DefaultTopK
	}
	return topK
}
