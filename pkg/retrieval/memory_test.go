package retrieval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryRetriever_Search(t *testing.T) {
	r := NewMemoryRetriever()
	r.Add(
		Document{ID: "d1", Title: "Billing FAQ", Content: "How to update your payment method and billing address"},
		Document{ID: "d2", Title: "Onboarding", Content: "Getting started with workspace setup"},
		Document{ID: "d3", Title: "Refunds", Content: "Billing disputes and refund timelines"},
	)

	docs, err := r.Search(context.Background(), "billing refund", 2, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	require.Equal(t, "d3", docs[0].ID) // matches both terms
	for _, d := range docs {
		require.Positive(t, d.Score)
	}
}

func TestMemoryRetriever_NoMatches(t *testing.T) {
	r := NewMemoryRetriever()
	r.Add(Document{ID: "d1", Title: "Billing", Content: "payment methods"})

	docs, err := r.Search(context.Background(), "zebra migration", 5, SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, docs)

	docs, err = r.Search(context.Background(), "", 5, SearchOptions{})
	require.NoError(t, err)
	require.Empty(t, docs)
}

func TestMemoryRetriever_UserScoping(t *testing.T) {
	r := NewMemoryRetriever()
	r.Add(
		Document{ID: "shared", Title: "Billing FAQ", Content: "billing basics"},
		Document{ID: "u1-doc", UserID: "u1", Title: "Billing notes", Content: "billing contract details"},
		Document{ID: "u2-doc", UserID: "u2", Title: "Billing notes", Content: "billing contract details"},
	)

	// u1 sees shared documents plus its own, never u2's.
	docs, err := r.Search(context.Background(), "billing", 10, SearchOptions{UserID: "u1"})
	require.NoError(t, err)
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	require.ElementsMatch(t, []string{"shared", "u1-doc"}, ids)

	// An unscoped search sees shared documents only.
	docs, err = r.Search(context.Background(), "billing", 10, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Equal(t, "shared", docs[0].ID)
}

func TestMemoryRetriever_TopKClamp(t *testing.T) {
	r := NewMemoryRetriever()
	for i := 0; i < 15; i++ {
		r.Add(Document{ID: string(rune('a' + i)), Title: "billing", Content: "billing"})
	}
	docs, err := r.Search(context.Background(), "billing", 0, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, docs, DefaultTopK)
}
