package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"golang.org/x/sync/errgroup"

	"github.com/threadline/threadline/pkg/embedding"
)

// bulkEmbedConcurrency bounds parallel embedding calls during ingest.
const bulkEmbedConcurrency = 4

// PGVectorRetriever searches a Postgres knowledge base by cosine distance
// over pgvector embeddings.
type PGVectorRetriever struct {
	pool     *pgxpool.Pool
	embedder embedding.Embedder
	timeout  time.Duration
}

var _ Retriever = (*PGVectorRetriever)(nil)

// NewPGVectorRetriever connects to dsn and ensures the documents schema.
func NewPGVectorRetriever(ctx context.Context, dsn string, embedder embedding.Embedder, timeout time.Duration) (*PGVectorRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("retrieval: embedder required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("retrieval: failed to connect: %w", err)
	}
	r := &PGVectorRetriever{pool: pool, embedder: embedder, timeout: timeout}
	if err := r.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return r, nil
}

func (r *PGVectorRetriever) initSchema(ctx context.Context) error {
	dims := r.embedder.Dimensions()
	if dims <= 0 {
		return fmt.Errorf("retrieval: embedder must declare dimensions")
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL
		)`, dims),
		`CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents (user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("retrieval: schema init failed: %w", err)
		}
	}
	return nil
}

// Upsert embeds and stores a document.
func (r *PGVectorRetriever) Upsert(ctx context.Context, doc Document) error {
	vec, err := r.embedder.Embed(ctx, doc.Title+"\n"+doc.Content)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO documents (id, user_id, title, source, content, embedding)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE
		 SET user_id = EXCLUDED.user_id, title = EXCLUDED.title,
		     source = EXCLUDED.source, content = EXCLUDED.content,
		     embedding = EXCLUDED.embedding`,
		doc.ID, doc.UserID, doc.Title, doc.Source, doc.Content, pgvector.NewVector(vec),
	)
	return err
}

// BulkUpsert embeds and stores documents, parallelizing the embedding
// calls. The first failure cancels the remaining work.
func (r *PGVectorRetriever) BulkUpsert(ctx context.Context, docs []Document) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(bulkEmbedConcurrency)
	for _, doc := range docs {
		g.Go(func() error {
			return r.Upsert(ctx, doc)
		})
	}
	return g.Wait()
}

func (r *PGVectorRetriever) Search(ctx context.Context, query string, topK int, opts SearchOptions) ([]Document, error) {
	topK = clampTopK(topK)
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: query embedding failed: %w", err)
	}

	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, title, source, content, 1 - (embedding <=> $1) AS score
		 FROM documents
		 WHERE user_id = '' OR user_id = $2
		 ORDER BY embedding <=> $1
		 LIMIT $3`,
		pgvector.NewVector(vec), opts.UserID, topK,
	)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search failed: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.UserID, &d.Title, &d.Source, &d.Content, &d.Score); err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// Close releases the connection pool.
func (r *PGVectorRetriever) Close() {
	r.pool.Close()
}
