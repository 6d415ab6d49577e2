package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/threadline/threadline/internal/chat/models"
)

// MemoryRepository is a mutex-guarded map store. It implements the full
// contract (ETags, soft delete, pagination) and backs tests and local runs.
type MemoryRepository struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	messages map[string]map[string]*models.Message // threadID -> id -> message
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory store.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		threads:  make(map[string]*models.Thread),
		messages: make(map[string]map[string]*models.Message),
	}
}

// nowAfter returns the current UTC time, nudged forward if the clock has not
// advanced past prev. Keeps lastModifiedAt strictly monotonic per entity.
func nowAfter(prev time.Time) time.Time {
	now := time.Now().UTC()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	return now
}

func checkMatch(etag, ifMatch string) error {
	if ifMatch != "" && ifMatch != etag {
		return fmt.Errorf("%w: expected %q", ErrConflict, ifMatch)
	}
	return nil
}

// --- Threads ---

func (r *MemoryRepository) CreateThread(ctx context.Context, thread *models.Thread) (SessionToken, error) {
	if thread == nil || thread.ID == "" || thread.UserID == "" {
		return "", fmt.Errorf("%w: thread requires id and user_id", ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.threads[thread.ID]; ok {
		return "", fmt.Errorf("%w: thread %s already exists", ErrConflict, thread.ID)
	}
	now := time.Now().UTC()
	if thread.CreatedAt.IsZero() {
		thread.CreatedAt = now
	}
	thread.LastModifiedAt = thread.CreatedAt
	thread.ETag = models.NewETag()
	thread.Version = 1
	r.threads[thread.ID] = thread.Clone()
	return "", nil
}

func (r *MemoryRepository) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.threads[id]
	if !ok {
		return nil, nil
	}
	return t.Clone(), nil
}

func (r *MemoryRepository) UpdateThread(ctx context.Context, id string, patch ThreadPatch, opts WriteOptions) (*models.Thread, SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[id]
	if !ok {
		return nil, "", fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	if err := checkMatch(t.ETag, opts.IfMatch); err != nil {
		if !opts.RetryOnConflict {
			return nil, "", err
		}
		// Single retry: reload state and apply the patch unconditionally.
	}
	applyThreadPatch(t, patch)
	r.bumpThreadLocked(t)
	return t.Clone(), "", nil
}

func applyThreadPatch(t *models.Thread, patch ThreadPatch) {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.IsBookmarked != nil {
		t.IsBookmarked = *patch.IsBookmarked
	}
	if patch.Metadata != nil {
		if t.Metadata == nil {
			t.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			t.Metadata[k] = v
		}
	}
	if patch.TraceID != nil {
		t.TraceID = *patch.TraceID
	}
}

func (r *MemoryRepository) bumpThreadLocked(t *models.Thread) {
	t.LastModifiedAt = nowAfter(t.LastModifiedAt)
	t.ETag = models.NewETag()
	t.Version++
}

func (r *MemoryRepository) SoftDeleteThread(ctx context.Context, id string, opts WriteOptions) (SessionToken, error) {
	return r.setThreadDeleted(id, opts, true)
}

func (r *MemoryRepository) RestoreThread(ctx context.Context, id string, opts WriteOptions) (SessionToken, error) {
	return r.setThreadDeleted(id, opts, false)
}

func (r *MemoryRepository) setThreadDeleted(id string, opts WriteOptions, deleted bool) (SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[id]
	if !ok {
		return "", fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	if err := checkMatch(t.ETag, opts.IfMatch); err != nil {
		if !opts.RetryOnConflict {
			return "", err
		}
	}
	if t.IsDeleted == deleted {
		return "", nil // idempotent
	}
	t.IsDeleted = deleted
	r.bumpThreadLocked(t)
	return "", nil
}

func (r *MemoryRepository) HardDeleteThread(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.threads[id]; !ok {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	delete(r.threads, id)
	delete(r.messages, id)
	return nil
}

func (r *MemoryRepository) ListThreads(ctx context.Context, userID string, opts ListThreadsOptions) (*ThreadPage, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id required", ErrInvalid)
	}
	cur, err := DecodeCursor(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	limit := ClampThreadLimit(opts.Limit)

	r.mu.RLock()
	candidates := make([]*models.Thread, 0, len(r.threads))
	for _, t := range r.threads {
		if t.UserID != userID {
			continue
		}
		if t.IsDeleted && !opts.IncludeDeleted {
			continue
		}
		candidates = append(candidates, t.Clone())
	}
	r.mu.RUnlock()

	// Most recently modified first; id descending breaks ties.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.LastModifiedAt.Equal(b.LastModifiedAt) {
			return a.LastModifiedAt.After(b.LastModifiedAt)
		}
		return a.ID > b.ID
	})
	if cur != nil {
		cutoff := time.Unix(0, cur.SortKey).UTC()
		idx := sort.Search(len(candidates), func(i int) bool {
			t := candidates[i]
			if !t.LastModifiedAt.Equal(cutoff) {
				return t.LastModifiedAt.Before(cutoff)
			}
			return t.ID < cur.ID
		})
		candidates = candidates[idx:]
	}

	page := &ThreadPage{}
	if len(candidates) > limit {
		page.HasMore = true
		candidates = candidates[:limit]
		last := candidates[len(candidates)-1]
		page.ContinuationToken = EncodeCursor(last.LastModifiedAt, last.ID)
	}
	page.Items = candidates
	return page, nil
}

func (r *MemoryRepository) TouchThread(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[id]
	if !ok {
		return fmt.Errorf("%w: thread %s", ErrNotFound, id)
	}
	r.bumpThreadLocked(t)
	return nil
}

// --- Messages ---

func (r *MemoryRepository) UpsertMessage(ctx context.Context, msg *models.Message, opts WriteOptions) (SessionToken, error) {
	if msg == nil || msg.ID == "" || msg.ThreadID == "" {
		return "", fmt.Errorf("%w: message requires id and thread_id", ErrInvalid)
	}
	if !msg.Role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalid, msg.Role)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.threads[msg.ThreadID]
	if !ok {
		return "", fmt.Errorf("%w: thread %s", ErrNotFound, msg.ThreadID)
	}
	if msg.UserID == "" {
		msg.UserID = t.UserID
	} else if msg.UserID != t.UserID {
		return "", fmt.Errorf("%w: message user does not own thread", ErrInvalid)
	}

	byID := r.messages[msg.ThreadID]
	if byID == nil {
		byID = make(map[string]*models.Message)
		r.messages[msg.ThreadID] = byID
	}
	if prev, exists := byID[msg.ID]; exists {
		if err := checkMatch(prev.ETag, opts.IfMatch); err != nil {
			if !opts.RetryOnConflict {
				return "", err
			}
		}
		msg.CreatedAt = prev.CreatedAt
		msg.Version = prev.Version + 1
		msg.LastModifiedAt = nowAfter(prev.LastModifiedAt)
	} else {
		if opts.IfMatch != "" {
			return "", fmt.Errorf("%w: message %s", ErrNotFound, msg.ID)
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = time.Now().UTC()
		}
		msg.Version = 1
		msg.LastModifiedAt = msg.CreatedAt
	}
	msg.ETag = models.NewETag()
	byID[msg.ID] = msg.Clone()
	r.bumpThreadLocked(t)
	return "", nil
}

func (r *MemoryRepository) GetMessage(ctx context.Context, threadID, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[threadID][id]
	if !ok {
		return nil, nil
	}
	return m.Clone(), nil
}

func (r *MemoryRepository) ListMessages(ctx context.Context, threadID string, opts ListMessagesOptions) (*MessagePage, error) {
	if threadID == "" {
		return nil, fmt.Errorf("%w: thread_id required", ErrInvalid)
	}
	cur, err := DecodeCursor(opts.ContinuationToken)
	if err != nil {
		return nil, err
	}
	limit := ClampMessageLimit(opts.Limit)

	r.mu.RLock()
	candidates := make([]*models.Message, 0, len(r.messages[threadID]))
	for _, m := range r.messages[threadID] {
		if m.IsDeleted && !opts.IncludeDeleted {
			continue
		}
		candidates = append(candidates, m.Clone())
	}
	r.mu.RUnlock()

	// Conversation order: oldest first, id ascending on ties.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if cur != nil {
		cutoff := time.Unix(0, cur.SortKey).UTC()
		idx := sort.Search(len(candidates), func(i int) bool {
			m := candidates[i]
			if !m.CreatedAt.Equal(cutoff) {
				return m.CreatedAt.After(cutoff)
			}
			return m.ID > cur.ID
		})
		candidates = candidates[idx:]
	}

	page := &MessagePage{}
	if len(candidates) > limit {
		page.HasMore = true
		candidates = candidates[:limit]
		last := candidates[len(candidates)-1]
		page.ContinuationToken = EncodeCursor(last.CreatedAt, last.ID)
	}
	page.Items = candidates
	return page, nil
}

func (r *MemoryRepository) UpdateMessage(ctx context.Context, threadID, id string, patch MessagePatch, opts WriteOptions) (*models.Message, SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[threadID][id]
	if !ok {
		return nil, "", fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err := checkMatch(m.ETag, opts.IfMatch); err != nil {
		if !opts.RetryOnConflict {
			return nil, "", err
		}
	}
	if patch.Content != nil {
		m.Content = *patch.Content
	}
	if patch.Metadata != nil {
		if m.Metadata == nil {
			m.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			m.Metadata[k] = v
		}
	}
	m.LastModifiedAt = nowAfter(m.LastModifiedAt)
	m.ETag = models.NewETag()
	m.Version++
	if t, ok := r.threads[threadID]; ok {
		r.bumpThreadLocked(t)
	}
	return m.Clone(), "", nil
}

func (r *MemoryRepository) SoftDeleteMessage(ctx context.Context, threadID, id string, opts WriteOptions) (SessionToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.messages[threadID][id]
	if !ok {
		return "", fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	if err := checkMatch(m.ETag, opts.IfMatch); err != nil {
		if !opts.RetryOnConflict {
			return "", err
		}
	}
	if m.IsDeleted {
		return "", nil
	}
	m.IsDeleted = true
	m.LastModifiedAt = nowAfter(m.LastModifiedAt)
	m.ETag = models.NewETag()
	m.Version++
	if t, ok := r.threads[threadID]; ok {
		r.bumpThreadLocked(t)
	}
	return "", nil
}

func (r *MemoryRepository) HardDeleteMessage(ctx context.Context, threadID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.messages[threadID][id]; !ok {
		return fmt.Errorf("%w: message %s", ErrNotFound, id)
	}
	delete(r.messages[threadID], id)
	if t, ok := r.threads[threadID]; ok {
		r.bumpThreadLocked(t)
	}
	return nil
}

func (r *MemoryRepository) CountMessages(ctx context.Context, threadID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.messages[threadID] {
		if !m.IsDeleted {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) GetLastMessage(ctx context.Context, threadID string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var last *models.Message
	for _, m := range r.messages[threadID] {
		if m.IsDeleted {
			continue
		}
		if last == nil || m.CreatedAt.After(last.CreatedAt) ||
			(m.CreatedAt.Equal(last.CreatedAt) && m.ID > last.ID) {
			last = m
		}
	}
	if last == nil {
		return nil, nil
	}
	return last.Clone(), nil
}

func (r *MemoryRepository) BulkUpsertMessages(ctx context.Context, msgs []*models.Message) (SessionToken, error) {
	for _, m := range msgs {
		if _, err := r.UpsertMessage(ctx, m, WriteOptions{}); err != nil {
			return "", err
		}
	}
	return "", nil
}

func (r *MemoryRepository) BulkDeleteMessages(ctx context.Context, threadID string, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byID := r.messages[threadID]
	for _, id := range ids {
		delete(byID, id)
	}
	if t, ok := r.threads[threadID]; ok {
		r.bumpThreadLocked(t)
	}
	return nil
}

func (r *MemoryRepository) Close() error { return nil }
