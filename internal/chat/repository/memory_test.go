package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/chat/models"
)

func newThread(userID, title string) *models.Thread {
	return &models.Thread{ID: models.NewID(), UserID: userID, Title: title}
}

func newMessage(threadID, userID string, role models.Role, content string) *models.Message {
	return &models.Message{
		ID:       models.NewID(),
		ThreadID: threadID,
		UserID:   userID,
		Role:     role,
		Content:  content,
	}
}

func TestMemoryRepository_ThreadLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "first")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)
	require.NotEmpty(t, th.ETag)
	require.EqualValues(t, 1, th.Version)

	got, err := repo.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, "first", got.Title)

	// Absent thread: nil, nil.
	missing, err := repo.GetThread(ctx, "nope")
	require.NoError(t, err)
	require.Nil(t, missing)

	title := "renamed"
	updated, _, err := repo.UpdateThread(ctx, th.ID, ThreadPatch{Title: &title}, WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, "renamed", updated.Title)
	require.NotEqual(t, got.ETag, updated.ETag)
	require.EqualValues(t, 2, updated.Version)
	require.True(t, updated.LastModifiedAt.After(got.LastModifiedAt))
}

func TestMemoryRepository_ETagConflict(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "t")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)

	title := "a"
	fresh, _, err := repo.UpdateThread(ctx, th.ID, ThreadPatch{Title: &title}, WriteOptions{IfMatch: th.ETag})
	require.NoError(t, err)

	// Stale tag loses.
	title = "b"
	_, _, err = repo.UpdateThread(ctx, th.ID, ThreadPatch{Title: &title}, WriteOptions{IfMatch: th.ETag})
	require.ErrorIs(t, err, ErrConflict)

	// Stale tag with RetryOnConflict re-applies against current state.
	updated, _, err := repo.UpdateThread(ctx, th.ID, ThreadPatch{Title: &title}, WriteOptions{IfMatch: th.ETag, RetryOnConflict: true})
	require.NoError(t, err)
	require.Equal(t, "b", updated.Title)
	require.Greater(t, updated.Version, fresh.Version)
}

func TestMemoryRepository_SoftDeleteRestore(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "t")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)

	_, err = repo.SoftDeleteThread(ctx, th.ID, WriteOptions{})
	require.NoError(t, err)

	// Soft-deleted threads still resolve by id.
	got, err := repo.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.True(t, got.IsDeleted)

	page, err := repo.ListThreads(ctx, "u1", ListThreadsOptions{})
	require.NoError(t, err)
	require.Empty(t, page.Items)

	page, err = repo.ListThreads(ctx, "u1", ListThreadsOptions{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)

	// Idempotent.
	_, err = repo.SoftDeleteThread(ctx, th.ID, WriteOptions{})
	require.NoError(t, err)

	_, err = repo.RestoreThread(ctx, th.ID, WriteOptions{})
	require.NoError(t, err)
	page, err = repo.ListThreads(ctx, "u1", ListThreadsOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestMemoryRepository_ListThreadsPagination(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	var ids []string
	for i := 0; i < 5; i++ {
		th := newThread("u1", fmt.Sprintf("t%d", i))
		_, err := repo.CreateThread(ctx, th)
		require.NoError(t, err)
		ids = append(ids, th.ID)
		time.Sleep(time.Millisecond)
	}
	// A different user's threads never leak in.
	_, err := repo.CreateThread(ctx, newThread("u2", "other"))
	require.NoError(t, err)

	var walked []string
	token := ""
	for {
		page, err := repo.ListThreads(ctx, "u1", ListThreadsOptions{Limit: 2, ContinuationToken: token})
		require.NoError(t, err)
		for _, th := range page.Items {
			walked = append(walked, th.ID)
		}
		if !page.HasMore {
			break
		}
		require.NotEmpty(t, page.ContinuationToken)
		token = page.ContinuationToken
	}

	// Most recently modified first, no duplicates, no gaps.
	require.Len(t, walked, 5)
	for i, id := range walked {
		require.Equal(t, ids[len(ids)-1-i], id)
	}

	_, err = repo.ListThreads(ctx, "u1", ListThreadsOptions{ContinuationToken: "!!not-base64!!"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestMemoryRepository_MessageUpsert(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "t")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)
	threadBefore, err := repo.GetThread(ctx, th.ID)
	require.NoError(t, err)

	msg := newMessage(th.ID, "u1", models.RoleUser, "hello")
	_, err = repo.UpsertMessage(ctx, msg, WriteOptions{})
	require.NoError(t, err)
	require.EqualValues(t, 1, msg.Version)

	// Replace by id preserves createdAt, bumps version and etag.
	replacement := newMessage(th.ID, "u1", models.RoleUser, "hello again")
	replacement.ID = msg.ID
	_, err = repo.UpsertMessage(ctx, replacement, WriteOptions{})
	require.NoError(t, err)
	require.Equal(t, msg.CreatedAt, replacement.CreatedAt)
	require.EqualValues(t, 2, replacement.Version)
	require.NotEqual(t, msg.ETag, replacement.ETag)

	// Message writes surface on the parent thread's recency.
	threadAfter, err := repo.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.True(t, threadAfter.LastModifiedAt.After(threadBefore.LastModifiedAt))

	// A message cannot target another user's thread.
	stranger := newMessage(th.ID, "u2", models.RoleUser, "hi")
	_, err = repo.UpsertMessage(ctx, stranger, WriteOptions{})
	require.ErrorIs(t, err, ErrInvalid)

	// Nor an unknown thread.
	orphan := newMessage("missing", "u1", models.RoleUser, "hi")
	_, err = repo.UpsertMessage(ctx, orphan, WriteOptions{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRepository_ListMessagesOrderAndCursor(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "t")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)

	var ids []string
	for i := 0; i < 7; i++ {
		m := newMessage(th.ID, "u1", models.RoleUser, fmt.Sprintf("m%d", i))
		_, err := repo.UpsertMessage(ctx, m, WriteOptions{})
		require.NoError(t, err)
		ids = append(ids, m.ID)
		time.Sleep(time.Millisecond)
	}

	var walked []string
	token := ""
	for {
		page, err := repo.ListMessages(ctx, th.ID, ListMessagesOptions{Limit: 3, ContinuationToken: token})
		require.NoError(t, err)
		for _, m := range page.Items {
			walked = append(walked, m.ID)
		}
		if !page.HasMore {
			break
		}
		token = page.ContinuationToken
	}
	// Conversation order: oldest first.
	require.Equal(t, ids, walked)
}

func TestMemoryRepository_MessageSoftDeleteCountLast(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "t")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)

	first := newMessage(th.ID, "u1", models.RoleUser, "one")
	_, err = repo.UpsertMessage(ctx, first, WriteOptions{})
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	second := newMessage(th.ID, "u1", models.RoleAssistant, "two")
	_, err = repo.UpsertMessage(ctx, second, WriteOptions{})
	require.NoError(t, err)

	n, err := repo.CountMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	last, err := repo.GetLastMessage(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, last.ID)

	_, err = repo.SoftDeleteMessage(ctx, th.ID, second.ID, WriteOptions{})
	require.NoError(t, err)

	n, err = repo.CountMessages(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	last, err = repo.GetLastMessage(ctx, th.ID)
	require.NoError(t, err)
	require.Equal(t, first.ID, last.ID)

	page, err := repo.ListMessages(ctx, th.ID, ListMessagesOptions{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
}

func TestMemoryRepository_HardDeleteThreadCascades(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()

	th := newThread("u1", "t")
	_, err := repo.CreateThread(ctx, th)
	require.NoError(t, err)
	msg := newMessage(th.ID, "u1", models.RoleUser, "hello")
	_, err = repo.UpsertMessage(ctx, msg, WriteOptions{})
	require.NoError(t, err)

	require.NoError(t, repo.HardDeleteThread(ctx, th.ID))

	got, err := repo.GetThread(ctx, th.ID)
	require.NoError(t, err)
	require.Nil(t, got)

	m, err := repo.GetMessage(ctx, th.ID, msg.ID)
	require.NoError(t, err)
	require.Nil(t, m)
}

func TestTransientClassification(t *testing.T) {
	base := fmt.Errorf("database is locked")
	require.False(t, IsTransient(base))
	wrapped := Transient(base)
	require.True(t, IsTransient(wrapped))
	require.True(t, IsTransient(fmt.Errorf("write failed: %w", wrapped)))
	require.Nil(t, Transient(nil))
}
