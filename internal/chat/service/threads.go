package service

import (
	"context"
	"fmt"

	"github.com/threadline/threadline/internal/chat/models"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/common/logger"
)

// ThreadService wraps the repository with per-user ownership enforcement
// for the thread management surface.
type ThreadService struct {
	repo repository.Repository
	log  *logger.Logger
}

// NewThreadService builds the service.
func NewThreadService(repo repository.Repository, log *logger.Logger) *ThreadService {
	if log == nil {
		log = logger.Default()
	}
	return &ThreadService{repo: repo, log: log}
}

// authorize loads the thread and verifies ownership. Soft-deleted threads
// still resolve so they can be restored or purged.
func (s *ThreadService) authorize(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id required", repository.ErrInvalid)
	}
	thread, err := s.repo.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread == nil {
		return nil, fmt.Errorf("%w: thread %s", repository.ErrNotFound, threadID)
	}
	if thread.UserID != userID {
		return nil, fmt.Errorf("%w: thread %s", ErrForbidden, threadID)
	}
	return thread, nil
}

// Get returns the thread if owned by userID.
func (s *ThreadService) Get(ctx context.Context, userID, threadID string) (*models.Thread, error) {
	return s.authorize(ctx, userID, threadID)
}

// List pages through the user's threads, most recently modified first.
func (s *ThreadService) List(ctx context.Context, userID string, opts repository.ListThreadsOptions) (*repository.ThreadPage, error) {
	return s.repo.ListThreads(ctx, userID, opts)
}

// Update applies a patch under optional ETag preconditions.
func (s *ThreadService) Update(ctx context.Context, userID, threadID string, patch repository.ThreadPatch, opts repository.WriteOptions) (*models.Thread, error) {
	if _, err := s.authorize(ctx, userID, threadID); err != nil {
		return nil, err
	}
	updated, _, err := s.repo.UpdateThread(ctx, threadID, patch, opts)
	return updated, err
}

// SoftDelete hides the thread from default listings.
func (s *ThreadService) SoftDelete(ctx context.Context, userID, threadID string) error {
	if _, err := s.authorize(ctx, userID, threadID); err != nil {
		return err
	}
	_, err := s.repo.SoftDeleteThread(ctx, threadID, repository.WriteOptions{})
	return err
}

// Restore reverses a soft delete.
func (s *ThreadService) Restore(ctx context.Context, userID, threadID string) error {
	if _, err := s.authorize(ctx, userID, threadID); err != nil {
		return err
	}
	_, err := s.repo.RestoreThread(ctx, threadID, repository.WriteOptions{})
	return err
}

// HardDelete permanently removes the thread and its messages.
func (s *ThreadService) HardDelete(ctx context.Context, userID, threadID string) error {
	if _, err := s.authorize(ctx, userID, threadID); err != nil {
		return err
	}
	return s.repo.HardDeleteThread(ctx, threadID)
}

// ToggleBookmark flips the bookmark flag and returns the new state.
func (s *ThreadService) ToggleBookmark(ctx context.Context, userID, threadID string) (bool, error) {
	thread, err := s.authorize(ctx, userID, threadID)
	if err != nil {
		return false, err
	}
	next := !thread.IsBookmarked
	_, _, err = s.repo.UpdateThread(ctx, threadID, repository.ThreadPatch{IsBookmarked: &next},
		repository.WriteOptions{IfMatch: thread.ETag, RetryOnConflict: true})
	if err != nil {
		return false, err
	}
	return next, nil
}

// ListMessages pages through the thread's messages in conversation order.
func (s *ThreadService) ListMessages(ctx context.Context, userID, threadID string, opts repository.ListMessagesOptions) (*repository.MessagePage, error) {
	if _, err := s.authorize(ctx, userID, threadID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, threadID, opts)
}
