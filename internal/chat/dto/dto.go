// Package dto defines the HTTP request/response shapes for the chat API.
package dto

import (
	"github.com/threadline/threadline/internal/chat/models"
	"github.com/threadline/threadline/internal/chat/service"
)

// ChatStreamRequest starts a streamed chat turn.
type ChatStreamRequest struct {
	ThreadID          string                    `json:"threadId,omitempty"`
	Messages          []service.IncomingMessage `json:"messages" binding:"required"`
	AgentType         string                    `json:"agentType,omitempty"`
	ConversationStyle string                    `json:"conversationStyle,omitempty"`
	MaxTokens         int                       `json:"maxTokens,omitempty"`
	Temperature       *float32                  `json:"temperature,omitempty"`
	SystemPrompt      string                    `json:"systemPrompt,omitempty"`
}

// StopRequest cancels the active streams on a thread.
type StopRequest struct {
	ThreadID string `json:"threadId" binding:"required"`
}

// StopResponse reports a stop request outcome.
type StopResponse struct {
	Success   bool `json:"success"`
	Cancelled int  `json:"cancelled"`
}

// PatchThreadRequest updates mutable thread fields. Absent fields are left
// untouched.
type PatchThreadRequest struct {
	Title        *string           `json:"title,omitempty"`
	IsBookmarked *bool             `json:"isBookmarked,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// UpdateThreadResponse returns the entity and its new concurrency tag.
type UpdateThreadResponse struct {
	Success bool           `json:"success"`
	Entity  *models.Thread `json:"entity"`
	NewETag string         `json:"newEtag"`
}

// ThreadListResponse is one page of threads.
type ThreadListResponse struct {
	Items             []*models.Thread `json:"items"`
	ContinuationToken string           `json:"continuationToken,omitempty"`
	HasMore           bool             `json:"hasMore"`
}

// MessageListResponse is one page of messages.
type MessageListResponse struct {
	Items             []*models.Message `json:"items"`
	ContinuationToken string            `json:"continuationToken,omitempty"`
	HasMore           bool              `json:"hasMore"`
}

// BookmarkResponse reports the toggled bookmark state.
type BookmarkResponse struct {
	Success      bool `json:"success"`
	IsBookmarked bool `json:"isBookmarked"`
}

// SuccessResponse is the generic mutation acknowledgement.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// ErrorResponse is the non-stream error envelope.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
	Error      string `json:"error"`
}
