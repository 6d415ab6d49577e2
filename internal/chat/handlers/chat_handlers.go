// Package handlers exposes the chat HTTP surface: the SSE stream, stream
// control, agent discovery, and thread management.
package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/chat/dto"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/chat/service"
	"github.com/threadline/threadline/internal/common/logger"
)

// userIDHeader carries the caller identity. Authentication happens
// upstream; this service trusts the header.
const userIDHeader = "X-User-Id"

// ChatHandlers serves the streaming chat endpoints.
type ChatHandlers struct {
	coordinator *service.Coordinator
	logger      *logger.Logger
}

// NewChatHandlers builds the handler set.
func NewChatHandlers(coordinator *service.Coordinator, log *logger.Logger) *ChatHandlers {
	return &ChatHandlers{
		coordinator: coordinator,
		logger:      log.WithFields(zap.String("component", "chat-handlers")),
	}
}

// RegisterChatRoutes mounts the chat surface under /api/v1.
func RegisterChatRoutes(router *gin.Engine, coordinator *service.Coordinator, threads *service.ThreadService, log *logger.Logger) {
	chat := NewChatHandlers(coordinator, log)
	thread := NewThreadHandlers(threads, log)

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "threadline"})
	})

	api := router.Group("/api/v1")
	api.POST("/chat/stream", chat.stream)
	api.POST("/chat/stop", chat.stop)
	api.GET("/chat/agents", chat.agents)
	api.GET("/chat/threads", thread.list)
	api.GET("/chat/threads/:id", thread.get)
	api.PATCH("/chat/threads/:id", thread.update)
	api.DELETE("/chat/threads/:id", thread.softDelete)
	api.POST("/chat/threads/:id/restore", thread.restore)
	api.DELETE("/chat/threads/:id/permanent", thread.hardDelete)
	api.GET("/chat/threads/:id/messages", thread.listMessages)
	api.POST("/chat/threads/:id/bookmark", thread.bookmark)
	api.GET("/chat/threads/:id/replay", chat.replay)
}

func userID(c *gin.Context) string {
	return c.GetHeader(userIDHeader)
}

// stream runs one chat turn and writes its events as an SSE stream.
func (h *ChatHandlers) stream(c *gin.Context) {
	var req dto.ChatStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, fmt.Errorf("%w: %s", repository.ErrInvalid, err.Error()))
		return
	}

	stream, err := h.coordinator.ProcessChat(c.Request.Context(), service.ChatRequest{
		ThreadID:          req.ThreadID,
		UserID:            userID(c),
		AgentType:         req.AgentType,
		Messages:          req.Messages,
		ConversationStyle: req.ConversationStyle,
		MaxTokens:         req.MaxTokens,
		Temperature:       req.Temperature,
		SystemPrompt:      req.SystemPrompt,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	writer, err := newSSEWriter(c)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	log := h.logger.WithThreadID(stream.ThreadID).WithStreamID(stream.StreamID)
	for ev := range stream.Events {
		if err := writer.WriteEvent(string(ev.Type), ev); err != nil {
			// Client went away; the request context cancellation reaches the
			// registry handle and the coordinator finishes persistence.
			log.WithError(err).Debug("client disconnected mid-stream")
			return
		}
	}
}

// stop cancels active streams on a thread. Succeeds even when nothing is
// streaming here.
func (h *ChatHandlers) stop(c *gin.Context) {
	var req dto.StopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, fmt.Errorf("%w: %s", repository.ErrInvalid, err.Error()))
		return
	}
	cancelled, err := h.coordinator.StopThread(c.Request.Context(), req.ThreadID)
	if err != nil {
		// Local streams were cancelled; only the peer broadcast failed.
		h.logger.WithThreadID(req.ThreadID).WithError(err).Warn("stop broadcast failed")
	}
	c.JSON(http.StatusOK, dto.StopResponse{Success: true, Cancelled: cancelled})
}

// agents lists the registered agent types.
func (h *ChatHandlers) agents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": h.coordinator.Agents()})
}

// replay returns the buffered events of the thread's latest stream.
func (h *ChatHandlers) replay(c *gin.Context) {
	events, err := h.coordinator.Replay(c.Request.Context(), c.Param("id"), userID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	type framed struct {
		Type  string `json:"type"`
		Event any    `json:"event"`
	}
	out := make([]framed, 0, len(events))
	for _, ev := range events {
		out = append(out, framed{Type: string(ev.Type), Event: ev})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}
