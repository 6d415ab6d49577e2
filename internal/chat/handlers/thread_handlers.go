package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/threadline/threadline/internal/chat/dto"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/chat/service"
	"github.com/threadline/threadline/internal/common/logger"
)

// ThreadHandlers serves thread and message management.
type ThreadHandlers struct {
	threads *service.ThreadService
	logger  *logger.Logger
}

// NewThreadHandlers builds the handler set.
func NewThreadHandlers(threads *service.ThreadService, log *logger.Logger) *ThreadHandlers {
	return &ThreadHandlers{
		threads: threads,
		logger:  log.WithFields(zap.String("component", "thread-handlers")),
	}
}

func (h *ThreadHandlers) list(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.threads.List(c.Request.Context(), userID(c), repository.ListThreadsOptions{
		Limit:             limit,
		ContinuationToken: c.Query("continuationToken"),
		IncludeDeleted:    c.Query("includeDeleted") == "true",
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.ThreadListResponse{
		Items:             page.Items,
		ContinuationToken: page.ContinuationToken,
		HasMore:           page.HasMore,
	})
}

func (h *ThreadHandlers) get(c *gin.Context) {
	thread, err := h.threads.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, thread)
}

func (h *ThreadHandlers) update(c *gin.Context) {
	var req dto.PatchThreadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, h.logger, repository.ErrInvalid)
		return
	}
	updated, err := h.threads.Update(c.Request.Context(), userID(c), c.Param("id"),
		repository.ThreadPatch{
			Title:        req.Title,
			IsBookmarked: req.IsBookmarked,
			Metadata:     req.Metadata,
		},
		repository.WriteOptions{IfMatch: ifMatch(c)},
	)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.UpdateThreadResponse{Success: true, Entity: updated, NewETag: updated.ETag})
}

// ifMatch reads the If-Match precondition, tolerating a quoted tag.
func ifMatch(c *gin.Context) string {
	return strings.Trim(c.GetHeader("If-Match"), `"`)
}

func (h *ThreadHandlers) softDelete(c *gin.Context) {
	if err := h.threads.SoftDelete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

func (h *ThreadHandlers) restore(c *gin.Context) {
	if err := h.threads.Restore(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

func (h *ThreadHandlers) hardDelete(c *gin.Context) {
	if err := h.threads.HardDelete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.SuccessResponse{Success: true})
}

func (h *ThreadHandlers) listMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	page, err := h.threads.ListMessages(c.Request.Context(), userID(c), c.Param("id"),
		repository.ListMessagesOptions{
			Limit:             limit,
			ContinuationToken: c.Query("continuationToken"),
		})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.MessageListResponse{
		Items:             page.Items,
		ContinuationToken: page.ContinuationToken,
		HasMore:           page.HasMore,
	})
}

func (h *ThreadHandlers) bookmark(c *gin.Context) {
	bookmarked, err := h.threads.ToggleBookmark(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.BookmarkResponse{Success: true, IsBookmarked: bookmarked})
}
