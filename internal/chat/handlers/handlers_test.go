package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/threadline/threadline/internal/agent"
	"github.com/threadline/threadline/internal/chat/dto"
	"github.com/threadline/threadline/internal/chat/models"
	"github.com/threadline/threadline/internal/chat/repository"
	"github.com/threadline/threadline/internal/chat/service"
	"github.com/threadline/threadline/internal/common/config"
	"github.com/threadline/threadline/internal/common/logger"
	"github.com/threadline/threadline/internal/streams/registry"
	"github.com/threadline/threadline/pkg/llm"
)

type scriptedLLM struct {
	chunks []string
}

func (s *scriptedLLM) StreamChat(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	out := make(chan llm.Delta, 8)
	go func() {
		defer close(out)
		for _, c := range s.chunks {
			select {
			case out <- llm.Delta{Content: c}:
			case <-ctx.Done():
				out <- llm.Delta{Done: true, Err: ctx.Err()}
				return
			}
		}
		out <- llm.Delta{Done: true}
	}()
	return out, nil
}

type testServer struct {
	router *gin.Engine
	repo   *repository.MemoryRepository
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.Default()
	repo := repository.NewMemoryRepository()
	reg := registry.NewLocalRegistry(0, log)
	t.Cleanup(func() { _ = reg.Close() })

	provider := &scriptedLLM{chunks: []string{"Hi ", "there!"}}
	catalog := agent.NewCatalog(agent.NewNormalAgent(provider, log), log)
	replay := service.NewReplayBuffer(time.Minute)
	t.Cleanup(replay.Close)

	coordinator := service.NewCoordinator(repo, reg, catalog, replay, config.ChatConfig{}, config.LLMConfig{}, log)
	threads := service.NewThreadService(repo, log)

	router := gin.New()
	RegisterChatRoutes(router, coordinator, threads, log)
	return &testServer{router: router, repo: repo}
}

func (s *testServer) do(t *testing.T, method, path, user string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) seedThread(t *testing.T, userID string) *models.Thread {
	t.Helper()
	th := &models.Thread{ID: models.NewID(), UserID: userID, Title: "seed"}
	_, err := s.repo.CreateThread(context.Background(), th)
	require.NoError(t, err)
	return th
}

// sseEvent is one parsed record of the stream body.
type sseEvent struct {
	Type string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	for _, record := range strings.Split(body, "\n\n") {
		record = strings.TrimSpace(record)
		if record == "" {
			continue
		}
		var ev sseEvent
		var dataLines []string
		for _, line := range strings.Split(record, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.Type = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
			}
		}
		require.NotEmpty(t, ev.Type, "record missing event line: %q", record)
		require.NoError(t, json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev.Data))
		events = append(events, ev)
	}
	return events
}

func TestStream_NormalAgentEndToEnd(t *testing.T) {
	s := newTestServer(t)
	threadID := models.NewID()

	rec := s.do(t, http.MethodPost, "/api/v1/chat/stream", "u1", dto.ChatStreamRequest{
		ThreadID:  threadID,
		AgentType: agent.TypeNormal,
		Messages:  []service.IncomingMessage{{Role: "user", Content: "Hello"}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	require.Equal(t, "no", rec.Header().Get("X-Accel-Buffering"))

	events := parseSSE(t, rec.Body.String())
	require.GreaterOrEqual(t, len(events), 4)

	require.Equal(t, "metadata", events[0].Type)
	require.NotEmpty(t, events[0].Data["trace_id"])
	streamID := events[0].Data["stream_id"].(string)
	require.NotEmpty(t, streamID)

	require.Equal(t, "agent_updated", events[1].Type)

	var answer strings.Builder
	for _, ev := range events {
		if ev.Type == "data" {
			answer.WriteString(ev.Data["answer"].(string))
		}
	}
	require.Equal(t, "Hi there!", answer.String())

	last := events[len(events)-1]
	require.Equal(t, "done", last.Type)
	require.Equal(t, streamID, last.Data["stream_id"])
	messageID := last.Data["message_id"].(string)
	require.NotEmpty(t, messageID)

	// The persisted conversation matches the stream.
	rec = s.do(t, http.MethodGet, "/api/v1/chat/threads/"+threadID+"/messages", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page dto.MessageListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Len(t, page.Items, 2)
	require.Equal(t, "Hello", page.Items[0].Content)
	require.Equal(t, "Hi there!", page.Items[1].Content)
	require.Equal(t, messageID, page.Items[1].ID)
}

func TestStream_RejectsBadRequests(t *testing.T) {
	s := newTestServer(t)

	// No messages.
	rec := s.do(t, http.MethodPost, "/api/v1/chat/stream", "u1", dto.ChatStreamRequest{}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No user header.
	rec = s.do(t, http.MethodPost, "/api/v1/chat/stream", "", dto.ChatStreamRequest{
		Messages: []service.IncomingMessage{{Role: "user", Content: "hi"}},
	}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope dto.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.Equal(t, http.StatusBadRequest, envelope.StatusCode)
	require.Equal(t, "invalid", envelope.Error)
}

func TestThreads_CrossUserDenied(t *testing.T) {
	s := newTestServer(t)
	th := s.seedThread(t, "u1")

	rec := s.do(t, http.MethodGet, "/api/v1/chat/threads/"+th.ID, "u2", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodDelete, "/api/v1/chat/threads/"+th.ID, "u2", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/threads/"+th.ID+"/messages", "u2", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Owner still sees it.
	rec = s.do(t, http.MethodGet, "/api/v1/chat/threads/"+th.ID, "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestThreads_ETagConflict(t *testing.T) {
	s := newTestServer(t)
	th := s.seedThread(t, "u1")

	titleA := "A"
	rec := s.do(t, http.MethodPatch, "/api/v1/chat/threads/"+th.ID, "u1",
		dto.PatchThreadRequest{Title: &titleA}, map[string]string{"If-Match": th.ETag})
	require.Equal(t, http.StatusOK, rec.Code)

	var updated dto.UpdateThreadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	require.True(t, updated.Success)
	require.NotEqual(t, th.ETag, updated.NewETag)

	// Stale tag loses with 412; the title stays "A".
	titleB := "B"
	rec = s.do(t, http.MethodPatch, "/api/v1/chat/threads/"+th.ID, "u1",
		dto.PatchThreadRequest{Title: &titleB}, map[string]string{"If-Match": th.ETag})
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/threads/"+th.ID, "u1", nil, nil)
	var got models.Thread
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, "A", got.Title)
}

func TestThreads_SoftDeleteRestoreListing(t *testing.T) {
	s := newTestServer(t)
	th := s.seedThread(t, "u1")

	listIDs := func() []string {
		rec := s.do(t, http.MethodGet, "/api/v1/chat/threads", "u1", nil, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var page dto.ThreadListResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
		ids := make([]string, 0, len(page.Items))
		for _, item := range page.Items {
			ids = append(ids, item.ID)
		}
		return ids
	}

	require.Contains(t, listIDs(), th.ID)

	rec := s.do(t, http.MethodDelete, "/api/v1/chat/threads/"+th.ID, "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, listIDs(), th.ID)

	rec = s.do(t, http.MethodPost, "/api/v1/chat/threads/"+th.ID+"/restore", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, listIDs(), th.ID)
}

func TestThreads_HardDelete(t *testing.T) {
	s := newTestServer(t)
	th := s.seedThread(t, "u1")

	rec := s.do(t, http.MethodDelete, "/api/v1/chat/threads/"+th.ID+"/permanent", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/threads/"+th.ID, "u1", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestThreads_Bookmark(t *testing.T) {
	s := newTestServer(t)
	th := s.seedThread(t, "u1")

	rec := s.do(t, http.MethodPost, "/api/v1/chat/threads/"+th.ID+"/bookmark", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.BookmarkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.IsBookmarked)

	rec = s.do(t, http.MethodPost, "/api/v1/chat/threads/"+th.ID+"/bookmark", "u1", nil, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.IsBookmarked)
}

func TestStop_AlwaysSucceeds(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/chat/stop", "u1", dto.StopRequest{ThreadID: "idle"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp dto.StopResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.Zero(t, resp.Cancelled)
}

func TestAgentsEndpoint(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/chat/agents", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Agents []agent.Info `json:"agents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Agents)
	require.Equal(t, agent.TypeNormal, resp.Agents[0].ID)
}

func TestReplayEndpoint(t *testing.T) {
	s := newTestServer(t)
	threadID := models.NewID()

	rec := s.do(t, http.MethodPost, "/api/v1/chat/stream", "u1", dto.ChatStreamRequest{
		ThreadID: threadID,
		Messages: []service.IncomingMessage{{Role: "user", Content: "Hello"}},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chat/threads/%s/replay", threadID), "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Events)
	require.Equal(t, "metadata", resp.Events[0].Type)

	rec = s.do(t, http.MethodGet, fmt.Sprintf("/api/v1/chat/threads/%s/replay", threadID), "u2", nil, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
