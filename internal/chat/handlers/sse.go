package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// sseWriter frames events onto an open response:
//
//	event: <type>\n
//	data: <json>\n
//	\n
//
// flushing after every record so intermediaries do not batch the stream.
type sseWriter struct {
	w       gin.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the stream headers and returns a writer, or an error
// when the connection cannot flush incrementally.
func newSSEWriter(c *gin.Context) (*sseWriter, error) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported by connection")
	}
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: c.Writer, flusher: flusher}, nil
}

// WriteEvent marshals payload and writes one framed record. JSON encoding
// escapes newlines, so the interior-newline rewrite is defensive only.
func (s *sseWriter) WriteEvent(eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	data := strings.ReplaceAll(string(raw), "\n", "\ndata: ")
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
