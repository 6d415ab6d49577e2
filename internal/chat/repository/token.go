package repository

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// cursor is the decoded form of a continuation token. SortKey is the unix
// nanosecond value of the sort column (lastModifiedAt for threads, createdAt
// for messages); ID breaks ties so the encoding is deterministic.
type Cursor struct {
	SortKey int64  `json:"k"`
	ID      string `json:"id"`
}

// EncodeCursor produces an opaque continuation token.
func EncodeCursor(sortKey time.Time, id string) string {
	raw, _ := json.Marshal(Cursor{SortKey: sortKey.UnixNano(), ID: id})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a continuation token. An empty token yields a nil
// cursor (start from the beginning).
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed continuation token", ErrInvalid)
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed continuation token", ErrInvalid)
	}
	return &c, nil
}
