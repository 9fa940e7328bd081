package usage

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

var errBadCursor = errors.New("usage: invalid cursor")

// Cursor marks the last credit entry a client has seen. History is ordered
// newest first, so the next page holds entries strictly older than Cursor.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// NextCursor encodes the position after e.
func NextCursor(e *CreditEntry) string {
	raw := strconv.FormatInt(e.CreatedAt.UnixNano(), 36) + "." + e.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// ParseCursor decodes a cursor produced by NextCursor. Empty input means
// "first page" and returns nil.
func ParseCursor(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	ts, id, ok := strings.Cut(string(raw), ".")
	if !ok || id == "" {
		return nil, errBadCursor
	}
	nanos, err := strconv.ParseInt(ts, 36, 64)
	if err != nil {
		return nil, errBadCursor
	}
	return &Cursor{CreatedAt: time.Unix(0, nanos).UTC(), ID: id}, nil
}

// before reports whether e sorts after c in newest-first order.
func (c *Cursor) before(e *CreditEntry) bool {
	if c == nil {
		return true
	}
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return e.ID < c.ID
}
