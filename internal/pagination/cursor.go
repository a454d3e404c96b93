// Package pagination implements the opaque cursors the ledger read API
// pages with. A cursor names a position in the (created_at, id) descending
// order ledger entries are served in; clients treat it as a token and hand
// it back unchanged.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedCursor: the cursor token is not one this service issued.
var ErrMalformedCursor = errors.New("pagination: malformed cursor")

// Cursor is a decoded position in the ledger ordering.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// Encode returns the opaque token for an entry's (createdAt, id) position.
func Encode(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%d|%s", createdAt.UnixNano(), id)
	return base64.URLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor token. Empty input means "from the top"
// and decodes to nil without error.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedCursor
	}
	nanosPart, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, ErrMalformedCursor
	}
	nanos, err := strconv.ParseInt(nanosPart, 10, 64)
	if err != nil {
		return nil, ErrMalformedCursor
	}
	return &Cursor{
		CreatedAt: time.Unix(0, nanos).UTC(),
		ID:        id,
	}, nil
}

// ComputePage trims a limit+1 fetch down to one page. It returns the page,
// the cursor for the next one, and whether a next page exists; the key
// function extracts (createdAt, id) from the page's last entry.
func ComputePage[T any](items []T, limit int, key func(T) (time.Time, string)) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	createdAt, id := key(items[len(items)-1])
	return items, Encode(createdAt, id), true
}
