// Package pagination provides keyset cursors for listings ordered newest
// first by (evaluation time, chain, sequence).
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidCursor = errors.New("pagination: invalid cursor")

// Cursor is the key of the last item on a page. The next page holds the
// items strictly after it in descending key order.
type Cursor struct {
	At       time.Time
	ChainID  string
	Sequence uint64
}

// Encode returns the opaque form handed to clients.
func (c Cursor) Encode() string {
	raw := fmt.Sprintf("%d|%s|%d", c.At.UnixNano(), c.ChainID, c.Sequence)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor. It returns nil for empty input.
func Decode(s string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[1] == "" {
		return nil, ErrInvalidCursor
	}
	nanos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	return &Cursor{At: time.Unix(0, nanos).UTC(), ChainID: parts[1], Sequence: seq}, nil
}

// Compare orders keys newest first: it returns -1 when a sorts before b,
// +1 when after and 0 when equal.
func Compare(a, b Cursor) int {
	switch {
	case !a.At.Equal(b.At):
		if a.At.After(b.At) {
			return -1
		}
		return 1
	case a.ChainID != b.ChainID:
		if a.ChainID > b.ChainID {
			return -1
		}
		return 1
	case a.Sequence != b.Sequence:
		if a.Sequence > b.Sequence {
			return -1
		}
		return 1
	}
	return 0
}

// ComputePage takes items fetched with limit+1 and trims them to limit. It
// returns the next cursor and whether more items exist.
func ComputePage[T any](items []T, limit int, key func(T) Cursor) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, key(items[len(items)-1]).Encode(), true
}
