// Package pagination provides the page-size clamping and opaque cursor
// tokens shared by the list endpoints and the Firestore repositories.
package pagination

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize is the fallback number of items returned when the
	// client omits page_size.
	DefaultPageSize = 20
	// DefaultMaxPageSize caps page_size to keep Firestore reads bounded.
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page size")
	ErrInvalidPageToken = errors.New("pagination: invalid page token")
)

// ClampPageSize normalises a raw page_size query value. An empty value or a
// non-positive integer yields the fallback; values above max are capped
// rather than rejected.
func ClampPageSize(raw string, fallback, max int) (int, error) {
	if max <= 0 {
		max = DefaultMaxPageSize
	}
	if fallback <= 0 {
		fallback = DefaultPageSize
	}
	if fallback > max {
		fallback = max
	}

	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}

	size, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	switch {
	case size <= 0:
		return fallback, nil
	case size > max:
		return max, nil
	default:
		return size, nil
	}
}

// Cursor is the position a list query resumes from: the timestamp the
// collection is ordered by plus the document id as a tiebreaker.
type Cursor struct {
	At time.Time
	ID string
}

// IsZero reports whether the cursor carries no position.
func (c Cursor) IsZero() bool {
	return c.At.IsZero() && c.ID == ""
}

// Encode serialises the cursor into a URL-safe opaque page token.
func (c Cursor) Encode() string {
	if c.IsZero() {
		return ""
	}
	payload := c.At.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return encodeToken(payload)
}

// DecodeCursor parses a page token produced by Encode. An empty token yields
// a zero cursor and no error.
func DecodeCursor(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	payload, err := decodeToken(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return Cursor{}, fmt.Errorf("%w: malformed payload", ErrInvalidPageToken)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return Cursor{At: at, ID: parts[1]}, nil
}
