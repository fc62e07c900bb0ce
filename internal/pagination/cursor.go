// Package pagination provides cursor-based pagination over records keyed by
// monotonically increasing ids.
package pagination

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Encode returns an opaque cursor pointing just past id.
func Encode(id uint64) string {
	return base64.RawURLEncoding.EncodeToString([]byte("id:" + strconv.FormatUint(id, 10)))
}

// Decode parses an opaque cursor. An empty cursor means "from the start"
// and decodes to 0.
func Decode(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	num, ok := strings.CutPrefix(string(raw), "id:")
	if !ok {
		return 0, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor")
	}
	return id, nil
}

// ClampLimit maps a requested page size into [1, MaxLimit], using
// DefaultLimit for non-positive requests.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}

// ComputePage takes items fetched with limit+1, the requested limit, and a
// function returning an item's id. Returns the trimmed items, the next
// cursor, and whether more items follow.
func ComputePage[T any](items []T, limit int, idOf func(T) uint64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(idOf(items[len(items)-1])), true
}
