// Package pagination implements the cursor contract shared by every listing
// tool: opaque cursors, filter-hash consistency, and limit clamping.
package pagination

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/swarmbus/swarmbus/internal/common/apperr"
)

const (
	// DefaultLimit applies when a listing tool receives no limit.
	DefaultLimit = 50
	// MaxLimit is the hard ceiling every tool clamps to.
	MaxLimit = 1000
)

// Cursor is the decoded form of an opaque pagination cursor.
type Cursor struct {
	Offset     int    `json:"offset"`
	Limit      int    `json:"limit"`
	FilterHash string `json:"filter_hash,omitempty"`
}

// Meta is the structured pagination envelope returned with every page.
type Meta struct {
	Count      int    `json:"count"`
	Total      *int   `json:"total,omitempty"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
	PrevCursor string `json:"prev_cursor,omitempty"`
}

// Clamp forces limit into [1, max]. An omitted or non-positive limit falls
// back to DefaultLimit; out-of-band values are silently clamped, never
// rejected. A max above MaxLimit is itself clamped.
func Clamp(limit, max int) int {
	if max <= 0 || max > MaxLimit {
		max = MaxLimit
	}
	if limit < 1 {
		limit = DefaultLimit
	}
	if limit > max {
		return max
	}
	return limit
}

// Encode serializes a cursor to URL-safe base64 without padding.
func Encode(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses an opaque cursor. Malformed encodings and out-of-range
// offset/limit values return an INVALID_CURSOR error.
func Decode(s string) (Cursor, error) {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Cursor{}, apperr.InvalidCursor("cursor is not valid base64")
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return Cursor{}, apperr.InvalidCursor("cursor is not valid JSON")
	}
	if c.Offset < 0 {
		return Cursor{}, apperr.InvalidCursor("cursor offset must not be negative")
	}
	if c.Limit < 1 || c.Limit > MaxLimit {
		return Cursor{}, apperr.InvalidCursor("cursor limit out of range")
	}
	return c, nil
}

// FilterHash digests a normalized filter set: keys lowercased, values
// trimmed, empty values dropped, sorted by key, joined as k=v pairs.
// An empty filter set hashes to the empty string.
func FilterHash(filters map[string]string) string {
	pairs := make([]string, 0, len(filters))
	for k, v := range filters {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		pairs = append(pairs, strings.ToLower(strings.TrimSpace(k))+"="+v)
	}
	if len(pairs) == 0 {
		return ""
	}
	sort.Strings(pairs)
	sum := sha256.Sum256([]byte(strings.Join(pairs, "&")))
	return hex.EncodeToString(sum[:])[:16]
}

// Resume resolves the starting cursor for a page. With no cursor it starts a
// fresh walk at offset 0 with the given limit and filters. With a cursor it
// verifies the caller's filters still hash to the cursor's filter_hash and
// resumes, keeping the cursor's limit.
func Resume(cursor string, limit int, filters map[string]string) (Cursor, error) {
	hash := FilterHash(filters)
	if cursor == "" {
		return Cursor{Offset: 0, Limit: limit, FilterHash: hash}, nil
	}
	c, err := Decode(cursor)
	if err != nil {
		return Cursor{}, err
	}
	if c.FilterHash != hash {
		return Cursor{}, apperr.FilterMismatch()
	}
	return c, nil
}

// PageMeta builds the envelope for one page. total < 0 means unknown (the
// Total field is omitted); hasMore is then taken from the moreHint argument
// instead of offset arithmetic.
func PageMeta(c Cursor, count, total int, moreHint bool) Meta {
	meta := Meta{Count: count}

	if total >= 0 {
		t := total
		meta.Total = &t
		meta.HasMore = c.Offset+count < total
	} else {
		meta.HasMore = moreHint
	}

	if meta.HasMore {
		meta.NextCursor = Encode(Cursor{
			Offset:     c.Offset + count,
			Limit:      c.Limit,
			FilterHash: c.FilterHash,
		})
	}
	if c.Offset > 0 {
		prev := c.Offset - c.Limit
		if prev < 0 {
			prev = 0
		}
		meta.PrevCursor = Encode(Cursor{
			Offset:     prev,
			Limit:      c.Limit,
			FilterHash: c.FilterHash,
		})
	}
	return meta
}
