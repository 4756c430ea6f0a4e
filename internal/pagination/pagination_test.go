package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmbus/swarmbus/internal/common/apperr"
)

func TestEncodeDecode(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		c := Cursor{Offset: 10, Limit: 50, FilterHash: "abcd1234abcd1234"}
		decoded, err := Decode(Encode(c))
		require.NoError(t, err)
		assert.Equal(t, c, decoded)
	})

	t.Run("re-encode is stable", func(t *testing.T) {
		c := Cursor{Offset: 5, Limit: 20}
		encoded := Encode(c)
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, encoded, Encode(decoded))
	})

	t.Run("not base64", func(t *testing.T) {
		_, err := Decode("!!! not base64 !!!")
		assert.Equal(t, apperr.KindInvalidCursor, apperr.KindOf(err))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Decode("bm90IGpzb24")
		assert.Equal(t, apperr.KindInvalidCursor, apperr.KindOf(err))
	})

	t.Run("negative offset", func(t *testing.T) {
		_, err := Decode(Encode(Cursor{Offset: -1, Limit: 10}))
		assert.Equal(t, apperr.KindInvalidCursor, apperr.KindOf(err))
	})

	t.Run("limit out of range", func(t *testing.T) {
		_, err := Decode(Encode(Cursor{Offset: 0, Limit: MaxLimit + 1}))
		assert.Equal(t, apperr.KindInvalidCursor, apperr.KindOf(err))
	})
}

func TestClamp(t *testing.T) {
	assert.Equal(t, DefaultLimit, Clamp(0, MaxLimit))
	assert.Equal(t, DefaultLimit, Clamp(-5, MaxLimit))
	assert.Equal(t, 1, Clamp(1, MaxLimit))
	assert.Equal(t, 50, Clamp(50, MaxLimit))
	assert.Equal(t, MaxLimit, Clamp(1_000_000, MaxLimit))
	assert.Equal(t, 100, Clamp(1_000_000, 100))
	assert.Equal(t, 30, Clamp(0, 30))
}

func TestFilterHash(t *testing.T) {
	t.Run("empty set hashes to empty string", func(t *testing.T) {
		assert.Equal(t, "", FilterHash(nil))
		assert.Equal(t, "", FilterHash(map[string]string{"channel": ""}))
	})

	t.Run("order independent", func(t *testing.T) {
		a := FilterHash(map[string]string{"a": "1", "b": "2"})
		b := FilterHash(map[string]string{"b": "2", "a": "1"})
		assert.Equal(t, a, b)
	})

	t.Run("value sensitive", func(t *testing.T) {
		a := FilterHash(map[string]string{"channel": "roadmap"})
		b := FilterHash(map[string]string{"channel": "errors"})
		assert.NotEqual(t, a, b)
	})
}

func TestResume(t *testing.T) {
	filters := map[string]string{"channel": "roadmap"}

	t.Run("fresh walk", func(t *testing.T) {
		cur, err := Resume("", 25, filters)
		require.NoError(t, err)
		assert.Equal(t, 0, cur.Offset)
		assert.Equal(t, 25, cur.Limit)
		assert.Equal(t, FilterHash(filters), cur.FilterHash)
	})

	t.Run("resumes with cursor limit", func(t *testing.T) {
		first, err := Resume("", 25, filters)
		require.NoError(t, err)

		next := Encode(Cursor{Offset: 25, Limit: first.Limit, FilterHash: first.FilterHash})
		cur, err := Resume(next, 99, filters)
		require.NoError(t, err)
		assert.Equal(t, 25, cur.Offset)
		assert.Equal(t, 25, cur.Limit)
	})

	t.Run("changed filters rejected", func(t *testing.T) {
		first, err := Resume("", 25, filters)
		require.NoError(t, err)

		next := Encode(Cursor{Offset: 25, Limit: 25, FilterHash: first.FilterHash})
		_, err = Resume(next, 25, map[string]string{"channel": "errors"})
		assert.Equal(t, apperr.KindPaginationFilterMismatch, apperr.KindOf(err))
	})
}

func TestPageMeta(t *testing.T) {
	t.Run("known total", func(t *testing.T) {
		cur := Cursor{Offset: 0, Limit: 5}
		meta := PageMeta(cur, 5, 12, false)
		require.NotNil(t, meta.Total)
		assert.Equal(t, 12, *meta.Total)
		assert.True(t, meta.HasMore)
		assert.NotEmpty(t, meta.NextCursor)
		assert.Empty(t, meta.PrevCursor)

		next, err := Decode(meta.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, 5, next.Offset)
	})

	t.Run("last page", func(t *testing.T) {
		cur := Cursor{Offset: 10, Limit: 5}
		meta := PageMeta(cur, 2, 12, false)
		assert.False(t, meta.HasMore)
		assert.Empty(t, meta.NextCursor)
		assert.NotEmpty(t, meta.PrevCursor)
	})

	t.Run("unknown total uses hint", func(t *testing.T) {
		cur := Cursor{Offset: 0, Limit: 5}
		meta := PageMeta(cur, 5, -1, true)
		assert.Nil(t, meta.Total)
		assert.True(t, meta.HasMore)
		assert.NotEmpty(t, meta.NextCursor)

		meta = PageMeta(cur, 5, -1, false)
		assert.False(t, meta.HasMore)
		assert.Empty(t, meta.NextCursor)
	})
}
