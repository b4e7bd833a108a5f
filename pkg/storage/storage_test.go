package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Put(ctx, "ocr-output/d1/j1/shard-0002.json", []byte("b"), "application/json"))
	require.NoError(t, s.Put(ctx, "ocr-output/d1/j1/shard-0001.json", []byte("a"), "application/json"))
	require.NoError(t, s.Put(ctx, "uploads/d1/a.pdf", []byte("%PDF"), "application/pdf"))

	keys, err := s.List(ctx, "ocr-output/d1/j1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"ocr-output/d1/j1/shard-0001.json", "ocr-output/d1/j1/shard-0002.json"}, keys)

	data, err := s.Get(ctx, "uploads/d1/a.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(data))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrObjectNotFound)

	u, err := s.SignedURL(ctx, "uploads/d1/a.pdf", time.Hour)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(u, "memory://uploads/d1/a.pdf?expires="))

	_, err = s.SignedURL(ctx, "missing", time.Hour)
	assert.ErrorIs(t, err, ErrObjectNotFound)
	assert.Equal(t, "memory://x/y", s.URI("x/y"))
}

func TestMemoryStore_CopiesData(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Put(ctx, "k", buf, ""))
	buf[0] = 'x'
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}
