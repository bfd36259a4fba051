package blob

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_broker/internal/domain"
)

func openStore(t *testing.T, maxBytes int64) *Store {
	t.Helper()
	s, err := Open("", maxBytes)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGet(t *testing.T) {
	t.Parallel()
	s := openStore(t, 1024)
	ctx := context.Background()

	info, err := s.Put(ctx, "audio/ogg", strings.NewReader("voice bytes"))
	require.NoError(t, err)
	assert.True(t, IsContentRef(info.PayloadRef))
	assert.Equal(t, int64(len("voice bytes")), info.ByteSize)

	again, err := s.Put(ctx, "audio/ogg", strings.NewReader("voice bytes"))
	require.NoError(t, err)
	assert.Equal(t, info.PayloadRef, again.PayloadRef)

	got, data, err := s.Get(ctx, info.PayloadRef)
	require.NoError(t, err)
	assert.Equal(t, "audio/ogg", got.MimeType)
	assert.Equal(t, []byte("voice bytes"), data)

	ok, err := s.Exists(ctx, info.PayloadRef)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStore_Rejects(t *testing.T) {
	t.Parallel()
	s := openStore(t, 8)
	ctx := context.Background()

	_, err := s.Put(ctx, "image/png", bytes.NewReader(make([]byte, 9)))
	assert.ErrorIs(t, err, domain.ErrInvalidContent)

	_, err = s.Put(ctx, "image/png", bytes.NewReader(nil))
	assert.ErrorIs(t, err, domain.ErrInvalidContent)

	_, _, err = s.Get(ctx, "https://example.com/file.png")
	assert.ErrorIs(t, err, domain.ErrInvalidContent)

	_, _, err = s.Get(ctx, RefPrefix+strings.Repeat("ab", 32))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ok, err := s.Exists(ctx, RefPrefix+strings.Repeat("cd", 32))
	require.NoError(t, err)
	assert.False(t, ok)
}
