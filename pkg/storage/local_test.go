package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalReadWrite(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "tasks/01.yaml", []byte("id: 01")))

	data, err := s.Read(ctx, "tasks/01.yaml")
	require.NoError(t, err)
	assert.Equal(t, []byte("id: 01"), data)

	// Overwrite replaces the content.
	require.NoError(t, s.Write(ctx, "tasks/01.yaml", []byte("id: 01\nstatus: SENT")))
	data, err = s.Read(ctx, "tasks/01.yaml")
	require.NoError(t, err)
	assert.Contains(t, string(data), "SENT")
}

func TestLocalReadNotFound(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read(context.Background(), "tasks/missing.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalDelete(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Write(ctx, "tasks/01.yaml", []byte("id: 01")))
	require.NoError(t, s.Delete(ctx, "tasks/01.yaml"))

	exists, err := s.Exists(ctx, "tasks/01.yaml")
	require.NoError(t, err)
	assert.False(t, exists)

	err = s.Delete(ctx, "tasks/01.yaml")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLocalList(t *testing.T) {
	s, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	// Listing a prefix that was never written is empty, not an error.
	keys, err := s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.Empty(t, keys)

	require.NoError(t, s.Write(ctx, "tasks/01.yaml", []byte("a")))
	require.NoError(t, s.Write(ctx, "tasks/02.yaml", []byte("b")))
	require.NoError(t, s.Write(ctx, "agents/coder.yaml", []byte("c")))

	keys, err = s.List(ctx, "tasks")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tasks/01.yaml", "tasks/02.yaml"}, keys)
}
