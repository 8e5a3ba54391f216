package storage

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"testing"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestFilesystem(t *testing.T) {
	ctx := context.Background()
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, WriteFile(ctx, s, "detectors/mice.zip", bytes.NewReader([]byte("hello"))))
	require.NoError(t, WriteFile(ctx, s, "detectors/flies.zip", bytes.NewReader([]byte("world"))))
	require.NoError(t, WriteFile(ctx, s, "other.txt", bytes.NewReader([]byte("x"))))

	b, err := ReadFile(ctx, s, "detectors/mice.zip")
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	names, err := s.List(ctx, "detectors/")
	require.NoError(t, err)
	require.Equal(t, []string{"detectors/flies.zip", "detectors/mice.zip"}, names)

	require.NoError(t, s.DeleteFile(ctx, "detectors/mice.zip"))
	_, err = ReadFile(ctx, s, "detectors/mice.zip")
	require.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestUnfinishedWriteIsInvisible(t *testing.T) {
	ctx := context.Background()
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	w, err := s.WriteFile(ctx, "a.zip")
	require.NoError(t, err)
	w.Write([]byte("partial"))
	names, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, names)
	require.NoError(t, w.Close())
	names, err = s.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{"a.zip"}, names)
}

func TestInvalidNames(t *testing.T) {
	ctx := context.Background()
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	for _, name := range []string{"", "../x", "/etc/passwd", "a//b", "a\\b"} {
		_, err := s.WriteFile(ctx, name)
		require.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestCancelledWriteIsDiscarded(t *testing.T) {
	s, err := NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	w, err := s.WriteFile(ctx, "a.zip")
	require.NoError(t, err)
	w.Write([]byte("partial"))
	cancel()
	require.ErrorIs(t, w.Close(), context.Canceled)
	_, err = s.ReadFile(context.Background(), "a.zip")
	require.True(t, errors.Is(err, fs.ErrNotExist))
}
