//go:build unix

package flock

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExclusive(t *testing.T) {
	fn := filepath.Join(t.TempDir(), ".lock")
	a, err := TryLock(fn)
	require.NoError(t, err)

	_, err = TryLock(fn)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, a.Unlock())
	require.NoError(t, a.Unlock())

	b, err := TryLock(fn)
	require.NoError(t, err)
	require.NoError(t, b.Unlock())
}

func TestMissingDirectory(t *testing.T) {
	_, err := TryLock(filepath.Join(t.TempDir(), "nope", ".lock"))
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLocked)
}
