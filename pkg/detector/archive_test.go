package detector

import (
	"archive/zip"
	"bytes"
	"context"
	"testing"

	"github.com/cyclopcam/detectorlab/pkg/storage"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func TestArchiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	d := e.train(t, "mice")

	blobs, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Export(ctx, blobs, ArchiveName("mice")))

	imported, err := e.store.Import(ctx, blobs, ArchiveName("mice"), "mice-copy")
	require.NoError(t, err)
	require.Equal(t, StatusReady, imported.Status())
	names, err := imported.AnimalNames()
	require.NoError(t, err)
	require.Equal(t, []string{"mouse", "fly"}, names)

	list, err := e.store.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"mice", "mice-copy"}, list)
	require.Empty(t, e.stagingDirs(t))

	_, err = e.store.Import(ctx, blobs, ArchiveName("mice"), "mice")
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = e.store.Import(ctx, blobs, "nope.zip", "other")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = e.store.Import(ctx, blobs, ArchiveName("mice"), "__pycache__")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestExportIncomplete(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	blobs, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)
	d, err := e.store.Detector("mice", "")
	require.NoError(t, err)
	require.ErrorIs(t, d.Export(ctx, blobs, "mice.zip"), ErrNotFound)
	list, err := blobs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestImportBadArchives(t *testing.T) {
	ctx := context.Background()
	e := newTestEnv(t)
	blobs, err := storage.NewStorageFS(logs.NewTestingLog(t), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, storage.WriteFile(ctx, blobs, "garbage.zip", bytes.NewReader([]byte("not a zip"))))
	_, err = e.store.Import(ctx, blobs, "garbage.zip", "a")
	require.ErrorIs(t, err, ErrMalformed)

	// Valid zip, but no checkpoint
	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	w, _ := zw.Create(ParametersFilename)
	w.Write([]byte(`{"animal_names":["mouse"],"animal_mapping":{"0":"mouse"},"inferencing_framesize":640}`))
	require.NoError(t, zw.Close())
	require.NoError(t, storage.WriteFile(ctx, blobs, "partial.zip", bytes.NewReader(buf.Bytes())))
	_, err = e.store.Import(ctx, blobs, "partial.zip", "b")
	require.ErrorIs(t, err, ErrMalformed)

	// Path traversal
	buf.Reset()
	zw = zip.NewWriter(buf)
	w, _ = zw.Create("../evil.txt")
	w.Write([]byte("x"))
	require.NoError(t, zw.Close())
	require.NoError(t, storage.WriteFile(ctx, blobs, "evil.zip", bytes.NewReader(buf.Bytes())))
	_, err = e.store.Import(ctx, blobs, "evil.zip", "c")
	require.ErrorIs(t, err, ErrMalformed)

	names, err := e.store.Names()
	require.NoError(t, err)
	require.Empty(t, names)
	require.Empty(t, e.stagingDirs(t))
}
