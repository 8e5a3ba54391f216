package detector

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/detectorlab/pkg/nnload"
	"github.com/cyclopcam/detectorlab/pkg/storage"
)

// ArchiveName is the default blob name of an exported detector
func ArchiveName(detectorName string) string {
	return detectorName + ".zip"
}

// Export writes the detector's files into a zip archive in blob storage.
// Only ready detectors can be exported.
func (d *Detector) Export(ctx context.Context, st storage.Storage, blobName string) error {
	lock, err := d.store.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	switch d.Status() {
	case StatusMissing:
		return fmt.Errorf("%w: detector '%v' does not exist", ErrNotFound, d.Name())
	case StatusIncomplete:
		return fmt.Errorf("%w: detector '%v' is incomplete", ErrNotFound, d.Name())
	}

	entries, err := os.ReadDir(d.path)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w, err := st.WriteFile(writeCtx, blobName)
	if err != nil {
		return err
	}
	zipWriter := zip.NewWriter(w)
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if err = addZipFile(zipWriter, filepath.Join(d.path, e.Name()), e.Name()); err != nil {
			break
		}
	}
	if err == nil {
		err = zipWriter.Close()
	}
	if err != nil {
		cancel()
		w.Close()
		return fmt.Errorf("Failed to export detector '%v': %w", d.Name(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("Failed to export detector '%v': %w", d.Name(), err)
	}
	d.store.Log.Infof("Exported detector '%v' to %v", d.Name(), blobName)
	return nil
}

func addZipFile(zipWriter *zip.Writer, src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	dst, err := zipWriter.Create(name)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, f)
	return err
}

// Import extracts a detector archive from blob storage into the store under the given name.
// Like Train, this fails with ErrAlreadyExists if the detector exists, and
// the detector only appears once all of its files have been extracted.
func (s *Store) Import(ctx context.Context, st storage.Storage, blobName, name string) (*Detector, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	lock, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	d := &Detector{store: s, path: filepath.Join(s.Root, name)}
	if _, err := os.Stat(d.path); err == nil {
		return nil, fmt.Errorf("%w: %v", ErrAlreadyExists, d.path)
	}

	staging, err := os.MkdirTemp(s.Root, stagingPrefix+name+"-")
	if err != nil {
		return nil, err
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(staging)
		}
	}()

	// zip needs random access, so download the archive first
	archiveFile, err := os.CreateTemp(s.Root, stagingPrefix+"archive-")
	if err != nil {
		return nil, err
	}
	defer os.Remove(archiveFile.Name())
	defer archiveFile.Close()

	blob, err := st.ReadFile(ctx, blobName)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: archive %v", ErrNotFound, blobName)
	} else if err != nil {
		return nil, err
	}
	size, err := io.Copy(archiveFile, blob.Reader)
	blob.Reader.Close()
	if err != nil {
		return nil, fmt.Errorf("Failed to download %v: %w", blobName, err)
	}

	zipReader, err := zip.NewReader(archiveFile, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v is not a zip archive: %v", ErrMalformed, blobName, err)
	}
	for _, zf := range zipReader.File {
		if err := extractZipFile(zf, staging); err != nil {
			return nil, err
		}
	}

	// Validate before publishing
	staged := &Detector{store: s, path: staging}
	if staged.Status() != StatusReady {
		configFile, weightsFile := nnload.ModelFiles("")
		return nil, fmt.Errorf("%w: archive %v must contain %v, %v and %v", ErrMalformed, blobName, weightsFile, configFile, ParametersFilename)
	}
	params, err := staged.Parameters()
	if err != nil {
		return nil, err
	}
	if _, err := params.ClassNames(); err != nil {
		return nil, err
	}

	if err := os.Rename(staging, d.path); err != nil {
		return nil, fmt.Errorf("Failed to publish detector: %w", err)
	}
	published = true
	s.Log.Infof("Imported detector '%v' from %v", name, blobName)
	return d, nil
}

func extractZipFile(zf *zip.File, dir string) error {
	name := zf.Name
	if zf.FileInfo().IsDir() {
		return nil
	}
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." || strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: unexpected archive entry '%v'", ErrMalformed, name)
	}
	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	errClose := dst.Close()
	if err != nil {
		return err
	}
	return errClose
}
