// Package detector manages trained object detectors on disk.
//
// A detector is a directory under the store root, containing:
//
//	model_final.pth       Checkpoint, opaque to us
//	config.yaml           Effective training configuration
//	model_parameters.txt  Class names and inference size (JSON)
//
// Training happens in a hidden staging directory, which is renamed into place
// only once all three files exist. Train and Test hold an exclusive lock on the
// store root, so only one of them runs at a time, across processes.
package detector

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cyclopcam/detectorlab/pkg/flock"
	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/logs"
)

const (
	lockFilename  = ".lock"
	stagingPrefix = ".staging-"
)

// Directory names that are never detectors.
// "__init.py__" is a misspelling that older installations created.
var reservedNames = map[string]bool{
	"__pycache__": true,
	"__init__":    true,
	"__init__.py": true,
	"__init.py__": true,
}

// Store is the root directory that holds detectors
type Store struct {
	Log       logs.Log
	Root      string
	Framework nn.Framework
}

// OpenStore creates root if necessary, and removes staging directories
// left behind by a training run that was killed.
func OpenStore(log logs.Log, root string, framework nn.Framework) (*Store, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create detector root %v: %w", absRoot, err)
	}
	s := &Store{
		Log:       log,
		Root:      absRoot,
		Framework: framework,
	}
	s.removeStaleStaging()
	return s, nil
}

func (s *Store) removeStaleStaging() {
	lock, err := s.lock()
	if err != nil {
		// Somebody is busy training, so the staging dirs might be alive
		return
	}
	defer lock.Unlock()
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), stagingPrefix) {
			s.Log.Warnf("Removing abandoned staging directory %v", e.Name())
			os.RemoveAll(filepath.Join(s.Root, e.Name()))
		}
	}
}

// IsReservedName returns true for directory names that are never listed as detectors
func IsReservedName(name string) bool {
	return reservedNames[name] || strings.HasPrefix(name, ".")
}

// ValidateName returns an ErrInvalidArgument error if name cannot be a detector directory
func ValidateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || name == ".." || IsReservedName(name) {
		return fmt.Errorf("%w: '%v' is not a valid detector name", ErrInvalidArgument, name)
	}
	return nil
}

// Names returns the names of all detectors in the store, sorted.
// This includes detectors which are incomplete (see Detector.Status).
func (s *Store) Names() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() || IsReservedName(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Detector returns a handle to a detector, identified either by its name inside the store,
// or by an explicit path. Exactly one of name and path must be given.
// A detector referenced by name need not exist yet (eg before training it).
func (s *Store) Detector(name, path string) (*Detector, error) {
	if (name == "") == (path == "") {
		return nil, fmt.Errorf("%w: specify either a detector name or a path, but not both", ErrInvalidArgument)
	}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		st, err := os.Stat(abs)
		if err != nil || !st.IsDir() {
			return nil, fmt.Errorf("%w: detector path %v must be a directory", ErrInvalidArgument, path)
		}
		return &Detector{store: s, path: abs}, nil
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Detector{store: s, path: filepath.Join(s.Root, name)}, nil
}

// Acquire the store's exclusive lock, or fail immediately with ErrBusy
func (s *Store) lock() (*flock.Lock, error) {
	lock, err := flock.TryLock(filepath.Join(s.Root, lockFilename))
	if errors.Is(err, flock.ErrLocked) {
		return nil, ErrBusy
	}
	return lock, err
}
