package detector

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cyclopcam/detectorlab/pkg/nnload"
)

const ParametersFilename = "model_parameters.txt"

// Parameters is the content of model_parameters.txt
type Parameters struct {
	AnimalNames          []string          `json:"animal_names"`
	AnimalMapping        map[string]string `json:"animal_mapping"` // Class index (as a decimal string) to name
	InferencingFramesize int               `json:"inferencing_framesize"`
}

// MakeParameters builds the metadata of a detector trained on the given classes
func MakeParameters(classes []string, inferenceSize int) *Parameters {
	p := &Parameters{
		AnimalNames:          append([]string{}, classes...),
		AnimalMapping:        map[string]string{},
		InferencingFramesize: inferenceSize,
	}
	for i, c := range classes {
		p.AnimalMapping[strconv.Itoa(i)] = c
	}
	return p
}

// ClassNames returns the class names in index order, as given by AnimalMapping.
// If the mapping is inconsistent with AnimalNames, we return an error.
func (p *Parameters) ClassNames() ([]string, error) {
	if len(p.AnimalMapping) != len(p.AnimalNames) {
		return nil, fmt.Errorf("%w: %v animal names, but %v mapping entries", ErrMalformed, len(p.AnimalNames), len(p.AnimalMapping))
	}
	names := make([]string, len(p.AnimalNames))
	for i := range names {
		name, ok := p.AnimalMapping[strconv.Itoa(i)]
		if !ok {
			return nil, fmt.Errorf("%w: animal mapping has no entry for class %v", ErrMalformed, i)
		}
		names[i] = name
	}
	return names, nil
}

// Status of a detector directory
type Status string

const (
	StatusReady      Status = "ready"      // All model files are present
	StatusIncomplete Status = "incomplete" // The directory exists, but some model files are missing
	StatusMissing    Status = "missing"    // There is no directory
)

// Detector is a handle to a detector directory, which may or may not exist
type Detector struct {
	store *Store
	path  string
}

func (d *Detector) String() string {
	return d.Name()
}

// Name is the directory basename
func (d *Detector) Name() string {
	return filepath.Base(d.path)
}

func (d *Detector) Path() string {
	return d.path
}

// Parameters reads model_parameters.txt.
// If the file is missing, the error satisfies errors.Is(err, ErrNotFound).
// If it cannot be parsed, the error satisfies errors.Is(err, ErrMalformed).
func (d *Detector) Parameters() (*Parameters, error) {
	raw, err := os.ReadFile(filepath.Join(d.path, ParametersFilename))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: detector '%v' has no %v", ErrNotFound, d.Name(), ParametersFilename)
	} else if err != nil {
		return nil, err
	}
	p := &Parameters{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v of detector '%v': %v", ErrMalformed, ParametersFilename, d.Name(), err)
	}
	if p.AnimalNames == nil {
		return nil, fmt.Errorf("%w: %v of detector '%v' has no animal_names", ErrMalformed, ParametersFilename, d.Name())
	}
	return p, nil
}

// AnimalNames returns the ordered class names that the detector was trained on
func (d *Detector) AnimalNames() ([]string, error) {
	p, err := d.Parameters()
	if err != nil {
		return nil, err
	}
	return p.AnimalNames, nil
}

func (d *Detector) Status() Status {
	st, err := os.Stat(d.path)
	if err != nil || !st.IsDir() {
		return StatusMissing
	}
	configFile, weightsFile := nnload.ModelFiles(d.path)
	for _, fn := range []string{configFile, weightsFile, filepath.Join(d.path, ParametersFilename)} {
		if _, err := os.Stat(fn); err != nil {
			return StatusIncomplete
		}
	}
	return StatusReady
}

// Delete removes the detector directory and everything inside it.
// There is no undo. Delete fails with ErrBusy while a Train or Test is running.
func (d *Detector) Delete() error {
	lock, err := d.store.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()
	if _, err := os.Stat(d.path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: detector '%v' does not exist", ErrNotFound, d.Name())
	}
	d.store.Log.Infof("Deleting detector %v", d.path)
	return os.RemoveAll(d.path)
}
