package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/detectorlab/pkg/dataset"
	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/detectorlab/pkg/nnload"
)

// Names of the datasets registered during Train and Test
const (
	TrainDatasetName = "detectorlab_train"
	TestDatasetName  = "detectorlab_test"
)

// Written into the staging directory for the framework, and removed before publishing
const datasetFilename = "dataset.json"

// The network downsamples by this factor, so input sizes should be a multiple of it
const networkStride = 32

type TrainOptions struct {
	AnnotationPath string            // COCO annotation file
	ImagesPath     string            // Directory of the images referenced by AnnotationPath
	MaxIterations  int               // Number of training iterations
	InferenceSize  int               // Images are resized to this many pixels before detection
	OnLog          func(line string) // Optional. Receives progress messages and framework output.
}

// Train creates the detector by training a new network.
// The detector must not exist yet. If training fails for any reason, no detector directory is created.
func (d *Detector) Train(ctx context.Context, opts TrainOptions) error {
	rep := reporter{log: d.store.Log, onLog: opts.OnLog}

	lock, err := d.store.lock()
	if err != nil {
		return err
	}
	defer lock.Unlock()

	// An existing detector wins over any problem with the options
	if _, err := os.Stat(d.path); err == nil {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, d.path)
	}

	if opts.MaxIterations <= 0 {
		return fmt.Errorf("%w: number of training iterations must be positive (%v)", ErrInvalidArgument, opts.MaxIterations)
	}
	if opts.InferenceSize <= 0 {
		return fmt.Errorf("%w: inference size must be positive (%v)", ErrInvalidArgument, opts.InferenceSize)
	}
	if opts.InferenceSize%networkStride != 0 {
		rep.warnf("Inference size %v is not a multiple of %v", opts.InferenceSize, networkStride)
	}
	if err := checkImagesDir(opts.ImagesPath); err != nil {
		return err
	}

	registry := dataset.NewRegistry()
	ds, err := registerDataset(registry, TrainDatasetName, opts.ImagesPath, opts.AnnotationPath)
	if err != nil {
		return err
	}
	defer registry.Unregister(TrainDatasetName)

	classes := ds.Classes
	if len(classes) == 0 {
		return fmt.Errorf("%w: %v defines no categories", ErrInvalidArgument, opts.AnnotationPath)
	}
	rep.infof("Animal names in annotation files: %v", strings.Join(classes, ","))

	staging, err := os.MkdirTemp(filepath.Dir(d.path), stagingPrefix+d.Name()+"-")
	if err != nil {
		return fmt.Errorf("Failed to create staging directory: %w", err)
	}
	published := false
	defer func() {
		if !published {
			os.RemoveAll(staging)
		}
	}()

	device := nnload.SelectDevice(ctx, d.store.Log, d.store.Framework)
	config := MakeTrainConfig(d.path, len(classes), opts.MaxIterations, opts.InferenceSize, device)
	configFile, weightsFile := nnload.ModelFiles(staging)
	if err := config.Save(configFile); err != nil {
		return fmt.Errorf("Failed to write training configuration: %w", err)
	}
	datasetFile := filepath.Join(staging, datasetFilename)
	if err := writeJSON(datasetFile, ds); err != nil {
		return fmt.Errorf("Failed to write dataset: %w", err)
	}

	rep.infof("Training detector '%v' on %v images for %v iterations (device %v)", d.Name(), len(ds.Records), opts.MaxIterations, device)
	job := &nn.TrainJob{
		ConfigFile:  configFile,
		DatasetFile: datasetFile,
		OutputDir:   staging,
		Device:      device,
		OnLog:       rep.line,
	}
	if err := d.store.Framework.Train(ctx, job); err != nil {
		return fmt.Errorf("Training failed: %w", err)
	}
	if _, err := os.Stat(weightsFile); err != nil {
		return fmt.Errorf("Training produced no checkpoint: %w", err)
	}
	if err := os.Remove(datasetFile); err != nil {
		return err
	}

	if err := writeJSON(filepath.Join(staging, ParametersFilename), MakeParameters(classes, opts.InferenceSize)); err != nil {
		return fmt.Errorf("Failed to write %v: %w", ParametersFilename, err)
	}

	// Somebody may have created the directory behind our back, and rename would happily replace an empty one
	if _, err := os.Stat(d.path); err == nil {
		return fmt.Errorf("%w: %v", ErrAlreadyExists, d.path)
	}
	if err := os.Rename(staging, d.path); err != nil {
		return fmt.Errorf("Failed to publish detector: %w", err)
	}
	published = true
	rep.infof("Detector training completed!")
	return nil
}

func checkImagesDir(dir string) error {
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: image directory %v", ErrNotFound, dir)
	} else if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%w: %v is not a directory", ErrInvalidArgument, dir)
	}
	return nil
}

func registerDataset(registry *dataset.Registry, name, imagesPath, annotationPath string) (*dataset.Dataset, error) {
	ds, err := registry.Register(name, imagesPath, annotationPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: annotation file %v", ErrNotFound, annotationPath)
	}
	return ds, err
}

func writeJSON(filename string, obj any) error {
	raw, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}
