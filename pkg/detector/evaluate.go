package detector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cyclopcam/detectorlab/pkg/cocoeval"
	"github.com/cyclopcam/detectorlab/pkg/dataset"
	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/detectorlab/pkg/nnload"
	"github.com/cyclopcam/detectorlab/pkg/visualize"
)

// Raw predictions of a test run are written to this file inside the results folder
const PredictionsFilename = "predictions.json"

type TestOptions struct {
	AnnotationPath string            // COCO annotation file of the test images
	ImagesPath     string            // Directory of the images referenced by AnnotationPath
	ResultsPath    string            // Annotated images and predictions are written here. Created if necessary.
	OnLog          func(line string) // Optional. Receives progress messages.
}

// TestResult is the outcome of Test
type TestResult struct {
	Detector      string           `json:"detector"`
	Classes       []string         `json:"classes"`
	InferenceSize int              `json:"inferenceSize"`
	Eval          *cocoeval.Result `json:"eval"`
}

// MAP is the mean average precision over IoU thresholds 0.50:0.95, in percent,
// or cocoeval.Undefined if the test set has no ground truth objects.
func (r *TestResult) MAP() float64 {
	return r.Eval.AP
}

// Test runs the detector over every image of a test set, writes an annotated copy of each image
// into the results folder, and measures the mean average precision against the ground truth.
// If the detector's model files are missing, Test fails with ErrNotFound before loading the network.
func (d *Detector) Test(ctx context.Context, opts TestOptions) (*TestResult, error) {
	rep := reporter{log: d.store.Log, onLog: opts.OnLog}
	if opts.ResultsPath == "" {
		return nil, fmt.Errorf("%w: no results folder", ErrInvalidArgument)
	}
	if err := checkImagesDir(opts.ImagesPath); err != nil {
		return nil, err
	}

	lock, err := d.store.lock()
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	configFile, weightsFile := nnload.ModelFiles(d.path)
	for _, fn := range []string{weightsFile, configFile, filepath.Join(d.path, ParametersFilename)} {
		if _, err := os.Stat(fn); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: detector '%v' has no %v", ErrNotFound, d.Name(), filepath.Base(fn))
		} else if err != nil {
			return nil, err
		}
	}

	params, err := d.Parameters()
	if err != nil {
		return nil, err
	}
	classes, err := params.ClassNames()
	if err != nil {
		return nil, err
	}
	// config.yaml belongs to the framework, and may have been produced by another tool
	if config, err := LoadTrainConfig(configFile); err != nil {
		rep.warnf("Unable to read config.yaml, so its input size can't be checked: %v", err)
	} else if config.Input.MinSizeTest != params.InferencingFramesize {
		rep.warnf("config.yaml test size %v differs from inferencing_framesize %v", config.Input.MinSizeTest, params.InferencingFramesize)
	}

	registry := dataset.NewRegistry()
	ds, err := registerDataset(registry, TestDatasetName, opts.ImagesPath, opts.AnnotationPath)
	if err != nil {
		return nil, err
	}
	defer registry.Unregister(TestDatasetName)

	rep.infof("The total categories of animals / objects in this Detector: %v", classes)
	rep.infof("The inferencing framesize of this Detector: %v", params.InferencingFramesize)

	evalSet := remapClasses(rep, ds, classes)

	if err := os.MkdirAll(opts.ResultsPath, 0755); err != nil {
		return nil, fmt.Errorf("Failed to create results folder: %w", err)
	}

	predictor, err := nnload.LoadPredictor(ctx, d.store.Log, d.store.Framework, d.path, classes)
	if err != nil {
		return nil, err
	}
	defer predictor.Close()

	predictions := map[int64][]nn.ObjectDetection{}
	labels := []nn.ImageLabels{}
	for i, rec := range evalSet.Records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		objects, err := predictor.DetectObjects(ctx, rec.FileName)
		if err != nil {
			return nil, fmt.Errorf("Inference failed on %v: %w", rec.FileName, err)
		}
		predictions[rec.ImageID] = objects
		labels = append(labels, nn.ImageLabels{Image: filepath.Base(rec.FileName), Objects: objects})
		out := filepath.Join(opts.ResultsPath, filepath.Base(rec.FileName))
		if _, err := visualize.AnnotateFile(rec.FileName, out, objects, classes); err != nil {
			return nil, fmt.Errorf("Failed to write %v: %w", out, err)
		}
		if (i+1)%50 == 0 {
			rep.infof("Tested %v/%v images", i+1, len(evalSet.Records))
		}
	}
	if err := writeJSON(filepath.Join(opts.ResultsPath, PredictionsFilename), labels); err != nil {
		return nil, err
	}

	result := &TestResult{
		Detector:      d.Name(),
		Classes:       classes,
		InferenceSize: params.InferencingFramesize,
		Eval:          cocoeval.Evaluate(evalSet, predictions),
	}
	if result.MAP() == cocoeval.Undefined {
		rep.warnf("The test annotations contain no objects of the Detector's categories, so mAP is undefined")
	} else {
		rep.infof("The mean average precision (mAP) of the Detector is: %.4f%%.", result.MAP())
	}
	rep.infof("Detector testing completed!")
	return result, nil
}

// Rewrite the ground truth of ds so that class indices refer to the detector's classes.
// Categories are matched by name. Ground truth of categories that the detector doesn't know is dropped.
func remapClasses(rep reporter, ds *dataset.Dataset, classes []string) *dataset.Dataset {
	nameToIndex := map[string]int{}
	for i, c := range classes {
		nameToIndex[c] = i
	}
	remap := make([]int, len(ds.Classes))
	for i, c := range ds.Classes {
		idx, ok := nameToIndex[c]
		if !ok {
			rep.warnf("Test category '%v' is not one of the Detector's categories. Its annotations are ignored.", c)
			idx = -1
		}
		remap[i] = idx
	}

	convert := func(objects []nn.ObjectDetection) []nn.ObjectDetection {
		out := []nn.ObjectDetection{}
		for _, o := range objects {
			if o.Class < 0 || o.Class >= len(remap) || remap[o.Class] < 0 {
				continue
			}
			o.Class = remap[o.Class]
			out = append(out, o)
		}
		return out
	}

	out := *ds
	out.Classes = classes
	out.Records = make([]dataset.Record, len(ds.Records))
	for i, rec := range ds.Records {
		rec.Objects = convert(rec.Objects)
		rec.Crowd = convert(rec.Crowd)
		out.Records[i] = rec
	}
	return &out
}
