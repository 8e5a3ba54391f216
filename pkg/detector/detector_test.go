package detector

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cyclopcam/detectorlab/pkg/coco"
	"github.com/cyclopcam/detectorlab/pkg/flock"
	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/detectorlab/pkg/nn/nntest"
	"github.com/cyclopcam/detectorlab/pkg/nnload"
	"github.com/cyclopcam/detectorlab/pkg/visualize"
	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

const annotations = `{
	"images": [
		{"id": 1, "file_name": "img1.jpg", "width": 64, "height": 48},
		{"id": 2, "file_name": "img2.jpg", "width": 64, "height": 48}
	],
	"annotations": [
		{"id": 1, "image_id": 1, "category_id": 1, "bbox": [4, 4, 20, 16], "area": 320, "iscrowd": 0},
		{"id": 2, "image_id": 2, "category_id": 2, "bbox": [30, 10, 20, 20], "area": 400, "iscrowd": 0}
	],
	"categories": [
		{"id": 0, "name": "bg"},
		{"id": 1, "name": "mouse"},
		{"id": 2, "name": "fly"}
	]
}`

// Detections that exactly match the ground truth of 'annotations'
var perfectDetections = map[string][]nn.ObjectDetection{
	"img1.jpg": {{Class: 0, Confidence: 0.95, Box: nn.Rect{X: 4, Y: 4, Width: 20, Height: 16}}},
	"img2.jpg": {{Class: 1, Confidence: 0.9, Box: nn.Rect{X: 30, Y: 10, Width: 20, Height: 20}}},
}

type testEnv struct {
	store      *Store
	fw         *nntest.Framework
	annotation string
	images     string
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	images := filepath.Join(dir, "images")
	require.NoError(t, os.MkdirAll(images, 0755))
	for _, fn := range []string{"img1.jpg", "img2.jpg"} {
		jpg, err := visualize.Encode(image.NewRGBA(image.Rect(0, 0, 64, 48)), false)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(images, fn), jpg, 0644))
	}
	annotation := filepath.Join(dir, "annotations.json")
	require.NoError(t, os.WriteFile(annotation, []byte(annotations), 0644))

	fw := &nntest.Framework{Detections: perfectDetections}
	store, err := OpenStore(logs.NewTestingLog(t), filepath.Join(dir, "detectors"), fw)
	require.NoError(t, err)
	return &testEnv{
		store:      store,
		fw:         fw,
		annotation: annotation,
		images:     images,
	}
}

func (e *testEnv) trainOptions() TrainOptions {
	return TrainOptions{
		AnnotationPath: e.annotation,
		ImagesPath:     e.images,
		MaxIterations:  100,
		InferenceSize:  640,
	}
}

func (e *testEnv) train(t *testing.T, name string) *Detector {
	d, err := e.store.Detector(name, "")
	require.NoError(t, err)
	require.NoError(t, d.Train(context.Background(), e.trainOptions()))
	return d
}

func (e *testEnv) stagingDirs(t *testing.T) []string {
	entries, err := os.ReadDir(e.store.Root)
	require.NoError(t, err)
	dirs := []string{}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), stagingPrefix) {
			dirs = append(dirs, entry.Name())
		}
	}
	return dirs
}

func TestConstruction(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.store.Detector("mice", t.TempDir())
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.store.Detector("", "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = e.store.Detector("", filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, ErrInvalidArgument)

	// A file is not a directory
	_, err = e.store.Detector("", e.annotation)
	require.ErrorIs(t, err, ErrInvalidArgument)

	for _, bad := range []string{"a/b", "..", "__pycache__", "__init__", ".staging-x", `a\b`} {
		_, err = e.store.Detector(bad, "")
		require.ErrorIs(t, err, ErrInvalidArgument, bad)
	}

	dir := filepath.Join(t.TempDir(), "flies")
	require.NoError(t, os.Mkdir(dir, 0755))
	d, err := e.store.Detector("", dir)
	require.NoError(t, err)
	require.Equal(t, "flies", d.Name())
	require.Equal(t, "flies", d.String())
	require.Equal(t, StatusIncomplete, d.Status())

	d, err = e.store.Detector("mice", "")
	require.NoError(t, err)
	require.Equal(t, "mice", d.Name())
	require.Equal(t, filepath.Join(e.store.Root, "mice"), d.Path())
	require.Equal(t, StatusMissing, d.Status())
}

func TestTrain(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")
	require.Equal(t, StatusReady, d.Status())

	expected, err := coco.ClassNames(e.annotation)
	require.NoError(t, err)
	require.Equal(t, []string{"mouse", "fly"}, expected)

	names, err := d.AnimalNames()
	require.NoError(t, err)
	require.Equal(t, expected, names)

	params, err := d.Parameters()
	require.NoError(t, err)
	require.Equal(t, len(params.AnimalNames), len(params.AnimalMapping))
	require.Equal(t, map[string]string{"0": "mouse", "1": "fly"}, params.AnimalMapping)
	require.Equal(t, 640, params.InferencingFramesize)

	// The training schedule
	configFile, _ := nnload.ModelFiles(d.Path())
	config, err := LoadTrainConfig(configFile)
	require.NoError(t, err)
	require.Equal(t, 100, config.Solver.MaxIter)
	require.Equal(t, 10, config.Solver.WarmupIters)
	require.Equal(t, []int{40, 80}, config.Solver.Steps)
	require.Equal(t, 0.5, config.Solver.Gamma)
	require.Equal(t, 0.001, config.Solver.BaseLR)
	require.Equal(t, 4, config.Solver.ImsPerBatch)
	require.Equal(t, 2, config.Model.ROIHeads.NumClasses)
	require.Equal(t, 128, config.Model.ROIHeads.BatchSizePerImage)
	require.Equal(t, nn.DeviceCPU, config.Model.Device)
	require.Equal(t, []int{640}, config.Input.MinSizeTrain)
	require.Equal(t, 640, config.Input.MaxSizeTest)
	require.Equal(t, []string{TrainDatasetName}, config.Datasets.Train)

	// Training happened away from the final directory, and left no scratch files behind
	job := e.fw.LastJob()
	require.NotNil(t, job)
	require.NotEqual(t, d.Path(), job.OutputDir)
	require.NoFileExists(t, filepath.Join(d.Path(), datasetFilename))
	require.Empty(t, e.stagingDirs(t))

	list, err := e.store.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"mice"}, list)
}

func TestTrainUsesAccelerator(t *testing.T) {
	e := newTestEnv(t)
	e.fw.Accelerator = true
	d := e.train(t, "mice")
	require.Equal(t, nn.DeviceCUDA, e.fw.LastJob().Device)
	configFile, _ := nnload.ModelFiles(d.Path())
	config, err := LoadTrainConfig(configFile)
	require.NoError(t, err)
	require.Equal(t, nn.DeviceCUDA, config.Model.Device)
}

func TestTrainAlreadyExists(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")
	paramsFile := filepath.Join(d.Path(), ParametersFilename)
	before, err := os.ReadFile(paramsFile)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.Path(), "notes.txt"), []byte("keep me"), 0644))

	opts := e.trainOptions()
	opts.InferenceSize = 320
	err = d.Train(context.Background(), opts)
	require.ErrorIs(t, err, ErrAlreadyExists)
	require.Equal(t, 1, e.fw.TrainCalls())

	after, err := os.ReadFile(paramsFile)
	require.NoError(t, err)
	require.Equal(t, before, after)
	notes, err := os.ReadFile(filepath.Join(d.Path(), "notes.txt"))
	require.NoError(t, err)
	require.Equal(t, "keep me", string(notes))
}

func TestTrainAlreadyExistsWithBadOptions(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")

	opts := e.trainOptions()
	opts.ImagesPath = filepath.Join(t.TempDir(), "missing")
	require.ErrorIs(t, d.Train(context.Background(), opts), ErrAlreadyExists)

	opts = e.trainOptions()
	opts.AnnotationPath = filepath.Join(t.TempDir(), "missing.json")
	opts.MaxIterations = 0
	require.ErrorIs(t, d.Train(context.Background(), opts), ErrAlreadyExists)

	require.Equal(t, 1, e.fw.TrainCalls())
	require.Equal(t, StatusReady, d.Status())
}

func TestTrainFailureLeavesNoDetector(t *testing.T) {
	for _, mode := range []string{"fail", "noweights"} {
		e := newTestEnv(t)
		e.fw.TrainFails = mode == "fail"
		e.fw.SkipWeights = mode == "noweights"
		d, err := e.store.Detector("mice", "")
		require.NoError(t, err)
		err = d.Train(context.Background(), e.trainOptions())
		require.Error(t, err, mode)
		if mode == "fail" {
			require.ErrorIs(t, err, nntest.ErrFakeFailure)
		}
		require.Equal(t, StatusMissing, d.Status())
		require.Empty(t, e.stagingDirs(t))
		names, err := e.store.Names()
		require.NoError(t, err)
		require.Empty(t, names)
	}
}

func TestTrainCancelled(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	e.fw.BeforeTrain = func(job *nn.TrainJob) { cancel() }
	d, err := e.store.Detector("mice", "")
	require.NoError(t, err)
	require.ErrorIs(t, d.Train(ctx, e.trainOptions()), context.Canceled)
	require.Equal(t, StatusMissing, d.Status())
	require.Empty(t, e.stagingDirs(t))
}

func TestTrainInvalidOptions(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.store.Detector("mice", "")
	require.NoError(t, err)
	ctx := context.Background()

	opts := e.trainOptions()
	opts.MaxIterations = 0
	require.ErrorIs(t, d.Train(ctx, opts), ErrInvalidArgument)

	opts = e.trainOptions()
	opts.InferenceSize = -1
	require.ErrorIs(t, d.Train(ctx, opts), ErrInvalidArgument)

	opts = e.trainOptions()
	opts.AnnotationPath = filepath.Join(t.TempDir(), "missing.json")
	require.ErrorIs(t, d.Train(ctx, opts), ErrNotFound)

	opts = e.trainOptions()
	opts.ImagesPath = filepath.Join(t.TempDir(), "missing")
	require.ErrorIs(t, d.Train(ctx, opts), ErrNotFound)

	require.Equal(t, 0, e.fw.TrainCalls())
	require.Equal(t, StatusMissing, d.Status())
}

func TestInferenceSizeWarning(t *testing.T) {
	e := newTestEnv(t)
	d, err := e.store.Detector("mice", "")
	require.NoError(t, err)
	lines := []string{}
	opts := e.trainOptions()
	opts.InferenceSize = 500
	opts.OnLog = func(line string) { lines = append(lines, line) }
	require.NoError(t, d.Train(context.Background(), opts))
	require.Contains(t, lines, "Warning: Inference size 500 is not a multiple of 32")
	require.Contains(t, lines, "Animal names in annotation files: mouse,fly")
	// Framework output is forwarded too
	require.Contains(t, lines, "iter: 0 total_loss: 1.0")
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")
	require.NoError(t, d.Delete())
	require.NoDirExists(t, d.Path())

	again, err := e.store.Detector("mice", "")
	require.NoError(t, err)
	_, err = again.AnimalNames()
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, StatusMissing, again.Status())
	require.ErrorIs(t, again.Delete(), ErrNotFound)
}

func TestNamesSkipsReserved(t *testing.T) {
	e := newTestEnv(t)
	for _, name := range []string{"__pycache__", "__init__", "__init__.py", "__init.py__", ".staging-x-123", "zebrafish", "mice"} {
		require.NoError(t, os.Mkdir(filepath.Join(e.store.Root, name), 0755))
	}
	require.NoError(t, os.WriteFile(filepath.Join(e.store.Root, "readme.txt"), []byte("x"), 0644))
	names, err := e.store.Names()
	require.NoError(t, err)
	require.Equal(t, []string{"mice", "zebrafish"}, names)
}

func TestOpenStoreRemovesStaleStaging(t *testing.T) {
	e := newTestEnv(t)
	stale := filepath.Join(e.store.Root, stagingPrefix+"mice-123")
	require.NoError(t, os.Mkdir(stale, 0755))
	_, err := OpenStore(logs.NewTestingLog(t), e.store.Root, e.fw)
	require.NoError(t, err)
	require.NoDirExists(t, stale)
}

func TestParametersErrors(t *testing.T) {
	e := newTestEnv(t)
	dir := filepath.Join(e.store.Root, "broken")
	require.NoError(t, os.Mkdir(dir, 0755))
	d, err := e.store.Detector("broken", "")
	require.NoError(t, err)

	_, err = d.AnimalNames()
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ParametersFilename), []byte("{not json"), 0644))
	_, err = d.AnimalNames()
	require.ErrorIs(t, err, ErrMalformed)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ParametersFilename), []byte(`{"inferencing_framesize": 640}`), 0644))
	_, err = d.AnimalNames()
	require.ErrorIs(t, err, ErrMalformed)

	// A mapping that disagrees with the names
	require.NoError(t, os.WriteFile(filepath.Join(dir, ParametersFilename), []byte(`{"animal_names":["a","b"],"animal_mapping":{"0":"a"},"inferencing_framesize":640}`), 0644))
	p, err := d.Parameters()
	require.NoError(t, err)
	_, err = p.ClassNames()
	require.ErrorIs(t, err, ErrMalformed)
}

func TestTestMissingModelFiles(t *testing.T) {
	e := newTestEnv(t)
	dir := filepath.Join(e.store.Root, "partial")
	require.NoError(t, os.Mkdir(dir, 0755))
	require.NoError(t, writeJSON(filepath.Join(dir, ParametersFilename), MakeParameters([]string{"mouse", "fly"}, 640)))
	d, err := e.store.Detector("partial", "")
	require.NoError(t, err)
	opts := TestOptions{
		AnnotationPath: e.annotation,
		ImagesPath:     e.images,
		ResultsPath:    filepath.Join(t.TempDir(), "results"),
	}

	// No checkpoint, no config
	_, err = d.Test(context.Background(), opts)
	require.ErrorIs(t, err, ErrNotFound)

	// Checkpoint but no config
	configFile, weightsFile := nnload.ModelFiles(dir)
	require.NoError(t, os.WriteFile(weightsFile, []byte("w"), 0644))
	_, err = d.Test(context.Background(), opts)
	require.ErrorIs(t, err, ErrNotFound)

	// Config but no checkpoint
	require.NoError(t, os.Remove(weightsFile))
	require.NoError(t, MakeTrainConfig(dir, 2, 100, 640, nn.DeviceCPU).Save(configFile))
	_, err = d.Test(context.Background(), opts)
	require.ErrorIs(t, err, ErrNotFound)

	require.Equal(t, 0, e.fw.LoadCalls())
	require.NoDirExists(t, opts.ResultsPath)
}

func TestTest(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")

	lines := []string{}
	results := filepath.Join(t.TempDir(), "results")
	res, err := d.Test(context.Background(), TestOptions{
		AnnotationPath: e.annotation,
		ImagesPath:     e.images,
		ResultsPath:    results,
		OnLog:          func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	require.Equal(t, "mice", res.Detector)
	require.Equal(t, []string{"mouse", "fly"}, res.Classes)
	require.Equal(t, 640, res.InferenceSize)
	require.InDelta(t, 100, res.MAP(), 1e-9)
	require.InDelta(t, 100, res.Eval.PerClass["fly"], 1e-9)
	require.Equal(t, 2, res.Eval.NumImages)
	require.Equal(t, 1, e.fw.LoadCalls())

	require.FileExists(t, filepath.Join(results, "img1.jpg"))
	require.FileExists(t, filepath.Join(results, "img2.jpg"))
	require.FileExists(t, filepath.Join(results, PredictionsFilename))
	require.Contains(t, lines, "The mean average precision (mAP) of the Detector is: 100.0000%.")
	require.Contains(t, lines, "The inferencing framesize of this Detector: 640")
}

func TestTestWithForeignConfig(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")
	configFile, _ := nnload.ModelFiles(d.Path())
	require.NoError(t, os.WriteFile(configFile, []byte("MODEL: [unclosed\n"), 0644))

	lines := []string{}
	res, err := d.Test(context.Background(), TestOptions{
		AnnotationPath: e.annotation,
		ImagesPath:     e.images,
		ResultsPath:    t.TempDir(),
		OnLog:          func(line string) { lines = append(lines, line) },
	})
	require.NoError(t, err)
	require.InDelta(t, 100, res.MAP(), 1e-9)
	warned := false
	for _, line := range lines {
		if strings.HasPrefix(line, "Warning: Unable to read config.yaml") {
			warned = true
		}
	}
	require.True(t, warned)
}

func TestTestWithMissedObjects(t *testing.T) {
	e := newTestEnv(t)
	d := e.train(t, "mice")
	// Only the mouse is found
	e.fw.Detections = map[string][]nn.ObjectDetection{"img1.jpg": perfectDetections["img1.jpg"]}
	res, err := d.Test(context.Background(), TestOptions{
		AnnotationPath: e.annotation,
		ImagesPath:     e.images,
		ResultsPath:    t.TempDir(),
	})
	require.NoError(t, err)
	require.InDelta(t, 50, res.MAP(), 1e-9)
	require.InDelta(t, 0, res.Eval.PerClass["fly"], 1e-9)
}

func TestBusy(t *testing.T) {
	e := newTestEnv(t)
	trained := e.train(t, "flies")

	lock, err := flock.TryLock(filepath.Join(e.store.Root, lockFilename))
	require.NoError(t, err)

	d, err := e.store.Detector("mice", "")
	require.NoError(t, err)
	require.ErrorIs(t, d.Train(context.Background(), e.trainOptions()), ErrBusy)
	_, err = trained.Test(context.Background(), TestOptions{AnnotationPath: e.annotation, ImagesPath: e.images, ResultsPath: t.TempDir()})
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, trained.Delete(), ErrBusy)
	require.Equal(t, 1, e.fw.TrainCalls())

	require.NoError(t, lock.Unlock())
	require.NoError(t, d.Train(context.Background(), e.trainOptions()))
}

func TestConcurrentTrainFailsFast(t *testing.T) {
	e := newTestEnv(t)
	inside := make(chan bool)
	release := make(chan bool)
	e.fw.BeforeTrain = func(job *nn.TrainJob) {
		if strings.Contains(job.OutputDir, "mice") {
			inside <- true
			<-release
		}
	}

	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		d, _ := e.store.Detector("mice", "")
		firstErr = d.Train(context.Background(), e.trainOptions())
	}()
	<-inside

	d, err := e.store.Detector("flies", "")
	require.NoError(t, err)
	err = d.Train(context.Background(), e.trainOptions())
	require.True(t, errors.Is(err, ErrBusy))

	close(release)
	wg.Wait()
	require.NoError(t, firstErr)
}
