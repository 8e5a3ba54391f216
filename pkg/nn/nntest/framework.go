// Package nntest provides an in-process nn.Framework for tests, so that detector
// lifecycle code can be exercised without a deep learning runtime.
package nntest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cyclopcam/detectorlab/pkg/nn"
)

var ErrFakeFailure = errors.New("fake framework failure")

// Framework is a fake nn.Framework.
// Training writes a small checkpoint file, and prediction returns canned detections.
type Framework struct {
	Accelerator  bool                            // Report an accelerator
	DetectFails  bool                            // HasAccelerator returns an error
	TrainFails   bool                            // Train returns ErrFakeFailure (after logging)
	SkipWeights  bool                            // Train "succeeds" without writing a checkpoint
	FailOnDevice nn.Device                       // LoadPredictor fails for this device
	Detections   map[string][]nn.ObjectDetection // Canned results, keyed by image basename
	BeforeTrain  func(job *nn.TrainJob)          // Called at the start of Train

	lock       sync.Mutex
	trainCalls int
	loadCalls  int
	lastJob    *nn.TrainJob
	devices    []nn.Device
}

func (f *Framework) HasAccelerator(ctx context.Context) (bool, error) {
	if f.DetectFails {
		return false, ErrFakeFailure
	}
	return f.Accelerator, nil
}

func (f *Framework) Train(ctx context.Context, job *nn.TrainJob) error {
	f.lock.Lock()
	f.trainCalls++
	jobCopy := *job
	f.lastJob = &jobCopy
	f.lock.Unlock()

	if f.BeforeTrain != nil {
		f.BeforeTrain(job)
	}
	if job.OnLog != nil {
		job.OnLog("iter: 0 total_loss: 1.0")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if f.TrainFails {
		return ErrFakeFailure
	}
	for _, fn := range []string{job.ConfigFile, job.DatasetFile} {
		if _, err := os.Stat(fn); err != nil {
			return fmt.Errorf("fake framework input missing: %w", err)
		}
	}
	if f.SkipWeights {
		return nil
	}
	return os.WriteFile(filepath.Join(job.OutputDir, nn.CheckpointFilename), []byte("fake weights"), 0644)
}

func (f *Framework) LoadPredictor(ctx context.Context, configFile, weightsFile string, device nn.Device, classes []string) (nn.Predictor, error) {
	f.lock.Lock()
	f.loadCalls++
	f.devices = append(f.devices, device)
	f.lock.Unlock()
	if f.FailOnDevice != "" && device == f.FailOnDevice {
		return nil, ErrFakeFailure
	}
	return &Predictor{classes: classes, detections: f.Detections}, nil
}

func (f *Framework) TrainCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.trainCalls
}

func (f *Framework) LoadCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.loadCalls
}

// LastJob returns a copy of the most recent TrainJob, or nil
func (f *Framework) LastJob() *nn.TrainJob {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lastJob
}

// Devices returns the devices that LoadPredictor was asked for, in order
func (f *Framework) Devices() []nn.Device {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]nn.Device{}, f.devices...)
}

type Predictor struct {
	classes    []string
	detections map[string][]nn.ObjectDetection
	closed     bool
}

func (p *Predictor) Close() error {
	p.closed = true
	return nil
}

func (p *Predictor) DetectObjects(ctx context.Context, imagePath string) ([]nn.ObjectDetection, error) {
	if p.closed {
		return nil, errors.New("predictor is closed")
	}
	if _, err := os.Stat(imagePath); err != nil {
		return nil, err
	}
	return p.detections[filepath.Base(imagePath)], nil
}

func (p *Predictor) Classes() []string {
	return p.classes
}
