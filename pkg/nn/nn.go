package nn

import (
	"context"
)

// Package nn is the interface layer between detectorlab and whatever runtime executes
// the neural network. To load a predictor for a trained detector, use the nnload package.

// Matches SCORE_THRESH_TEST of the training configuration
const DefaultProbabilityThreshold = 0.5

// Device is the compute device that a network is trained or run on.
// The names match the device strings of the deep learning runtime.
type Device string

const (
	DeviceCPU  Device = "cpu"
	DeviceCUDA Device = "cuda"
)

// Predictor runs inference on single images.
type Predictor interface {
	// Close stops the predictor. You MUST call this when finished, because there is
	// usually a child process underneath.
	Close() error

	// DetectObjects returns the objects found in the image file at imagePath.
	// Object classes are indices into Classes().
	DetectObjects(ctx context.Context, imagePath string) ([]ObjectDetection, error)

	// Classes returns the class names that the predictor was trained on.
	// Callers assume that this remains constant for the lifetime of the predictor.
	Classes() []string
}

// TrainJob is everything that a Framework needs to train a network
type TrainJob struct {
	ConfigFile  string            // Effective configuration (YAML), written by the caller
	DatasetFile string            // JSON dump of the registered training dataset
	OutputDir   string            // The framework writes its checkpoint (CheckpointFilename) here
	Device      Device            // Device to train on
	OnLog       func(line string) // Receives the framework's progress output. May be nil.
}

// Filename of the final checkpoint that a Framework produces inside TrainJob.OutputDir
const CheckpointFilename = "model_final.pth"

// Framework is the deep learning runtime that actually trains and runs networks.
// detectorlab never looks inside the checkpoint or configuration formats of the framework.
type Framework interface {
	// HasAccelerator returns true if the framework can use a GPU (or similar) on this machine
	HasAccelerator(ctx context.Context) (bool, error)

	// Train runs the training procedure to completion
	Train(ctx context.Context, job *TrainJob) error

	// LoadPredictor loads a trained network
	LoadPredictor(ctx context.Context, configFile, weightsFile string, device Device, classes []string) (Predictor, error)
}
