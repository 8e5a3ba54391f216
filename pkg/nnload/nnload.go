package nnload

// Package nnload picks the device that a detector runs on, and loads a trained detector
// through the Framework, so that callers don't need to know about the runtime details.
//
// This is the place where we detect the presence of an accelerator (eg CUDA),
// and then use that if it is available. Otherwise we fall back to the CPU.

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/logs"
	"github.com/klauspost/cpuid/v2"
)

// Filename of the effective configuration inside a detector directory
const ConfigFilename = "config.yaml"

// SelectDevice returns the accelerator if the framework reports one, otherwise the CPU.
// Failure to detect an accelerator is not an error: we just use the CPU.
func SelectDevice(ctx context.Context, log logs.Log, fw nn.Framework) nn.Device {
	has, err := fw.HasAccelerator(ctx)
	if err != nil {
		log.Warnf("Failed to detect NN accelerator: %v", err)
		log.Infof("Falling back to CPU")
	} else if has {
		log.Infof("Using CUDA accelerator")
		return nn.DeviceCUDA
	}
	log.Infof("Using CPU: %v (%v physical cores, %v threads)", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores)
	if runtime.GOARCH == "amd64" && !cpuid.CPU.Supports(cpuid.AVX2) {
		log.Warnf("CPU has no AVX2 support. Training will be very slow")
	}
	return nn.DeviceCPU
}

// ModelFiles returns the configuration and checkpoint paths of a detector directory
func ModelFiles(detectorDir string) (configFile, weightsFile string) {
	return filepath.Join(detectorDir, ConfigFilename), filepath.Join(detectorDir, nn.CheckpointFilename)
}

// LoadPredictor loads the trained network inside detectorDir.
// The checkpoint and configuration must already exist. If they don't, the returned error
// satisfies errors.Is(err, fs.ErrNotExist), and the framework is not invoked.
func LoadPredictor(ctx context.Context, log logs.Log, fw nn.Framework, detectorDir string, classes []string) (nn.Predictor, error) {
	configFile, weightsFile := ModelFiles(detectorDir)
	for _, fn := range []string{configFile, weightsFile} {
		if _, err := os.Stat(fn); err != nil {
			return nil, fmt.Errorf("Detector model file missing: %w", err)
		}
	}
	device := SelectDevice(ctx, log, fw)
	predictor, err := fw.LoadPredictor(ctx, configFile, weightsFile, device, classes)
	if err == nil || device == nn.DeviceCPU {
		return predictor, err
	}
	log.Warnf("Failed to load accelerated NN model '%v': %v", detectorDir, err)
	log.Infof("Falling back to CPU")
	return fw.LoadPredictor(ctx, configFile, weightsFile, nn.DeviceCPU, classes)
}
