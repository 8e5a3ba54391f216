// Package detectron drives an external Detectron2 bridge program as a subprocess.
//
// The bridge is any executable that understands three sub-commands:
//
//	device                                          print "cuda" or "cpu"
//	train --config F --dataset F --output D --device X  train to completion, writing D/model_final.pth
//	serve --config F --weights F --device X             JSON lines predictor on stdin/stdout
//
// The serve protocol starts with one line {"ready":true} (or {"error":"..."}).
// After that, each request line {"image":"/path"} is answered by exactly one line
// {"objects":[...],"error":""}.
package detectron

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/detectorlab/pkg/shell"
	"github.com/cyclopcam/logs"
)

// Config tells us how to launch the bridge program
type Config struct {
	Command []string `json:"command"` // Program and leading arguments, eg ["python3", "-m", "detectorlab_bridge"]
	WorkDir string   `json:"workDir"` // Working directory of the bridge. Empty = inherit.
	Env     []string `json:"env"`     // Extra environment variables (KEY=VALUE), added to our own environment
}

// Framework implements nn.Framework on top of the bridge program
type Framework struct {
	log    logs.Log
	config Config
}

func New(log logs.Log, config Config) (*Framework, error) {
	if len(config.Command) == 0 || config.Command[0] == "" {
		return nil, errors.New("Framework command is empty")
	}
	return &Framework{
		log:    log,
		config: config,
	}, nil
}

func (f *Framework) env() []string {
	if len(f.config.Env) == 0 {
		return nil
	}
	return append(os.Environ(), f.config.Env...)
}

func (f *Framework) args(sub ...string) []string {
	return append(append([]string{}, f.config.Command[1:]...), sub...)
}

func (f *Framework) run(ctx context.Context, onLine func(string), sub ...string) error {
	return shell.RunLines(ctx, onLine, f.config.WorkDir, f.env(), f.config.Command[0], f.args(sub...)...)
}

func (f *Framework) HasAccelerator(ctx context.Context) (bool, error) {
	last := ""
	err := f.run(ctx, func(line string) {
		if s := strings.TrimSpace(line); s != "" {
			last = s
		}
	}, "device")
	if err != nil {
		return false, fmt.Errorf("Failed to query framework device: %w", err)
	}
	switch nn.Device(last) {
	case nn.DeviceCUDA:
		return true, nil
	case nn.DeviceCPU:
		return false, nil
	}
	return false, fmt.Errorf("Unexpected device '%v' from framework", last)
}

func (f *Framework) Train(ctx context.Context, job *nn.TrainJob) error {
	onLine := job.OnLog
	if onLine == nil {
		onLine = func(line string) {
			f.log.Infof("train: %v", line)
		}
	}
	err := f.run(ctx, onLine,
		"train",
		"--config", job.ConfigFile,
		"--dataset", job.DatasetFile,
		"--output", job.OutputDir,
		"--device", string(job.Device))
	if err != nil {
		return err
	}
	checkpoint := filepath.Join(job.OutputDir, nn.CheckpointFilename)
	if _, err := os.Stat(checkpoint); err != nil {
		return fmt.Errorf("Training finished without producing %v: %w", nn.CheckpointFilename, err)
	}
	return nil
}

func (f *Framework) LoadPredictor(ctx context.Context, configFile, weightsFile string, device nn.Device, classes []string) (nn.Predictor, error) {
	return startPredictor(ctx, f.log, f.config, f.env(), f.args(
		"serve",
		"--config", configFile,
		"--weights", weightsFile,
		"--device", string(device)), classes)
}
