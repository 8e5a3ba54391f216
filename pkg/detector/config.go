package detector

import (
	"fmt"
	"os"

	"github.com/cyclopcam/detectorlab/pkg/nn"
	"gopkg.in/yaml.v3"
)

// Base architecture and pretrained weights, from the Detectron2 model zoo
const (
	BaseConfig  = "COCO-InstanceSegmentation/mask_rcnn_R_50_FPN_3x.yaml"
	BaseWeights = "detectron2://COCO-InstanceSegmentation/mask_rcnn_R_50_FPN_3x/137849600/model_final_f10217.pkl"
)

// Training hyperparameters that are not exposed to the user
const (
	BaseLR            = 0.001
	WarmupFraction    = 0.1
	FirstStepFraction = 0.4
	LastStepFraction  = 0.8
	Gamma             = 0.5 // Learning rate multiplier at each step
	ImagesPerBatch    = 4
	NumWorkers        = 4
	BatchSizePerImage = 128
)

// TrainConfig is the effective configuration of a training run, written to config.yaml.
// Keys follow the Detectron2 config schema, so that the framework can merge it over BaseConfig.
type TrainConfig struct {
	Base       string           `yaml:"_BASE_"`
	OutputDir  string           `yaml:"OUTPUT_DIR"`
	Datasets   DatasetsConfig   `yaml:"DATASETS"`
	DataLoader DataLoaderConfig `yaml:"DATALOADER"`
	Model      ModelConfig      `yaml:"MODEL"`
	Solver     SolverConfig     `yaml:"SOLVER"`
	Input      InputConfig      `yaml:"INPUT"`
}

type DatasetsConfig struct {
	Train []string `yaml:"TRAIN"`
	Test  []string `yaml:"TEST"`
}

type DataLoaderConfig struct {
	NumWorkers int `yaml:"NUM_WORKERS"`
}

type ModelConfig struct {
	Weights  string         `yaml:"WEIGHTS"`
	Device   nn.Device      `yaml:"DEVICE"`
	ROIHeads ROIHeadsConfig `yaml:"ROI_HEADS"`
}

type ROIHeadsConfig struct {
	BatchSizePerImage int     `yaml:"BATCH_SIZE_PER_IMAGE"`
	NumClasses        int     `yaml:"NUM_CLASSES"`
	ScoreThreshTest   float64 `yaml:"SCORE_THRESH_TEST"`
}

type SolverConfig struct {
	MaxIter     int     `yaml:"MAX_ITER"`
	BaseLR      float64 `yaml:"BASE_LR"`
	WarmupIters int     `yaml:"WARMUP_ITERS"`
	Steps       []int   `yaml:"STEPS,flow"`
	Gamma       float64 `yaml:"GAMMA"`
	ImsPerBatch int     `yaml:"IMS_PER_BATCH"`
}

type InputConfig struct {
	MinSizeTrain []int `yaml:"MIN_SIZE_TRAIN,flow"`
	MaxSizeTrain int   `yaml:"MAX_SIZE_TRAIN"`
	MinSizeTest  int   `yaml:"MIN_SIZE_TEST"`
	MaxSizeTest  int   `yaml:"MAX_SIZE_TEST"`
}

// MakeTrainConfig builds the effective configuration for training maxIter steps.
// The learning rate warms up over the first 10% of iterations, and is halved at 40% and 80%.
func MakeTrainConfig(outputDir string, numClasses, maxIter, inferenceSize int, device nn.Device) *TrainConfig {
	return &TrainConfig{
		Base:      BaseConfig,
		OutputDir: outputDir,
		Datasets: DatasetsConfig{
			Train: []string{TrainDatasetName},
			Test:  []string{},
		},
		DataLoader: DataLoaderConfig{NumWorkers: NumWorkers},
		Model: ModelConfig{
			Weights: BaseWeights,
			Device:  device,
			ROIHeads: ROIHeadsConfig{
				BatchSizePerImage: BatchSizePerImage,
				NumClasses:        numClasses,
				ScoreThreshTest:   nn.DefaultProbabilityThreshold,
			},
		},
		Solver: SolverConfig{
			MaxIter:     maxIter,
			BaseLR:      BaseLR,
			WarmupIters: int(float64(maxIter) * WarmupFraction),
			Steps: []int{
				int(float64(maxIter) * FirstStepFraction),
				int(float64(maxIter) * LastStepFraction),
			},
			Gamma:       Gamma,
			ImsPerBatch: ImagesPerBatch,
		},
		Input: InputConfig{
			MinSizeTrain: []int{inferenceSize},
			MaxSizeTrain: inferenceSize,
			MinSizeTest:  inferenceSize,
			MaxSizeTest:  inferenceSize,
		},
	}
}

func (c *TrainConfig) Save(filename string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, raw, 0644)
}

// LoadTrainConfig reads config.yaml back
func LoadTrainConfig(filename string) (*TrainConfig, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	c := &TrainConfig{}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("Error parsing %v: %w", filename, err)
	}
	return c, nil
}
