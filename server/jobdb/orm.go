package jobdb

import (
	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/detectorlab/pkg/cocoeval"
)

// BaseModel is our base class for a GORM model.
// The default GORM Model uses int, but we prefer int64
type BaseModel struct {
	ID int64 `gorm:"primaryKey" json:"id"`
}

type JobKind string

const (
	JobKindTrain  JobKind = "train"
	JobKindTest   JobKind = "test"
	JobKindExport JobKind = "export"
	JobKindImport JobKind = "import"
)

type JobState string

const (
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// SYNC-JOB
type Job struct {
	BaseModel
	Kind       JobKind                   `json:"kind"`
	Detector   string                    `json:"detector"`
	State      JobState                  `json:"state"`
	CreatedAt  dbh.IntTime               `json:"createdAt"`
	FinishedAt dbh.IntTime               `json:"finishedAt" gorm:"default:null"`
	Params     *dbh.JSONField[JobParams] `json:"params"`
	Result     *dbh.JSONField[JobResult] `json:"result" gorm:"default:null"`
	Error      string                    `json:"error" gorm:"default:null"`
}

// JobParams are the inputs of a job. Which fields are used depends on the job kind.
// SYNC-JOB-PARAMS
type JobParams struct {
	AnnotationPath string `json:"annotationPath,omitempty"`
	ImagesPath     string `json:"imagesPath,omitempty"`
	ResultsPath    string `json:"resultsPath,omitempty"`
	MaxIterations  int    `json:"maxIterations,omitempty"`
	InferenceSize  int    `json:"inferenceSize,omitempty"`
	Archive        string `json:"archive,omitempty"` // Blob name, for export and import
}

// JobResult is the output of a successful job
type JobResult struct {
	Eval *cocoeval.Result `json:"eval,omitempty"` // Test jobs
}
