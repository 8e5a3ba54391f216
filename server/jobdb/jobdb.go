// Package jobdb stores the history of training, testing, export and import jobs.
package jobdb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cyclopcam/dbh"
	"github.com/cyclopcam/logs"
	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("Job not found")

type JobDB struct {
	Log logs.Log
	DB  *gorm.DB
}

// Open or create the job DB
func NewJobDB(log logs.Log, config dbh.DBConfig) (*JobDB, error) {
	if config.Driver == dbh.DriverSqlite {
		os.MkdirAll(filepath.Dir(config.Database), 0777)
	}
	log.Infof("Opening job DB %v", config.LogSafeDescription())
	db, err := dbh.OpenDB(log, config, Migrations(log), 0)
	if err != nil {
		return nil, fmt.Errorf("Failed to open job database: %w", err)
	}
	j := &JobDB{
		Log: log,
		DB:  db,
	}
	if err := j.markInterrupted(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *JobDB) Close() {
	if sqlDB, err := j.DB.DB(); err == nil {
		sqlDB.Close()
	}
}

// Jobs that were running when the previous process died will never finish
func (j *JobDB) markInterrupted() error {
	res := j.DB.Model(&Job{}).Where("state = ?", JobStateRunning).Updates(map[string]any{
		"state":       JobStateFailed,
		"error":       "Interrupted by server restart",
		"finished_at": dbh.MakeIntTime(time.Now()),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 0 {
		j.Log.Warnf("Marked %v interrupted jobs as failed", res.RowsAffected)
	}
	return nil
}

// CreateJob records a new running job, and returns it (with ID populated)
func (j *JobDB) CreateJob(kind JobKind, detector string, params JobParams) (*Job, error) {
	p := dbh.MakeJSONField(params)
	job := &Job{
		Kind:      kind,
		Detector:  detector,
		State:     JobStateRunning,
		CreatedAt: dbh.MakeIntTime(time.Now()),
		Params:    p,
	}
	if err := j.DB.Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

// FinishJob records the outcome of a job. result may be nil.
func (j *JobDB) FinishJob(id int64, state JobState, result *JobResult, jobErr error) error {
	updates := map[string]any{
		"state":       state,
		"finished_at": dbh.MakeIntTime(time.Now()),
	}
	if result != nil {
		r := dbh.MakeJSONField(*result)
		updates["result"] = r
	}
	if jobErr != nil {
		updates["error"] = jobErr.Error()
	}
	res := j.DB.Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (j *JobDB) GetJob(id int64) (*Job, error) {
	job := Job{}
	if err := j.DB.First(&job, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the most recent jobs first. If detector is not empty, only jobs of that detector are returned.
func (j *JobDB) ListJobs(detector string, limit int) ([]Job, error) {
	q := j.DB.Order("id DESC")
	if detector != "" {
		q = q.Where("detector = ?", detector)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	jobs := []Job{}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

// TestHistory returns the successful test jobs of a detector, oldest first.
// This is how we keep track of a detector's mAP over time.
func (j *JobDB) TestHistory(detector string) ([]Job, error) {
	jobs := []Job{}
	err := j.DB.Where("detector = ? AND kind = ? AND state = ?", detector, JobKindTest, JobStateSucceeded).Order("id").Find(&jobs).Error
	return jobs, err
}
