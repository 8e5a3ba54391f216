package server

import (
	"context"
	"net/http"

	"github.com/cyclopcam/detectorlab/pkg/coco"
	"github.com/cyclopcam/detectorlab/pkg/detector"
	"github.com/cyclopcam/detectorlab/server/jobdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Maximum size of a JSON request body
const maxRequestBody = 64 * 1024

// SYNC-DETECTOR-SUMMARY
type detectorSummary struct {
	Name   string          `json:"name"`
	Status detector.Status `json:"status"`
}

// SYNC-DETECTOR-INFO
type detectorInfo struct {
	Name       string               `json:"name"`
	Status     detector.Status      `json:"status"`
	Parameters *detector.Parameters `json:"parameters"`
	Error      string               `json:"error,omitempty"` // Set if the parameters could not be read
	Tests      []jobdb.Job          `json:"tests"`
}

func (s *Server) detectorFromParams(params httprouter.Params) *detector.Detector {
	d, err := s.Store.Detector(params.ByName("name"), "")
	check(err)
	return d
}

func (s *Server) httpAnnotationClasses(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	names, err := coco.ClassNames(www.RequiredQueryValue(r, "annotation"))
	check(err)
	www.SendJSON(w, names)
}

func (s *Server) httpListDetectors(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	names, err := s.Store.Names()
	check(err)
	list := []detectorSummary{}
	for _, name := range names {
		d, err := s.Store.Detector(name, "")
		if err != nil {
			continue
		}
		list = append(list, detectorSummary{Name: name, Status: d.Status()})
	}
	www.SendJSON(w, list)
}

func (s *Server) httpGetDetector(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	d := s.detectorFromParams(params)
	status := d.Status()
	if status == detector.StatusMissing {
		www.PanicNotFound()
	}
	info := detectorInfo{
		Name:   d.Name(),
		Status: status,
	}
	if p, err := d.Parameters(); err != nil {
		info.Error = err.Error()
	} else {
		info.Parameters = p
	}
	tests, err := s.JobDB.TestHistory(d.Name())
	check(err)
	info.Tests = tests
	www.SendJSON(w, &info)
}

func (s *Server) httpDeleteDetector(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	d := s.detectorFromParams(params)
	check(d.Delete())
	s.Log.Infof("Deleted detector %v", d.Name())
	www.SendOK(w)
}

func (s *Server) httpTrain(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	d := s.detectorFromParams(params)
	p := jobdb.JobParams{}
	www.ReadJSON(w, r, &p, maxRequestBody)
	if p.AnnotationPath == "" || p.ImagesPath == "" {
		www.PanicBadRequestf("annotationPath and imagesPath are required")
	}
	if p.MaxIterations <= 0 || p.InferenceSize <= 0 {
		www.PanicBadRequestf("maxIterations and inferenceSize must be positive")
	}
	// Fail now, rather than in the background job
	if d.Status() != detector.StatusMissing {
		check(detector.ErrAlreadyExists)
	}
	job, err := s.Jobs.Start(jobdb.JobKindTrain, d.Name(), p, func(ctx context.Context, onLog func(string)) (*jobdb.JobResult, error) {
		err := d.Train(ctx, detector.TrainOptions{
			AnnotationPath: p.AnnotationPath,
			ImagesPath:     p.ImagesPath,
			MaxIterations:  p.MaxIterations,
			InferenceSize:  p.InferenceSize,
			OnLog:          onLog,
		})
		return nil, err
	})
	check(err)
	www.SendJSON(w, job)
}

func (s *Server) httpTest(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	d := s.detectorFromParams(params)
	p := jobdb.JobParams{}
	www.ReadJSON(w, r, &p, maxRequestBody)
	if p.AnnotationPath == "" || p.ImagesPath == "" || p.ResultsPath == "" {
		www.PanicBadRequestf("annotationPath, imagesPath and resultsPath are required")
	}
	if d.Status() != detector.StatusReady {
		check(detector.ErrNotFound)
	}
	job, err := s.Jobs.Start(jobdb.JobKindTest, d.Name(), p, func(ctx context.Context, onLog func(string)) (*jobdb.JobResult, error) {
		res, err := d.Test(ctx, detector.TestOptions{
			AnnotationPath: p.AnnotationPath,
			ImagesPath:     p.ImagesPath,
			ResultsPath:    p.ResultsPath,
			OnLog:          onLog,
		})
		if err != nil {
			return nil, err
		}
		return &jobdb.JobResult{Eval: res.Eval}, nil
	})
	check(err)
	www.SendJSON(w, job)
}

func (s *Server) requireArchive() {
	if s.archive == nil {
		www.PanicBadRequestf("No archive storage is configured")
	}
}

func (s *Server) httpExport(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireArchive()
	d := s.detectorFromParams(params)
	p := jobdb.JobParams{
		Archive: www.QueryValue(r, "archive"),
	}
	if p.Archive == "" {
		p.Archive = detector.ArchiveName(d.Name())
	}
	if d.Status() != detector.StatusReady {
		check(detector.ErrNotFound)
	}
	job, err := s.Jobs.Start(jobdb.JobKindExport, d.Name(), p, func(ctx context.Context, onLog func(string)) (*jobdb.JobResult, error) {
		onLog("Exporting to " + p.Archive)
		return nil, d.Export(ctx, s.archive, p.Archive)
	})
	check(err)
	www.SendJSON(w, job)
}

func (s *Server) httpImport(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireArchive()
	name := params.ByName("name")
	check(detector.ValidateName(name))
	p := jobdb.JobParams{
		Archive: www.RequiredQueryValue(r, "archive"),
	}
	job, err := s.Jobs.Start(jobdb.JobKindImport, name, p, func(ctx context.Context, onLog func(string)) (*jobdb.JobResult, error) {
		onLog("Importing from " + p.Archive)
		_, err := s.Store.Import(ctx, s.archive, p.Archive, name)
		return nil, err
	})
	check(err)
	www.SendJSON(w, job)
}
