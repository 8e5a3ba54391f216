package server

import (
	"errors"
	"io/fs"
	"net/http"
	"time"

	"github.com/cyclopcam/detectorlab/pkg/detector"
	"github.com/cyclopcam/detectorlab/pkg/storage"
	"github.com/cyclopcam/detectorlab/server/jobdb"
	"github.com/cyclopcam/detectorlab/server/jobs"
	"github.com/cyclopcam/www"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

// Maximum number of mutating requests (train, test, delete, ...) per client IP per minute
const mutatingRequestsPerMinute = 30

func (s *Server) setupHttpRoutes() error {
	logEveryRequest := false
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			if logEveryRequest {
				s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			}
			handle(w, r, params)
		})
	}

	// limited is for requests that start jobs or destroy data
	limited := func(method, route string, handle httprouter.Handle) {
		limiter := httprate.Limit(mutatingRequestsPerMinute, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			s.Log.Infof("HTTP %v %v", method, r.URL.Path)
			limiter(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				handle(w, r, params)
			})).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/classes", s.httpAnnotationClasses)
	handle("GET", "/api/detectors", s.httpListDetectors)
	handle("GET", "/api/detector/:name", s.httpGetDetector)
	limited("DELETE", "/api/detector/:name", s.httpDeleteDetector)
	limited("POST", "/api/detector/:name/train", s.httpTrain)
	limited("POST", "/api/detector/:name/test", s.httpTest)
	limited("POST", "/api/detector/:name/export", s.httpExport)
	limited("POST", "/api/detector/:name/import", s.httpImport)
	handle("GET", "/api/jobs", s.httpListJobs)
	handle("GET", "/api/job/:id", s.httpGetJob)
	limited("POST", "/api/job/:id/cancel", s.httpCancelJob)
	handle("GET", "/api/ws/job/:id/log", s.httpJobLog)

	s.httpRouter = router
	return nil
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	type pingResponse struct {
		Greeting   string `json:"greeting"`
		RunningJob int64  `json:"runningJob"`
	}
	www.SendJSON(w, &pingResponse{
		Greeting:   "I am detectorlab",
		RunningJob: s.Jobs.Running(),
	})
}

// check panics with an HTTP error whose status code matches err
func check(err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, detector.ErrInvalidArgument),
		errors.Is(err, detector.ErrMalformed),
		errors.Is(err, storage.ErrInvalidName):
		www.PanicBadRequestf("%v", err)
	case errors.Is(err, detector.ErrNotFound),
		errors.Is(err, jobdb.ErrJobNotFound),
		errors.Is(err, fs.ErrNotExist):
		www.Panic(http.StatusNotFound, err.Error())
	case errors.Is(err, detector.ErrAlreadyExists),
		errors.Is(err, detector.ErrBusy),
		errors.Is(err, jobs.ErrBusy):
		www.Panic(http.StatusConflict, err.Error())
	case errors.Is(err, jobs.ErrClosed):
		www.Panic(http.StatusServiceUnavailable, err.Error())
	}
	www.Check(err)
}
