package server

import (
	"net/http"

	"github.com/cyclopcam/detectorlab/server/jobdb"
	"github.com/cyclopcam/www"
	"github.com/julienschmidt/httprouter"
)

// Default number of jobs returned by /api/jobs
const defaultJobListLimit = 100

// SYNC-JOB-LOG-MESSAGE
type jobLogMessage struct {
	Line  string         `json:"line,omitempty"`
	State jobdb.JobState `json:"state,omitempty"` // Sent once, when the job is finished
}

func (s *Server) httpListJobs(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	limit := www.QueryInt(r, "limit")
	if limit <= 0 {
		limit = defaultJobListLimit
	}
	list, err := s.JobDB.ListJobs(www.QueryValue(r, "detector"), limit)
	check(err)
	www.SendJSON(w, list)
}

func (s *Server) httpGetJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	job, err := s.JobDB.GetJob(www.ParseID(params.ByName("id")))
	check(err)
	www.SendJSON(w, job)
}

func (s *Server) httpCancelJob(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	check(s.Jobs.Cancel(www.ParseID(params.ByName("id"))))
	www.SendOK(w)
}

// httpJobLog streams the log of a job over a websocket.
// The backlog is sent first, then live lines, and finally a message with the job's final state.
func (s *Server) httpJobLog(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	sub, err := s.Jobs.Subscribe(www.ParseID(params.ByName("id")))
	check(err)
	defer sub.Unsubscribe()

	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpJobLog websocket upgrade failed: %v", err)
		return
	}
	defer c.Close()

	// Stop streaming when the client goes away
	go func() {
		for {
			if _, _, err := c.NextReader(); err != nil {
				sub.Unsubscribe()
				return
			}
		}
	}()

	for _, line := range sub.Backlog {
		if err := c.WriteJSON(jobLogMessage{Line: line}); err != nil {
			return
		}
	}
	for line := range sub.Lines {
		if err := c.WriteJSON(jobLogMessage{Line: line}); err != nil {
			return
		}
	}
	c.WriteJSON(jobLogMessage{State: sub.State()})
}
