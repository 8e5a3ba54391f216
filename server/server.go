// Package server is an HTTP service for training, testing and managing detectors.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cyclopcam/detectorlab/pkg/detector"
	"github.com/cyclopcam/detectorlab/pkg/detectron"
	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/detectorlab/pkg/storage"
	"github.com/cyclopcam/detectorlab/server/jobdb"
	"github.com/cyclopcam/detectorlab/server/jobs"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type Server struct {
	Config *Config
	Log    logs.Log
	Store  *detector.Store
	JobDB  *jobdb.JobDB
	Jobs   *jobs.Runner

	archive    storage.Storage // nil if export/import is disabled
	signalIn   chan os.Signal
	httpServer *http.Server
	httpRouter *httprouter.Router
	wsUpgrader websocket.Upgrader
}

// NewServer loads the config file, and creates a server that runs the configured framework bridge
func NewServer(configFile string) (*Server, error) {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	logger, err := logs.NewLog()
	if err != nil {
		return nil, err
	}
	framework, err := detectron.New(logger, cfg.Framework)
	if err != nil {
		return nil, err
	}
	return NewServerWithFramework(logger, cfg, framework)
}

// NewServerWithFramework creates a server that uses the given framework, instead of the one in the config
func NewServerWithFramework(logger logs.Log, cfg *Config, framework nn.Framework) (*Server, error) {
	store, err := detector.OpenStore(logger, cfg.DetectorRoot, framework)
	if err != nil {
		return nil, err
	}

	archive, err := OpenArchiveStorage(context.Background(), logger, cfg.ArchiveStorage)
	if err != nil {
		return nil, err
	}
	if archive == nil {
		logger.Infof("No archive storage configured. Detector export and import are disabled.")
	}

	jobDB, err := jobdb.NewJobDB(logger, cfg.DB)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Config:  cfg,
		Log:     logger,
		Store:   store,
		JobDB:   jobDB,
		Jobs:    jobs.NewRunner(logger, jobDB),
		archive: archive,
	}
	if err := s.setupHttpRoutes(); err != nil {
		jobDB.Close()
		return nil, err
	}
	return s, nil
}

// OpenArchiveStorage opens the blob store for detector archives.
// Returns nil if no archive storage is configured.
func OpenArchiveStorage(ctx context.Context, logger logs.Log, cfg StorageConfig) (storage.Storage, error) {
	if cfg.GCS != nil {
		// Google Cloud Storage
		gcs, err := storage.NewStorageGCS(ctx, logger, cfg.GCS.Bucket)
		if err != nil {
			return nil, err
		}
		return gcs, nil
	} else if cfg.Filesystem != nil {
		// Filesystem
		fs, err := storage.NewStorageFS(logger, cfg.Filesystem.Root)
		if err != nil {
			return nil, err
		}
		return fs, nil
	}
	return nil, nil
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.httpRouter
}

// addr example: ":8090"
func (s *Server) ListenHTTP(addr string) error {
	s.Log.Infof("Listening on %v", addr)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.httpRouter,
	}
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) ListenForKillSignals() {
	s.Log.Infof("ListenForKillSignals starting")
	s.signalIn = make(chan os.Signal, 1)
	signal.Notify(s.signalIn, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig, ok := <-s.signalIn
		if ok {
			s.Log.Infof("Received OS signal '%v'. ListenForKillSignals will exit after shutdown", sig.String())
			s.Shutdown()
		} else {
			// This path gets hit when Shutdown() is called by something other than ourselves, and Shutdown() closes the signalIn channel.
			s.Log.Infof("signalIn closed. ListenForKillSignals will exit now")
		}
	}()
}

// Shutdown stops the HTTP server, cancels running jobs, and closes the DB
func (s *Server) Shutdown() {
	s.Log.Infof("Shutdown")
	if s.signalIn != nil {
		signal.Stop(s.signalIn)
		close(s.signalIn)
		s.signalIn = nil
	}
	if s.httpServer != nil {
		s.Log.Infof("Closing HTTP server")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown: %v", err)
		}
	}
	s.Log.Infof("Waiting for jobs to stop")
	s.Jobs.Close()
	s.JobDB.Close()
	if closer, ok := s.archive.(interface{ Close() error }); ok {
		closer.Close()
	}
	s.Log.Infof("Shutdown complete")
}

// Describe the server, for the startup log
func (s *Server) String() string {
	return fmt.Sprintf("detectorlab server (detectors in %v)", s.Store.Root)
}
