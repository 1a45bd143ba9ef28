package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"kvbridge/internal/codec"
	"kvbridge/internal/config"
	"kvbridge/internal/sink"
	"kvbridge/internal/store"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Lookuper serves point reads; *lookup.Lookup implements it.
type Lookuper interface {
	Eval(ctx context.Context, keys ...any) (*codec.Row, error)
	EvalAll(ctx context.Context, keys [][]any) ([]*codec.Row, error)
}

// Server encapsulates the HTTP server, router and ingest job registry.
type Server struct {
	mux  *http.ServeMux
	mu   sync.RWMutex
	jobs map[string]*jobEntry

	cfg    *config.Config
	codec  codec.Codec
	dial   store.DialFunc
	sink   sink.Sink
	lookup Lookuper
}

type jobEntry struct {
	status *JobStatus
	cancel context.CancelFunc // allows cancellation via DELETE /jobs/{id}
}

// NewServer wires the live sink and lookup engine. cfg, c and dial are used to
// build a fresh pipeline for every ingest job.
func NewServer(cfg *config.Config, c codec.Codec, dial store.DialFunc, sk sink.Sink, lk Lookuper) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:    mux,
		jobs:   make(map[string]*jobEntry),
		cfg:    cfg,
		codec:  c,
		dial:   dial,
		sink:   sk,
		lookup: lk,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/jobs", s.handleJobs)       // POST /jobs
	s.mux.HandleFunc("/jobs/", s.handleJobByID)   // GET/DELETE /jobs/{id}
	s.mux.HandleFunc("/records", s.handleRecords) // POST /records
	s.mux.HandleFunc("/checkpoint", s.handleCheckpoint)
	s.mux.HandleFunc("/lookup", s.handleLookup) // GET ?key=..., POST batch
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// Handler returns the router wrapped in the logging and recovery middlewares.
func (s *Server) Handler() http.Handler {
	return s.recoveryMiddleware(s.loggingMiddleware(s.mux))
}

// Run starts the HTTP server on the provided port.
func (s *Server) Run(port string) error {
	addr := fmt.Sprintf(":%s", port)
	logrus.Infof("HTTP server running on %s", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// Simple request logger middleware.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logrus.Debugf("%s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware catches panics and returns 500.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logrus.Errorf("panic recovered: %v", rec)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
