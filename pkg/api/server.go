package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/luftsport/nif-integration/pkg/coordinator"
	applog "github.com/luftsport/nif-integration/pkg/log"
)

// StatusResponse reports control surface liveness and fleet state
type StatusResponse struct {
	Status         bool `json:"status"`
	WorkersStarted bool `json:"workers_started"`
}

// WorkerLog pairs a worker with its retained error records
type WorkerLog struct {
	Name string          `json:"name"`
	Log  []applog.Record `json:"log"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the control surface over the worker fleet. Bound to
// localhost; the commands reach it through the ctl subcommands.
type Server struct {
	coord *coordinator.Coordinator
	log   zerolog.Logger

	// OnShutdown asks the daemon to exit; wired by the daemon at
	// startup
	OnShutdown func()

	// startCtx parents restarted fleets
	startCtx context.Context

	http *http.Server
}

// NewServer creates the control server for the given fleet
func NewServer(coord *coordinator.Coordinator, logger zerolog.Logger) *Server {
	return &Server{coord: coord, log: logger}
}

// Routes builds the request router
func (s *Server) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/shutdown", s.handleShutdown).Methods(http.MethodPost)
	r.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	r.HandleFunc("/workers/start", s.handleWorkersStart).Methods(http.MethodPost)
	r.HandleFunc("/workers/shutdown", s.handleWorkersShutdown).Methods(http.MethodPost)
	r.HandleFunc("/workers/reboot", s.handleWorkersReboot).Methods(http.MethodPost)
	r.HandleFunc("/workers/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/workers/failed", s.handleFailed).Methods(http.MethodGet)
	r.HandleFunc("/workers/{index:[0-9]+}", s.handleWorker).Methods(http.MethodGet)
	r.HandleFunc("/workers/{index:[0-9]+}/restart", s.handleWorkerRestart).Methods(http.MethodPost)
	r.HandleFunc("/workers/{index:[0-9]+}/log", s.handleWorkerLog).Methods(http.MethodGet)
	return r
}

// Start serves the control surface on host:port until ctx is
// cancelled. ctx also parents fleets started over the API.
func (s *Server) Start(ctx context.Context, host string, port int) error {
	s.startCtx = ctx
	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	s.log.Info().Str("addr", s.http.Addr).Msg("control api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:         true,
		WorkersStarted: s.coord.Started(),
	})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]bool{"shutdown": true})
	if s.OnShutdown != nil {
		go s.OnShutdown()
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.Workers())
}

func (s *Server) handleWorkersStart(w http.ResponseWriter, r *http.Request) {
	ctx := s.startCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.coord.Start(ctx); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"started": true})
}

func (s *Server) handleWorkersShutdown(w http.ResponseWriter, r *http.Request) {
	s.coord.Shutdown()
	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

func (s *Server) handleWorkersReboot(w http.ResponseWriter, r *http.Request) {
	ctx := s.startCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.coord.Reboot(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"rebooted": true})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	snap, err := s.coord.Worker(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleWorkerRestart(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	if err := s.coord.RestartWorker(index); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"restarted": true})
}

func (s *Server) handleWorkerLog(w http.ResponseWriter, r *http.Request) {
	index, _ := strconv.Atoi(mux.Vars(r)["index"])
	records, err := s.coord.WorkerTail(index)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	workers := s.coord.Workers()
	logs := make([]WorkerLog, 0, len(workers))
	for _, snap := range workers {
		records, err := s.coord.WorkerTail(snap.Index)
		if err != nil {
			continue
		}
		logs = append(logs, WorkerLog{Name: snap.Name, Log: records})
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.coord.FailedTenants())
}
