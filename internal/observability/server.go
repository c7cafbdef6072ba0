package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/signalsfoundry/rt-oracle-bridge/internal/logging"
	"github.com/signalsfoundry/rt-oracle-bridge/kb"
)

// DebugServer serves /metrics, /healthz and a JSON view of the object
// directory.
type DebugServer struct {
	srv *http.Server
	dir *kb.Directory
	log logging.Logger
}

// NewDebugServer builds the router. Either collector or dir may be nil, in
// which case the matching route is not registered.
func NewDebugServer(addr string, collector *OracleCollector, dir *kb.Directory, log logging.Logger) *DebugServer {
	if log == nil {
		log = logging.Noop()
	}
	s := &DebugServer{dir: dir, log: log}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if collector != nil {
		r.Handle("/metrics", collector.Handler()).Methods(http.MethodGet)
	}
	if dir != nil {
		r.HandleFunc("/directory", s.listObjects).Methods(http.MethodGet)
		r.HandleFunc("/directory/{id}", s.getObject).Methods(http.MethodGet)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *DebugServer) Handler() http.Handler { return s.srv.Handler }

// Start listens on the configured address and serves in the background. It
// returns the bound address.
func (s *DebugServer) Start() (net.Addr, error) {
	lis, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return nil, err
	}
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn(context.Background(), "debug server exited", logging.Err(err))
		}
	}()
	s.log.Info(context.Background(), "serving debug endpoints", logging.String("addr", lis.Addr().String()))
	return lis.Addr(), nil
}

// Shutdown stops the server gracefully.
func (s *DebugServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *DebugServer) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *DebugServer) listObjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.dir.List())
}

func (s *DebugServer) getObject(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.dir.Get(id)
	if errors.Is(err, kb.ErrObjectNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
