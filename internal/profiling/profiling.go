// Package profiling serves pprof and a pool status dump on a private
// debug listener.
package profiling

import (
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"

	"github.com/bytedance/sonic"

	"github.com/nexus-pool/nxs-pool/internal/config"
	"github.com/nexus-pool/nxs-pool/internal/util"
)

// StatusFunc reports the pool state shown on /debug/pool
type StatusFunc func() interface{}

var namedProfiles = []string{"goroutine", "heap", "allocs", "threadcreate", "block", "mutex"}

// Server provides the debug endpoints
type Server struct {
	cfg    *config.ProfilingConfig
	status StatusFunc

	listener net.Listener
	server   *http.Server
}

// NewServer creates a new profiling server
func NewServer(cfg *config.ProfilingConfig) *Server {
	return &Server{cfg: cfg}
}

// SetStatus sets the source for /debug/pool
func (s *Server) SetStatus(fn StatusFunc) {
	s.status = fn
}

func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	for _, name := range namedProfiles {
		mux.Handle("/debug/pprof/"+name, pprof.Handler(name))
	}
	mux.HandleFunc("/debug/pool", s.handleStatus)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"heapAlloc":  mem.HeapAlloc,
		"numGC":      mem.NumGC,
	}
	if s.status != nil {
		body["pool"] = s.status()
	}

	data, err := sonic.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Start binds the listener and serves in the background. It does nothing
// when profiling is disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return err
	}
	s.listener = ln
	s.server = &http.Server{Handler: s.handler()}

	util.Infof("Profiling server listening on %s (/debug/pprof/, /debug/pool)", ln.Addr())

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			util.Errorf("Profiling server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop shuts down the profiling server
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	util.Info("Stopping profiling server")
	return s.server.Close()
}
