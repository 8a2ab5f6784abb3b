// Package debughttp serves the admin-side debug/metrics listener
// (§1 AMBIENT STACK: Metrics): /metrics for Prometheus scraping and
// /healthz for a liveness probe, routed through gorilla/mux over
// net/http — the second half of the dual fasthttp/nethttp adapter pair
// internal/httpx provides, mirroring progressdb's own debug endpoints in
// cmd/progressdb/main.go.
package debughttp

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bunkerd/internal/httpx"
	"bunkerd/internal/keystore"
)

// Server is the debug/metrics HTTP listener.
type Server struct {
	Addr     string
	Keystore *keystore.Store
}

func New(addr string, ks *keystore.Store) *Server {
	return &Server{Addr: addr, Keystore: ks}
}

func (s *Server) healthz(w httpx.ResponseWriter, r *httpx.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok","unlocked_keys":` + strconv.Itoa(s.Keystore.Count()) + `}`))
}

// Run serves the listener until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/healthz", httpx.NetHTTPAdapter(s.healthz))

	httpSrv := &http.Server{Addr: s.Addr, Handler: r}
	errc := make(chan error, 1)
	go func() {
		ln, err := net.Listen("tcp", s.Addr)
		if err != nil {
			errc <- err
			return
		}
		errc <- httpSrv.Serve(ln)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errc:
		return err
	}
}
