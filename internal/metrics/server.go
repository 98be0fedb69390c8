package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// ErrUnauthenticated is returned by Start for a non-loopback address
// without an auth token.
var ErrUnauthenticated = errors.New("refusing to expose unauthenticated metrics endpoint")

// Server serves the metrics endpoints.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Handler builds the metrics mux. A non-empty authToken is required as a
// bearer token on every endpoint. A nil health handler answers /healthz with
// a plain ok.
func Handler(authToken string, enablePprof bool, health http.Handler) http.Handler {
	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if authToken != "" && r.Header.Get("Authorization") != "Bearer "+authToken {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	prom := promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})

	mux.HandleFunc("/metrics", auth(prom.ServeHTTP))
	if health == nil {
		health = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok\n"))
		})
	}
	mux.HandleFunc("/healthz", auth(health.ServeHTTP))
	mux.HandleFunc("/api/v1/status", auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"metrics":   SnapshotData(),
			"timestamp": time.Now().Unix(),
		})
	}))
	mux.HandleFunc("/api/v1/sessions", auth(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, GetSessionInfos())
	}))

	if enablePprof {
		mux.HandleFunc("/debug/pprof/", auth(pprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(pprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(pprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(pprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(pprof.Trace))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens on addr and serves Handler in the background. An empty addr
// disables the server and returns nil, nil.
func Start(addr, authToken string, enablePprof bool, health http.Handler, log zerolog.Logger) (*Server, error) {
	if addr == "" {
		return nil, nil
	}
	if !isLoopback(addr) && authToken == "" {
		return nil, fmt.Errorf("%w on %s", ErrUnauthenticated, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen: %w", err)
	}
	s := &Server{
		srv: &http.Server{
			Handler:           Handler(authToken, enablePprof, health),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Bool("pprof", enablePprof).Msg("metrics server listening")
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
