// Package server assembles the API routers onto one HTTP server.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/containerd/log"
	"github.com/gorilla/mux"

	"github.com/smartcoreinc/localpkd/daemon/server/httputils"
	"github.com/smartcoreinc/localpkd/daemon/server/router"
)

// Server serves the PKD API.
type Server struct {
	mux  *mux.Router
	http *http.Server
}

// New returns a Server with the given routers mounted.
func New(routers ...router.Router) *Server {
	m := mux.NewRouter()
	s := &Server{mux: m}
	for _, r := range routers {
		for _, route := range r.Routes() {
			m.Path(route.Path).Methods(route.Method).Handler(makeHTTPHandler(route.Handler))
			log.L.WithFields(log.Fields{"method": route.Method, "path": route.Path}).Debug("registered route")
		}
	}
	m.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = httputils.WriteJSON(w, http.StatusNotFound, map[string]string{
			"message": "page not found",
		})
	})
	return s
}

// Handler returns the assembled HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Serve listens on addr until the context is cancelled, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.http = &http.Server{
		Handler: s.mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(l)
	}()
	log.G(ctx).WithField("addr", addr).Info("API server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// makeHTTPHandler adapts an APIFunc onto the mux, feeding it the
// request context and path variables and funnelling errors through the
// central mapper.
func makeHTTPHandler(handler httputils.APIFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := handler(ctx, w, r, mux.Vars(r)); err != nil {
			httputils.WriteError(ctx, w, err)
		}
	}
}
