// Package system mounts the operational endpoints: ping, metrics and
// the progress streams.
package system

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/smartcoreinc/localpkd/daemon/server/router"
)

// Backend exposes progress subscription to the router.
type Backend interface {
	SubscribeProgress(id uuid.UUID) chan interface{}
	UnsubscribeProgress(id uuid.UUID, ch chan interface{})
	SubscribeAllProgress() chan interface{}
	UnsubscribeAllProgress(ch chan interface{})
}

type systemRouter struct {
	backend Backend
	metrics http.Handler
	routes  []router.Route
}

// NewRouter returns the system router.
func NewRouter(b Backend, metricsHandler http.Handler) router.Router {
	r := &systemRouter{backend: b, metrics: metricsHandler}
	r.routes = []router.Route{
		router.NewGetRoute("/_ping", r.ping),
		router.NewGetRoute("/metrics", r.getMetrics),
		router.NewGetRoute("/progress/stream", r.streamAll),
		router.NewGetRoute("/progress/{id}", r.streamOne),
	}
	return r
}

func (r *systemRouter) Routes() []router.Route {
	return r.routes
}
