// Package pa mounts the passive authentication endpoint.
package pa

import (
	"context"

	"github.com/smartcoreinc/localpkd/daemon/passiveauth"
	"github.com/smartcoreinc/localpkd/daemon/server/router"
)

// Backend verifies SODs.
type Backend interface {
	Verify(ctx context.Context, req *passiveauth.Request) (*passiveauth.Result, error)
}

type paRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter returns the passive authentication router.
func NewRouter(b Backend) router.Router {
	r := &paRouter{backend: b}
	r.routes = []router.Route{
		router.NewPostRoute("/pa/verify", r.postVerify),
	}
	return r
}

func (r *paRouter) Routes() []router.Route {
	return r.routes
}
