// Package router defines how API routers describe their routes to the
// server.
package router

import "github.com/smartcoreinc/localpkd/daemon/server/httputils"

// Router is a collection of routes mounted together on the server.
type Router interface {
	Routes() []Route
}

// Route is one method and path bound to a handler.
type Route struct {
	Method  string
	Path    string
	Handler httputils.APIFunc
}

// NewGetRoute returns a GET route.
func NewGetRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: "GET", Path: path, Handler: handler}
}

// NewPostRoute returns a POST route.
func NewPostRoute(path string, handler httputils.APIFunc) Route {
	return Route{Method: "POST", Path: path, Handler: handler}
}
