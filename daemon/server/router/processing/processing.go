// Package processing mounts the manual pipeline control endpoints.
package processing

import (
	"context"

	"github.com/google/uuid"

	"github.com/smartcoreinc/localpkd/daemon/server/router"
	"github.com/smartcoreinc/localpkd/daemon/types"
)

// Backend drives the manual-mode pipeline steps.
type Backend interface {
	StartParsing(ctx context.Context, id uuid.UUID) error
	StartValidation(ctx context.Context, id uuid.UUID) error
	StartLDAPUpload(ctx context.Context, id uuid.UUID) error
	ProcessingStatus(ctx context.Context, id uuid.UUID) (*types.ProcessingStatus, error)
}

type processingRouter struct {
	backend Backend
	routes  []router.Route
}

// NewRouter returns the processing router.
func NewRouter(b Backend) router.Router {
	r := &processingRouter{backend: b}
	r.routes = []router.Route{
		router.NewPostRoute("/processing/parse/{id}", r.postParse),
		router.NewPostRoute("/processing/validate/{id}", r.postValidate),
		router.NewPostRoute("/processing/upload-to-ldap/{id}", r.postUploadToLDAP),
		router.NewGetRoute("/processing/status/{id}", r.getStatus),
	}
	return r
}

func (r *processingRouter) Routes() []router.Route {
	return r.routes
}
