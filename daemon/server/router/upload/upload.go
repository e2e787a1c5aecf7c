// Package upload mounts the upload endpoints.
package upload

import (
	"context"

	"github.com/google/uuid"

	"github.com/smartcoreinc/localpkd/daemon/server/router"
	"github.com/smartcoreinc/localpkd/daemon/types"
	uploadsvc "github.com/smartcoreinc/localpkd/daemon/upload"
)

// Backend is what the upload router needs from the daemon.
type Backend interface {
	Upload(ctx context.Context, req uploadsvc.Request) (uploadsvc.Result, error)
	CheckDuplicate(ctx context.Context, fileName, fingerprint, expected string) (uploadsvc.DuplicateCheck, error)
	GetUpload(ctx context.Context, id uuid.UUID) (*types.UploadRecord, error)
	ListUploads(ctx context.Context) ([]types.UploadRecord, error)
	UploadCounts(ctx context.Context, id uuid.UUID) (types.UploadCounts, error)
}

type uploadRouter struct {
	backend  Backend
	maxBytes int64
	routes   []router.Route
}

// NewRouter returns the upload router.
func NewRouter(b Backend, maxBytes int64) router.Router {
	r := &uploadRouter{backend: b, maxBytes: maxBytes}
	r.routes = []router.Route{
		router.NewPostRoute("/upload", r.postUpload),
		router.NewGetRoute("/uploads", r.getUploads),
		// Registered ahead of /uploads/{id} so "check" is not taken
		// for an upload id.
		router.NewGetRoute("/uploads/check", r.checkDuplicate),
		router.NewGetRoute("/uploads/{id}", r.getUpload),
	}
	return r
}

func (r *uploadRouter) Routes() []router.Route {
	return r.routes
}
