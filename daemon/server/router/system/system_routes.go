package system

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/pkg/ioutils"
)

func (r *systemRouter) ping(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, err := w.Write([]byte("OK"))
	return err
}

func (r *systemRouter) getMetrics(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	r.metrics.ServeHTTP(w, req)
	return nil
}

// streamAll pushes every progress update of every upload as a stream
// of JSON objects until the client disconnects.
func (r *systemRouter) streamAll(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	ch := r.backend.SubscribeAllProgress()
	defer r.backend.UnsubscribeAllProgress(ch)
	return stream(ctx, w, ch)
}

// streamOne pushes the progress updates of a single upload.
func (r *systemRouter) streamOne(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id, err := uuid.Parse(vars["id"])
	if err != nil {
		return errdefs.InvalidParameter(errors.Errorf("invalid upload id %q", vars["id"]))
	}
	ch := r.backend.SubscribeProgress(id)
	defer r.backend.UnsubscribeProgress(id, ch)
	return stream(ctx, w, ch)
}

func stream(ctx context.Context, w http.ResponseWriter, ch chan interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	output := ioutils.NewWriteFlusher(w)
	output.Flush()
	enc := json.NewEncoder(output)

	for {
		select {
		case update, ok := <-ch:
			if !ok {
				return nil
			}
			if err := enc.Encode(update); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
