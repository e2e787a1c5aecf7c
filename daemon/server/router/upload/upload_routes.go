package upload

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/server/httputils"
	"github.com/smartcoreinc/localpkd/daemon/types"
	uploadsvc "github.com/smartcoreinc/localpkd/daemon/upload"
	"github.com/smartcoreinc/localpkd/errdefs"
)

// postUpload accepts the multipart upload: a "file" part plus "mode",
// optional "expectedChecksum" and "forceOverride" fields.
func (r *uploadRouter) postUpload(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	req.Body = http.MaxBytesReader(w, req.Body, r.maxBytes)
	if err := req.ParseMultipartForm(32 << 20); err != nil {
		return errdefs.InvalidParameter(errors.Wrap(err, "parsing multipart form"))
	}

	file, header, err := req.FormFile("file")
	if err != nil {
		return errdefs.InvalidParameter(errors.New("missing file part"))
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return errors.Wrap(err, "reading upload")
	}

	mode := types.ProcessingMode(req.FormValue("mode"))
	if mode == "" {
		mode = types.ModeAuto
	}
	force, _ := strconv.ParseBool(req.FormValue("forceOverride"))

	result, err := r.backend.Upload(ctx, uploadsvc.Request{
		FileName:         header.Filename,
		Bytes:            data,
		ExpectedChecksum: req.FormValue("expectedChecksum"),
		Mode:             mode,
		ForceOverride:    force,
	})
	if err != nil {
		// A duplicate still reports the existing upload's identity.
		if errdefs.IsConflict(err) {
			return httputils.WriteJSON(w, http.StatusConflict, result)
		}
		return err
	}
	return httputils.WriteJSON(w, http.StatusCreated, result)
}

// checkDuplicate is the pre-upload probe: the client sends the SHA-256
// it computed locally (plus the file name, which drives the
// newer-master-list check) and learns whether the upload would be a
// duplicate before transferring the bytes.
func (r *uploadRouter) checkDuplicate(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	hash := req.FormValue("hash")
	if hash == "" {
		return errdefs.InvalidParameter(errors.New("hash parameter is required"))
	}
	chk, err := r.backend.CheckDuplicate(ctx, req.FormValue("fileName"), hash, req.FormValue("expectedChecksum"))
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, chk)
}

func (r *uploadRouter) getUploads(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	uploads, err := r.backend.ListUploads(ctx)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, uploads)
}

func (r *uploadRouter) getUpload(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id, err := uuid.Parse(vars["id"])
	if err != nil {
		return errdefs.InvalidParameter(errors.Errorf("invalid upload id %q", vars["id"]))
	}
	rec, err := r.backend.GetUpload(ctx, id)
	if err != nil {
		return err
	}
	counts, err := r.backend.UploadCounts(ctx, id)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, struct {
		*types.UploadRecord
		Counts types.UploadCounts `json:"counts"`
	}{rec, counts})
}
