package processing

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/server/httputils"
	"github.com/smartcoreinc/localpkd/errdefs"
)

func parseID(vars map[string]string) (uuid.UUID, error) {
	id, err := uuid.Parse(vars["id"])
	if err != nil {
		return uuid.Nil, errdefs.InvalidParameter(errors.Errorf("invalid upload id %q", vars["id"]))
	}
	return id, nil
}

type accepted struct {
	UploadID uuid.UUID `json:"uploadId"`
	Step     string    `json:"step"`
}

func (r *processingRouter) postParse(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id, err := parseID(vars)
	if err != nil {
		return err
	}
	if err := r.backend.StartParsing(ctx, id); err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, accepted{UploadID: id, Step: "parse"})
}

func (r *processingRouter) postValidate(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id, err := parseID(vars)
	if err != nil {
		return err
	}
	if err := r.backend.StartValidation(ctx, id); err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, accepted{UploadID: id, Step: "validate"})
}

func (r *processingRouter) postUploadToLDAP(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id, err := parseID(vars)
	if err != nil {
		return err
	}
	if err := r.backend.StartLDAPUpload(ctx, id); err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusAccepted, accepted{UploadID: id, Step: "upload-to-ldap"})
}

func (r *processingRouter) getStatus(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	id, err := parseID(vars)
	if err != nil {
		return err
	}
	status, err := r.backend.ProcessingStatus(ctx, id)
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, status)
}
