package pa

import (
	"context"
	"encoding/base64"
	"net/http"

	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/passiveauth"
	"github.com/smartcoreinc/localpkd/daemon/server/httputils"
	"github.com/smartcoreinc/localpkd/errdefs"
)

type verifyRequest struct {
	IssuingCountry string            `json:"issuingCountry"`
	DocumentNumber string            `json:"documentNumber"`
	SOD            string            `json:"sod"`
	DataGroups     map[string]string `json:"dataGroups"`
}

func (r *paRouter) postVerify(ctx context.Context, w http.ResponseWriter, req *http.Request, vars map[string]string) error {
	var body verifyRequest
	if err := httputils.ReadJSON(req, &body); err != nil {
		return err
	}

	sod, err := base64.StdEncoding.DecodeString(body.SOD)
	if err != nil {
		return errdefs.InvalidParameter(errors.Wrap(err, "sod is not valid base64"))
	}
	groups := make(map[string][]byte, len(body.DataGroups))
	for name, b64 := range body.DataGroups {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return errdefs.InvalidParameter(errors.Wrapf(err, "%s is not valid base64", name))
		}
		groups[name] = data
	}

	result, err := r.backend.Verify(ctx, &passiveauth.Request{
		IssuingCountry: body.IssuingCountry,
		DocumentNumber: body.DocumentNumber,
		SOD:            sod,
		DataGroups:     groups,
	})
	if err != nil {
		return err
	}
	return httputils.WriteJSON(w, http.StatusOK, result)
}
