package parsing

import (
	"context"
	"encoding/asn1"

	"github.com/containerd/log"
	"github.com/digitorus/pkcs7"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/dnutil"
)

// cscaMasterList is the encapsulated content of an ICAO master list
// (Doc 9303 Part 12): a version and a SET OF raw certificates.
type cscaMasterList struct {
	Version  int
	CertList []asn1.RawValue `asn1:"set"`
}

// parseMasterList decodes the CMS SignedData envelope, verifies the
// signer, and emits every contained certificate as a master-list
// sourced CSCA. An unanchored signer downgrades to a warning; a
// structurally broken envelope fails the upload.
func (s *Service) parseMasterList(ctx context.Context, uploadID uuid.UUID, data []byte) (*Result, error) {
	p7, err := pkcs7.Parse(data)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrap(err, "decoding CMS envelope"))
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, errdefs.InvalidParameter(errors.New("master list has no single signer"))
	}
	signerCountry := dnutil.ExtractCountry(signer.Subject.String())

	res := &Result{}
	if s.anchors != nil {
		if err := p7.VerifyWithChain(s.anchors); err != nil {
			log.G(ctx).WithError(err).WithField("upload", uploadID).
				Warn("master list signer not anchored")
			res.Warnings = append(res.Warnings, types.WarnUntrustedMasterListSigner)
		}
	} else {
		// Without an anchor bundle no signer can be anchored. The
		// signature is still checked for integrity, but both a bad
		// signature and the missing anchors are recorded as an
		// untrusted signer, not a parse failure.
		if err := p7.Verify(); err != nil {
			log.G(ctx).WithError(err).WithField("upload", uploadID).
				Warn("master list signature did not verify")
		}
		res.Warnings = append(res.Warnings, types.WarnUntrustedMasterListSigner)
	}

	var ml cscaMasterList
	if _, err := asn1.Unmarshal(p7.Content, &ml); err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrap(err, "decoding CscaMasterList content"))
	}

	for i, raw := range ml.CertList {
		if _, err := s.factory.ParseCertificate(raw.FullBytes); err != nil {
			res.ParseErrors = append(res.ParseErrors, types.ParseError{
				EntryIndex: i,
				Reason:     err.Error(),
			})
			continue
		}
		res.Certs = append(res.Certs, types.CertValue{
			Type:       types.TypeCSCA,
			SourceType: types.SourceMasterList,
			DER:        raw.FullBytes,
		})
		if (i+1)%s.progressEvery == 0 {
			s.progress.Send(progress.Update{
				UploadID: uploadID,
				Stage:    progress.StageParsingInProgress,
				Counts:   &types.UploadCounts{Certificates: len(res.Certs)},
			})
		}
	}
	if len(res.Certs) == 0 {
		return res, errdefs.InvalidParameter(errors.New("master list contains no parsable certificates"))
	}

	res.MasterList = &types.MasterList{
		ID:                 uuid.New(),
		UploadID:           uploadID,
		SignerCountry:      signerCountry,
		ContainedCSCACount: len(res.Certs),
		RawCMS:             data,
	}

	metrics.CertificatesParsed.WithValues(string(types.SourceMasterList)).Inc(float64(len(res.Certs)))
	log.G(ctx).WithFields(log.Fields{
		"upload": uploadID,
		"signer": signerCountry,
		"cscas":  len(res.Certs),
	}).Info("master list parsing finished")

	return res, nil
}
