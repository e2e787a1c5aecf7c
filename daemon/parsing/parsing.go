// Package parsing turns uploaded bytes into in-memory value objects.
// Nothing is persisted here: the LDIF and master list parsers extract
// certificates and CRLs, classify them by DIT branch, and hand them to
// validation through the ParsingCompleted event.
package parsing

import (
	"bytes"
	"context"
	"crypto/x509"
	"io"
	"strings"

	"github.com/containerd/log"
	gometrics "github.com/docker/go-metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/x509util"
	"github.com/smartcoreinc/localpkd/pkg/ldif"
)

// Service runs the two parsers.
type Service struct {
	factory  *x509util.Factory
	progress *progress.Service

	// anchors are the UN/ICAO master list signer trust anchors; nil
	// falls back to verifying against the embedded signer chain only.
	anchors *x509.CertPool

	// progressEvery is the entry interval between PARSING_IN_PROGRESS
	// emissions.
	progressEvery int
}

// NewService returns a parsing Service.
func NewService(factory *x509util.Factory, prog *progress.Service, anchors *x509.CertPool, progressEvery int) *Service {
	if progressEvery < 1 {
		progressEvery = 10
	}
	return &Service{factory: factory, progress: prog, anchors: anchors, progressEvery: progressEvery}
}

// Result is what one parse run extracted.
type Result struct {
	Certs       []types.CertValue
	CRLs        []types.CRLValue
	MasterList  *types.MasterList
	ParseErrors []types.ParseError
	Warnings    []string
}

// Empty reports whether the run extracted nothing usable.
func (r *Result) Empty() bool {
	return len(r.Certs) == 0 && len(r.CRLs) == 0 && r.MasterList == nil
}

// Parse dispatches on the detected format.
func (s *Service) Parse(ctx context.Context, uploadID uuid.UUID, format types.FileFormat, data []byte) (*Result, error) {
	done := gometrics.StartTimer(metrics.ParseTimer)
	defer done()

	switch format {
	case types.FormatLDIF:
		return s.parseLDIF(ctx, uploadID, data)
	case types.FormatMasterList:
		return s.parseMasterList(ctx, uploadID, data)
	default:
		return nil, errdefs.InvalidParameter(errors.Errorf("no parser for format %q", format))
	}
}

// parseLDIF scans the export entry by entry. A malformed entry is
// recorded and skipped; the run fails only when nothing at all could
// be extracted.
func (s *Service) parseLDIF(ctx context.Context, uploadID uuid.UUID, data []byte) (*Result, error) {
	res := &Result{}
	sc := ldif.NewScanner(bytes.NewReader(data))
	seen := 0

	for {
		entry, err := sc.Next()
		if err != nil {
			var entryErr *ldif.EntryError
			if errors.As(err, &entryErr) {
				res.ParseErrors = append(res.ParseErrors, types.ParseError{
					EntryIndex: entryErr.Index,
					Reason:     entryErr.Err.Error(),
				})
				continue
			}
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, errors.Wrap(err, "scanning LDIF")
		}
		seen++

		if err := s.collectEntry(entry, seen-1, res); err != nil {
			res.ParseErrors = append(res.ParseErrors, types.ParseError{
				EntryIndex: seen - 1,
				Reason:     err.Error(),
			})
		}

		if seen%s.progressEvery == 0 {
			s.progress.Send(progress.Update{
				UploadID: uploadID,
				Stage:    progress.StageParsingInProgress,
				Counts: &types.UploadCounts{
					Certificates: len(res.Certs),
					CRLs:         len(res.CRLs),
				},
			})
		}
	}

	if res.Empty() {
		return res, errdefs.InvalidParameter(errors.New("no certificates or CRLs extracted from LDIF"))
	}

	metrics.CertificatesParsed.WithValues(string(types.SourceLDIF)).Inc(float64(len(res.Certs)))
	log.G(ctx).WithFields(log.Fields{
		"upload":      uploadID,
		"entries":     seen,
		"certs":       len(res.Certs),
		"crls":        len(res.CRLs),
		"parseErrors": len(res.ParseErrors),
	}).Info("LDIF parsing finished")

	return res, nil
}

// collectEntry classifies one LDIF entry by its DIT branch and pulls
// out the binary payload.
func (s *Service) collectEntry(entry *ldif.Entry, index int, res *Result) error {
	certType, isCRL, ok := ClassifyDN(entry.DN)
	if !ok {
		// Structural nodes (country containers, organization nodes)
		// carry no payload and are not errors.
		if hasPayload(entry) {
			return errors.Errorf("entry %q is outside a known branch", entry.DN)
		}
		return nil
	}

	if isCRL {
		der, found := entry.GetRaw("certificaterevocationlist;binary")
		if !found {
			if !hasPayload(entry) {
				return nil
			}
			return errors.New("crl branch entry without certificateRevocationList;binary")
		}
		if _, err := s.factory.ParseCRL(der); err != nil {
			return err
		}
		res.CRLs = append(res.CRLs, types.CRLValue{DER: der, EntryDN: entry.DN})
		return nil
	}

	der, found := entry.GetRaw("usercertificate;binary")
	if !found {
		der, found = entry.GetRaw("cacertificate;binary")
	}
	if !found {
		if !hasPayload(entry) {
			return nil
		}
		return errors.New("certificate branch entry without a certificate attribute")
	}
	if _, err := s.factory.ParseCertificate(der); err != nil {
		return err
	}
	res.Certs = append(res.Certs, types.CertValue{
		Type:       certType,
		SourceType: types.SourceLDIF,
		DER:        der,
		EntryDN:    entry.DN,
	})
	return nil
}

func hasPayload(entry *ldif.Entry) bool {
	for _, a := range entry.Attributes {
		switch a.Name {
		case "usercertificate;binary", "cacertificate;binary", "certificaterevocationlist;binary":
			return true
		}
	}
	return false
}

// ClassifyDN maps an LDIF entry DN onto a certificate type or the CRL
// branch. Entries under dc=nc-data are non-conformant DSCs whatever
// their o= marker says.
func ClassifyDN(dn string) (types.CertificateType, bool, bool) {
	l := strings.ToLower(dn)
	ncBranch := strings.Contains(l, "dc=nc-data")
	switch {
	case strings.Contains(l, "o=nc-dsc"):
		return types.TypeDSCNC, false, true
	case strings.Contains(l, "o=crl"):
		return "", true, true
	case strings.Contains(l, "o=csca"):
		if ncBranch {
			return types.TypeDSCNC, false, true
		}
		return types.TypeCSCA, false, true
	case strings.Contains(l, "o=dsc"):
		if ncBranch {
			return types.TypeDSCNC, false, true
		}
		return types.TypeDSC, false, true
	}
	return "", false, false
}
