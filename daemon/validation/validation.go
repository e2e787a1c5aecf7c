// Package validation turns parsed value objects into persisted
// certificate and CRL rows with per-item outcomes, and drives the
// interleaved DB-then-LDAP batch protocol. Per-certificate failures
// accumulate on the row and never abort a batch; only infrastructure
// failures stop the pipeline.
package validation

import (
	"context"
	"crypto/x509"
	"time"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/ldappub"
	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/store"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/dnutil"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

// Publisher is the slice of the LDAP publisher validation drives.
type Publisher interface {
	PublishCertificates(ctx context.Context, certs []*types.Certificate) *ldappub.BatchResult
	PublishCRLs(ctx context.Context, crls []*types.CRL) *ldappub.BatchResult
	PublishMasterList(ctx context.Context, ml *types.MasterList, fingerprint string) (ldappub.Outcome, error)
}

// TrustSource resolves stored CSCAs and current CRLs for chain checks.
// The Store implements it; tests substitute an in-memory one.
type TrustSource interface {
	FindCSCABySubjectDN(ctx context.Context, dn string) (*types.Certificate, error)
	CurrentCRLByIssuer(ctx context.Context, issuerDN string) (*types.CRL, error)
}

// Store is the persistence slice the batch protocol drives.
type Store interface {
	Begin(ctx context.Context) (BatchTx, error)
	CertificatesPendingLDAP(ctx context.Context, uploadID uuid.UUID) ([]*types.Certificate, error)
	CRLsByUpload(ctx context.Context, uploadID uuid.UUID) ([]*types.CRL, error)
	MasterListByUpload(ctx context.Context, uploadID uuid.UUID) (*types.MasterList, error)
}

// BatchTx is the transactional slice of the batch protocol.
type BatchTx interface {
	UpsertCertificates(ctx context.Context, certs []*types.Certificate) (int, error)
	MarkCertificatesUploaded(ctx context.Context, fingerprints []string) error
	UpsertCRL(ctx context.Context, crl *types.CRL) (bool, error)
	MarkCRLsUploaded(ctx context.Context, fingerprints []string) error
	InsertMasterList(ctx context.Context, ml *types.MasterList) error
	MarkMasterListUploaded(ctx context.Context, id uuid.UUID) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// storeAdapter narrows *store.Store; only Begin's concrete return type
// needs the indirection.
type storeAdapter struct {
	*store.Store
}

func (a storeAdapter) Begin(ctx context.Context) (BatchTx, error) {
	tx, err := a.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Service validates and persists one upload's extracted material.
type Service struct {
	store     Store
	trust     TrustSource
	pub       Publisher
	progress  *progress.Service
	factory   *x509util.Factory
	batchSize int
}

// NewService returns a validation Service reading chain material back
// through the store it writes to.
func NewService(st *store.Store, pub Publisher, prog *progress.Service, factory *x509util.Factory, batchSize int) *Service {
	if batchSize < 1 {
		batchSize = 100
	}
	return &Service{store: storeAdapter{st}, trust: st, pub: pub, progress: prog, factory: factory, batchSize: batchSize}
}

// Input is the material one validation run works on.
type Input struct {
	Certs      []types.CertValue
	CRLs       []types.CRLValue
	MasterList *types.MasterList
}

// Run validates and persists everything in two passes: CSCAs first so
// DSC chain lookups can see them, then DSCs. In AUTO mode each DB
// batch is immediately followed by the LDAP batch of the same rows; in
// MANUAL mode rows stay unpublished until the operator triggers the
// upload-to-ldap step.
func (s *Service) Run(ctx context.Context, uploadID uuid.UUID, mode types.ProcessingMode, in Input) error {
	publish := mode == types.ModeAuto

	s.progress.Send(progress.Update{UploadID: uploadID, Stage: progress.StageValidationStarted})

	counts := types.UploadCounts{}
	if err := s.persistCRLs(ctx, uploadID, in.CRLs, &counts); err != nil {
		return err
	}
	if in.MasterList != nil {
		if err := s.persistMasterList(ctx, in.MasterList); err != nil {
			return err
		}
	}

	var cscas, dscs []types.CertValue
	for _, cv := range in.Certs {
		if cv.Type == types.TypeCSCA {
			cscas = append(cscas, cv)
		} else {
			dscs = append(dscs, cv)
		}
	}
	total := len(in.Certs)

	if err := s.runPass(ctx, uploadID, cscas, total, publish, &counts); err != nil {
		return err
	}
	if err := s.runPass(ctx, uploadID, dscs, total, publish, &counts); err != nil {
		return err
	}

	if publish {
		if err := s.publishCRLs(ctx, uploadID, &counts); err != nil {
			return err
		}
		if in.MasterList != nil {
			if err := s.publishMasterList(ctx, in.MasterList); err != nil {
				return err
			}
		}
	}

	s.progress.Send(progress.Update{
		UploadID:   uploadID,
		Stage:      progress.StageValidationCompleted,
		Percentage: 100,
		Counts:     &counts,
	})
	log.G(ctx).WithFields(log.Fields{
		"upload":  uploadID,
		"valid":   counts.Valid,
		"invalid": counts.Invalid,
		"expired": counts.Expired,
		"ldap":    counts.UploadedToLDAP,
	}).Info("validation finished")
	return nil
}

// runPass validates one pass worth of certificates in batches.
func (s *Service) runPass(ctx context.Context, uploadID uuid.UUID, certs []types.CertValue, total int, publish bool, counts *types.UploadCounts) error {
	batch := make([]*types.Certificate, 0, s.batchSize)
	for _, cv := range certs {
		row, err := s.validateOne(ctx, uploadID, cv)
		if err != nil {
			return err
		}
		batch = append(batch, row)
		if len(batch) == s.batchSize {
			if err := s.flushBatch(ctx, uploadID, batch, total, publish, counts); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		return s.flushBatch(ctx, uploadID, batch, total, publish, counts)
	}
	return nil
}

// validateOne builds the persisted row for one extracted certificate,
// running the checks for its type.
func (s *Service) validateOne(ctx context.Context, uploadID uuid.UUID, cv types.CertValue) (*types.Certificate, error) {
	cert, err := s.factory.ParseCertificate(cv.DER)
	if err != nil {
		// The parser already decoded these bytes once; a failure here
		// is corruption between stages, not bad input.
		return nil, errdefs.DataLoss(errors.Wrap(err, "re-decoding certificate"))
	}

	row := &types.Certificate{
		ID:                uuid.New(),
		UploadID:          uploadID,
		Type:              cv.Type,
		SourceType:        cv.SourceType,
		SubjectDN:         dnutil.Normalize(cert.Subject.String()),
		IssuerDN:          dnutil.Normalize(cert.Issuer.String()),
		SerialNumber:      cert.SerialNumber.Text(16),
		SubjectCountry:    dnutil.ExtractCountry(cert.Subject.String()),
		IssuerCountry:     dnutil.ExtractCountry(cert.Issuer.String()),
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		FingerprintSHA256: x509util.FingerprintSHA256(cv.DER),
		RawDER:            cv.DER,
		ValidationErrors:  []string{},
	}

	var kinds []string
	if cv.Type == types.TypeCSCA {
		kinds = s.checkCSCA(cert)
	} else {
		kinds, err = s.checkDSC(ctx, cert, row, cv.Type)
		if err != nil {
			return nil, err
		}
	}
	if kinds == nil {
		kinds = []string{}
	}
	row.ValidationErrors = kinds
	row.ValidationStatus = statusFromKinds(kinds)
	metrics.CertificatesValidated.WithValues(string(cv.Type), string(row.ValidationStatus)).Inc()
	return row, nil
}

// checkCSCA runs the self-signed root checks.
func (s *Service) checkCSCA(cert *x509.Certificate) []string {
	var kinds []string
	if !cert.BasicConstraintsValid || !cert.IsCA || cert.KeyUsage&x509.KeyUsageCertSign == 0 {
		kinds = append(kinds, types.ErrInvalidCAConstraint)
	}
	if err := x509util.VerifySelfSigned(cert); err != nil {
		kinds = append(kinds, types.ErrSelfSignFailed)
	}
	if outsideValidity(cert) {
		kinds = append(kinds, types.ErrExpired)
	}
	return kinds
}

// checkDSC runs the chain checks against the stored CSCAs. The lookup
// goes through the relational store, not LDAP: pass 1 committed its
// CSCAs before any DSC reaches this point.
func (s *Service) checkDSC(ctx context.Context, cert *x509.Certificate, row *types.Certificate, certType types.CertificateType) ([]string, error) {
	var kinds []string
	signatureValid := false

	issuerRow, err := s.trust.FindCSCABySubjectDN(ctx, row.IssuerDN)
	switch {
	case errdefs.IsNotFound(err):
		kinds = append(kinds, types.ErrIssuerNotFound)
	case err != nil:
		return nil, err
	default:
		issuer, err := s.factory.ParseCertificate(issuerRow.RawDER)
		if err != nil {
			return nil, errors.Wrap(err, "decoding stored CSCA")
		}
		if err := cert.CheckSignatureFrom(issuer); err != nil {
			kinds = append(kinds, types.ErrSignatureInvalid)
		} else {
			signatureValid = true
		}
		revoked, err := s.isRevoked(ctx, cert, issuerRow.SubjectDN)
		if err != nil {
			return nil, err
		}
		if revoked {
			kinds = append(kinds, types.ErrRevoked)
		}
	}

	if outsideValidity(cert) {
		kinds = append(kinds, types.ErrExpired)
	}
	if cert.KeyUsage&x509.KeyUsageDigitalSignature == 0 {
		if certType == types.TypeDSCNC && signatureValid {
			kinds = append(kinds, types.ErrNonConformantAttr)
		} else {
			kinds = append(kinds, types.ErrInvalidKeyUsage)
		}
	}
	return kinds, nil
}

// isRevoked checks the serial against the issuer's current CRL, when
// one is stored.
func (s *Service) isRevoked(ctx context.Context, cert *x509.Certificate, issuerDN string) (bool, error) {
	crlRow, err := s.trust.CurrentCRLByIssuer(ctx, issuerDN)
	if err != nil || crlRow == nil {
		return false, err
	}
	crl, err := s.factory.ParseCRL(crlRow.RawDER)
	if err != nil {
		return false, errors.Wrap(err, "decoding stored CRL")
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// flushBatch runs the per-batch protocol: persist the rows, publish
// the same rows, then mark the published ones in a short follow-up
// transaction. LDAP failures leave rows unpublished for the next run.
func (s *Service) flushBatch(ctx context.Context, uploadID uuid.UUID, batch []*types.Certificate, total int, publish bool, counts *types.UploadCounts) error {
	s.progress.Send(progress.Update{UploadID: uploadID, Stage: progress.StageDBSaving, Counts: counts})

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.UpsertCertificates(ctx, batch); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, row := range batch {
		counts.Certificates++
		switch row.ValidationStatus {
		case types.ValidationValid:
			counts.Valid++
		case types.ValidationExpired:
			counts.Expired++
		default:
			counts.Invalid++
		}
	}

	if publish {
		publishable := batch[:0:0]
		for _, row := range batch {
			if row.SourceType != types.SourceMasterList {
				publishable = append(publishable, row)
			}
		}
		if len(publishable) > 0 {
			s.progress.Send(progress.Update{UploadID: uploadID, Stage: progress.StageLDAPSaving, Counts: counts})
			res := s.pub.PublishCertificates(ctx, publishable)
			counts.UploadedToLDAP += res.Added
			counts.SkippedLDAP += res.DuplicateSkipped
			counts.FailedLDAP += res.Failed
			if err := s.markUploaded(ctx, res.Published); err != nil {
				return err
			}
		}
	}

	pct := 0
	if total > 0 {
		pct = counts.Certificates * 100 / total
	}
	s.progress.Send(progress.Update{
		UploadID:   uploadID,
		Stage:      progress.StageValidationInProgress,
		Percentage: pct,
		Counts:     counts,
	})
	return nil
}

func (s *Service) markUploaded(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.MarkCertificatesUploaded(ctx, fingerprints); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// persistCRLs stores CRL rows ahead of pass 2 so revocation checks see
// the lists that arrived in the same file.
func (s *Service) persistCRLs(ctx context.Context, uploadID uuid.UUID, crls []types.CRLValue, counts *types.UploadCounts) error {
	if len(crls) == 0 {
		return nil
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	for _, cv := range crls {
		crl, err := s.factory.ParseCRL(cv.DER)
		if err != nil {
			return errdefs.DataLoss(errors.Wrap(err, "re-decoding CRL"))
		}
		nextUpdate := crl.NextUpdate
		if nextUpdate.IsZero() {
			nextUpdate = crl.ThisUpdate.Add(90 * 24 * time.Hour)
		}
		row := &types.CRL{
			ID:                uuid.New(),
			UploadID:          uploadID,
			IssuerName:        dnutil.Normalize(crl.Issuer.String()),
			IssuerCountry:     dnutil.ExtractCountry(crl.Issuer.String()),
			ThisUpdate:        crl.ThisUpdate,
			NextUpdate:        nextUpdate,
			RevokedCount:      len(crl.RevokedCertificateEntries),
			RawDER:            cv.DER,
			FingerprintSHA256: x509util.FingerprintSHA256(cv.DER),
		}
		if _, err := tx.UpsertCRL(ctx, row); err != nil {
			return err
		}
		counts.CRLs++
	}
	return tx.Commit(ctx)
}

func (s *Service) persistMasterList(ctx context.Context, ml *types.MasterList) error {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.InsertMasterList(ctx, ml); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// publishCRLs pushes this upload's unpublished CRL rows.
func (s *Service) publishCRLs(ctx context.Context, uploadID uuid.UUID, counts *types.UploadCounts) error {
	crls, err := s.store.CRLsByUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	pending := crls[:0:0]
	for _, crl := range crls {
		if !crl.UploadedToLDAP {
			pending = append(pending, crl)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	res := s.pub.PublishCRLs(ctx, pending)
	counts.UploadedToLDAP += res.Added
	counts.SkippedLDAP += res.DuplicateSkipped
	counts.FailedLDAP += res.Failed

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.MarkCRLsUploaded(ctx, res.Published); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// publishMasterList publishes the signed envelope once per upload.
func (s *Service) publishMasterList(ctx context.Context, ml *types.MasterList) error {
	fingerprint := x509util.FingerprintSHA256(ml.RawCMS)
	outcome, err := s.pub.PublishMasterList(ctx, ml, fingerprint)
	if outcome == ldappub.OutcomeFailed {
		// Stays unpublished; the upload-to-ldap step or a re-run
		// retries it.
		log.G(ctx).WithError(err).WithField("upload", ml.UploadID).Warn("master list publication failed")
		return nil
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.MarkMasterListUploaded(ctx, ml.ID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// PublishPending publishes everything of one upload that is persisted
// but not yet in the directory. This is the MANUAL upload-to-ldap step
// and the retry path after partial LDAP failures.
func (s *Service) PublishPending(ctx context.Context, uploadID uuid.UUID) (*ldappub.BatchResult, error) {
	agg := &ldappub.BatchResult{}
	counts := types.UploadCounts{}

	certs, err := s.store.CertificatesPendingLDAP(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	for start := 0; start < len(certs); start += s.batchSize {
		end := start + s.batchSize
		if end > len(certs) {
			end = len(certs)
		}
		res := s.pub.PublishCertificates(ctx, certs[start:end])
		agg.Added += res.Added
		agg.DuplicateSkipped += res.DuplicateSkipped
		agg.Failed += res.Failed
		if err := s.markUploaded(ctx, res.Published); err != nil {
			return nil, err
		}
		counts.UploadedToLDAP = agg.Added
		counts.SkippedLDAP = agg.DuplicateSkipped
		counts.FailedLDAP = agg.Failed
		s.progress.Send(progress.Update{UploadID: uploadID, Stage: progress.StageLDAPSaving, Counts: &counts})
	}

	if err := s.publishCRLs(ctx, uploadID, &counts); err != nil {
		return nil, err
	}
	agg.Added = counts.UploadedToLDAP
	agg.DuplicateSkipped = counts.SkippedLDAP
	agg.Failed = counts.FailedLDAP

	ml, err := s.store.MasterListByUpload(ctx, uploadID)
	switch {
	case errdefs.IsNotFound(err):
	case err != nil:
		return nil, err
	case !ml.UploadedToLDAP:
		if err := s.publishMasterList(ctx, ml); err != nil {
			return nil, err
		}
	}

	s.progress.Send(progress.Update{
		UploadID:   uploadID,
		Stage:      progress.StageLDAPSavingCompleted,
		Percentage: 100,
		Counts:     &counts,
	})
	return agg, nil
}

// statusFromKinds derives the row status from accumulated error kinds.
// Expiry dominates; it is terminal for validity.
func statusFromKinds(kinds []string) types.ValidationStatus {
	for _, k := range kinds {
		if k == types.ErrExpired {
			return types.ValidationExpired
		}
	}
	if len(kinds) > 0 {
		return types.ValidationInvalid
	}
	return types.ValidationValid
}

func outsideValidity(cert *x509.Certificate) bool {
	now := time.Now()
	return now.Before(cert.NotBefore) || now.After(cert.NotAfter)
}
