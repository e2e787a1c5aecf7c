package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
)

// UpsertCertificates inserts a batch of certificate rows. Rows whose
// fingerprint already exists are skipped, never duplicated; the insert
// is what makes reprocessing a file idempotent. Returns the number of
// rows actually inserted.
func (t *Tx) UpsertCertificates(ctx context.Context, certs []*types.Certificate) (int, error) {
	const q = `INSERT INTO certificate
		(id, upload_id, type, source_type, subject_dn, issuer_dn, serial_number,
		 subject_country, issuer_country, not_before, not_after, fingerprint_sha256,
		 raw_der, validation_status, validation_errors, uploaded_to_ldap)
		VALUES (:id, :upload_id, :type, :source_type, :subject_dn, :issuer_dn, :serial_number,
		 :subject_country, :issuer_country, :not_before, :not_after, :fingerprint_sha256,
		 :raw_der, :validation_status, :validation_errors, :uploaded_to_ldap)
		ON CONFLICT (fingerprint_sha256) DO NOTHING`
	inserted := 0
	for _, c := range certs {
		res, err := t.NamedExecContext(ctx, q, c)
		if err != nil {
			return inserted, errors.Wrapf(err, "inserting certificate %s", c.FingerprintSHA256)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

// MarkCertificatesUploaded flips uploaded_to_ldap for the given
// fingerprints. Runs in its own short transaction right after the LDAP
// batch, so a crash between LDAP add and mark leaves the flag false and
// the next run retries (the directory tolerates the duplicate).
func (t *Tx) MarkCertificatesUploaded(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	_, err := t.ExecContext(ctx,
		`UPDATE certificate SET uploaded_to_ldap = TRUE, updated_at = now()
		 WHERE fingerprint_sha256 = ANY($1)`,
		pq.Array(fingerprints))
	return errors.Wrap(err, "marking certificates uploaded")
}

// FindCSCABySubjectDN looks up a stored CSCA whose normalized subject
// DN equals dn (the caller normalizes through dnutil before calling).
func (s *Store) FindCSCABySubjectDN(ctx context.Context, dn string) (*types.Certificate, error) {
	return findCSCABySubjectDN(ctx, s.db, dn)
}

// FindCSCABySubjectDN is the unit-of-work variant; pass 2 of validation
// must see the CSCAs pass 1 committed as well as any from prior runs.
func (t *Tx) FindCSCABySubjectDN(ctx context.Context, dn string) (*types.Certificate, error) {
	return findCSCABySubjectDN(ctx, t.Tx, dn)
}

func findCSCABySubjectDN(ctx context.Context, q sqlx.QueryerContext, dn string) (*types.Certificate, error) {
	var cert types.Certificate
	err := sqlx.GetContext(ctx, q, &cert,
		`SELECT * FROM certificate WHERE type = $1 AND subject_dn = $2
		 ORDER BY not_after DESC LIMIT 1`,
		types.TypeCSCA, dn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound(errors.Errorf("no CSCA with subject %q", dn))
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up CSCA by subject")
	}
	return &cert, nil
}

// CertificatesPendingLDAP returns the upload's certificate rows that
// still need publication. Master-list-sourced CSCAs are excluded: only
// the signed envelope is published for those.
func (s *Store) CertificatesPendingLDAP(ctx context.Context, uploadID uuid.UUID) ([]*types.Certificate, error) {
	var certs []*types.Certificate
	err := sqlx.SelectContext(ctx, s.db, &certs,
		`SELECT * FROM certificate
		 WHERE upload_id = $1 AND uploaded_to_ldap = FALSE AND source_type <> $2
		 ORDER BY created_at`,
		uploadID, types.SourceMasterList)
	if err != nil {
		return nil, errors.Wrap(err, "listing certificates pending publication")
	}
	return certs, nil
}

// CountsByUpload aggregates per-upload certificate and CRL counters for
// status reports.
func (s *Store) CountsByUpload(ctx context.Context, uploadID uuid.UUID) (types.UploadCounts, error) {
	var counts types.UploadCounts
	err := s.db.QueryRowxContext(ctx,
		`SELECT
			count(*),
			count(*) FILTER (WHERE validation_status = 'VALID'),
			count(*) FILTER (WHERE validation_status = 'INVALID'),
			count(*) FILTER (WHERE validation_status = 'EXPIRED'),
			count(*) FILTER (WHERE uploaded_to_ldap)
		 FROM certificate WHERE upload_id = $1`, uploadID).
		Scan(&counts.Certificates, &counts.Valid, &counts.Invalid, &counts.Expired, &counts.UploadedToLDAP)
	if err != nil {
		return counts, errors.Wrap(err, "aggregating certificate counts")
	}
	err = s.db.QueryRowxContext(ctx,
		`SELECT count(*) FROM certificate_revocation_list WHERE upload_id = $1`, uploadID).
		Scan(&counts.CRLs)
	if err != nil {
		return counts, errors.Wrap(err, "aggregating CRL counts")
	}
	return counts, nil
}
