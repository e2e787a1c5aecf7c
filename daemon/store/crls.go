package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/types"
)

// UpsertCRL inserts a CRL row, skipping on a known fingerprint.
func (t *Tx) UpsertCRL(ctx context.Context, crl *types.CRL) (bool, error) {
	const q = `INSERT INTO certificate_revocation_list
		(id, upload_id, issuer_name, issuer_country, this_update, next_update,
		 revoked_count, raw_der, fingerprint_sha256, uploaded_to_ldap)
		VALUES (:id, :upload_id, :issuer_name, :issuer_country, :this_update, :next_update,
		 :revoked_count, :raw_der, :fingerprint_sha256, :uploaded_to_ldap)
		ON CONFLICT (fingerprint_sha256) DO NOTHING`
	res, err := t.NamedExecContext(ctx, q, crl)
	if err != nil {
		return false, errors.Wrapf(err, "inserting CRL %s", crl.FingerprintSHA256)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkCRLsUploaded flips uploaded_to_ldap for the given fingerprints.
func (t *Tx) MarkCRLsUploaded(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	_, err := t.ExecContext(ctx,
		`UPDATE certificate_revocation_list SET uploaded_to_ldap = TRUE
		 WHERE fingerprint_sha256 = ANY($1)`,
		pq.Array(fingerprints))
	return errors.Wrap(err, "marking CRLs uploaded")
}

// CRLsByUpload returns the CRL rows of one upload in insertion order.
func (s *Store) CRLsByUpload(ctx context.Context, uploadID uuid.UUID) ([]*types.CRL, error) {
	var crls []*types.CRL
	err := sqlx.SelectContext(ctx, s.db, &crls,
		`SELECT * FROM certificate_revocation_list WHERE upload_id = $1 ORDER BY created_at`, uploadID)
	if err != nil {
		return nil, errors.Wrap(err, "listing CRLs")
	}
	return crls, nil
}

// CurrentCRLByIssuer returns the CRL of the given issuer whose validity
// window covers now, if any.
func (s *Store) CurrentCRLByIssuer(ctx context.Context, issuerDN string) (*types.CRL, error) {
	return currentCRLByIssuer(ctx, s.db, issuerDN)
}

// CurrentCRLByIssuer is the unit-of-work variant.
func (t *Tx) CurrentCRLByIssuer(ctx context.Context, issuerDN string) (*types.CRL, error) {
	return currentCRLByIssuer(ctx, t.Tx, issuerDN)
}

func currentCRLByIssuer(ctx context.Context, q sqlx.QueryerContext, issuerDN string) (*types.CRL, error) {
	var crl types.CRL
	err := sqlx.GetContext(ctx, q, &crl,
		`SELECT * FROM certificate_revocation_list
		 WHERE issuer_name = $1 AND this_update <= now() AND next_update >= now()
		 ORDER BY this_update DESC LIMIT 1`, issuerDN)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up current CRL")
	}
	return &crl, nil
}
