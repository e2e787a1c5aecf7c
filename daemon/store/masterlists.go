package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
)

// InsertMasterList persists the master list envelope row.
func (t *Tx) InsertMasterList(ctx context.Context, ml *types.MasterList) error {
	const q = `INSERT INTO master_list
		(id, upload_id, signer_country, contained_csca_count, raw_cms, uploaded_to_ldap)
		VALUES (:id, :upload_id, :signer_country, :contained_csca_count, :raw_cms, :uploaded_to_ldap)`
	if _, err := t.NamedExecContext(ctx, q, ml); err != nil {
		return errors.Wrap(err, "inserting master list")
	}
	return nil
}

// MarkMasterListUploaded flips the publication flag.
func (t *Tx) MarkMasterListUploaded(ctx context.Context, id uuid.UUID) error {
	_, err := t.ExecContext(ctx,
		`UPDATE master_list SET uploaded_to_ldap = TRUE WHERE id = $1`, id)
	return errors.Wrap(err, "marking master list uploaded")
}

// MasterListByUpload returns the upload's master list row.
func (s *Store) MasterListByUpload(ctx context.Context, uploadID uuid.UUID) (*types.MasterList, error) {
	var ml types.MasterList
	err := sqlx.GetContext(ctx, s.db, &ml,
		`SELECT * FROM master_list WHERE upload_id = $1`, uploadID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound(errors.Errorf("no master list for upload %s", uploadID))
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading master list")
	}
	return &ml, nil
}
