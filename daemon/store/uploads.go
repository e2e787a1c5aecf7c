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

// CreateUpload persists a new upload record. A concurrent upload of the
// same bytes surfaces as a conflict via the partial unique index on
// file_hash.
func (t *Tx) CreateUpload(ctx context.Context, rec *types.UploadRecord) error {
	const q = `INSERT INTO uploaded_file
		(id, file_name, byte_size, file_hash, detected_format, processing_mode, status, warnings)
		VALUES (:id, :file_name, :byte_size, :file_hash, :detected_format, :processing_mode, :status, :warnings)`
	if _, err := t.NamedExecContext(ctx, q, rec); err != nil {
		if isUniqueViolation(err) {
			return errdefs.Conflict(errors.New("a non-failed upload with the same content already exists"))
		}
		return errors.Wrap(err, "inserting upload record")
	}
	return nil
}

// GetUpload loads one upload record by id.
func (s *Store) GetUpload(ctx context.Context, id uuid.UUID) (*types.UploadRecord, error) {
	return getUpload(ctx, s.db, id)
}

// GetUpload loads one upload record inside the unit of work.
func (t *Tx) GetUpload(ctx context.Context, id uuid.UUID) (*types.UploadRecord, error) {
	return getUpload(ctx, t.Tx, id)
}

func getUpload(ctx context.Context, q sqlx.QueryerContext, id uuid.UUID) (*types.UploadRecord, error) {
	var rec types.UploadRecord
	err := sqlx.GetContext(ctx, q, &rec, `SELECT * FROM uploaded_file WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound(errors.Errorf("no upload with id %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading upload record")
	}
	return &rec, nil
}

// FindUploadByFingerprint returns the non-failed upload with the given
// content fingerprint, or an ErrNotFound.
func (s *Store) FindUploadByFingerprint(ctx context.Context, fingerprint string) (*types.UploadRecord, error) {
	var rec types.UploadRecord
	err := sqlx.GetContext(ctx, s.db, &rec,
		`SELECT * FROM uploaded_file WHERE file_hash = $1 AND status <> $2`,
		fingerprint, types.StatusFailed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NotFound(errors.New("no upload with that fingerprint"))
	}
	if err != nil {
		return nil, errors.Wrap(err, "looking up fingerprint")
	}
	return &rec, nil
}

// ListUploads returns all upload records, newest first.
func (s *Store) ListUploads(ctx context.Context) ([]types.UploadRecord, error) {
	var recs []types.UploadRecord
	err := sqlx.SelectContext(ctx, s.db, &recs, `SELECT * FROM uploaded_file ORDER BY created_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "listing uploads")
	}
	return recs, nil
}

// TransitionUpload advances the record's status with a compare-and-set
// on the previous status, enforcing the monotonic state machine at the
// database. A failed guard returns a conflict.
func (t *Tx) TransitionUpload(ctx context.Context, id uuid.UUID, from, to types.UploadStatus) error {
	if !from.CanAdvanceTo(to) {
		return errdefs.Conflict(errors.Errorf("illegal status transition %s -> %s", from, to))
	}
	res, err := t.ExecContext(ctx,
		`UPDATE uploaded_file SET status = $1, updated_at = now() WHERE id = $2 AND status = $3`,
		to, id, from)
	if err != nil {
		return errors.Wrap(err, "updating upload status")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errdefs.Conflict(errors.Errorf("upload %s is no longer in status %s", id, from))
	}
	return nil
}

// SetManualPause records the step MANUAL mode is paused at; nil clears
// it.
func (t *Tx) SetManualPause(ctx context.Context, id uuid.UUID, step *string) error {
	_, err := t.ExecContext(ctx,
		`UPDATE uploaded_file SET manual_pause_step = $1, updated_at = now() WHERE id = $2`, step, id)
	return errors.Wrap(err, "updating manual pause step")
}

// FailUpload moves the record to FAILED and preserves the original
// error message. FAILED is terminal; the guard only excludes records
// that already finished.
func (t *Tx) FailUpload(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := t.ExecContext(ctx,
		`UPDATE uploaded_file SET status = $1, failure_message = $2, updated_at = now()
		 WHERE id = $3 AND status NOT IN ($4, $1)`,
		types.StatusFailed, msg, id, types.StatusCompleted)
	return errors.Wrap(err, "marking upload failed")
}

// SupersedeUpload retires a record so a forced re-upload of the same
// bytes can be accepted. Unlike FailUpload it applies to finished
// records too; the partial unique index on file_hash only covers
// non-FAILED rows, so this frees the hash for the new record.
func (t *Tx) SupersedeUpload(ctx context.Context, id, supersededBy uuid.UUID) error {
	_, err := t.ExecContext(ctx,
		`UPDATE uploaded_file SET status = $1, failure_message = $2, updated_at = now() WHERE id = $3`,
		types.StatusFailed, "superseded by forced re-upload "+supersededBy.String(), id)
	return errors.Wrap(err, "superseding upload")
}

// AddUploadWarning appends a warning kind to the record.
func (t *Tx) AddUploadWarning(ctx context.Context, id uuid.UUID, warning string) error {
	_, err := t.ExecContext(ctx,
		`UPDATE uploaded_file SET warnings = array_append(warnings, $1), updated_at = now() WHERE id = $2`,
		warning, id)
	return errors.Wrap(err, "appending upload warning")
}
