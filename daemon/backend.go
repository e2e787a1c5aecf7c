package daemon

import (
	"context"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/passiveauth"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/daemon/upload"
	"github.com/smartcoreinc/localpkd/daemon/validation"
	"github.com/smartcoreinc/localpkd/errdefs"
)

// The methods below back the HTTP routers.

// Upload accepts a new file into the pipeline.
func (d *Daemon) Upload(ctx context.Context, req upload.Request) (upload.Result, error) {
	return d.uploads.Upload(ctx, req)
}

// CheckDuplicate answers the pre-upload duplicate probe.
func (d *Daemon) CheckDuplicate(ctx context.Context, fileName, fingerprint, expected string) (upload.DuplicateCheck, error) {
	return d.uploads.CheckDuplicate(ctx, fileName, fingerprint, expected)
}

// GetUpload returns one upload record.
func (d *Daemon) GetUpload(ctx context.Context, id uuid.UUID) (*types.UploadRecord, error) {
	return d.store.GetUpload(ctx, id)
}

// ListUploads returns every upload, newest first.
func (d *Daemon) ListUploads(ctx context.Context) ([]types.UploadRecord, error) {
	return d.store.ListUploads(ctx)
}

// UploadCounts aggregates what the pipeline did for one upload.
func (d *Daemon) UploadCounts(ctx context.Context, id uuid.UUID) (types.UploadCounts, error) {
	return d.store.CountsByUpload(ctx, id)
}

// StartParsing runs the parse step of a MANUAL upload paused after
// upload. The work runs asynchronously; the caller polls status or
// follows the progress stream.
func (d *Daemon) StartParsing(ctx context.Context, id uuid.UUID) error {
	if _, err := d.loadManual(ctx, id, types.StatusReceived); err != nil {
		return err
	}
	go d.runParsing(context.WithoutCancel(ctx), id)
	return nil
}

// StartValidation runs the validate step of a MANUAL upload paused
// after parsing. The parse result is served from the in-memory cache
// when the parse step ran in this process, and recomputed from the
// stored file otherwise.
func (d *Daemon) StartValidation(ctx context.Context, id uuid.UUID) error {
	rec, err := d.loadManual(ctx, id, types.StatusParsingCompleted)
	if err != nil {
		return err
	}

	d.mu.Lock()
	res, ok := d.parsed[id]
	d.mu.Unlock()

	go func() {
		ctx := context.WithoutCancel(ctx)
		if !ok {
			data, err := d.files.Load(id)
			if err != nil {
				d.fail(ctx, id, err)
				return
			}
			res, err = d.parser.Parse(ctx, id, rec.DetectedFormat, data)
			if err != nil {
				d.fail(ctx, id, err)
				return
			}
		}
		d.runValidation(ctx, id, types.ModeManual, validation.Input{
			Certs:      res.Certs,
			CRLs:       res.CRLs,
			MasterList: res.MasterList,
		})
	}()
	return nil
}

// StartLDAPUpload publishes the pending rows of a MANUAL upload paused
// after validation, then closes the record.
func (d *Daemon) StartLDAPUpload(ctx context.Context, id uuid.UUID) error {
	if _, err := d.loadManual(ctx, id, types.StatusValidationCompleted); err != nil {
		return err
	}
	go func() {
		ctx := context.WithoutCancel(ctx)
		d.locks.Lock(id.String())
		if err := d.transition(ctx, id, types.StatusValidationCompleted, types.StatusPublishing); err != nil {
			d.locks.Unlock(id.String())
			log.G(ctx).WithError(err).WithField("upload", id).Warn("publish step skipped")
			return
		}
		res, err := d.validator.PublishPending(ctx, id)
		if err != nil {
			d.locks.Unlock(id.String())
			d.fail(ctx, id, err)
			return
		}
		if err := d.closeManual(ctx, id); err != nil {
			d.locks.Unlock(id.String())
			d.fail(ctx, id, err)
			return
		}
		d.locks.Unlock(id.String())

		counts, err := d.store.CountsByUpload(ctx, id)
		if err != nil {
			log.G(ctx).WithError(err).WithField("upload", id).Warn("final counts unavailable")
		}
		d.progress.Send(progress.Update{
			UploadID:   id,
			Stage:      progress.StageCompleted,
			Percentage: 100,
			Counts:     &counts,
		})
		log.G(ctx).WithFields(log.Fields{
			"upload":     id,
			"added":      res.Added,
			"duplicates": res.DuplicateSkipped,
			"failed":     res.Failed,
		}).Info("manual publish completed")
	}()
	return nil
}

func (d *Daemon) closeManual(ctx context.Context, id uuid.UUID) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.TransitionUpload(ctx, id, types.StatusPublishing, types.StatusCompleted); err != nil {
		return err
	}
	if err := tx.SetManualPause(ctx, id, nil); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ProcessingStatus reports where an upload stands, with counts.
func (d *Daemon) ProcessingStatus(ctx context.Context, id uuid.UUID) (*types.ProcessingStatus, error) {
	rec, err := d.store.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	counts, err := d.store.CountsByUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	return &types.ProcessingStatus{
		UploadID:       rec.ID,
		FileName:       rec.FileName,
		Format:         rec.DetectedFormat,
		Mode:           rec.ProcessingMode,
		Status:         rec.Status,
		PausedAtStep:   rec.ManualPauseStep,
		FailureMessage: rec.FailureMessage,
		Warnings:       []string(rec.Warnings),
		Counts:         counts,
	}, nil
}

// Verify runs passive authentication against the published directory.
func (d *Daemon) Verify(ctx context.Context, req *passiveauth.Request) (*passiveauth.Result, error) {
	if req == nil {
		return nil, errdefs.InvalidParameter(errors.New("empty request"))
	}
	return d.verifier.Verify(ctx, req)
}

// SubscribeProgress opens a progress channel for one upload.
func (d *Daemon) SubscribeProgress(id uuid.UUID) chan interface{} {
	return d.progress.Subscribe(id)
}

// UnsubscribeProgress closes a per-upload progress channel.
func (d *Daemon) UnsubscribeProgress(id uuid.UUID, ch chan interface{}) {
	d.progress.Unsubscribe(id, ch)
}

// SubscribeAllProgress opens the firehose progress channel.
func (d *Daemon) SubscribeAllProgress() chan interface{} {
	return d.progress.SubscribeAll()
}

// UnsubscribeAllProgress closes a firehose channel.
func (d *Daemon) UnsubscribeAllProgress(ch chan interface{}) {
	d.progress.UnsubscribeAll(ch)
}
