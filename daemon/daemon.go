// Package daemon wires the upload, parsing, validation, publication
// and passive authentication services together and drives the pipeline
// off the domain event bus. Stages of one upload run strictly in
// order; independent uploads run in parallel.
package daemon

import (
	"context"
	"crypto/x509"
	"sync"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/moby/locker"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/config"
	"github.com/smartcoreinc/localpkd/daemon/events"
	"github.com/smartcoreinc/localpkd/daemon/ldappub"
	"github.com/smartcoreinc/localpkd/daemon/parsing"
	"github.com/smartcoreinc/localpkd/daemon/passiveauth"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/store"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/daemon/upload"
	"github.com/smartcoreinc/localpkd/daemon/validation"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

// Daemon is the long-running PKD processing service.
type Daemon struct {
	cfg      *config.Config
	bus      *events.Bus
	store    *store.Store
	files    *upload.FileStore
	pool     *ldappub.Pool
	progress *progress.Service
	factory  *x509util.Factory

	uploads   *upload.Service
	parser    *parsing.Service
	validator *validation.Service
	verifier  *passiveauth.Verifier

	// locks serializes pipeline stages per upload id. Two uploads
	// proceed in parallel; two stages of one upload never do.
	locks *locker.Locker

	// parsed caches parse results for uploads paused in MANUAL mode,
	// so the validate step does not re-read the file. Reprocessing
	// after a restart falls back to re-parsing.
	mu     sync.Mutex
	parsed map[uuid.UUID]*parsing.Result
}

// New constructs the Daemon and registers the event handlers.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	bus := events.NewBus(cfg.EventWorkers)
	st, err := store.Open(ctx, cfg.PostgresDSN, bus)
	if err != nil {
		return nil, err
	}
	files, err := upload.NewFileStore(cfg.DataDir)
	if err != nil {
		st.Close()
		return nil, err
	}

	var anchors *x509.CertPool
	if cfg.MasterListAnchorPath != "" {
		pool, certs, err := x509util.LoadAnchorBundle(cfg.MasterListAnchorPath)
		if err != nil {
			st.Close()
			return nil, err
		}
		anchors = pool
		log.G(ctx).WithField("anchors", len(certs)).Info("loaded master list trust anchors")
	}

	pool := ldappub.NewPool(ldappub.PoolConfig{
		URL:            cfg.LDAP.URL,
		BindDN:         cfg.LDAP.BindDN,
		BindPassword:   cfg.LDAP.BindPassword,
		MinConns:       cfg.LDAP.MinConnections,
		MaxConns:       cfg.LDAP.MaxConnections,
		MaxConnAge:     cfg.LDAP.MaxConnAge,
		ConnectTimeout: cfg.LDAP.ConnectTimeout,
		ReadTimeout:    cfg.LDAP.ReadTimeout,
	})

	factory := x509util.NewFactory()
	prog := progress.NewService()
	publisher := ldappub.NewPublisher(pool, cfg.LDAP.BaseDN)

	d := &Daemon{
		cfg:       cfg,
		bus:       bus,
		store:     st,
		files:     files,
		pool:      pool,
		progress:  prog,
		factory:   factory,
		uploads:   upload.NewService(st, files, prog, cfg.MaxUploadBytes),
		parser:    parsing.NewService(factory, prog, anchors, cfg.ProgressInterval),
		validator: validation.NewService(st, publisher, prog, factory, cfg.BatchSize),
		verifier:  passiveauth.NewVerifier(pool, cfg.LDAP.BaseDN, factory),
		locks:     locker.New(),
		parsed:    make(map[uuid.UUID]*parsing.Result),
	}

	bus.Subscribe("file-uploaded", d.onFileUploaded)
	bus.Subscribe("parsing-completed", d.onParsingCompleted)
	bus.Subscribe("validation-completed", d.onValidationCompleted)
	return d, nil
}

// Warm pre-dials the LDAP pool; failures are logged, not fatal, since
// the directory may come up after the daemon.
func (d *Daemon) Warm(ctx context.Context) {
	if err := d.pool.Warm(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("LDAP pool warm-up failed")
	}
}

// Shutdown drains in-flight event handlers and releases resources.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.bus.Wait()
	d.pool.Close()
	return d.store.Close()
}

// --- event handlers ---

func (d *Daemon) onFileUploaded(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.FileUploaded)
	if !ok {
		return
	}
	if e.Mode == types.ModeManual {
		// MANUAL pauses right after upload; the parse step comes from
		// the operator.
		d.setPause(ctx, e.UploadID, "parse")
		return
	}
	d.runParsing(ctx, e.UploadID)
}

func (d *Daemon) onParsingCompleted(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.ParsingCompleted)
	if !ok {
		return
	}
	d.runValidation(ctx, e.UploadID, e.Mode, validation.Input{
		Certs:      e.Certs,
		CRLs:       e.CRLs,
		MasterList: e.MasterList,
	})
}

func (d *Daemon) onValidationCompleted(ctx context.Context, ev events.Event) {
	e, ok := ev.(events.ValidationCompleted)
	if !ok {
		return
	}
	if e.Mode == types.ModeManual {
		return
	}
	d.finish(ctx, e.UploadID)
}

// --- pipeline stages ---

// runParsing executes the parsing stage. In AUTO mode the committed
// transition enqueues ParsingCompleted so validation follows; in
// MANUAL mode the result is cached and the record pauses.
func (d *Daemon) runParsing(ctx context.Context, id uuid.UUID) {
	d.locks.Lock(id.String())
	defer d.locks.Unlock(id.String())

	rec, err := d.store.GetUpload(ctx, id)
	if err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Error("parsing stage: record lookup failed")
		return
	}
	if err := d.transition(ctx, id, rec.Status, types.StatusParsing); err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Warn("parsing stage skipped")
		return
	}
	d.progress.Send(progress.Update{UploadID: id, Stage: progress.StageParsingStarted})

	data, err := d.files.Load(id)
	if err != nil {
		d.fail(ctx, id, err)
		return
	}
	res, err := d.parser.Parse(ctx, id, rec.DetectedFormat, data)
	if err != nil {
		d.fail(ctx, id, err)
		return
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		d.fail(ctx, id, err)
		return
	}
	defer tx.Rollback(ctx)
	for _, w := range res.Warnings {
		if err := tx.AddUploadWarning(ctx, id, w); err != nil {
			d.fail(ctx, id, err)
			return
		}
	}
	if err := tx.TransitionUpload(ctx, id, types.StatusParsing, types.StatusParsingCompleted); err != nil {
		d.fail(ctx, id, err)
		return
	}
	if rec.ProcessingMode == types.ModeAuto {
		tx.Enqueue(events.ParsingCompleted{
			UploadID:    id,
			Mode:        rec.ProcessingMode,
			Certs:       res.Certs,
			CRLs:        res.CRLs,
			MasterList:  res.MasterList,
			ParseErrors: res.ParseErrors,
		})
	} else {
		if err := tx.SetManualPause(ctx, id, ptr("validate")); err != nil {
			d.fail(ctx, id, err)
			return
		}
	}
	if err := tx.Commit(ctx); err != nil {
		d.fail(ctx, id, err)
		return
	}
	if rec.ProcessingMode == types.ModeManual {
		d.mu.Lock()
		d.parsed[id] = res
		d.mu.Unlock()
	}
	d.progress.Send(progress.Update{
		UploadID:   id,
		Stage:      progress.StageParsingCompleted,
		Percentage: 100,
		Counts: &types.UploadCounts{
			Certificates: len(res.Certs),
			CRLs:         len(res.CRLs),
		},
	})
}

// runValidation executes the validation stage and, in AUTO mode, the
// interleaved publication.
func (d *Daemon) runValidation(ctx context.Context, id uuid.UUID, mode types.ProcessingMode, in validation.Input) {
	d.locks.Lock(id.String())
	defer d.locks.Unlock(id.String())

	if err := d.transition(ctx, id, types.StatusParsingCompleted, types.StatusValidating); err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Warn("validation stage skipped")
		return
	}
	if err := d.validator.Run(ctx, id, mode, in); err != nil {
		d.fail(ctx, id, err)
		return
	}

	tx, err := d.store.Begin(ctx)
	if err != nil {
		d.fail(ctx, id, err)
		return
	}
	defer tx.Rollback(ctx)
	if err := tx.TransitionUpload(ctx, id, types.StatusValidating, types.StatusValidationCompleted); err != nil {
		d.fail(ctx, id, err)
		return
	}
	if mode == types.ModeManual {
		if err := tx.SetManualPause(ctx, id, ptr("upload-to-ldap")); err != nil {
			d.fail(ctx, id, err)
			return
		}
	}
	tx.Enqueue(events.ValidationCompleted{UploadID: id, Mode: mode})
	if err := tx.Commit(ctx); err != nil {
		d.fail(ctx, id, err)
		return
	}
	d.dropParsed(id)
}

// finish closes out an upload whose publication work is done.
func (d *Daemon) finish(ctx context.Context, id uuid.UUID) {
	d.locks.Lock(id.String())
	defer d.locks.Unlock(id.String())

	tx, err := d.store.Begin(ctx)
	if err != nil {
		d.fail(ctx, id, err)
		return
	}
	defer tx.Rollback(ctx)
	if err := tx.TransitionUpload(ctx, id, types.StatusValidationCompleted, types.StatusPublishing); err != nil {
		d.fail(ctx, id, err)
		return
	}
	if err := tx.TransitionUpload(ctx, id, types.StatusPublishing, types.StatusCompleted); err != nil {
		d.fail(ctx, id, err)
		return
	}
	if err := tx.SetManualPause(ctx, id, nil); err != nil {
		d.fail(ctx, id, err)
		return
	}
	if err := tx.Commit(ctx); err != nil {
		d.fail(ctx, id, err)
		return
	}

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
	log.G(ctx).WithField("upload", id).Info("pipeline completed")
}

// fail moves the upload to FAILED, keeping the original message.
func (d *Daemon) fail(ctx context.Context, id uuid.UUID, cause error) {
	log.G(ctx).WithError(cause).WithField("upload", id).Error("pipeline failed")
	d.dropParsed(id)

	tx, err := d.store.Begin(ctx)
	if err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Error("cannot record failure")
		return
	}
	defer tx.Rollback(ctx)
	if err := tx.FailUpload(ctx, id, cause.Error()); err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Error("cannot record failure")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Error("cannot record failure")
		return
	}
	d.progress.Send(progress.Update{
		UploadID: id,
		Stage:    progress.StageFailed,
		Message:  cause.Error(),
	})
}

func (d *Daemon) transition(ctx context.Context, id uuid.UUID, from, to types.UploadStatus) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := tx.TransitionUpload(ctx, id, from, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (d *Daemon) setPause(ctx context.Context, id uuid.UUID, step string) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Warn("cannot record pause step")
		return
	}
	defer tx.Rollback(ctx)
	if err := tx.SetManualPause(ctx, id, &step); err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Warn("cannot record pause step")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		log.G(ctx).WithError(err).WithField("upload", id).Warn("cannot record pause step")
	}
}

func (d *Daemon) dropParsed(id uuid.UUID) {
	d.mu.Lock()
	delete(d.parsed, id)
	d.mu.Unlock()
}

func ptr(s string) *string { return &s }

var errWrongMode = errors.New("processing steps apply to MANUAL mode uploads only")

// loadManual fetches the record and checks it is a MANUAL upload in
// the expected status.
func (d *Daemon) loadManual(ctx context.Context, id uuid.UUID, want types.UploadStatus) (*types.UploadRecord, error) {
	rec, err := d.store.GetUpload(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.ProcessingMode != types.ModeManual {
		return nil, errdefs.InvalidParameter(errWrongMode)
	}
	if rec.Status != want {
		return nil, errdefs.Conflict(errors.Errorf("upload %s is in status %s, expected %s", id, rec.Status, want))
	}
	return rec, nil
}
