// Package upload is the entry point of the pipeline: it accepts raw
// file bytes, fingerprints them, rejects duplicates and records the
// upload with its requested processing mode. The FileUploaded event it
// enqueues is what sets the rest of the pipeline in motion.
package upload

import (
	"context"
	"path"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/containerd/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/events"
	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/store"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

var (
	// masterListName matches the ICAO PKD distribution naming for CMS
	// master list files, e.g. icaopkd-001-ml-000325.ml.
	masterListName = regexp.MustCompile(`^icaopkd-001-.*\.ml$`)

	// masterListSeq captures the distribution sequence number.
	masterListSeq = regexp.MustCompile(`^icaopkd-001-ml-(\d+)\.ml$`)
)

// Store is the slice of the relational store the upload service uses.
type Store interface {
	FindUploadByFingerprint(ctx context.Context, fingerprint string) (*types.UploadRecord, error)
	ListUploads(ctx context.Context) ([]types.UploadRecord, error)
	Begin(ctx context.Context) (Tx, error)
}

// Tx is the transactional slice behind Upload.
type Tx interface {
	CreateUpload(ctx context.Context, rec *types.UploadRecord) error
	SupersedeUpload(ctx context.Context, id, supersededBy uuid.UUID) error
	Enqueue(ev events.Event)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context)
}

// storeAdapter narrows *store.Store to the Store interface; the method
// set matches except for Begin's concrete return type.
type storeAdapter struct {
	*store.Store
}

func (a storeAdapter) Begin(ctx context.Context) (Tx, error) {
	tx, err := a.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// Service implements the upload operations.
type Service struct {
	store    Store
	files    *FileStore
	progress *progress.Service
	maxBytes int64
}

// NewService returns the upload Service.
func NewService(st *store.Store, files *FileStore, prog *progress.Service, maxBytes int64) *Service {
	return &Service{store: storeAdapter{st}, files: files, progress: prog, maxBytes: maxBytes}
}

// Request carries one upload.
type Request struct {
	FileName         string
	Bytes            []byte
	ExpectedChecksum string // optional lowercase hex SHA-256
	Mode             types.ProcessingMode
	ForceOverride    bool
}

// Result reports the outcome. On a duplicate rejection UploadID is the
// id of the pre-existing record.
type Result struct {
	UploadID        uuid.UUID             `json:"uploadId"`
	DuplicateStatus types.DuplicateStatus `json:"duplicateStatus"`
	Format          types.FileFormat      `json:"detectedFormat,omitempty"`
}

// Upload fingerprints, deduplicates and persists the file, then emits
// FileUploaded after the record commits. With ForceOverride a matching
// prior record is retired in the same transaction, freeing its
// fingerprint for the new one.
func (s *Service) Upload(ctx context.Context, req Request) (Result, error) {
	if len(req.Bytes) == 0 {
		return Result{}, errdefs.InvalidParameter(errors.New("empty upload"))
	}
	if int64(len(req.Bytes)) > s.maxBytes {
		return Result{}, errdefs.InvalidParameter(errors.Errorf("upload exceeds %d bytes", s.maxBytes))
	}
	if !req.Mode.Valid() {
		return Result{}, errdefs.InvalidParameter(errors.Errorf("unknown processing mode %q", req.Mode))
	}

	fingerprint := x509util.FingerprintSHA256(req.Bytes)
	if req.ExpectedChecksum != "" && !strings.EqualFold(req.ExpectedChecksum, fingerprint) {
		return Result{DuplicateStatus: types.ChecksumMismatch},
			errdefs.InvalidParameter(errors.New("computed checksum disagrees with the expected checksum"))
	}

	var supersedes *types.UploadRecord
	if existing, err := s.store.FindUploadByFingerprint(ctx, fingerprint); err == nil {
		if !req.ForceOverride {
			metrics.DuplicateUploads.Inc()
			return Result{UploadID: existing.ID, DuplicateStatus: types.DuplicateExact},
				errdefs.Conflict(errors.Errorf("duplicate upload of %s", existing.FileName))
		}
		supersedes = existing
	} else if !errdefs.IsNotFound(err) {
		return Result{}, err
	}

	format, err := DetectFormat(req.FileName, req.Bytes)
	if err != nil {
		return Result{}, err
	}

	rec := &types.UploadRecord{
		ID:                 uuid.New(),
		FileName:           req.FileName,
		ByteSize:           int64(len(req.Bytes)),
		ContentFingerprint: fingerprint,
		DetectedFormat:     format,
		ProcessingMode:     req.Mode,
		Status:             types.StatusReceived,
		Warnings:           []string{},
	}

	if err := s.files.Save(rec.ID, req.Bytes); err != nil {
		return Result{}, err
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.files.Remove(rec.ID)
		return Result{}, err
	}
	defer tx.Rollback(ctx)

	if supersedes != nil {
		if err := tx.SupersedeUpload(ctx, supersedes.ID, rec.ID); err != nil {
			s.files.Remove(rec.ID)
			return Result{}, err
		}
		log.G(ctx).WithFields(log.Fields{
			"upload":     rec.ID,
			"supersedes": supersedes.ID,
		}).Info("forced re-upload retires prior record")
	}
	if err := tx.CreateUpload(ctx, rec); err != nil {
		s.files.Remove(rec.ID)
		return Result{}, err
	}
	tx.Enqueue(events.FileUploaded{UploadID: rec.ID, Mode: req.Mode})
	if err := tx.Commit(ctx); err != nil {
		s.files.Remove(rec.ID)
		return Result{}, err
	}

	metrics.UploadsReceived.WithValues(string(format)).Inc()
	log.G(ctx).WithFields(log.Fields{
		"upload": rec.ID,
		"file":   rec.FileName,
		"format": format,
		"mode":   req.Mode,
	}).Info("upload accepted")

	s.progress.Send(progress.Update{
		UploadID:   rec.ID,
		Stage:      progress.StageUploadCompleted,
		Percentage: 100,
		Message:    rec.FileName,
	})

	return Result{UploadID: rec.ID, DuplicateStatus: types.DuplicateNone, Format: format}, nil
}

// DuplicateCheck is the outcome of the pre-upload duplicate probe.
type DuplicateCheck struct {
	Status   types.DuplicateStatus `json:"duplicateStatus"`
	UploadID uuid.UUID             `json:"uploadId"`
}

// CheckDuplicate reports how a file the client is about to upload
// relates to stored uploads, without persisting anything. An exact
// fingerprint match reports the existing record; a master list whose
// distribution sequence exceeds a stored one reports NEWER_VERSION
// with the record it would supersede.
func (s *Service) CheckDuplicate(ctx context.Context, fileName, fingerprint, expected string) (DuplicateCheck, error) {
	if expected != "" && !strings.EqualFold(expected, fingerprint) {
		return DuplicateCheck{Status: types.ChecksumMismatch}, nil
	}
	if existing, err := s.store.FindUploadByFingerprint(ctx, fingerprint); err == nil {
		return DuplicateCheck{Status: types.DuplicateExact, UploadID: existing.ID}, nil
	} else if !errdefs.IsNotFound(err) {
		return DuplicateCheck{}, err
	}

	if seq, ok := masterListSequence(fileName); ok {
		recs, err := s.store.ListUploads(ctx)
		if err != nil {
			return DuplicateCheck{}, err
		}
		for i := range recs {
			rec := &recs[i]
			if rec.Status == types.StatusFailed || rec.DetectedFormat != types.FormatMasterList {
				continue
			}
			if prev, ok := masterListSequence(rec.FileName); ok && seq > prev {
				return DuplicateCheck{Status: types.DuplicateNewerVer, UploadID: rec.ID}, nil
			}
		}
	}
	return DuplicateCheck{Status: types.DuplicateNone}, nil
}

func masterListSequence(fileName string) (int, bool) {
	m := masterListSeq.FindStringSubmatch(strings.ToLower(path.Base(fileName)))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// DetectFormat decides the file format from the name and leading
// bytes: ICAO master list distribution names are CMS; files that look
// like text and open with an LDIF header are LDIF; anything else is
// rejected.
func DetectFormat(fileName string, data []byte) (types.FileFormat, error) {
	base := strings.ToLower(path.Base(fileName))
	if masterListName.MatchString(base) {
		return types.FormatMasterList, nil
	}
	if strings.HasSuffix(base, ".ldif") && looksLikeLDIF(data) {
		return types.FormatLDIF, nil
	}
	return "", errdefs.InvalidParameter(errors.Errorf("unsupported file format for %q", fileName))
}

func looksLikeLDIF(data []byte) bool {
	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	for _, b := range head {
		if b > unicode.MaxASCII || (b < 0x20 && b != '\n' && b != '\r' && b != '\t') {
			return false
		}
	}
	s := strings.TrimLeft(string(head), " \t\r\n")
	return strings.HasPrefix(s, "dn:") || strings.HasPrefix(s, "version:") || strings.HasPrefix(s, "#")
}
