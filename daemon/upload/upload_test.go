package upload

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/events"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

type fakeTx struct {
	created    []*types.UploadRecord
	superseded []uuid.UUID
	events     []events.Event
	committed  bool
}

func (t *fakeTx) CreateUpload(_ context.Context, rec *types.UploadRecord) error {
	t.created = append(t.created, rec)
	return nil
}

func (t *fakeTx) SupersedeUpload(_ context.Context, id, _ uuid.UUID) error {
	t.superseded = append(t.superseded, id)
	return nil
}

func (t *fakeTx) Enqueue(ev events.Event)      { t.events = append(t.events, ev) }
func (t *fakeTx) Commit(context.Context) error { t.committed = true; return nil }
func (t *fakeTx) Rollback(context.Context)     {}

type fakeUploadStore struct {
	byHash  map[string]*types.UploadRecord
	uploads []types.UploadRecord
	tx      *fakeTx
}

func (s *fakeUploadStore) FindUploadByFingerprint(_ context.Context, fingerprint string) (*types.UploadRecord, error) {
	if rec, ok := s.byHash[fingerprint]; ok {
		return rec, nil
	}
	return nil, errdefs.NotFound(errors.New("no matching upload"))
}

func (s *fakeUploadStore) ListUploads(context.Context) ([]types.UploadRecord, error) {
	return s.uploads, nil
}

func (s *fakeUploadStore) Begin(context.Context) (Tx, error) {
	return s.tx, nil
}

func newFakeService(t *testing.T, st *fakeUploadStore) *Service {
	t.Helper()
	files, err := NewFileStore(t.TempDir())
	assert.NilError(t, err)
	return &Service{store: st, files: files, progress: progress.NewService(), maxBytes: 1 << 20}
}

func TestUploadDuplicateRejected(t *testing.T) {
	data := []byte("dn: cn=x\n")
	existing := &types.UploadRecord{ID: uuid.New(), FileName: "dl.ldif"}
	st := &fakeUploadStore{
		byHash: map[string]*types.UploadRecord{x509util.FingerprintSHA256(data): existing},
		tx:     &fakeTx{},
	}
	svc := newFakeService(t, st)

	res, err := svc.Upload(context.Background(), Request{FileName: "dl.ldif", Bytes: data, Mode: types.ModeAuto})
	assert.Check(t, errdefs.IsConflict(err))
	assert.Check(t, is.Equal(res.UploadID, existing.ID))
	assert.Check(t, is.Equal(res.DuplicateStatus, types.DuplicateExact))
	assert.Check(t, is.Len(st.tx.created, 0))
}

func TestUploadForceOverrideSupersedesPrior(t *testing.T) {
	data := []byte("dn: cn=x\n")
	existing := &types.UploadRecord{ID: uuid.New(), FileName: "dl.ldif", Status: types.StatusCompleted}
	st := &fakeUploadStore{
		byHash: map[string]*types.UploadRecord{x509util.FingerprintSHA256(data): existing},
		tx:     &fakeTx{},
	}
	svc := newFakeService(t, st)

	res, err := svc.Upload(context.Background(), Request{
		FileName:      "dl.ldif",
		Bytes:         data,
		Mode:          types.ModeAuto,
		ForceOverride: true,
	})
	assert.NilError(t, err)
	assert.Check(t, res.UploadID != existing.ID)
	assert.Check(t, is.Equal(res.DuplicateStatus, types.DuplicateNone))

	// The prior record is retired in the same transaction that creates
	// the new one, so the live fingerprint index stays satisfiable.
	assert.Check(t, is.Contains(st.tx.superseded, existing.ID))
	assert.Check(t, is.Len(st.tx.created, 1))
	assert.Check(t, st.tx.committed)
	assert.Check(t, is.Len(st.tx.events, 1))
}

func TestCheckDuplicate(t *testing.T) {
	mlData := []byte{0x30, 0x82}
	mlHash := x509util.FingerprintSHA256(mlData)
	stored := types.UploadRecord{
		ID:             uuid.New(),
		FileName:       "icaopkd-001-ml-000300.ml",
		DetectedFormat: types.FormatMasterList,
		Status:         types.StatusCompleted,
	}
	st := &fakeUploadStore{
		byHash:  map[string]*types.UploadRecord{mlHash: &stored},
		uploads: []types.UploadRecord{stored},
		tx:      &fakeTx{},
	}
	svc := newFakeService(t, st)
	ctx := context.Background()

	t.Run("exact", func(t *testing.T) {
		chk, err := svc.CheckDuplicate(ctx, "icaopkd-001-ml-000300.ml", mlHash, "")
		assert.NilError(t, err)
		assert.Check(t, is.Equal(chk.Status, types.DuplicateExact))
		assert.Check(t, is.Equal(chk.UploadID, stored.ID))
	})
	t.Run("checksum mismatch", func(t *testing.T) {
		chk, err := svc.CheckDuplicate(ctx, "dl.ldif", mlHash, "deadbeef")
		assert.NilError(t, err)
		assert.Check(t, is.Equal(chk.Status, types.ChecksumMismatch))
	})
	t.Run("newer master list sequence", func(t *testing.T) {
		chk, err := svc.CheckDuplicate(ctx, "icaopkd-001-ml-000325.ml", "0000", "")
		assert.NilError(t, err)
		assert.Check(t, is.Equal(chk.Status, types.DuplicateNewerVer))
		assert.Check(t, is.Equal(chk.UploadID, stored.ID))
	})
	t.Run("older master list sequence", func(t *testing.T) {
		chk, err := svc.CheckDuplicate(ctx, "icaopkd-001-ml-000200.ml", "0000", "")
		assert.NilError(t, err)
		assert.Check(t, is.Equal(chk.Status, types.DuplicateNone))
	})
	t.Run("unrelated file", func(t *testing.T) {
		chk, err := svc.CheckDuplicate(ctx, "dl.ldif", "0000", "")
		assert.NilError(t, err)
		assert.Check(t, is.Equal(chk.Status, types.DuplicateNone))
	})
}

func TestDetectFormat(t *testing.T) {
	ldif := []byte("version: 1\ndn: dc=data,dc=download,dc=pkd,dc=icao,dc=int\n")
	tests := []struct {
		doc      string
		name     string
		data     []byte
		expected types.FileFormat
		errors   bool
	}{
		{"icao master list name", "icaopkd-001-ml-000325.ml", []byte{0x30, 0x82}, types.FormatMasterList, false},
		{"master list in a path", "/incoming/icaopkd-001-dsccrl-002933.ml", []byte{0x30}, types.FormatMasterList, false},
		{"ldif with version header", "export.ldif", ldif, types.FormatLDIF, false},
		{"ldif starting with dn", "dl.LDIF", []byte("dn: cn=x\n"), types.FormatLDIF, false},
		{"ldif with comment header", "dl.ldif", []byte("# ICAO PKD export\ndn: cn=x\n"), types.FormatLDIF, false},
		{"binary content with ldif name", "evil.ldif", []byte{0x30, 0x82, 0x01}, "", true},
		{"unknown extension", "certs.zip", []byte("PK"), "", true},
		{"ml name without prefix", "random.ml", []byte{0x30}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.doc, func(t *testing.T) {
			format, err := DetectFormat(tc.name, tc.data)
			if tc.errors {
				assert.Check(t, errdefs.IsInvalidParameter(err), "got %v", err)
				return
			}
			assert.NilError(t, err)
			assert.Check(t, is.Equal(format, tc.expected))
		})
	}
}

func TestLooksLikeLDIFRejectsControlBytes(t *testing.T) {
	assert.Check(t, !looksLikeLDIF([]byte{0x00, 'd', 'n', ':'}))
	assert.Check(t, looksLikeLDIF([]byte("dn: cn=ok\r\n")))
}
