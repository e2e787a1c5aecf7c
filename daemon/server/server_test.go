package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	systemrouter "github.com/smartcoreinc/localpkd/daemon/server/router/system"
	uploadrouter "github.com/smartcoreinc/localpkd/daemon/server/router/upload"
	"github.com/smartcoreinc/localpkd/daemon/types"
	uploadsvc "github.com/smartcoreinc/localpkd/daemon/upload"
	"github.com/smartcoreinc/localpkd/errdefs"
)

type fakeUploadBackend struct {
	result    uploadsvc.Result
	err       error
	lastReq   uploadsvc.Request
	record    *types.UploadRecord
	recordErr error
	check     uploadsvc.DuplicateCheck
}

func (b *fakeUploadBackend) Upload(ctx context.Context, req uploadsvc.Request) (uploadsvc.Result, error) {
	b.lastReq = req
	return b.result, b.err
}

func (b *fakeUploadBackend) CheckDuplicate(ctx context.Context, fileName, fingerprint, expected string) (uploadsvc.DuplicateCheck, error) {
	return b.check, nil
}

func (b *fakeUploadBackend) GetUpload(ctx context.Context, id uuid.UUID) (*types.UploadRecord, error) {
	return b.record, b.recordErr
}

func (b *fakeUploadBackend) ListUploads(ctx context.Context) ([]types.UploadRecord, error) {
	return nil, nil
}

func (b *fakeUploadBackend) UploadCounts(ctx context.Context, id uuid.UUID) (types.UploadCounts, error) {
	return types.UploadCounts{}, nil
}

type fakeSystemBackend struct{}

func (fakeSystemBackend) SubscribeProgress(uuid.UUID) chan interface{}    { return nil }
func (fakeSystemBackend) UnsubscribeProgress(uuid.UUID, chan interface{}) {}
func (fakeSystemBackend) SubscribeAllProgress() chan interface{}          { return nil }
func (fakeSystemBackend) UnsubscribeAllProgress(chan interface{})         {}

func multipartBody(t *testing.T, fileName string, data []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", fileName)
	assert.NilError(t, err)
	_, err = fw.Write(data)
	assert.NilError(t, err)
	for k, v := range fields {
		assert.NilError(t, mw.WriteField(k, v))
	}
	assert.NilError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestPostUpload(t *testing.T) {
	id := uuid.New()
	backend := &fakeUploadBackend{
		result: uploadsvc.Result{UploadID: id, Format: types.FormatLDIF},
	}
	srv := New(uploadrouter.NewRouter(backend, 1<<20))

	body, contentType := multipartBody(t, "dsccrl.ldif", []byte("dn: cn=x\n"), map[string]string{
		"mode": "MANUAL",
	})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Check(t, is.Equal(rec.Code, http.StatusCreated))
	assert.Check(t, is.Equal(backend.lastReq.FileName, "dsccrl.ldif"))
	assert.Check(t, is.Equal(backend.lastReq.Mode, types.ModeManual))

	var got uploadsvc.Result
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Check(t, is.Equal(got.UploadID, id))
}

func TestPostUploadDuplicateConflict(t *testing.T) {
	existing := uuid.New()
	backend := &fakeUploadBackend{
		result: uploadsvc.Result{UploadID: existing, DuplicateStatus: types.DuplicateExact},
		err:    errdefs.Conflict(errors.New("duplicate upload")),
	}
	srv := New(uploadrouter.NewRouter(backend, 1<<20))

	body, contentType := multipartBody(t, "dsccrl.ldif", []byte("dn: cn=x\n"), nil)
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	// The conflict response still identifies the pre-existing upload.
	assert.Check(t, is.Equal(rec.Code, http.StatusConflict))
	var got uploadsvc.Result
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Check(t, is.Equal(got.UploadID, existing))
	assert.Check(t, is.Equal(got.DuplicateStatus, types.DuplicateExact))
}

func TestCheckDuplicateRoute(t *testing.T) {
	backend := &fakeUploadBackend{
		check: uploadsvc.DuplicateCheck{Status: types.DuplicateExact, UploadID: uuid.New()},
	}
	srv := New(uploadrouter.NewRouter(backend, 1<<20))

	req := httptest.NewRequest(http.MethodGet, "/uploads/check?hash=abcd", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	var got uploadsvc.DuplicateCheck
	assert.NilError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Check(t, is.Equal(got.Status, types.DuplicateExact))

	// The check path must not be swallowed by the {id} route, and the
	// hash parameter is mandatory.
	req = httptest.NewRequest(http.MethodGet, "/uploads/check", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Check(t, is.Equal(rec.Code, http.StatusBadRequest))
}

func TestGetUploadBadID(t *testing.T) {
	srv := New(uploadrouter.NewRouter(&fakeUploadBackend{}, 1<<20))

	req := httptest.NewRequest(http.MethodGet, "/uploads/not-a-uuid", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Check(t, is.Equal(rec.Code, http.StatusBadRequest))
}

func TestGetUploadNotFound(t *testing.T) {
	backend := &fakeUploadBackend{
		recordErr: errdefs.NotFound(errors.New("no such upload")),
	}
	srv := New(uploadrouter.NewRouter(backend, 1<<20))

	req := httptest.NewRequest(http.MethodGet, "/uploads/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Check(t, is.Equal(rec.Code, http.StatusNotFound))
}

func TestPing(t *testing.T) {
	srv := New(systemrouter.NewRouter(fakeSystemBackend{}, http.NotFoundHandler()))

	req := httptest.NewRequest(http.MethodGet, "/_ping", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Check(t, is.Equal(rec.Code, http.StatusOK))
	assert.Check(t, is.Equal(rec.Body.String(), "OK"))
}

func TestUnknownRouteIsJSON404(t *testing.T) {
	srv := New()

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Check(t, is.Equal(rec.Code, http.StatusNotFound))
	assert.Check(t, is.Contains(rec.Header().Get("Content-Type"), "application/json"))
}
