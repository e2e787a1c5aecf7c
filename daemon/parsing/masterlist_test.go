package parsing

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/digitorus/pkcs7"
	"github.com/google/uuid"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

func buildMasterList(t *testing.T, signerDER []byte, signerKey interface{}, cscaDERs ...[]byte) []byte {
	t.Helper()
	certList := make([]asn1.RawValue, 0, len(cscaDERs))
	for _, der := range cscaDERs {
		certList = append(certList, asn1.RawValue{FullBytes: der})
	}
	content, err := asn1.Marshal(cscaMasterList{Version: 0, CertList: certList})
	assert.NilError(t, err)

	sd, err := pkcs7.NewSignedData(content)
	assert.NilError(t, err)
	signer, err := x509.ParseCertificate(signerDER)
	assert.NilError(t, err)
	assert.NilError(t, sd.AddSigner(signer, signerKey, pkcs7.SignerInfoConfig{}))
	cms, err := sd.Finish()
	assert.NilError(t, err)
	return cms
}

func TestParseMasterList(t *testing.T) {
	signerDER, signerKey := genSelfSigned(t, "ml-signer-lv", "LV")
	cscaDE, _ := genSelfSigned(t, "csca-de", "DE")
	cscaFR, _ := genSelfSigned(t, "csca-fr", "FR")
	cms := buildMasterList(t, signerDER, signerKey, cscaDE, cscaFR)

	svc := newTestService()
	id := uuid.New()
	res, err := svc.Parse(context.Background(), id, types.FormatMasterList, cms)
	assert.NilError(t, err)
	assert.Assert(t, res.MasterList != nil)
	assert.Check(t, is.Equal(res.MasterList.SignerCountry, "LV"))
	assert.Check(t, is.Equal(res.MasterList.ContainedCSCACount, 2))
	assert.Check(t, is.Equal(res.MasterList.UploadID, id))
	assert.Check(t, is.Len(res.Certs, 2))
	for _, c := range res.Certs {
		assert.Check(t, is.Equal(c.Type, types.TypeCSCA))
		assert.Check(t, is.Equal(c.SourceType, types.SourceMasterList))
	}
	// No anchor bundle is configured, so the signer cannot be trusted.
	assert.Check(t, is.Contains(res.Warnings, types.WarnUntrustedMasterListSigner))
}

func TestParseMasterListNoAnchorsWarnsUntrusted(t *testing.T) {
	signerDER, signerKey := genSelfSigned(t, "ml-signer-lv", "LV")
	cscaDE, _ := genSelfSigned(t, "csca-de", "DE")
	cms := buildMasterList(t, signerDER, signerKey, cscaDE)

	svc := NewService(x509util.NewFactory(), progress.NewService(), nil, 10)
	res, err := svc.Parse(context.Background(), uuid.New(), types.FormatMasterList, cms)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(res.Warnings, types.WarnUntrustedMasterListSigner))
	assert.Check(t, is.Len(res.Certs, 1))
}

func TestParseMasterListUnanchoredSignerWarns(t *testing.T) {
	signerDER, signerKey := genSelfSigned(t, "ml-signer-lv", "LV")
	cscaDE, _ := genSelfSigned(t, "csca-de", "DE")
	cms := buildMasterList(t, signerDER, signerKey, cscaDE)

	unrelatedDER, _ := genSelfSigned(t, "someone-else", "US")
	unrelated, err := x509.ParseCertificate(unrelatedDER)
	assert.NilError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(unrelated)

	svc := NewService(x509util.NewFactory(), progress.NewService(), pool, 10)
	res, err := svc.Parse(context.Background(), uuid.New(), types.FormatMasterList, cms)
	assert.NilError(t, err)
	assert.Check(t, is.Contains(res.Warnings, types.WarnUntrustedMasterListSigner))
	assert.Check(t, is.Len(res.Certs, 1))
}

func TestParseMasterListAnchoredSigner(t *testing.T) {
	signerDER, signerKey := genSelfSigned(t, "ml-signer-lv", "LV")
	cscaDE, _ := genSelfSigned(t, "csca-de", "DE")
	cms := buildMasterList(t, signerDER, signerKey, cscaDE)

	signer, err := x509.ParseCertificate(signerDER)
	assert.NilError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(signer)

	svc := NewService(x509util.NewFactory(), progress.NewService(), pool, 10)
	res, err := svc.Parse(context.Background(), uuid.New(), types.FormatMasterList, cms)
	assert.NilError(t, err)
	assert.Check(t, is.Len(res.Warnings, 0))
}

func TestParseMasterListRejectsGarbage(t *testing.T) {
	svc := newTestService()
	_, err := svc.Parse(context.Background(), uuid.New(), types.FormatMasterList, []byte("not a cms structure"))
	assert.Check(t, errdefs.IsInvalidParameter(err))
}
