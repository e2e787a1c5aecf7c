package validation

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/smartcoreinc/localpkd/daemon/progress"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/dnutil"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

type fakeTrust struct {
	cscas map[string]*types.Certificate
	crls  map[string]*types.CRL
}

func (f *fakeTrust) FindCSCABySubjectDN(_ context.Context, dn string) (*types.Certificate, error) {
	if c, ok := f.cscas[dn]; ok {
		return c, nil
	}
	return nil, errdefs.NotFound(errors.Errorf("no CSCA with subject %q", dn))
}

func (f *fakeTrust) CurrentCRLByIssuer(_ context.Context, dn string) (*types.CRL, error) {
	return f.crls[dn], nil
}

func newChainTestService(trust TrustSource) *Service {
	return &Service{
		trust:     trust,
		progress:  progress.NewService(),
		factory:   x509util.NewFactory(),
		batchSize: 100,
	}
}

type certSpec struct {
	cn       string
	country  string
	isCA     bool
	keyUsage x509.KeyUsage
	expired  bool
}

func genKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	assert.NilError(t, err)
	return key
}

func genCert(t *testing.T, spec certSpec, parent *x509.Certificate, parentKey, key *ecdsa.PrivateKey) ([]byte, *x509.Certificate) {
	t.Helper()
	notBefore, notAfter := time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour)
	if spec.expired {
		notBefore, notAfter = time.Now().Add(-48*time.Hour), time.Now().Add(-time.Hour)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: spec.cn, Country: []string{spec.country}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		BasicConstraintsValid: true,
		IsCA:                  spec.isCA,
		KeyUsage:              spec.keyUsage,
	}
	if parent == nil {
		parent = tmpl
		parentKey = key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	assert.NilError(t, err)
	cert, err := x509.ParseCertificate(der)
	assert.NilError(t, err)
	return der, cert
}

func cscaRow(cert *x509.Certificate, der []byte) *types.Certificate {
	return &types.Certificate{
		Type:              types.TypeCSCA,
		SubjectDN:         dnutil.Normalize(cert.Subject.String()),
		RawDER:            der,
		FingerprintSHA256: x509util.FingerprintSHA256(der),
	}
}

func TestValidateCSCA(t *testing.T) {
	svc := newChainTestService(&fakeTrust{})
	uploadID := uuid.New()

	t.Run("valid root", func(t *testing.T) {
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "csca-de", country: "DE", isCA: true, keyUsage: x509.KeyUsageCertSign}, nil, nil, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeCSCA, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(row.ValidationStatus, types.ValidationValid))
		assert.Check(t, is.Len([]string(row.ValidationErrors), 0))
		assert.Check(t, is.Equal(row.SubjectCountry, "DE"))
	})

	t.Run("missing CA constraints", func(t *testing.T) {
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "bad-csca", country: "DE", isCA: false, keyUsage: x509.KeyUsageCertSign}, nil, nil, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeCSCA, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(row.ValidationStatus, types.ValidationInvalid))
		assert.Check(t, is.Contains([]string(row.ValidationErrors), types.ErrInvalidCAConstraint))
	})

	t.Run("expired dominates", func(t *testing.T) {
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "old-csca", country: "DE", isCA: true, keyUsage: x509.KeyUsageCertSign, expired: true}, nil, nil, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeCSCA, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(row.ValidationStatus, types.ValidationExpired))
	})
}

func TestValidateDSC(t *testing.T) {
	uploadID := uuid.New()
	cscaKey := genKey(t)
	cscaDER, cscaCert := genCert(t, certSpec{cn: "csca-fr", country: "FR", isCA: true, keyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign}, nil, nil, cscaKey)
	trust := &fakeTrust{cscas: map[string]*types.Certificate{
		dnutil.Normalize(cscaCert.Subject.String()): cscaRow(cscaCert, cscaDER),
	}}

	t.Run("valid chain", func(t *testing.T) {
		svc := newChainTestService(trust)
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "dsc-fr-1", country: "FR", keyUsage: x509.KeyUsageDigitalSignature}, cscaCert, cscaKey, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeDSC, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(row.ValidationStatus, types.ValidationValid))
	})

	t.Run("issuer not found", func(t *testing.T) {
		svc := newChainTestService(&fakeTrust{})
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "dsc-fr-2", country: "FR", keyUsage: x509.KeyUsageDigitalSignature}, cscaCert, cscaKey, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeDSC, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(row.ValidationStatus, types.ValidationInvalid))
		assert.Check(t, is.Contains([]string(row.ValidationErrors), types.ErrIssuerNotFound))
	})

	t.Run("signature from wrong key", func(t *testing.T) {
		// Same issuer DN, different key pair: lookup succeeds, the
		// signature check must not.
		rogueKey := genKey(t)
		_, rogueCA := genCert(t, certSpec{cn: "csca-fr", country: "FR", isCA: true, keyUsage: x509.KeyUsageCertSign}, nil, nil, rogueKey)
		svc := newChainTestService(trust)
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "dsc-fr-3", country: "FR", keyUsage: x509.KeyUsageDigitalSignature}, rogueCA, rogueKey, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeDSC, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Contains([]string(row.ValidationErrors), types.ErrSignatureInvalid))
	})

	t.Run("missing digitalSignature", func(t *testing.T) {
		svc := newChainTestService(trust)
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "dsc-fr-4", country: "FR", keyUsage: x509.KeyUsageContentCommitment}, cscaCert, cscaKey, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeDSC, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Contains([]string(row.ValidationErrors), types.ErrInvalidKeyUsage))
	})

	t.Run("non-conformant keeps its own kind", func(t *testing.T) {
		svc := newChainTestService(trust)
		key := genKey(t)
		der, _ := genCert(t, certSpec{cn: "dsc-sg-nc", country: "SG", keyUsage: x509.KeyUsageContentCommitment}, cscaCert, cscaKey, key)
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeDSCNC, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Contains([]string(row.ValidationErrors), types.ErrNonConformantAttr))
	})

	t.Run("revoked serial", func(t *testing.T) {
		key := genKey(t)
		der, dsc := genCert(t, certSpec{cn: "dsc-fr-5", country: "FR", keyUsage: x509.KeyUsageDigitalSignature}, cscaCert, cscaKey, key)

		crlDER, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
			Number:     big.NewInt(1),
			ThisUpdate: time.Now().Add(-time.Hour),
			NextUpdate: time.Now().Add(24 * time.Hour),
			RevokedCertificateEntries: []x509.RevocationListEntry{
				{SerialNumber: dsc.SerialNumber, RevocationTime: time.Now()},
			},
		}, cscaCert, cscaKey)
		assert.NilError(t, err)

		issuerDN := dnutil.Normalize(cscaCert.Subject.String())
		svc := newChainTestService(&fakeTrust{
			cscas: trust.cscas,
			crls: map[string]*types.CRL{
				issuerDN: {IssuerName: issuerDN, RawDER: crlDER},
			},
		})
		row, err := svc.validateOne(context.Background(), uploadID, types.CertValue{Type: types.TypeDSC, SourceType: types.SourceLDIF, DER: der})
		assert.NilError(t, err)
		assert.Check(t, is.Equal(row.ValidationStatus, types.ValidationInvalid))
		assert.Check(t, is.Contains([]string(row.ValidationErrors), types.ErrRevoked))
	})
}

func TestStatusFromKinds(t *testing.T) {
	assert.Check(t, is.Equal(statusFromKinds(nil), types.ValidationValid))
	assert.Check(t, is.Equal(statusFromKinds([]string{types.ErrSignatureInvalid}), types.ValidationInvalid))
	assert.Check(t, is.Equal(statusFromKinds([]string{types.ErrSignatureInvalid, types.ErrExpired}), types.ValidationExpired))
}
