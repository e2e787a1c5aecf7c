package ldappub

import (
	"context"
	"sync"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/pkg/ldif"
)

const testBase = "dc=ldap,dc=smartcoreinc,dc=com"

// fakeConn is an in-memory directory accepting Adds.
type fakeConn struct {
	mu      sync.Mutex
	entries map[string]*ldap.AddRequest
	failDN  map[string]error
}

func newFakeConn() *fakeConn {
	return &fakeConn{entries: map[string]*ldap.AddRequest{}, failDN: map[string]error{}}
}

func (f *fakeConn) Add(req *ldap.AddRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failDN[req.DN]; ok {
		return err
	}
	if _, ok := f.entries[req.DN]; ok {
		return ldap.NewError(ldap.LDAPResultEntryAlreadyExists, errors.New("entry already exists"))
	}
	f.entries[req.DN] = req
	return nil
}

func (f *fakeConn) Search(*ldap.SearchRequest) (*ldap.SearchResult, error) {
	return &ldap.SearchResult{}, nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) has(dn string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[dn]
	return ok
}

type fakeSource struct{ conn *fakeConn }

func (s *fakeSource) Get(context.Context) (Conn, error) { return s.conn, nil }
func (s *fakeSource) Put(Conn, bool)                    {}

func testCert(subject, country, serial string, certType types.CertificateType) *types.Certificate {
	return &types.Certificate{
		Type:              certType,
		SubjectDN:         subject,
		SubjectCountry:    country,
		SerialNumber:      serial,
		FingerprintSHA256: "fp-" + serial,
		RawDER:            []byte{0x30, 0x03, 0x02, 0x01, 0x01},
	}
}

func TestPublishCertificates(t *testing.T) {
	conn := newFakeConn()
	pub := NewPublisher(&fakeSource{conn: conn}, testBase)

	certs := []*types.Certificate{
		testCert("CN=CSCA-DE,C=DE", "DE", "1a", types.TypeCSCA),
		testCert("CN=DSC-DE-1,C=DE", "DE", "2b", types.TypeDSC),
	}
	res := pub.PublishCertificates(context.Background(), certs)
	assert.Check(t, is.Equal(res.Added, 2))
	assert.Check(t, is.Equal(res.Failed, 0))
	assert.Check(t, is.DeepEqual(res.Published, []string{"fp-1a", "fp-2b"}))

	assert.Check(t, conn.has("cn=CN\\=CSCA-DE\\,C\\=DE+sn=1a,o=csca,c=DE,dc=data,dc=download,dc=pkd,"+testBase))
	assert.Check(t, conn.has("cn=CN\\=DSC-DE-1\\,C\\=DE+sn=2b,o=dsc,c=DE,dc=data,dc=download,dc=pkd,"+testBase))

	// Structural nodes materialized down to the parents.
	assert.Check(t, conn.has("dc=pkd,"+testBase))
	assert.Check(t, conn.has("dc=download,dc=pkd,"+testBase))
	assert.Check(t, conn.has("dc=data,dc=download,dc=pkd,"+testBase))
	assert.Check(t, conn.has("c=DE,dc=data,dc=download,dc=pkd,"+testBase))
	assert.Check(t, conn.has("o=csca,c=DE,dc=data,dc=download,dc=pkd,"+testBase))
	assert.Check(t, conn.has("o=dsc,c=DE,dc=data,dc=download,dc=pkd,"+testBase))
}

func TestPublishCertificatesDuplicateIsSkip(t *testing.T) {
	conn := newFakeConn()
	pub := NewPublisher(&fakeSource{conn: conn}, testBase)

	certs := []*types.Certificate{testCert("CN=CSCA-FR,C=FR", "FR", "aa", types.TypeCSCA)}
	first := pub.PublishCertificates(context.Background(), certs)
	assert.Check(t, is.Equal(first.Added, 1))

	second := pub.PublishCertificates(context.Background(), certs)
	assert.Check(t, is.Equal(second.Added, 0))
	assert.Check(t, is.Equal(second.DuplicateSkipped, 1))
	assert.Check(t, is.Equal(second.Failed, 0))
	// Duplicates still count as published: the entry is present.
	assert.Check(t, is.DeepEqual(second.Published, []string{"fp-aa"}))
}

func TestPublishCertificatesFailureDoesNotAbortBatch(t *testing.T) {
	conn := newFakeConn()
	pub := NewPublisher(&fakeSource{conn: conn}, testBase)

	bad := testCert("CN=BAD,C=DE", "DE", "ff", types.TypeDSC)
	badDN := CertificateDN(bad, testBase)
	conn.failDN[badDN] = ldap.NewError(ldap.LDAPResultUnavailable, errors.New("server busy"))

	certs := []*types.Certificate{
		bad,
		testCert("CN=GOOD,C=DE", "DE", "0c", types.TypeDSC),
	}
	res := pub.PublishCertificates(context.Background(), certs)
	assert.Check(t, is.Equal(res.Added, 1))
	assert.Check(t, is.Equal(res.Failed, 1))
	assert.Check(t, is.Contains(res.Failures, "fp-ff"))
	assert.Check(t, is.DeepEqual(res.Published, []string{"fp-0c"}))
}

func TestDSCNCGoesToNonConformantBranch(t *testing.T) {
	cert := testCert("CN=NC,C=SG", "SG", "9d", types.TypeDSCNC)
	dn := CertificateDN(cert, testBase)
	assert.Check(t, is.Equal(dn, "cn=CN\\=NC\\,C\\=SG+sn=9d,o=dsc,c=SG,dc=nc-data,dc=download,dc=pkd,"+testBase))
}

func TestPublishMasterList(t *testing.T) {
	conn := newFakeConn()
	pub := NewPublisher(&fakeSource{conn: conn}, testBase)

	ml := &types.MasterList{SignerCountry: "LV", RawCMS: []byte{0x30, 0x00}}
	fingerprint := "0123456789abcdef0123456789abcdef"
	outcome, err := pub.PublishMasterList(context.Background(), ml, fingerprint)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(outcome, OutcomeAdded))
	assert.Check(t, conn.has("cn=masterlist-0123456789abcdef,o=ml,c=LV,dc=data,dc=download,dc=pkd,"+testBase))

	outcome, err = pub.PublishMasterList(context.Background(), ml, fingerprint)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(outcome, OutcomeDuplicateSkipped))
}

func TestRewriteICAORoot(t *testing.T) {
	in := "cn=x,o=dsc,c=KR,dc=data,dc=download,dc=pkd,dc=icao,dc=int"
	out := RewriteICAORoot(in, testBase)
	assert.Check(t, is.Equal(out, "cn=x,o=dsc,c=KR,dc=data,dc=download,dc=pkd,"+testBase))

	unrelated := "cn=x,dc=example,dc=org"
	assert.Check(t, is.Equal(RewriteICAORoot(unrelated, testBase), unrelated))
}

func TestAddEntryReRootsICAODNs(t *testing.T) {
	conn := newFakeConn()
	pub := NewPublisher(&fakeSource{conn: conn}, testBase)

	entry := &ldif.Entry{
		DN: "cn=ext,o=dsc,c=KR,dc=data,dc=download,dc=pkd,dc=icao,dc=int",
		Attributes: []ldif.Attribute{
			{Name: "objectclass", Value: []byte("inetOrgPerson")},
			{Name: "cn", Value: []byte("ext")},
		},
	}
	outcome, err := pub.addEntry(context.Background(), conn, entry)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(outcome, OutcomeAdded))

	// The entry and its structural parents land under the configured
	// base, never under the ICAO production root.
	assert.Check(t, conn.has("cn=ext,o=dsc,c=KR,dc=data,dc=download,dc=pkd,"+testBase))
	assert.Check(t, conn.has("o=dsc,c=KR,dc=data,dc=download,dc=pkd,"+testBase))
	assert.Check(t, !conn.has("cn=ext,o=dsc,c=KR,dc=data,dc=download,dc=pkd,dc=icao,dc=int"))
}

func TestParentChain(t *testing.T) {
	chain, err := parentChain("cn=leaf,o=csca,c=DE,dc=data,dc=download,dc=pkd,"+testBase, testBase)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(chain, []string{
		"dc=pkd," + testBase,
		"dc=download,dc=pkd," + testBase,
		"dc=data,dc=download,dc=pkd," + testBase,
		"c=DE,dc=data,dc=download,dc=pkd," + testBase,
		"o=csca,c=DE,dc=data,dc=download,dc=pkd," + testBase,
	}))
}
