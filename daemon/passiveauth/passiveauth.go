// Package passiveauth verifies ePassport SODs against the published
// PKD. The issuing CSCA is looked up in the directory, never in the
// relational store: the directory is the real-time source of trust and
// the upload pipeline's tables stay private to it.
package passiveauth

import (
	"bytes"
	"context"
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/digitorus/pkcs7"
	gometrics "github.com/docker/go-metrics"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/daemon/ldappub"
	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/errdefs"
	"github.com/smartcoreinc/localpkd/internal/dnutil"
	"github.com/smartcoreinc/localpkd/internal/x509util"
)

var (
	countryRe = regexp.MustCompile(`^[A-Z]{2,3}$`)
	dgNameRe  = regexp.MustCompile(`^DG([1-9]|1[0-6])$`)
)

// Status is the aggregate verification outcome.
type Status string

const (
	StatusValid   Status = "VALID"
	StatusInvalid Status = "INVALID"
	StatusError   Status = "ERROR"
)

// CheckResult is one of the three sub-verdicts.
type CheckResult struct {
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
}

// DGResult is the data group sub-verdict with per-DG detail.
type DGResult struct {
	Valid   bool            `json:"valid"`
	Message string          `json:"message"`
	PerDG   map[string]bool `json:"perDg,omitempty"`
}

// Result is the full verification report.
type Result struct {
	Status          Status      `json:"status"`
	ChainValidation CheckResult `json:"certificateChainValidation"`
	SODSignature    CheckResult `json:"sodSignatureValidation"`
	DataGroups      DGResult    `json:"dataGroupValidation"`
}

// Request is one verification job. DataGroups maps "DG1".."DG16" to
// raw content bytes.
type Request struct {
	IssuingCountry string
	DocumentNumber string
	SOD            []byte
	DataGroups     map[string][]byte
}

// Validate checks the request shape before any cryptography runs.
func (r *Request) Validate() error {
	if !countryRe.MatchString(r.IssuingCountry) {
		return errdefs.InvalidParameter(errors.Errorf("issuing country %q must be 2 or 3 uppercase letters", r.IssuingCountry))
	}
	if len(r.SOD) == 0 {
		return errdefs.InvalidParameter(errors.New("sod is required"))
	}
	if len(r.DataGroups) == 0 {
		return errdefs.InvalidParameter(errors.New("at least one data group is required"))
	}
	for name := range r.DataGroups {
		if !dgNameRe.MatchString(name) {
			return errdefs.InvalidParameter(errors.Errorf("unknown data group %q", name))
		}
	}
	return nil
}

// Verifier runs passive authentication.
type Verifier struct {
	conns   ldappub.ConnSource
	baseDN  string
	factory *x509util.Factory
}

// NewVerifier returns a Verifier searching the directory under baseDN.
func NewVerifier(conns ldappub.ConnSource, baseDN string, factory *x509util.Factory) *Verifier {
	return &Verifier{conns: conns, baseDN: baseDN, factory: factory}
}

// Verify runs the full check sequence. Structural failure of the SOD
// is the only hard error; every downstream failure lands in the
// sub-results with status INVALID.
func (v *Verifier) Verify(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	done := gometrics.StartTimer(metrics.PassiveAuthTimer)
	defer done()

	res := &Result{Status: StatusInvalid}

	// The outer tag of a CMS ContentInfo is a SEQUENCE; anything else
	// is not an SOD at all.
	if len(req.SOD) == 0 || req.SOD[0] != 0x30 {
		return nil, errdefs.InvalidParameter(errors.New("malformed SOD: outer tag is not a SEQUENCE"))
	}
	p7, err := pkcs7.Parse(req.SOD)
	if err != nil {
		return nil, errdefs.InvalidParameter(errors.Wrap(err, "malformed SOD"))
	}
	dsc := p7.GetOnlySigner()
	if dsc == nil {
		return nil, errdefs.InvalidParameter(errors.New("malformed SOD: no embedded signer certificate"))
	}

	csca, chainRes := v.verifyChain(ctx, dsc)
	res.ChainValidation = chainRes

	if err := p7.Verify(); err != nil {
		res.SODSignature = CheckResult{Valid: false, Message: fmt.Sprintf("SOD signature verification failed: %v", err)}
	} else if csca == nil {
		res.SODSignature = CheckResult{Valid: false, Message: "SOD signed by embedded DSC, but the DSC issuer could not be verified"}
	} else {
		res.SODSignature = CheckResult{Valid: true, Message: "SOD signature verified against embedded DSC"}
	}

	res.DataGroups = verifyDataGroups(p7.Content, req.DataGroups)

	if res.ChainValidation.Valid && res.SODSignature.Valid && res.DataGroups.Valid {
		res.Status = StatusValid
	}
	log.G(ctx).WithFields(log.Fields{
		"country": req.IssuingCountry,
		"status":  res.Status,
	}).Debug("passive authentication verdict")
	return res, nil
}

// verifyChain resolves the DSC's issuing CSCA from the directory and
// verifies the DSC signature against it.
func (v *Verifier) verifyChain(ctx context.Context, dsc *x509.Certificate) (*x509.Certificate, CheckResult) {
	issuerDN := dnutil.Normalize(dsc.Issuer.String())
	country := dnutil.ExtractCountry(dsc.Issuer.String())
	if country == "" {
		return nil, CheckResult{Valid: false, Message: "DSC issuer DN carries no country attribute"}
	}

	csca, err := v.lookupCSCA(ctx, country, issuerDN)
	if err != nil {
		return nil, CheckResult{Valid: false, Message: fmt.Sprintf("issuing CSCA not found in LDAP for %s: %v", country, err)}
	}
	if err := dsc.CheckSignatureFrom(csca); err != nil {
		return nil, CheckResult{Valid: false, Message: fmt.Sprintf("DSC signature does not verify against CSCA: %v", err)}
	}
	return csca, CheckResult{Valid: true, Message: "DSC chains to CSCA " + csca.Subject.String()}
}

// lookupCSCA searches the CSCA branch of the issuing country. The
// search base carries the o=csca node; organizational components are
// tree nodes, not filterable attributes.
func (v *Verifier) lookupCSCA(ctx context.Context, country, issuerDN string) (*x509.Certificate, error) {
	base := fmt.Sprintf("o=csca,c=%s,%s", country, ldappub.DataBase(v.baseDN))
	filter := fmt.Sprintf("(&(objectClass=pkdDownload)(cn=%s))", ldap.EscapeFilter(issuerDN))

	conn, err := v.conns.Get(ctx)
	if err != nil {
		return nil, err
	}
	sr, err := conn.Search(ldap.NewSearchRequest(
		base, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, []string{"userCertificate;binary"}, nil))
	v.conns.Put(conn, err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork))
	if err != nil {
		return nil, errors.Wrap(err, "searching directory")
	}

	// A re-issued CSCA can coexist with its predecessor; prefer the
	// one whose validity window covers now, then the freshest. The cn
	// filter matches on the stored attribute; the certificate's own
	// subject is what has to equal the issuer DN.
	var candidates []*x509.Certificate
	for _, entry := range sr.Entries {
		der := entry.GetRawAttributeValue("userCertificate;binary")
		if len(der) == 0 {
			continue
		}
		cert, err := v.factory.ParseCertificate(der)
		if err != nil {
			continue
		}
		if !dnutil.Equal(cert.Subject.String(), issuerDN) {
			continue
		}
		candidates = append(candidates, cert)
	}
	if len(candidates) == 0 {
		return nil, errors.Errorf("no CSCA entry matches %q", issuerDN)
	}
	now := time.Now()
	sort.Slice(candidates, func(i, j int) bool {
		iCur := !now.Before(candidates[i].NotBefore) && !now.After(candidates[i].NotAfter)
		jCur := !now.Before(candidates[j].NotBefore) && !now.After(candidates[j].NotAfter)
		if iCur != jCur {
			return iCur
		}
		return candidates[i].NotAfter.After(candidates[j].NotAfter)
	})
	return candidates[0], nil
}

// ldsSecurityObject is the encapsulated content of the SOD (ICAO Doc
// 9303 Part 10).
type ldsSecurityObject struct {
	Version       int
	HashAlgorithm pkix.AlgorithmIdentifier
	DGHashes      []dataGroupHash
}

type dataGroupHash struct {
	Number int
	Value  []byte
}

var hashByOID = map[string]crypto.Hash{
	"1.3.14.3.2.26":          crypto.SHA1,
	"2.16.840.1.101.3.4.2.1": crypto.SHA256,
	"2.16.840.1.101.3.4.2.2": crypto.SHA384,
	"2.16.840.1.101.3.4.2.3": crypto.SHA512,
}

// verifyDataGroups hashes each provided DG with the SOD's algorithm
// and compares against the LDSSecurityObject. DGs absent from the
// request are not checked; DGs absent from the SOD fail.
func verifyDataGroups(content []byte, groups map[string][]byte) DGResult {
	var lds ldsSecurityObject
	if _, err := asn1.Unmarshal(content, &lds); err != nil {
		return DGResult{Valid: false, Message: fmt.Sprintf("malformed LDSSecurityObject: %v", err)}
	}
	hash, ok := hashByOID[lds.HashAlgorithm.Algorithm.String()]
	if !ok || !hash.Available() {
		return DGResult{Valid: false, Message: fmt.Sprintf("unsupported hash algorithm %s", lds.HashAlgorithm.Algorithm)}
	}

	expected := make(map[int][]byte, len(lds.DGHashes))
	for _, dg := range lds.DGHashes {
		expected[dg.Number] = dg.Value
	}

	res := DGResult{Valid: true, PerDG: make(map[string]bool, len(groups))}
	var mismatched []string
	for name, data := range groups {
		n := dgNumber(name)
		want, present := expected[n]
		if !present {
			res.PerDG[name] = false
			res.Valid = false
			mismatched = append(mismatched, name)
			continue
		}
		h := hash.New()
		h.Write(data)
		ok := bytes.Equal(h.Sum(nil), want)
		res.PerDG[name] = ok
		if !ok {
			res.Valid = false
			mismatched = append(mismatched, name+"_HASH_MISMATCH")
		}
	}
	if res.Valid {
		res.Message = fmt.Sprintf("all %d provided data group hashes match", len(groups))
	} else {
		sort.Strings(mismatched)
		res.Message = "data group verification failed: " + strings.Join(mismatched, ", ")
	}
	return res
}

func dgNumber(name string) int {
	n, _ := strconv.Atoi(strings.TrimPrefix(name, "DG"))
	return n
}
