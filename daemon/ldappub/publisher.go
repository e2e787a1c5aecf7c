package ldappub

import (
	"context"
	"strings"

	"github.com/containerd/log"
	mapset "github.com/deckarep/golang-set/v2"
	gometrics "github.com/docker/go-metrics"
	ldap "github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
	"resenje.org/singleflight"

	"github.com/smartcoreinc/localpkd/daemon/metrics"
	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/internal/dnutil"
	"github.com/smartcoreinc/localpkd/pkg/ldif"
)

// Outcome classifies one directory Add.
type Outcome string

const (
	OutcomeAdded            Outcome = "ADDED"
	OutcomeDuplicateSkipped Outcome = "DUPLICATE_SKIPPED"
	OutcomeFailed           Outcome = "FAILED"
)

// BatchResult aggregates the outcomes of one batch. Published lists
// the fingerprints whose entries are now present in the directory,
// whether this run added them or a prior one did.
type BatchResult struct {
	Added            int               `json:"added"`
	DuplicateSkipped int               `json:"duplicateSkipped"`
	Failed           int               `json:"failed"`
	Failures         map[string]string `json:"failures,omitempty"`
	Published        []string          `json:"-"`
}

func (r *BatchResult) record(fingerprint string, outcome Outcome, err error) {
	metrics.LDAPAdds.WithValues(string(outcome)).Inc()
	switch outcome {
	case OutcomeAdded:
		r.Added++
		r.Published = append(r.Published, fingerprint)
	case OutcomeDuplicateSkipped:
		r.DuplicateSkipped++
		r.Published = append(r.Published, fingerprint)
	case OutcomeFailed:
		r.Failed++
		if r.Failures == nil {
			r.Failures = make(map[string]string)
		}
		r.Failures[fingerprint] = err.Error()
	}
}

// Publisher executes duplicate-tolerant batch Adds against the PKD
// tree, materializing missing organizational nodes on the way down.
type Publisher struct {
	conns  ConnSource
	baseDN string

	// parents caches DNs known to exist so each structural node is
	// probed once per process. Entries are idempotent, last write wins.
	parents mapset.Set[string]
	flight  singleflight.Group[string, struct{}]
}

// NewPublisher returns a Publisher rooted at baseDN.
func NewPublisher(conns ConnSource, baseDN string) *Publisher {
	return &Publisher{
		conns:   conns,
		baseDN:  baseDN,
		parents: mapset.NewSet[string](),
	}
}

// PublishCertificates adds one batch of certificate entries. Failures
// never abort the batch; rows that failed stay unpublished and retry
// on the next run.
func (p *Publisher) PublishCertificates(ctx context.Context, certs []*types.Certificate) *BatchResult {
	done := gometrics.StartTimer(metrics.BatchTimer)
	defer done()

	res := &BatchResult{}
	p.withConn(ctx, res, len(certs), func(conn Conn) {
		for _, c := range certs {
			outcome, err := p.addEntry(ctx, conn, CertificateEntry(c, p.baseDN))
			res.record(c.FingerprintSHA256, outcome, err)
		}
	})
	return res
}

// PublishCRLs adds one batch of CRL entries.
func (p *Publisher) PublishCRLs(ctx context.Context, crls []*types.CRL) *BatchResult {
	res := &BatchResult{}
	p.withConn(ctx, res, len(crls), func(conn Conn) {
		for _, crl := range crls {
			outcome, err := p.addEntry(ctx, conn, CRLEntry(crl, p.baseDN))
			res.record(crl.FingerprintSHA256, outcome, err)
		}
	})
	return res
}

// PublishMasterList adds the single signed envelope entry of a master
// list upload. fingerprint is the content hash of the CMS blob.
func (p *Publisher) PublishMasterList(ctx context.Context, ml *types.MasterList, fingerprint string) (Outcome, error) {
	conn, err := p.conns.Get(ctx)
	if err != nil {
		return OutcomeFailed, err
	}
	outcome, addErr := p.addEntry(ctx, conn, MasterListEntry(ml, fingerprint, p.baseDN))
	p.conns.Put(conn, addErr != nil && ldap.IsErrorWithCode(addErr, ldap.ErrorNetwork))
	metrics.LDAPAdds.WithValues(string(outcome)).Inc()
	return outcome, addErr
}

// withConn runs fn with a pooled connection, counting the whole batch
// failed when no connection can be obtained.
func (p *Publisher) withConn(ctx context.Context, res *BatchResult, size int, fn func(Conn)) {
	conn, err := p.conns.Get(ctx)
	if err != nil {
		log.G(ctx).WithError(err).Warn("LDAP batch skipped: no connection")
		res.Failed += size
		return
	}
	fn(conn)
	p.conns.Put(conn, false)
}

// addEntry materializes missing parents, then adds the leaf. A
// pre-existing leaf is a defined skip, not an error. DNs rooted at the
// ICAO production tree, as found in externally produced exports, are
// re-rooted at the configured base first.
func (p *Publisher) addEntry(ctx context.Context, conn Conn, entry *ldif.Entry) (Outcome, error) {
	entry.DN = RewriteICAORoot(entry.DN, p.baseDN)
	if err := p.ensureParents(ctx, conn, entry.DN); err != nil {
		return OutcomeFailed, err
	}
	err := conn.Add(toAddRequest(entry))
	switch {
	case err == nil:
		return OutcomeAdded, nil
	case ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists):
		return OutcomeDuplicateSkipped, nil
	default:
		return OutcomeFailed, errors.Wrapf(err, "adding %s", entry.DN)
	}
}

// ensureParents walks from the node nearest the root down to the
// leaf's direct parent, adding each missing structural node once.
func (p *Publisher) ensureParents(ctx context.Context, conn Conn, leafDN string) error {
	chain, err := parentChain(leafDN, p.baseDN)
	if err != nil {
		return err
	}
	for _, dn := range chain {
		if p.parents.Contains(dn) {
			continue
		}
		dn := dn
		_, _, err := p.flight.Do(ctx, dn, func(ctx context.Context) (struct{}, error) {
			if err := addStructuralNode(conn, dn); err != nil {
				return struct{}{}, err
			}
			p.parents.Add(dn)
			return struct{}{}, nil
		})
		if err != nil {
			return errors.Wrapf(err, "materializing %s", dn)
		}
	}
	return nil
}

// addStructuralNode adds a minimal container entry typed by its
// leading attribute.
func addStructuralNode(conn Conn, dn string) error {
	parts := splitDN(dn)
	attr, value, ok := strings.Cut(parts[0], "=")
	if !ok {
		return errors.Errorf("malformed RDN in %q", dn)
	}
	attr = strings.ToLower(strings.TrimSpace(attr))
	value = dnutil.UnescapeRDNValue(strings.TrimSpace(value))

	req := ldap.NewAddRequest(dn, nil)
	switch attr {
	case "dc":
		req.Attribute("objectclass", []string{"top", "domain"})
	case "c":
		req.Attribute("objectclass", []string{"top", "country"})
	case "o":
		req.Attribute("objectclass", []string{"top", "organization"})
	default:
		req.Attribute("objectclass", []string{"top", "organizationalUnit"})
		attr = "ou"
	}
	req.Attribute(attr, []string{value})

	err := conn.Add(req)
	if err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultEntryAlreadyExists) {
		return err
	}
	return nil
}

// parentChain lists the DNs strictly between baseDN and leafDN,
// ordered nearest the root first.
func parentChain(leafDN, baseDN string) ([]string, error) {
	leaf := splitDN(leafDN)
	base := splitDN(baseDN)
	if len(leaf) <= len(base) {
		return nil, errors.Errorf("%q is not below %q", leafDN, baseDN)
	}
	var chain []string
	for i := len(leaf) - len(base) - 1; i >= 1; i-- {
		chain = append(chain, strings.Join(leaf[i:], ","))
	}
	return chain, nil
}

// splitDN breaks a DN at unescaped commas.
func splitDN(dn string) []string {
	var parts []string
	var cur strings.Builder
	escaped := false
	for _, r := range dn {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			cur.WriteRune(r)
			escaped = true
		case r == ',':
			parts = append(parts, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, strings.TrimSpace(cur.String()))
	return parts
}
