package ldappub

import (
	"fmt"
	"strings"

	ldap "github.com/go-ldap/ldap/v3"

	"github.com/smartcoreinc/localpkd/daemon/types"
	"github.com/smartcoreinc/localpkd/internal/dnutil"
	"github.com/smartcoreinc/localpkd/pkg/ldif"
)

// pkdVersion is the ICAO PKD schema version stamped on every
// certificate entry.
const pkdVersion = "1150"

// DataBase returns the conformant data branch under the configured
// directory root.
func DataBase(baseDN string) string {
	return "dc=data,dc=download,dc=pkd," + baseDN
}

// NCDataBase returns the non-conformant branch.
func NCDataBase(baseDN string) string {
	return "dc=nc-data,dc=download,dc=pkd," + baseDN
}

// RewriteICAORoot replaces a trailing dc=icao,dc=int suffix, as found
// in externally produced PKD exports, with the configured root.
func RewriteICAORoot(dn, baseDN string) string {
	const icaoRoot = "dc=icao,dc=int"
	trimmed := strings.TrimRight(dn, " ")
	if len(trimmed) >= len(icaoRoot) && strings.EqualFold(trimmed[len(trimmed)-len(icaoRoot):], icaoRoot) {
		return trimmed[:len(trimmed)-len(icaoRoot)] + baseDN
	}
	return dn
}

// CertificateDN builds the leaf DN of one certificate entry. The
// subject DN rides in cn with RFC 4514 specials escaped; the serial
// disambiguates re-issued subjects.
func CertificateDN(c *types.Certificate, baseDN string) string {
	branch := DataBase(baseDN)
	marker := "dsc"
	switch c.Type {
	case types.TypeCSCA:
		marker = "csca"
	case types.TypeDSCNC:
		branch = NCDataBase(baseDN)
	}
	return fmt.Sprintf("cn=%s+sn=%s,o=%s,c=%s,%s",
		dnutil.EscapeRDNValue(c.SubjectDN), c.SerialNumber, marker, c.SubjectCountry, branch)
}

// CRLDN builds the leaf DN of one CRL entry.
func CRLDN(crl *types.CRL, baseDN string) string {
	return fmt.Sprintf("cn=%s,o=crl,c=%s,%s",
		dnutil.EscapeRDNValue(crl.IssuerName), crl.IssuerCountry, DataBase(baseDN))
}

// MasterListDN builds the DN of the single master list envelope entry
// published per upload. The fingerprint prefix keeps re-uploads of the
// same list idempotent while distinct lists coexist.
func MasterListDN(ml *types.MasterList, fingerprint, baseDN string) string {
	return fmt.Sprintf("cn=masterlist-%s,o=ml,c=%s,%s",
		fingerprint[:16], ml.SignerCountry, DataBase(baseDN))
}

// CertificateEntry renders a certificate as the LDIF entry published
// to the directory.
func CertificateEntry(c *types.Certificate, baseDN string) *ldif.Entry {
	classes := []string{"top", "person", "organizationalPerson", "inetOrgPerson", "pkdDownload"}
	if c.Type == types.TypeCSCA {
		classes = append(classes, "pkdMasterList")
	}
	e := &ldif.Entry{DN: CertificateDN(c, baseDN)}
	for _, oc := range classes {
		e.Attributes = append(e.Attributes, ldif.Attribute{Name: "objectclass", Value: []byte(oc)})
	}
	e.Attributes = append(e.Attributes,
		ldif.Attribute{Name: "cn", Value: []byte(c.SubjectDN)},
		ldif.Attribute{Name: "sn", Value: []byte(c.SerialNumber)},
		ldif.Attribute{Name: "pkdversion", Value: []byte(pkdVersion)},
		ldif.Attribute{Name: "usercertificate;binary", Value: c.RawDER, Base64: true},
	)
	return e
}

// CRLEntry renders a CRL as its directory entry.
func CRLEntry(crl *types.CRL, baseDN string) *ldif.Entry {
	return &ldif.Entry{
		DN: CRLDN(crl, baseDN),
		Attributes: []ldif.Attribute{
			{Name: "objectclass", Value: []byte("top")},
			{Name: "objectclass", Value: []byte("cRLDistributionPoint")},
			{Name: "cn", Value: []byte(crl.IssuerName)},
			{Name: "certificaterevocationlist;binary", Value: crl.RawDER, Base64: true},
		},
	}
}

// MasterListEntry renders the signed master list container.
func MasterListEntry(ml *types.MasterList, fingerprint, baseDN string) *ldif.Entry {
	return &ldif.Entry{
		DN: MasterListDN(ml, fingerprint, baseDN),
		Attributes: []ldif.Attribute{
			{Name: "objectclass", Value: []byte("top")},
			{Name: "objectclass", Value: []byte("person")},
			{Name: "objectclass", Value: []byte("organizationalPerson")},
			{Name: "objectclass", Value: []byte("inetOrgPerson")},
			{Name: "objectclass", Value: []byte("pkdMasterList")},
			{Name: "cn", Value: []byte("masterlist-" + fingerprint[:16])},
			{Name: "sn", Value: []byte(ml.SignerCountry)},
			{Name: "pkdversion", Value: []byte(pkdVersion)},
			{Name: "pkdmasterlistcontent;binary", Value: ml.RawCMS, Base64: true},
		},
	}
}

// toAddRequest converts an LDIF entry into the wire Add, grouping
// repeated attributes into multi-valued ones.
func toAddRequest(e *ldif.Entry) *ldap.AddRequest {
	req := ldap.NewAddRequest(e.DN, nil)
	order := make([]string, 0, len(e.Attributes))
	grouped := make(map[string][]string, len(e.Attributes))
	for _, a := range e.Attributes {
		if _, seen := grouped[a.Name]; !seen {
			order = append(order, a.Name)
		}
		grouped[a.Name] = append(grouped[a.Name], string(a.Value))
	}
	for _, name := range order {
		req.Attribute(name, grouped[name])
	}
	return req
}
