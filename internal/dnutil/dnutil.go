// Package dnutil is the single source of truth for distinguished-name
// normalization and country extraction. Every site that needs a country
// code out of a DN-bearing string (X.509 subject or issuer, LDIF entry
// DN, "CSCA-XX" shorthand) goes through ExtractCountry; keeping one
// implementation is what makes DN comparison across sources reliable.
package dnutil

import (
	"regexp"
	"sort"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

var (
	cscaShorthandRe = regexp.MustCompile(`^CSCA-([A-Z]{2})$`)
	countryAttrRe   = regexp.MustCompile(`(?i)(?:^|,)\s*C=\s*([A-Za-z]{2,3})\s*(?:,|$)`)
)

// ExtractCountry returns the uppercase ISO 3166-1 country code found in
// s, or "" when none matches. s may be a full DN, a single RDN, or the
// "CSCA-XX" shorthand used by some master list signers.
func ExtractCountry(s string) string {
	s = strings.TrimSpace(s)
	if m := cscaShorthandRe.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	if m := countryAttrRe.FindStringSubmatch(s); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// Normalize parses a DN and renders it in a canonical form: attribute
// types uppercased, surrounding whitespace stripped, values preserved
// verbatim. DNs from different producers (OpenSSL, LDIF exports, Go's
// pkix rendering) only compare equal after this pass.
func Normalize(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		// Not parseable as a DN; fall back to a whitespace/case pass
		// so comparison still has a fighting chance.
		return fallbackNormalize(dn)
	}
	rdns := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, a := range rdn.Attributes {
			attrs = append(attrs, strings.ToUpper(strings.TrimSpace(a.Type))+"="+strings.TrimSpace(a.Value))
		}
		// Multi-valued RDNs have no defined order on the wire.
		sort.Strings(attrs)
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}

func fallbackNormalize(dn string) string {
	parts := strings.Split(dn, ",")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if k, v, ok := strings.Cut(p, "="); ok {
			p = strings.ToUpper(strings.TrimSpace(k)) + "=" + strings.TrimSpace(v)
		}
		parts[i] = p
	}
	return strings.Join(parts, ",")
}

// Equal reports whether two DNs denote the same name after
// normalization. Never compare DN strings byte for byte.
func Equal(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// EscapeRDNValue escapes a string for use as an RDN attribute value per
// RFC 4514. The backslash is escaped first; escaping it after the other
// specials would double-escape their sentinels.
func EscapeRDNValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	for _, c := range []string{`,`, `=`, `+`, `<`, `>`, `#`, `;`, `"`} {
		v = strings.ReplaceAll(v, c, `\`+c)
	}
	if strings.HasPrefix(v, " ") {
		v = `\` + v
	}
	if strings.HasSuffix(v, " ") {
		v = v[:len(v)-1] + `\ `
	}
	return v
}

// UnescapeRDNValue reverses EscapeRDNValue.
func UnescapeRDNValue(v string) string {
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) {
			i++
		}
		b.WriteByte(v[i])
	}
	return b.String()
}
