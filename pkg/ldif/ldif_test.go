package ldif

import (
	"encoding/base64"
	"errors"
	"io"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const sampleDER = "0\x82\x01\x00binary certificate bytes \x00\x01\x02"

func encodeFolded(raw string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(raw))
	// Split across continuation lines the way real exports fold.
	mid := len(enc) / 2
	return enc[:mid] + "\n " + enc[mid:]
}

func TestScannerBasicEntry(t *testing.T) {
	in := "version: 1\n" +
		"dn: cn=test,o=dsc,c=KR,dc=data,dc=download,dc=pkd,dc=icao,dc=int\n" +
		"objectClass: inetOrgPerson\n" +
		"userCertificate;binary:: " + encodeFolded(sampleDER) + "\n" +
		"\n"
	s := NewScanner(strings.NewReader(in))

	e, err := s.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.DN, "cn=test,o=dsc,c=KR,dc=data,dc=download,dc=pkd,dc=icao,dc=int"))

	der, ok := e.GetRaw("userCertificate;binary")
	assert.Check(t, ok)
	assert.Check(t, is.DeepEqual(der, []byte(sampleDER)))

	_, err = s.Next()
	assert.Check(t, is.Equal(err, io.EOF))
}

func TestScannerContinuationFoldsBeforeDecode(t *testing.T) {
	// The base64 must be concatenated across continuation lines before
	// decoding; decoding the fragments separately fails on padding.
	raw := strings.Repeat("x", 200)
	enc := base64.StdEncoding.EncodeToString([]byte(raw))
	var folded strings.Builder
	for i := 0; i < len(enc); i += 40 {
		end := i + 40
		if end > len(enc) {
			end = len(enc)
		}
		if i > 0 {
			folded.WriteString("\n ")
		}
		folded.WriteString(enc[i:end])
	}
	in := "dn: cn=x\ncACertificate;binary:: " + folded.String() + "\n\n"

	e, err := NewScanner(strings.NewReader(in)).Next()
	assert.NilError(t, err)
	v, ok := e.GetRaw("cacertificate;binary")
	assert.Check(t, ok)
	assert.Check(t, is.Equal(string(v), raw))
}

func TestScannerMalformedBase64ContinuesWithNextEntry(t *testing.T) {
	in := "dn: cn=bad\nuserCertificate;binary:: !!!not-base64!!!\n\n" +
		"dn: cn=good\ndescription: fine\n\n"
	s := NewScanner(strings.NewReader(in))

	_, err := s.Next()
	var entryErr *EntryError
	assert.Check(t, errors.As(err, &entryErr))
	assert.Check(t, is.Equal(entryErr.Index, 0))

	e, err := s.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.DN, "cn=good"))
}

func TestScannerMissingDN(t *testing.T) {
	s := NewScanner(strings.NewReader("description: orphan\n\n"))
	_, err := s.Next()
	var entryErr *EntryError
	assert.Check(t, errors.As(err, &entryErr))
}

func TestScannerNoTrailingSeparator(t *testing.T) {
	s := NewScanner(strings.NewReader("dn: cn=last\nsn: 01"))
	e, err := s.Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.DN, "cn=last"))
	v, _ := e.Get("sn")
	assert.Check(t, is.Equal(v, "01"))
}

func TestMarshalRoundTripPreservesBinary(t *testing.T) {
	entry := &Entry{
		DN: "cn=rt,o=csca,c=DE,dc=data,dc=download,dc=pkd,dc=example,dc=com",
		Attributes: []Attribute{
			{Name: "objectclass", Value: []byte("pkdDownload")},
			{Name: "usercertificate;binary", Value: []byte(sampleDER), Base64: true},
		},
	}
	out := Marshal(entry)

	got, err := NewScanner(strings.NewReader(string(out))).Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(got.DN, entry.DN))
	der, ok := got.GetRaw("usercertificate;binary")
	assert.Check(t, ok)
	assert.Check(t, is.DeepEqual(der, []byte(sampleDER)))
}

func TestScannerSkipsComments(t *testing.T) {
	in := "# export header\ndn: cn=c\n# inline comment\nsn: 1\n\n"
	e, err := NewScanner(strings.NewReader(in)).Next()
	assert.NilError(t, err)
	assert.Check(t, is.Equal(e.DN, "cn=c"))
}
