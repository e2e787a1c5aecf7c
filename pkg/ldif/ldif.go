// Package ldif implements a streaming reader and writer for the LDAP
// Data Interchange Format (RFC 2849), extended with the ";binary"
// transfer option used by the ICAO PKD exports. The scanner never
// buffers more than one entry; a 75 MiB export is read line by line.
package ldif

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// maxLineLen bounds a single physical line. Folded base64 lines in PKD
// exports stay well under this.
const maxLineLen = 1 << 20

// Attribute is a single attribute of an entry. Name keeps the full
// lowercased descriptor including options ("usercertificate;binary").
type Attribute struct {
	Name   string
	Value  []byte
	Base64 bool
}

// Entry is one LDIF record.
type Entry struct {
	DN         string
	Attributes []Attribute
}

// GetRaw returns the first value of the named attribute. Lookup is
// case-insensitive on the full descriptor.
func (e *Entry) GetRaw(name string) ([]byte, bool) {
	name = strings.ToLower(name)
	for _, a := range e.Attributes {
		if a.Name == name {
			return a.Value, true
		}
	}
	return nil, false
}

// Get returns the first value of the named attribute as a string.
func (e *Entry) Get(name string) (string, bool) {
	v, ok := e.GetRaw(name)
	if !ok {
		return "", false
	}
	return string(v), true
}

// EntryError reports a malformed entry. Scanning may continue past it;
// Index counts entries from zero including the failed one.
type EntryError struct {
	Index int
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("ldif: malformed entry %d: %v", e.Index, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Scanner reads LDIF entries one at a time.
type Scanner struct {
	r     *bufio.Scanner
	index int

	// peeked holds a line that terminated the previous entry but
	// belongs to the next one (never happens with blank separators,
	// kept for safety with missing trailing newlines).
	peeked  *string
	lastErr error
}

// NewScanner returns a Scanner reading from r.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineLen)
	return &Scanner{r: sc}
}

func (s *Scanner) nextLine() (string, bool) {
	if s.peeked != nil {
		l := *s.peeked
		s.peeked = nil
		return l, true
	}
	if !s.r.Scan() {
		s.lastErr = s.r.Err()
		return "", false
	}
	return strings.TrimRight(s.r.Text(), "\r"), true
}

// Next returns the next entry. It returns io.EOF when the input is
// exhausted. A malformed entry yields a *EntryError; the caller may
// keep calling Next to continue with the remaining entries.
func (s *Scanner) Next() (*Entry, error) {
	// Collect the logical lines of one record: physical lines up to a
	// blank separator, with continuation lines (leading single space)
	// folded into their predecessor before any decoding.
	var logical []string
	for {
		line, ok := s.nextLine()
		if !ok {
			if s.lastErr != nil {
				return nil, s.lastErr
			}
			if len(logical) == 0 {
				return nil, io.EOF
			}
			break
		}
		if line == "" {
			if len(logical) == 0 {
				continue // leading blank lines
			}
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, " ") {
			if len(logical) == 0 {
				idx := s.index
				s.index++
				s.skipRecord()
				return nil, &EntryError{Index: idx, Err: errors.New("continuation line without a preceding attribute line")}
			}
			logical[len(logical)-1] += line[1:]
			continue
		}
		logical = append(logical, line)
	}

	idx := s.index
	s.index++

	entry := &Entry{}
	for _, line := range logical {
		name, value, err := parseLine(line)
		if err != nil {
			return nil, &EntryError{Index: idx, Err: err}
		}
		if name == "version" && entry.DN == "" && len(entry.Attributes) == 0 {
			continue
		}
		if name == "dn" {
			entry.DN = string(value.Value)
			continue
		}
		entry.Attributes = append(entry.Attributes, value)
	}
	if entry.DN == "" {
		return nil, &EntryError{Index: idx, Err: errors.New("record has no dn")}
	}
	return entry, nil
}

// skipRecord consumes lines up to the next blank separator so a
// malformed record doesn't poison the one after it.
func (s *Scanner) skipRecord() {
	for {
		line, ok := s.nextLine()
		if !ok || line == "" {
			return
		}
	}
}

func parseLine(line string) (string, Attribute, error) {
	colon := strings.IndexByte(line, ':')
	if colon < 1 {
		return "", Attribute{}, errors.Errorf("not an attribute line: %q", truncate(line))
	}
	name := strings.ToLower(strings.TrimSpace(line[:colon]))
	rest := line[colon+1:]

	attr := Attribute{Name: name}
	switch {
	case strings.HasPrefix(rest, ":"): // base64
		attr.Base64 = true
		enc := strings.TrimLeft(rest[1:], " ")
		dec, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return "", Attribute{}, errors.Wrapf(err, "bad base64 for %s", name)
		}
		attr.Value = dec
	case strings.HasPrefix(rest, "<"): // URL values are not used by PKD exports
		return "", Attribute{}, errors.Errorf("url-valued attribute %s not supported", name)
	default:
		attr.Value = []byte(strings.TrimLeft(rest, " "))
	}
	return name, attr, nil
}

func truncate(s string) string {
	if len(s) > 40 {
		return s[:40] + "..."
	}
	return s
}

// Marshal renders entries back into LDIF text. Binary and base64
// attributes are written with "::" and folded at 76 columns.
func Marshal(entries ...*Entry) []byte {
	var buf bytes.Buffer
	for i, e := range entries {
		if i > 0 {
			buf.WriteByte('\n')
		}
		writeLine(&buf, "dn", []byte(e.DN), needsBase64([]byte(e.DN)))
		for _, a := range e.Attributes {
			writeLine(&buf, a.Name, a.Value, a.Base64 || needsBase64(a.Value))
		}
	}
	return buf.Bytes()
}

func writeLine(buf *bytes.Buffer, name string, value []byte, b64 bool) {
	var line string
	if b64 {
		line = name + ":: " + base64.StdEncoding.EncodeToString(value)
	} else {
		line = name + ": " + string(value)
	}
	// Fold at 76 characters; continuation lines carry one leading space.
	const width = 76
	for len(line) > width {
		buf.WriteString(line[:width])
		buf.WriteByte('\n')
		line = " " + line[width:]
	}
	buf.WriteString(line)
	buf.WriteByte('\n')
}

func needsBase64(v []byte) bool {
	if len(v) == 0 {
		return false
	}
	if v[0] == ' ' || v[0] == ':' || v[0] == '<' {
		return true
	}
	for _, b := range v {
		if b < 0x20 || b > 0x7e {
			return true
		}
	}
	return v[len(v)-1] == ' '
}
