package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func TestDefaults(t *testing.T) {
	c := New()
	assert.Check(t, is.Equal(c.BatchSize, 100))
	assert.Check(t, is.Equal(c.ProgressInterval, 10))
	assert.Check(t, is.Equal(c.MaxUploadBytes, int64(100<<20)))
	assert.Check(t, is.Equal(c.LDAP.MinConnections, 3))
	assert.Check(t, is.Equal(c.LDAP.MaxConnections, 20))
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pkdd.json")
	err := os.WriteFile(path, []byte(`{"batch-size": 25, "ldap": {"base-dn": "dc=example,dc=org"}}`), 0o600)
	assert.NilError(t, err)

	c := New()
	assert.NilError(t, Load(c, path))
	assert.Check(t, is.Equal(c.BatchSize, 25))
	assert.Check(t, is.Equal(c.LDAP.BaseDN, "dc=example,dc=org"))
	// untouched defaults survive the merge
	assert.Check(t, is.Equal(c.ProgressInterval, 10))
}

func TestValidate(t *testing.T) {
	c := New()
	c.PostgresDSN = "postgres://pkd@localhost/pkd"
	assert.NilError(t, c.Validate())

	c.BatchSize = 0
	assert.Check(t, is.ErrorContains(c.Validate(), "batch-size"))

	c = New()
	c.PostgresDSN = "x"
	c.LDAP.MaxConnections = 1
	assert.Check(t, is.ErrorContains(c.Validate(), "pool bounds"))
}
