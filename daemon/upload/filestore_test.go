package upload

import (
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/google/uuid"
	"github.com/smartcoreinc/localpkd/errdefs"
)

func TestFileStoreRoundTrip(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	assert.NilError(t, err)

	id := uuid.New()
	assert.NilError(t, fs.Save(id, []byte("dn: cn=x\n")))

	data, err := fs.Load(id)
	assert.NilError(t, err)
	assert.Check(t, is.Equal(string(data), "dn: cn=x\n"))

	assert.NilError(t, fs.Remove(id))
	_, err = fs.Load(id)
	assert.Check(t, errdefs.IsNotFound(err))
	assert.NilError(t, fs.Remove(id))
}
