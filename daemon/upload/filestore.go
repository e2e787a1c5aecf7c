package upload

import (
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/smartcoreinc/localpkd/errdefs"
)

// FileStore keeps the raw bytes of accepted uploads on disk so the
// parsing stage, which runs after the upload request returned, can
// read them back. Files are kept for reprocessing and audit.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at dir, creating it.
func NewFileStore(dir string) (*FileStore, error) {
	root := filepath.Join(dir, "uploads")
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, errors.Wrap(err, "creating upload directory")
	}
	return &FileStore{root: root}, nil
}

func (fs *FileStore) path(id uuid.UUID) string {
	return filepath.Join(fs.root, id.String())
}

// Save writes the upload's bytes. The write goes through a temp file
// so a crash never leaves a truncated upload behind.
func (fs *FileStore) Save(id uuid.UUID, data []byte) error {
	tmp, err := os.CreateTemp(fs.root, ".upload-")
	if err != nil {
		return errors.Wrap(err, "creating upload file")
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing upload file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing upload file")
	}
	return errors.Wrap(os.Rename(tmp.Name(), fs.path(id)), "storing upload file")
}

// Load reads an upload's bytes back.
func (fs *FileStore) Load(id uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(fs.path(id))
	if os.IsNotExist(err) {
		return nil, errdefs.NotFound(errors.Errorf("no stored file for upload %s", id))
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading upload file")
	}
	return data, nil
}

// Remove deletes an upload's file, ignoring absence.
func (fs *FileStore) Remove(id uuid.UUID) error {
	err := os.Remove(fs.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
