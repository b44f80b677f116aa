package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stocklot/upl-registry/internal/apperr"
	"github.com/stocklot/upl-registry/internal/model"
)

// FileStore keeps one JSON document per UPL under <dir>/<collection>/.
// Writes go through a temp file and rename, with an fsync before the
// rename, so a crash never leaves a half-written document behind.
type FileStore struct {
	dir string
}

// NewFileStore creates the collection directories and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	for _, col := range []Collection{CollectionActive, CollectionArchive} {
		if err := os.MkdirAll(filepath.Join(dir, string(col)), 0o755); err != nil {
			return nil, apperr.Internal("creating store directory", err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(col Collection, id string) string {
	return filepath.Join(s.dir, string(col), id+".json")
}

func (s *FileStore) LoadAll(_ context.Context, col Collection) ([]*model.Upl, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, string(col)))
	if err != nil {
		return nil, apperr.Internal("reading store directory", err)
	}

	var upls []*model.Upl
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, string(col), e.Name()))
		if err != nil {
			return nil, apperr.Internal(fmt.Sprintf("reading document %s", e.Name()), err)
		}
		var u model.Upl
		if err := json.Unmarshal(data, &u); err != nil {
			return nil, apperr.Internal(fmt.Sprintf("decoding document %s", e.Name()), err)
		}
		upls = append(upls, &u)
	}
	return upls, nil
}

func (s *FileStore) Insert(_ context.Context, col Collection, upl *model.Upl) error {
	path := s.path(col, upl.ID)
	if _, err := os.Stat(path); err == nil {
		return apperr.AlreadyExists("UPL %s already stored in %s", upl.ID, col)
	}
	return s.write(path, upl)
}

func (s *FileStore) FindByID(_ context.Context, col Collection, id string) (*model.Upl, error) {
	data, err := os.ReadFile(s.path(col, id))
	if os.IsNotExist(err) {
		return nil, apperr.NotFound("UPL %s not stored in %s", id, col)
	}
	if err != nil {
		return nil, apperr.Internal("reading document", err)
	}
	var u model.Upl
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, apperr.Internal("decoding document", err)
	}
	return &u, nil
}

func (s *FileStore) Update(_ context.Context, col Collection, upl *model.Upl) error {
	return s.write(s.path(col, upl.ID), upl)
}

func (s *FileStore) Remove(_ context.Context, col Collection, id string) error {
	if err := os.Remove(s.path(col, id)); err != nil && !os.IsNotExist(err) {
		return apperr.Internal("removing document", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) write(path string, upl *model.Upl) error {
	data, err := json.Marshal(upl)
	if err != nil {
		return apperr.Internal("encoding document", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperr.Internal("creating temp document", err)
	}
	if _, err := tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperr.Internal("writing document", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperr.Internal("closing document", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return apperr.Internal("publishing document", err)
	}
	return nil
}
