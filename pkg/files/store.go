// Package files stores uploaded files and serves them back.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/spf13/afero"
)

// ErrTooLarge is returned by Save when the content exceeds the limit.
var ErrTooLarge = errors.New("file too large")

// Store saves and opens files addressed by slash separated relative paths.
type Store interface {
	Save(rel string, r io.Reader, limit int64) (int64, error)
	Open(rel string) (afero.File, error)
	Remove(rel string) error
}

// LocalStore is a Store rooted in a directory of an afero filesystem.
type LocalStore struct {
	fs afero.Fs
}

// NewLocalStore returns a store rooted at basePath on the host filesystem.
func NewLocalStore(basePath string) *LocalStore {
	return NewStore(afero.NewBasePathFs(afero.NewOsFs(), basePath))
}

// NewStore wraps fs.
func NewStore(fs afero.Fs) *LocalStore {
	return &LocalStore{fs: fs}
}

// Save writes r to rel, creating parent directories. A limit > 0 caps the
// size; an oversized file is removed and ErrTooLarge returned.
func (s *LocalStore) Save(rel string, r io.Reader, limit int64) (int64, error) {
	p, err := clean(rel)
	if err != nil {
		return 0, err
	}
	if err := s.fs.MkdirAll(path.Dir(p), 0o750); err != nil {
		return 0, err
	}
	f, err := s.fs.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return 0, err
	}

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && limit > 0 && n > limit {
		err = ErrTooLarge
	}
	if err != nil {
		_ = s.fs.Remove(p)
		return 0, err
	}
	return n, nil
}

func (s *LocalStore) Open(rel string) (afero.File, error) {
	p, err := clean(rel)
	if err != nil {
		return nil, err
	}
	return s.fs.Open(p)
}

// Remove deletes rel and prunes the directories left empty by it.
func (s *LocalStore) Remove(rel string) error {
	p, err := clean(rel)
	if err != nil {
		return err
	}
	if err := s.fs.Remove(p); err != nil {
		return err
	}
	for dir := path.Dir(p); dir != "/" && dir != "."; dir = path.Dir(dir) {
		empty, err := afero.IsEmpty(s.fs, dir)
		if err != nil || !empty {
			break
		}
		if err := s.fs.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// clean rejects paths that climb out of the store root.
func clean(rel string) (string, error) {
	rel = strings.ReplaceAll(rel, "\\", "/")
	for _, seg := range strings.Split(rel, "/") {
		if seg == ".." {
			return "", fmt.Errorf("invalid file path %q", rel)
		}
	}
	p := path.Clean("/" + rel)
	if p == "/" {
		return "", fmt.Errorf("invalid file path %q", rel)
	}
	return p, nil
}

// Stores maps configured store names to stores.
type Stores map[string]Store

// OpenStores creates a LocalStore for every configured store.
func OpenStores(cfgs map[string]config.FileStoreConfig) Stores {
	stores := make(Stores, len(cfgs))
	for name, c := range cfgs {
		stores[name] = NewLocalStore(c.BasePath)
	}
	return stores
}
