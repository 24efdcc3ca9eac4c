// Package fs implements a bundle archive on the local filesystem.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"entitycore/internal/snapshot/core"
	"entitycore/pkg/entity"
)

const (
	dataSuffix = ".json"
	metaSuffix = ".meta"
)

// Store implements core.Archive on a directory tree. A bundle named
// "daily/a" lives at <root>/daily/a.json with a metadata sidecar
// <root>/daily/a.json.meta. Both files are written to a temp file and
// renamed into place.
type Store struct {
	root string
}

// New returns a filesystem archive rooted at root, creating it if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = "./snapshots"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Driver returns the archive driver identifier.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

// Root returns the archive directory.
func (s *Store) Root() string { return s.root }

func (s *Store) pathFor(name string) (clean, dataPath, metaPath string, err error) {
	clean, err = core.CheckName(name)
	if err != nil {
		return "", "", "", err
	}
	dataPath = filepath.Join(s.root, filepath.FromSlash(clean)) + dataSuffix
	metaPath = dataPath + metaSuffix
	return clean, dataPath, metaPath, nil
}

type metaFile struct {
	BundleID string    `json:"bundle_id"`
	Entities int       `json:"entities"`
	ETag     string    `json:"etag"`
	Size     int64     `json:"size"`
	SavedAt  time.Time `json:"saved_at"`
}

// Save writes b under name, replacing any previous bundle.
func (s *Store) Save(ctx context.Context, name string, b *entity.Bundle) (core.Info, error) {
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	clean, dataPath, metaPath, err := s.pathFor(name)
	if err != nil {
		return core.Info{}, err
	}
	data, err := core.Encode(b)
	if err != nil {
		return core.Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return core.Info{}, err
	}
	info := core.Describe(clean, b, data, time.Now())
	if err := writeAtomic(dataPath, data); err != nil {
		return core.Info{}, fmt.Errorf("write bundle: %w", err)
	}
	mf := metaFile{BundleID: info.BundleID, Entities: info.Entities, ETag: info.ETag, Size: info.Size, SavedAt: info.SavedAt}
	meta, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return core.Info{}, err
	}
	if err := writeAtomic(metaPath, meta); err != nil {
		return core.Info{}, fmt.Errorf("write bundle metadata: %w", err)
	}
	return info, nil
}

// Load decodes the bundle stored under name.
func (s *Store) Load(ctx context.Context, name string) (*entity.Bundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, dataPath, _, err := s.pathFor(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(dataPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return core.Decode(data)
}

// Delete removes the bundle and its sidecar, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, dataPath, metaPath, err := s.pathFor(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(dataPath); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := os.Remove(dataPath); err != nil {
		return false, err
	}
	_ = os.Remove(metaPath)
	return true, nil
}

// List walks the sidecars under root and returns the bundles whose names
// start with prefix, sorted by name.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var infos []core.Info
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, dataSuffix+metaSuffix) {
			return nil
		}
		mf, err := readMeta(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, strings.TrimSuffix(path, dataSuffix+metaSuffix))
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if strings.HasPrefix(name, prefix) {
			infos = append(infos, core.Info{Name: name, BundleID: mf.BundleID, Entities: mf.Entities, Size: mf.Size, ETag: mf.ETag, SavedAt: mf.SavedAt})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func readMeta(path string) (metaFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return metaFile{}, err
	}
	var mf metaFile
	if err := json.Unmarshal(b, &mf); err != nil {
		return metaFile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return mf, nil
}
