// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pack

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/sync/once"
)

// DefaultExtractCache is the number of extracted pack trees a store
// keeps on disk before evicting the least recently used.
const DefaultExtractCache = 32

// A Store holds pack archives and their extracted trees on a host.
// Archives live under dir keyed by digest; an optional remote URL
// names a shared store (any scheme registered with
// grailbio/base/file) consulted for archives not present locally,
// which lets deployments distribute packs out of band instead of
// uploading them through clients. Extracted trees are kept in a
// bounded LRU cache.
//
// Stores are safe for concurrent use.
type Store struct {
	dir       string
	url       string
	resolves  once.Map
	extracted *lru.Cache[string, string]
}

// NewStore opens a store rooted at dir, optionally backed by the
// remote store at url. cacheSize bounds the number of extracted
// trees; nonpositive values select DefaultExtractCache.
func NewStore(dir, url string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultExtractCache
	}
	s := &Store{dir: dir, url: strings.TrimSuffix(url, "/")}
	for _, sub := range []string{"objects", "extract"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, errors.E("pack: open store", dir, err)
		}
	}
	var err error
	s.extracted, err = lru.NewWithEvict(cacheSize, func(dg, dir string) {
		log.Debug.Printf("pack: evicting extracted tree %s", dg)
		if err := os.RemoveAll(dir); err != nil {
			log.Error.Printf("pack: evict %s: %v", dir, err)
		}
		s.resolves.Forget(dg)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Put stores an archive and its manifest, returning the pack's ref.
// Put is idempotent: storing bytes already present is a no-op.
func (s *Store) Put(ctx context.Context, m Manifest, data []byte) (Ref, error) {
	ref := Ref{Name: m.Name, Digest: Digest(data)}
	path, err := s.objectPath(ref)
	if err != nil {
		return Ref{}, err
	}
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}
	mjson, err := json.Marshal(m)
	if err != nil {
		return Ref{}, errors.E("pack: put", ref.String(), err)
	}
	if err := writeAtomic(path, data); err != nil {
		return Ref{}, errors.E("pack: put", ref.String(), err)
	}
	if err := writeAtomic(path+".json", mjson); err != nil {
		return Ref{}, errors.E("pack: put", ref.String(), err)
	}
	return ref, nil
}

// Has reports whether the store can materialize the pack, either from
// its local objects or from the remote store.
func (s *Store) Has(ctx context.Context, ref Ref) (bool, error) {
	path, err := s.objectPath(ref)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err == nil {
		return true, nil
	}
	if s.url == "" {
		return false, nil
	}
	_, err = file.Stat(ctx, s.remotePath(ref, ""))
	if err == nil {
		return true, nil
	}
	if errors.Is(errors.NotExist, err) {
		return false, nil
	}
	return false, errors.E("pack: stat remote", ref.String(), err)
}

// Resolve materializes the pack and returns the absolute path of its
// entry binary along with the root of the extracted tree, fetching
// the archive from the remote store and extracting it as needed.
// Concurrent resolves of the same pack share one extraction.
func (s *Store) Resolve(ctx context.Context, ref Ref) (entry, root string, err error) {
	_, hex, err := splitDigest(ref.Digest)
	if err != nil {
		return "", "", err
	}
	for attempt := 0; ; attempt++ {
		err := s.resolves.Do(ref.Digest, func() error {
			return s.extract(ctx, ref, hex)
		})
		if err != nil {
			// Allow future resolves to retry.
			s.resolves.Forget(ref.Digest)
			return "", "", err
		}
		var ok bool
		if root, ok = s.extracted.Get(ref.Digest); ok {
			break
		}
		// Evicted between extraction and lookup. Retry once.
		s.resolves.Forget(ref.Digest)
		if attempt > 0 {
			return "", "", errors.E(errors.Unavailable, "pack: resolve", ref.String(), "extraction evicted")
		}
	}
	m, err := s.manifest(ref)
	if err != nil {
		return "", "", err
	}
	if m.Entry == "" {
		return "", "", errors.E(errors.Invalid, "pack: resolve", ref.String(), "pack has no entry")
	}
	return filepath.Join(root, filepath.FromSlash(m.Entry)), root, nil
}

// extract ensures the archive is local, verifies it, and unpacks it.
func (s *Store) extract(ctx context.Context, ref Ref, hex string) error {
	path, err := s.objectPath(ref)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if err := s.fetch(ctx, ref, path); err != nil {
			return err
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.E("pack: read", ref.String(), err)
	}
	if err := Verify(ref, data); err != nil {
		return err
	}
	dir := filepath.Join(s.dir, "extract", hex)
	if err := os.RemoveAll(dir); err != nil {
		return errors.E("pack: extract", ref.String(), err)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return errors.E("pack: extract", ref.String(), err)
	}
	if err := Unpack(data, dir); err != nil {
		return err
	}
	s.extracted.Add(ref.Digest, dir)
	return nil
}

// fetch copies the archive and its manifest from the remote store.
func (s *Store) fetch(ctx context.Context, ref Ref, path string) error {
	if s.url == "" {
		return errors.E(errors.NotExist, "pack: resolve", ref.String(), "pack not in store and no remote configured")
	}
	data, err := readURL(ctx, s.remotePath(ref, ""))
	if err != nil {
		return errors.E("pack: fetch", ref.String(), err)
	}
	if err := Verify(ref, data); err != nil {
		return err
	}
	mjson, err := readURL(ctx, s.remotePath(ref, ".json"))
	if err != nil {
		return errors.E("pack: fetch manifest", ref.String(), err)
	}
	var m Manifest
	if err := json.Unmarshal(mjson, &m); err != nil {
		return errors.E(errors.Invalid, "pack: fetch manifest", ref.String(), err)
	}
	if err := writeAtomic(path, data); err != nil {
		return errors.E("pack: fetch", ref.String(), err)
	}
	return writeAtomic(path+".json", mjson)
}

func (s *Store) manifest(ref Ref) (Manifest, error) {
	path, err := s.objectPath(ref)
	if err != nil {
		return Manifest{}, err
	}
	mjson, err := os.ReadFile(path + ".json")
	if err != nil {
		return Manifest{}, errors.E("pack: manifest", ref.String(), err)
	}
	var m Manifest
	if err := json.Unmarshal(mjson, &m); err != nil {
		return Manifest{}, errors.E(errors.Invalid, "pack: manifest", ref.String(), err)
	}
	return m, nil
}

func (s *Store) objectPath(ref Ref) (string, error) {
	algo, hex, err := splitDigest(ref.Digest)
	if err != nil {
		return "", err
	}
	if len(hex) < 3 {
		return "", errors.E(errors.Invalid, "pack: malformed digest "+ref.Digest)
	}
	return filepath.Join(s.dir, "objects", algo, hex[:2], hex), nil
}

func (s *Store) remotePath(ref Ref, suffix string) string {
	return s.url + "/" + strings.Replace(ref.Digest, ":", "/", 1) + ".pack" + suffix
}

func readURL(ctx context.Context, url string) ([]byte, error) {
	f, err := file.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(f.Reader(ctx))
	if cerr := f.Close(ctx); err == nil {
		err = cerr
	}
	return data, err
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           // nolint: errcheck
		os.Remove(tmp.Name()) // nolint: errcheck
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) // nolint: errcheck
		return err
	}
	return os.Rename(tmp.Name(), path)
}
