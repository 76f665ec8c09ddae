// Copyright 2024 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package pack implements content-addressed worker bundles. A pack is
// a zstd-compressed tar archive of a file tree, named by the SHA-256
// digest of the archive bytes, together with a manifest naming the
// entry binary that worker processes execute. Because packs are
// addressed by content, uploads are idempotent and hosts can cache
// extracted trees indefinitely.
package pack

import (
	"archive/tar"
	"bytes"
	"crypto"
	_ "crypto/sha256" // registers the digester's hash
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/digest"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
)

var digester = digest.Digester(crypto.SHA256)

// A Ref names a pack: a human-readable name and the digest of the
// archive bytes. The digest alone identifies the content; the name is
// for diagnostics.
type Ref struct {
	Name   string
	Digest string
}

func (r Ref) String() string { return r.Name + "@" + r.Digest }

// A File describes one file in a pack.
type File struct {
	Path string
	Mode int64
	Size int64
}

// A Manifest describes a pack's contents: its name, the archive-
// relative path of the entry binary executed by workers, and the
// archived files.
type Manifest struct {
	Name  string
	Entry string
	Files []File
}

// Digest computes the content address of an archive.
func Digest(data []byte) string {
	return digester.FromBytes(data).String()
}

// Build archives the tree rooted at dir into a pack named name whose
// entry binary is at the dir-relative path entry. Archives are
// deterministic: files are ordered lexically and timestamps and
// ownership are zeroed, so identical trees produce identical digests.
func Build(dir, name, entry string) ([]byte, Manifest, error) {
	m := Manifest{Name: name, Entry: filepath.ToSlash(entry)}
	var paths []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, Manifest{}, errors.E("pack: build", dir, err)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	err = func() (err error) {
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return err
		}
		defer fileio.CloseAndReport(zw, &err)
		tw := tar.NewWriter(zw)
		defer fileio.CloseAndReport(tw, &err)
		for _, rel := range paths {
			info, err := os.Stat(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			hdr := &tar.Header{
				Name:    rel,
				Mode:    int64(info.Mode().Perm()),
				Size:    info.Size(),
				ModTime: time.Unix(0, 0).UTC(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			fileio.CloseAndReport(f, &err)
			if err != nil {
				return err
			}
			m.Files = append(m.Files, File{Path: rel, Mode: int64(info.Mode().Perm()), Size: info.Size()})
		}
		return nil
	}()
	if err != nil {
		return nil, Manifest{}, errors.E("pack: build", dir, err)
	}
	if m.Entry != "" && !m.contains(m.Entry) {
		return nil, Manifest{}, errors.E(errors.Invalid, "pack: build", dir, "entry not in pack: "+m.Entry)
	}
	return buf.Bytes(), m, nil
}

// Unpack extracts an archive produced by Build into dir, which must
// exist. Archive member names are validated against path traversal.
func Unpack(data []byte, dir string) (err error) {
	zr, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.E("pack: unpack", err)
	}
	defer fileio.CloseAndReport(zr, &err)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.E("pack: unpack", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		rel := filepath.FromSlash(hdr.Name)
		if !filepath.IsLocal(rel) {
			return errors.E(errors.Invalid, "pack: unpack", "unsafe member path: "+hdr.Name)
		}
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return errors.E("pack: unpack", path, err)
		}
		err = func() (err error) {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			defer fileio.CloseAndReport(f, &err)
			_, err = io.Copy(f, tr)
			return err
		}()
		if err != nil {
			return errors.E("pack: unpack", path, err)
		}
	}
}

// Verify checks data against the digest in ref.
func Verify(ref Ref, data []byte) error {
	if got := Digest(data); got != ref.Digest {
		return errors.E(errors.Integrity, "pack: verify", ref.String(), "got digest "+got)
	}
	return nil
}

func (m Manifest) contains(path string) bool {
	for _, f := range m.Files {
		if f.Path == path {
			return true
		}
	}
	return false
}

func splitDigest(dg string) (algo, hex string, err error) {
	i := strings.IndexByte(dg, ':')
	if i <= 0 || i == len(dg)-1 {
		return "", "", errors.E(errors.Invalid, "pack: malformed digest "+dg)
	}
	return dg[:i], dg[i+1:], nil
}
