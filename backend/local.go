// Package backend provides the storage-adapter contract, its local, S3,
// and GCS implementations, and the retry coordinator the network adapters
// share.
/*
 * Copyright (c) 2024, NVIDIA CORPORATION. All rights reserved.
 */
package backend

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/NVIDIA/persist/cmn"
	"github.com/NVIDIA/persist/cmn/debug"
	"github.com/NVIDIA/persist/stats"
	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"
)

const tmpInfix = ".tmp."

var logLocal = stats.Logger(cmn.ProviderLocal)

// Local is the filesystem adapter. An optional base directory acts as a
// containment root: keys resolve relative to it and must not escape it,
// symlinks included.
type Local struct {
	base string // canonicalized absolute path, "" when unconfined
}

// interface guard
var _ Adapter = (*Local)(nil)

func NewLocal(baseDir string) (*Local, error) {
	la := &Local{}
	if baseDir == "" {
		return la, nil
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, cmn.Wrap(cmn.KindStorageIo, "create base directory", err).WithKey(baseDir)
	}
	resolved, err := filepath.EvalSymlinks(baseDir)
	if err != nil {
		return nil, cmn.Wrap(cmn.KindStorageIo, "resolve base directory", err).WithKey(baseDir)
	}
	if la.base, err = filepath.Abs(resolved); err != nil {
		return nil, cmn.Wrap(cmn.KindStorageIo, "resolve base directory", err).WithKey(baseDir)
	}
	debug.Assert(filepath.IsAbs(la.base))
	return la, nil
}

func (*Local) Provider() string { return cmn.ProviderLocal }

// resolve maps a key to its target path and enforces containment. The
// check runs twice: lexically on the joined path and again after symlink
// resolution of the deepest existing ancestor.
func (la *Local) resolve(key string) (string, error) {
	if key == "" {
		return "", cmn.NewValidationf("empty key")
	}
	if la.base == "" {
		return filepath.Clean(key), nil
	}
	fqn := filepath.Clean(filepath.Join(la.base, filepath.FromSlash(key)))
	if !la.contains(fqn) {
		return "", cmn.NewValidationf("key escapes the base directory").WithKey(key)
	}
	if !la.contains(canonicalize(fqn)) {
		return "", cmn.NewValidationf("key resolves outside the base directory").WithKey(key)
	}
	return fqn, nil
}

func (la *Local) contains(fqn string) bool {
	return fqn == la.base || strings.HasPrefix(fqn, la.base+string(filepath.Separator))
}

// canonicalize resolves symlinks over the deepest existing ancestor of p
// and re-joins the remainder.
func canonicalize(p string) string {
	probe := p
	for {
		if resolved, err := filepath.EvalSymlinks(probe); err == nil {
			return filepath.Join(resolved, strings.TrimPrefix(p, probe))
		}
		parent := filepath.Dir(probe)
		if parent == probe {
			return p
		}
		probe = parent
	}
}

func (la *Local) Save(ctx context.Context, key string, data []byte) error {
	return la.SaveStream(ctx, key, bytes.NewReader(data))
}

// SaveStream implements the crash-safe protocol: write to a tie-suffixed
// temp file in the target's directory, fsync it, rename over the target,
// then fsync the parent directory to durably record the rename.
func (la *Local) SaveStream(ctx context.Context, key string, r io.Reader) (err error) {
	fqn, err := la.resolve(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(fqn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return classifyFSErr(key, "create parent directory", err)
	}

	tmp := fqn + tmpInfix + cmn.GenTie()
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return classifyFSErr(key, "create temp file", err)
	}
	defer func() {
		if err != nil {
			if nestedErr := os.Remove(tmp); nestedErr != nil && !os.IsNotExist(nestedErr) {
				logLocal.Error().Err(nestedErr).Str("tmp", tmp).Msg("failed to remove temp file")
			}
		}
	}()

	if _, err = io.Copy(file, &ctxReader{ctx: ctx, r: r}); err != nil {
		file.Close()
		return classifyFSErr(key, "write", err)
	}
	if err = file.Sync(); err != nil {
		file.Close()
		return classifyFSErr(key, "fsync", err)
	}
	if err = file.Close(); err != nil {
		return classifyFSErr(key, "close", err)
	}
	if err = os.Rename(tmp, fqn); err != nil {
		return classifyFSErr(key, "rename", err)
	}
	if err = fsyncDir(dir); err != nil {
		return classifyFSErr(key, "fsync parent directory", err)
	}
	return nil
}

func (la *Local) Load(ctx context.Context, key string) ([]byte, error) {
	rc, err := la.LoadStream(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, classifyFSErr(key, "read", err)
	}
	return data, nil
}

func (la *Local) LoadStream(_ context.Context, key string) (io.ReadCloser, error) {
	fqn, err := la.resolve(key)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(fqn, os.O_RDONLY|noFollowFlag, 0)
	if err != nil {
		return nil, classifyFSErr(key, "open", err)
	}
	return file, nil
}

func (la *Local) Exists(_ context.Context, key string) (bool, error) {
	fqn, err := la.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(fqn); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, classifyFSErr(key, "stat", err)
	}
	return true, nil
}

func (la *Local) Delete(_ context.Context, key string) error {
	fqn, err := la.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fqn); err != nil && !os.IsNotExist(err) {
		return classifyFSErr(key, "remove", err)
	}
	return nil
}

// List walks the tree under the deepest existing directory covering prefix
// and yields matching keys. Temp files from in-flight saves are skipped.
func (la *Local) List(ctx context.Context, prefix string, visit func(key string) error) error {
	root := la.base
	if root == "" {
		root = "."
	}
	if prefix != "" {
		full := filepath.Join(root, filepath.FromSlash(prefix))
		if fi, err := os.Stat(full); err == nil && fi.IsDir() {
			root = full
		} else if fi, err := os.Stat(filepath.Dir(full)); err == nil && fi.IsDir() {
			root = filepath.Dir(full)
		} else {
			return nil
		}
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}

	base := la.base
	if base == "" {
		base = "."
	}
	err := godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if err := ctx.Err(); err != nil {
				return &errHalt{err}
			}
			if de.IsDir() {
				return nil
			}
			if strings.Contains(filepath.Base(osPathname), tmpInfix) {
				return nil
			}
			rel, err := filepath.Rel(base, osPathname)
			if err != nil {
				return &errHalt{err}
			}
			key := filepath.ToSlash(rel)
			if prefix != "" && !strings.HasPrefix(key, prefix) {
				return nil
			}
			if err := visit(key); err != nil {
				return &errHalt{err}
			}
			return nil
		},
		// skip unreadable subtrees; halt only for visitor/cancellation errors
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			var halt *errHalt
			if errors.As(err, &halt) {
				return godirwalk.Halt
			}
			return godirwalk.SkipNode
		},
		Unsorted: true,
	})
	var halt *errHalt
	if errors.As(err, &halt) {
		return halt.err
	}
	return err
}

// errHalt marks errors that must stop the walk (as opposed to unreadable
// directory entries, which are skipped).
type errHalt struct{ err error }

func (e *errHalt) Error() string { return e.err.Error() }
func (e *errHalt) Unwrap() error { return e.err }

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrap(err, "open parent directory")
	}
	err = errors.Wrap(d.Sync(), "sync parent directory")
	if closeErr := d.Close(); err == nil {
		err = errors.Wrap(closeErr, "close parent directory")
	}
	return err
}

// classifyFSErr sees causes through wrapping (errors.Is, not os.IsNotExist).
func classifyFSErr(key, what string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return cmn.NewNotFound(key)
	case errors.Is(err, fs.ErrPermission):
		return cmn.NewPermissionDenied(key, err)
	default:
		return cmn.Wrap(cmn.KindStorageIo, what, err).WithKey(key)
	}
}

// ctxReader aborts an in-flight copy as soon as the context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
