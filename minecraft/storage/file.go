package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/xeptore/flaw/v8"

	"github.com/xeptore/mcauth/errutil"
)

// File stores all accounts in one JSON file readable only by its owner. Writes go through
// a temp file and a rename.
type File struct {
	documentBackend
}

var _ Backend = (*File)(nil)

func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, flaw.From(errors.New("accounts file path cannot be empty"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); nil != err {
		flawP := flaw.P{"path": path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to create accounts directory: %v", err)).Append(flawP)
	}
	return &File{documentBackend{blob: fileBlob{path: path}}}, nil //nolint:exhaustruct
}

type fileBlob struct {
	path string
}

func (f fileBlob) read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); nil != err {
		return nil, err
	}
	info, err := os.Stat(f.path)
	if nil != err {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		flawP := flaw.P{"path": f.path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to stat accounts file: %v", err)).Append(flawP)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		flawP := flaw.P{"path": f.path, "perm": fmt.Sprintf("%04o", perm)}
		return nil, flaw.From(fmt.Errorf("insecure permissions on %s: %04o (expected 0600)", f.path, perm)).Append(flawP)
	}
	b, err := os.ReadFile(f.path)
	if nil != err {
		flawP := flaw.P{"path": f.path, "err_debug_tree": errutil.Tree(err).FlawP()}
		return nil, flaw.From(fmt.Errorf("failed to read accounts file: %v", err)).Append(flawP)
	}
	return b, nil
}

func (f fileBlob) write(ctx context.Context, b []byte) (err error) {
	if err := ctx.Err(); nil != err {
		return err
	}
	fail := func(op string, err error) error {
		flawP := flaw.P{"path": f.path, "op": op, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to %s: %v", op, err)).Append(flawP)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".accounts-*.tmp")
	if nil != err {
		return fail("create temp file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if nil != err {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); nil != err {
		_ = tmp.Close()
		return fail("restrict temp file permissions", err)
	}
	if _, err := tmp.Write(b); nil != err {
		_ = tmp.Close()
		return fail("write temp file", err)
	}
	if err := tmp.Sync(); nil != err {
		_ = tmp.Close()
		return fail("sync temp file", err)
	}
	if err := tmp.Close(); nil != err {
		return fail("close temp file", err)
	}
	if err := os.Rename(tmpName, f.path); nil != err {
		return fail("replace accounts file", err)
	}
	return nil
}
