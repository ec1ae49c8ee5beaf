// Package fsutil holds small filesystem helpers shared by the staging and
// state stores.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
)

// Pending is a fully written temporary file that has not been renamed into
// place yet.
type Pending struct {
	path string
	tmp  string
}

// Path returns the final destination.
func (p *Pending) Path() string {
	return p.path
}

// WriteTemp writes data to a synced temporary file next to path.
func WriteTemp(path string, data []byte) (*Pending, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".chartmogul-tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create temp file for %s: %w", path, err)
	}
	p := &Pending{path: path, tmp: tmp.Name()}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		p.Discard()
		return nil, fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		p.Discard()
		return nil, fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		p.Discard()
		return nil, fmt.Errorf("close temp file for %s: %w", path, err)
	}
	return p, nil
}

// Commit renames the temporary file into place.
func (p *Pending) Commit() error {
	if err := os.Rename(p.tmp, p.path); err != nil {
		p.Discard()
		return fmt.Errorf("atomic rename for %s: %w", p.path, err)
	}
	if err := os.Chmod(p.path, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", p.path, err)
	}
	return nil
}

// Discard removes the temporary file.
func (p *Pending) Discard() {
	_ = os.Remove(p.tmp)
}

// WriteFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers see either the old content or the new one.
func WriteFileAtomic(path string, data []byte) error {
	p, err := WriteTemp(path, data)
	if err != nil {
		return err
	}
	return p.Commit()
}
