package store

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
)

// Entry is one snapshot on disk.
type Entry struct {
	Path      string
	CreatedAt time.Time
}

// Ext returns the extension without the dot ("json").
func (e Entry) Ext() string {
	return strings.TrimPrefix(filepath.Ext(e.Path), ".")
}

func (e Entry) Name() string { return filepath.Base(e.Path) }

// Manifest lists snapshots newest first.
type Manifest []Entry

// NewManifest validates entries and orders them newest first. Every path
// must exist as a regular file and every instant must be UTC.
func NewManifest(entries []Entry) (Manifest, error) {
	for _, e := range entries {
		info, err := os.Stat(e.Path)
		if err != nil {
			return nil, errs.Wrap(errs.CacheCorruption, "store.manifest", err)
		}
		if info.IsDir() {
			return nil, errs.New(errs.CacheCorruption, "store.manifest", "%s is a directory", e.Path)
		}
		if e.CreatedAt.Location() != time.UTC {
			return nil, errs.New(errs.CacheCorruption, "store.manifest", "%s: instant %s is not UTC", e.Path, e.CreatedAt)
		}
	}
	m := Manifest(slices.Clone(entries))
	slices.SortStableFunc(m, func(a, b Entry) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return m, nil
}

// Latest returns the newest entry.
func (m Manifest) Latest() (Entry, bool) {
	if len(m) == 0 {
		return Entry{}, false
	}
	return m[0], true
}

// Head returns at most n newest entries; n < 0 returns all.
func (m Manifest) Head(n int) Manifest {
	if n < 0 || n >= len(m) {
		return m
	}
	return m[:n]
}

// ByExt groups entries per extension, each group staying newest first.
func (m Manifest) ByExt() map[string]Manifest {
	out := map[string]Manifest{}
	for _, e := range m {
		out[e.Ext()] = append(out[e.Ext()], e)
	}
	return out
}

func (m Manifest) String() string {
	names := make([]string, len(m))
	for i, e := range m {
		names[i] = e.Name()
	}
	return fmt.Sprintf("%v", names)
}
