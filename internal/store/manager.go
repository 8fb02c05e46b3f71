package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/utils"
	"github.com/goccy/go-json"
)

// PurgeMethod selects what is evicted when a Manager opens its directory.
type PurgeMethod int

const (
	PurgeNone PurgeMethod = iota
	PurgeAnyExpired
	PurgeOldestOverCount
	PurgeBoth
)

func ParsePurgeMethod(s string) (PurgeMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PurgeNone, nil
	case "any_expired":
		return PurgeAnyExpired, nil
	case "oldest_while_over_count":
		return PurgeOldestOverCount, nil
	case "both":
		return PurgeBoth, nil
	default:
		return PurgeNone, fmt.Errorf("unknown purge method %q", s)
	}
}

func (p PurgeMethod) String() string {
	switch p {
	case PurgeAnyExpired:
		return "any_expired"
	case PurgeOldestOverCount:
		return "oldest_while_over_count"
	case PurgeBoth:
		return "both"
	default:
		return "none"
	}
}

// CompareFunc diffs two snapshots and writes its report under outDir. It
// returns the report path, or "" when the snapshots do not differ.
type CompareFunc func(older, newer, outDir string) (string, error)

type Options struct {
	Dir string
	// MaxAge <= 0 means entries never expire.
	MaxAge time.Duration
	// MaxCount <= 0 means no count limit.
	MaxCount int
	Purge    PurgeMethod
	// Extensions are glob patterns of the form "*.json".
	Extensions []string
	Compare    CompareFunc
	Now        func() time.Time
}

// Manager owns one snapshot directory.
type Manager struct {
	dir      string
	maxAge   time.Duration
	maxCount int
	purge    PurgeMethod
	exts     []string
	compare  CompareFunc
	now      func() time.Time

	mu sync.Mutex
}

// New validates opts, creates the directory and applies the purge method.
func New(opts Options) (*Manager, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("store: empty directory")
	}
	if len(opts.Extensions) == 0 {
		return nil, errs.New(errs.ViolatedExtensionRule, "store.new", "at least one extension pattern is required")
	}
	exts := make([]string, 0, len(opts.Extensions))
	for _, pattern := range opts.Extensions {
		ext, err := parseExtensionPattern(pattern)
		if err != nil {
			return nil, err
		}
		if !slices.Contains(exts, ext) {
			exts = append(exts, ext)
		}
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", opts.Dir, err)
	}

	m := &Manager{
		dir:      opts.Dir,
		maxAge:   opts.MaxAge,
		maxCount: opts.MaxCount,
		purge:    opts.Purge,
		exts:     exts,
		compare:  opts.Compare,
		now:      opts.Now,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if err := m.Purge(); err != nil {
		return nil, err
	}
	return m, nil
}

func parseExtensionPattern(pattern string) (string, error) {
	ext, ok := strings.CutPrefix(pattern, "*.")
	if !ok || ext == "" || strings.ContainsAny(ext, `*?[/\`) {
		return "", errs.New(errs.ViolatedExtensionRule, "store.new", "pattern %q must look like *.ext", pattern)
	}
	return ext, nil
}

func (m *Manager) Dir() string { return m.dir }

// Extensions returns the managed extensions without dots.
func (m *Manager) Extensions() []string { return slices.Clone(m.exts) }

// resolveExt normalizes "json", ".json" or "*.json". An empty ext is only
// accepted when the manager holds a single extension.
func (m *Manager) resolveExt(ext string) (string, error) {
	ext = strings.TrimPrefix(strings.TrimPrefix(ext, "*"), ".")
	if ext == "" {
		if len(m.exts) != 1 {
			return "", errs.New(errs.ViolatedExtensionRule, "store", "extension required when managing %v", m.exts)
		}
		return m.exts[0], nil
	}
	if !slices.Contains(m.exts, ext) {
		return "", errs.New(errs.ViolatedExtensionRule, "store", "extension %q is not managed (%v)", ext, m.exts)
	}
	return ext, nil
}

// LoadManifest lists snapshots of the given extensions, or of every managed
// extension when none is given. A file whose name is not an instant is a
// CacheCorruption error.
func (m *Manager) LoadManifest(exts ...string) (Manifest, error) {
	if len(exts) == 0 {
		exts = m.exts
	}
	var entries []Entry
	for _, raw := range exts {
		ext, err := m.resolveExt(raw)
		if err != nil {
			return nil, err
		}
		paths, err := filepath.Glob(filepath.Join(m.dir, "*."+ext))
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", m.dir, err)
		}
		for _, p := range paths {
			created, err := instantFromPath(p)
			if err != nil {
				return nil, err
			}
			entries = append(entries, Entry{Path: p, CreatedAt: created})
		}
	}
	return NewManifest(entries)
}

// ParseManifest returns the n newest entries of ext; n < 0 returns all.
func (m *Manager) ParseManifest(n int, ext string) (Manifest, error) {
	ext, err := m.resolveExt(ext)
	if err != nil {
		return nil, err
	}
	man, err := m.LoadManifest(ext)
	if err != nil {
		return nil, err
	}
	return man.Head(n), nil
}

func (m *Manager) IsExpired(e Entry) bool {
	if m.maxAge <= 0 {
		return false
	}
	return m.now().Sub(e.CreatedAt) > m.maxAge
}

// LatestEntry returns the newest entry of ext. With ignoreExpired an
// expired newest entry counts as absent.
func (m *Manager) LatestEntry(ignoreExpired bool, ext string) (Entry, bool, error) {
	man, err := m.ParseManifest(1, ext)
	if err != nil {
		return Entry{}, false, err
	}
	e, ok := man.Latest()
	if !ok {
		return Entry{}, false, nil
	}
	if ignoreExpired && m.IsExpired(e) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

// CompareLatestEntries runs the compare function on the two newest entries
// of ext, writing into <dir>/compare_<ext>. It returns "" when fewer than
// two entries exist or when the compare function reports no difference.
func (m *Manager) CompareLatestEntries(ext string) (string, error) {
	if m.compare == nil {
		return "", errs.New(errs.NotImplemented, "store.compare", "no compare function configured for %s", m.dir)
	}
	man, err := m.ParseManifest(2, ext)
	if err != nil {
		return "", err
	}
	if len(man) < 2 {
		return "", nil
	}
	outDir := filepath.Join(m.dir, "compare_"+man[0].Ext())
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", errs.Wrap(errs.CompareFailed, "store.compare", err)
	}
	out, err := m.compare(man[1].Path, man[0].Path, outDir)
	if err != nil {
		return "", errs.Wrap(errs.CompareFailed, "store.compare", err)
	}
	return out, nil
}

// WriteEntry stores r as a new snapshot of ext, atomically. The name is the
// current instant, bumped by a millisecond while it collides.
func (m *Manager) WriteEntry(ext string, r io.Reader) (Entry, error) {
	ext, err := m.resolveExt(ext)
	if err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	created := m.now().UTC().Truncate(time.Millisecond)
	path := filepath.Join(m.dir, EncodeInstant(created)+"."+ext)
	for {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		created = created.Add(time.Millisecond)
		path = filepath.Join(m.dir, EncodeInstant(created)+"."+ext)
	}

	// The temporary name must not match the *.ext glob.
	if err := utils.WriteFileAtomic(path+".tmp", path, r); err != nil {
		return Entry{}, fmt.Errorf("write snapshot %s: %w", path, err)
	}
	logger.Debug("store: wrote %s", path)
	return Entry{Path: path, CreatedAt: created}, nil
}

// WriteJSON encodes v and stores it with WriteEntry.
func (m *Manager) WriteJSON(ext string, v any) (Entry, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return Entry{}, fmt.Errorf("encode snapshot: %w", err)
	}
	return m.WriteEntry(ext, &buf)
}

// RemoveNewest deletes the n newest entries of ext (n < 0 deletes all) and
// returns what was removed.
func (m *Manager) RemoveNewest(n int, ext string) (Manifest, error) {
	man, err := m.ParseManifest(n, ext)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range man {
		if err := os.Remove(e.Path); err != nil {
			return man[:i], fmt.Errorf("remove %s: %w", e.Path, err)
		}
		logger.Debug("store: removed %s", e.Path)
	}
	return man, nil
}

// Purge applies the configured purge method.
func (m *Manager) Purge() error {
	man, err := m.LoadManifest()
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.purge == PurgeAnyExpired || m.purge == PurgeBoth {
		kept := man[:0:0]
		for _, e := range man {
			if !m.IsExpired(e) {
				kept = append(kept, e)
				continue
			}
			if err := os.Remove(e.Path); err != nil {
				return fmt.Errorf("purge %s: %w", e.Path, err)
			}
			logger.Debug("store: purged expired %s", e.Path)
		}
		man = kept
	}

	if (m.purge == PurgeOldestOverCount || m.purge == PurgeBoth) && m.maxCount > 0 {
		for _, group := range man.ByExt() {
			for _, e := range group[min(m.maxCount, len(group)):] {
				if err := os.Remove(e.Path); err != nil {
					return fmt.Errorf("purge %s: %w", e.Path, err)
				}
				logger.Debug("store: purged %s (over count %d)", e.Path, m.maxCount)
			}
		}
	}
	return nil
}
