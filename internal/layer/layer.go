// Package layer keeps a local, timestamped history of one remote feature
// layer: it refreshes snapshots over the network and loads them back.
package layer

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/con-j-e/featsync/internal/store"
	"github.com/con-j-e/featsync/internal/utils"
	"github.com/con-j-e/featsync/internal/workers"
	"github.com/goccy/go-json"
)

const (
	snapshotExt = "json"

	maxPolyRecords  = 4000
	maxPointRecords = 32000
	fallbackRecords = 1000
)

// Resource is what the pipeline needs from a synchronized layer.
type Resource interface {
	Alias() string
	Refresh(ctx context.Context) error
	LoadHistory(ctx context.Context, n int, opts LoadOptions) ([]FeatureSet, error)
	Rollback(n int) (store.Manifest, error)
}

type Layer struct {
	desc   Descriptor
	sender service.Sender
	client *arcgis.Client
	pool   *workers.Pool

	mu   sync.Mutex
	info *arcgis.LayerInfo
}

var _ Resource = (*Layer)(nil)

func New(desc Descriptor, sender service.Sender, pool *workers.Pool) (*Layer, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if pool == nil {
		pool = workers.NewPool(workers.DefaultSize)
	}
	return &Layer{desc: desc, sender: sender, client: arcgis.NewClient(sender), pool: pool}, nil
}

func (l *Layer) Alias() string { return l.desc.Alias }

func (l *Layer) Descriptor() Descriptor { return l.desc }

// Metadata returns the layer resource document. The newest unexpired
// metadata snapshot is used when present; otherwise it is fetched, cached
// and compared against the previous snapshot.
func (l *Layer) Metadata(ctx context.Context) (arcgis.LayerInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.info != nil {
		return *l.info, nil
	}

	cache := l.desc.Caches.Metadata
	entry, ok, err := cache.LatestEntry(true, snapshotExt)
	if err != nil {
		return arcgis.LayerInfo{}, fmt.Errorf("%s: metadata cache: %w", l.desc.Alias, err)
	}

	var info arcgis.LayerInfo
	if ok {
		err = l.pool.Do(ctx, func() error {
			return utils.FileReader(entry.Path, utils.FileTypeJSON, &info)
		})
		if err != nil {
			return arcgis.LayerInfo{}, errs.Wrap(errs.CacheCorruption, "layer.metadata", err)
		}
		logger.Debug("%s: metadata from cache %s", l.desc.Alias, entry.Name())
	} else {
		var raw []byte
		info, raw, err = l.client.LayerInfo(ctx, l.desc.URL, l.desc.Token)
		if err != nil {
			return arcgis.LayerInfo{}, fmt.Errorf("%s: %w", l.desc.Alias, err)
		}
		err = l.pool.Do(ctx, func() error {
			_, err := cache.WriteEntry(snapshotExt, bytes.NewReader(raw))
			return err
		})
		if err != nil {
			return arcgis.LayerInfo{}, fmt.Errorf("%s: cache metadata: %w", l.desc.Alias, err)
		}

		out, err := cache.CompareLatestEntries(snapshotExt)
		switch {
		case err != nil:
			logger.Warn("%s: metadata compare: %v", l.desc.Alias, err)
		case out != "":
			logger.Warn("%s: layer metadata changed, see %s", l.desc.Alias, out)
		}
	}

	l.info = &info
	return info, nil
}

// PageSize derives the page size from maxRecordCount, clamped per
// geometry type.
func PageSize(info arcgis.LayerInfo) (int, bool) {
	n := info.MaxRecordCount
	if n <= 0 {
		return fallbackRecords, false
	}
	if info.IsPointGeometry() {
		return min(n, maxPointRecords), true
	}
	if gt := strings.ToLower(info.GeometryType); strings.Contains(gt, "polygon") || strings.Contains(gt, "line") {
		n = min(n, maxPolyRecords)
	}
	return n, true
}

func (l *Layer) outFields(key string) []string {
	fields := l.desc.OutFields
	if len(fields) == 0 {
		fields = []string{"*"}
	}
	if key == "" || slices.Contains(fields, key) {
		return fields
	}
	return append([]string{key}, fields...)
}

// Refresh fetches every feature and persists a new snapshot. Nothing is
// written unless the fetch is complete and consistent.
func (l *Layer) Refresh(ctx context.Context) error {
	alias := l.desc.Alias
	info, err := l.Metadata(ctx)
	if err != nil {
		return err
	}
	if !info.AdvancedQueryCapabilities.SupportsPagination {
		return errs.New(errs.PaginationUnsupported, "layer.refresh", "%s does not support pagination", alias)
	}
	pageSize, ok := PageSize(info)
	if !ok {
		logger.Warn("%s: layer reports no maxRecordCount, using %d", alias, pageSize)
	}
	key, hasKey := info.KeyField()
	if !hasKey {
		logger.Warn("%s: layer declares no system-maintained unique id field", alias)
	}

	target := 0
	var extents []arcgis.Extent
	for _, filter := range l.desc.filters() {
		n, extent, err := l.client.CountAndExtent(ctx, l.desc.URL, l.desc.query(filter))
		if err != nil {
			return fmt.Errorf("%s: %w", alias, err)
		}
		target += n
		extents = append(extents, extent)
	}

	outFields := l.outFields(key)
	var pages []service.Content
	for _, filter := range l.desc.filters() {
		req := arcgis.FeatureQuery(l.desc.URL, l.desc.query(filter), outFields)
		got, err := service.Paginate(ctx, l.sender, req, pageSize)
		if err != nil {
			return fmt.Errorf("%s: %w", alias, err)
		}
		pages = append(pages, got...)
	}

	coll, err := l.collect(pages)
	if err != nil {
		return err
	}
	if hasKey {
		coll.UniqueIDField = info.UniqueIDField
	}
	if len(coll.Features) < target {
		return errs.New(errs.SchemaViolation, "layer.refresh", "%s returned %d features, target count is %d", alias, len(coll.Features), target)
	}

	snap := Snapshot{
		TargetFeatureCount:     target,
		TargetExtent:           extents,
		QueryParameters:        storedParams(arcgis.FeatureQuery(l.desc.URL, l.desc.query(nil), outFields)),
		SpatialQueryParameters: l.desc.Spatial,
		ArcGISJSON:             coll,
	}
	var entry store.Entry
	err = l.pool.Do(ctx, func() error {
		var err error
		entry, err = l.desc.Caches.Features.WriteJSON(snapshotExt, snap)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", alias, err)
	}
	logger.Info("%s: cached %d features (%d pages) to %s", alias, len(coll.Features), len(pages), entry.Name())
	return nil
}

// collect validates every page and merges them. All invalid pages are
// logged before failing.
func (l *Layer) collect(pages []service.Content) (Collection, error) {
	alias := l.desc.Alias
	var coll Collection
	invalid := 0
	for i, c := range pages {
		if _, err := arcgis.ValidateJSON(c.Body, []string{"features", "spatialReference"}, arcgis.RequireAll); err != nil {
			logger.LogError("%s: page %d: %v", alias, i, err)
			invalid++
			continue
		}
		var page arcgis.QueryPage
		if err := c.Decode(&page); err != nil {
			logger.LogError("%s: page %d: %v", alias, i, err)
			invalid++
			continue
		}
		if coll.SpatialReference == nil {
			coll.SpatialReference = page.SpatialReference
		} else if !arcgis.SameSpatialReference(coll.SpatialReference, page.SpatialReference) {
			return Collection{}, errs.New(errs.SchemaViolation, "layer.refresh", "%s: pages report more than one spatial reference", alias)
		}
		coll.Features = append(coll.Features, page.Features...)
	}
	if invalid > 0 {
		return Collection{}, errs.New(errs.SchemaViolation, "layer.refresh", "%s: %d of %d page(s) failed validation", alias, invalid, len(pages))
	}
	if coll.Features == nil {
		coll.Features = []arcgis.Feature{}
	}
	return coll, nil
}

// storedParams keeps the reproducible part of a query: no token and no
// cache buster.
func storedParams(req service.Request) map[string]string {
	out := map[string]string{}
	for k, vs := range req.Query {
		if k == "token" || k == "nocache" || len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}

// LoadHistory reads the n newest feature snapshots (all when n < 0),
// newest first.
func (l *Layer) LoadHistory(ctx context.Context, n int, opts LoadOptions) ([]FeatureSet, error) {
	man, err := l.desc.Caches.Features.ParseManifest(n, snapshotExt)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.desc.Alias, err)
	}
	sets, err := workers.Map(ctx, l.pool, man, func(_ context.Context, e store.Entry) (FeatureSet, error) {
		return l.load(e, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.desc.Alias, err)
	}
	slices.SortFunc(sets, func(a, b FeatureSet) int { return b.CachedAt.Compare(a.CachedAt) })
	return sets, nil
}

// LoadLatest returns the newest snapshot, or false when there is none.
func (l *Layer) LoadLatest(ctx context.Context, opts LoadOptions) (FeatureSet, bool, error) {
	sets, err := l.LoadHistory(ctx, 1, opts)
	if err != nil || len(sets) == 0 {
		return FeatureSet{}, false, err
	}
	return sets[0], true, nil
}

func (l *Layer) load(e store.Entry, opts LoadOptions) (FeatureSet, error) {
	var snap Snapshot
	if err := utils.FileReader(e.Path, utils.FileTypeJSON, &snap); err != nil {
		return FeatureSet{}, errs.Wrap(errs.CacheCorruption, "layer.load", err)
	}
	fs := FeatureSet{
		Features:               snap.ArcGISJSON.Features,
		QueryParameters:        snap.QueryParameters,
		SpatialQueryParameters: snap.SpatialQueryParameters,
		SpatialReference:       snap.ArcGISJSON.SpatialReference,
		TargetCount:            snap.TargetFeatureCount,
		CachedAt:               e.CreatedAt,
	}
	if u := snap.ArcGISJSON.UniqueIDField; u != nil && u.IsSystemMaintained {
		fs.KeyField = u.Name
	}
	if opts.ValidateKey {
		if err := validateKey(fs); err != nil {
			return FeatureSet{}, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	if opts.ApplyFieldMap && len(l.desc.FieldMap) > 0 {
		if err := renameFields(&fs, l.desc.FieldMap); err != nil {
			return FeatureSet{}, fmt.Errorf("%s: %w", e.Name(), err)
		}
	}
	return fs, nil
}

func validateKey(fs FeatureSet) error {
	if fs.KeyField == "" {
		return errs.New(errs.InvalidKey, "layer.load", "snapshot has no system-maintained unique id field")
	}
	seen := make(map[string]struct{}, len(fs.Features))
	for i, f := range fs.Features {
		v, ok := f.Attributes[fs.KeyField]
		if !ok || v == nil {
			return errs.New(errs.InvalidKey, "layer.load", "record %d has no %s", i, fs.KeyField)
		}
		b, _ := json.Marshal(v)
		if _, dup := seen[string(b)]; dup {
			return errs.New(errs.InvalidKey, "layer.load", "duplicate %s %s", fs.KeyField, b)
		}
		seen[string(b)] = struct{}{}
	}
	return nil
}

// renameFields applies source->target renames. Every mapped source field
// must exist in the collection.
func renameFields(fs *FeatureSet, fieldMap map[string]string) error {
	if len(fs.Features) > 0 {
		present := map[string]bool{}
		for _, f := range fs.Features {
			for k := range f.Attributes {
				present[k] = true
			}
		}
		var missing []string
		for src := range fieldMap {
			if !present[src] {
				missing = append(missing, src)
			}
		}
		if len(missing) > 0 {
			slices.Sort(missing)
			return errs.New(errs.SchemaViolation, "layer.rename", "mapped source field(s) not found: %s", strings.Join(missing, ", "))
		}
	}

	out := make([]arcgis.Feature, len(fs.Features))
	for i, f := range fs.Features {
		attrs := make(map[string]any, len(f.Attributes))
		for k, v := range f.Attributes {
			if dst, ok := fieldMap[k]; ok {
				k = dst
			}
			attrs[k] = v
		}
		out[i] = arcgis.Feature{Attributes: attrs, Geometry: f.Geometry}
	}
	fs.Features = out
	if dst, ok := fieldMap[fs.KeyField]; ok {
		fs.KeyField = dst
	}
	return nil
}

// Rollback removes the n newest feature snapshots (all when n < 0).
func (l *Layer) Rollback(n int) (store.Manifest, error) {
	removed, err := l.desc.Caches.Features.RemoveNewest(n, snapshotExt)
	if err != nil {
		return removed, fmt.Errorf("%s: rollback: %w", l.desc.Alias, err)
	}
	logger.Debug("%s: rolled back %d snapshot(s)", l.desc.Alias, len(removed))
	return removed, nil
}
