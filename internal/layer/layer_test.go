package layer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/arcgis/arcgistest"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/con-j-e/featsync/internal/store"
	"github.com/con-j-e/featsync/internal/workers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.UseTestMode()
	os.Exit(m.Run())
}

func runway(id string) arcgis.Feature {
	return arcgis.Feature{
		Attributes: map[string]any{"SITE_ID": id, "LENGTH_FT": 3200.0},
		Geometry:   map[string]any{"paths": []any{[]any{[]any{0.0, 0.0}, []any{1.0, 1.0}}}},
	}
}

func newCaches(t *testing.T) Caches {
	t.Helper()
	dir := t.TempDir()
	meta, err := store.New(store.Options{Dir: filepath.Join(dir, "metadata"), Extensions: []string{"*.json"}, MaxAge: time.Hour})
	require.NoError(t, err)
	feats, err := store.New(store.Options{Dir: filepath.Join(dir, "features"), Extensions: []string{"*.json"}})
	require.NoError(t, err)
	return Caches{Metadata: meta, Features: feats}
}

type fixture struct {
	layer *Layer
	fake  *arcgistest.Layer
	url   string
	srv   *arcgistest.Server
}

func newFixture(t *testing.T, fake *arcgistest.Layer, mutate func(*Descriptor)) fixture {
	t.Helper()
	srv := arcgistest.NewServer(t)
	u := srv.AddLayer("runways", fake)
	d := service.NewDispatcher(service.Options{})
	t.Cleanup(func() { _ = d.Close() })

	desc := Descriptor{URL: u, Alias: "runways", Caches: newCaches(t)}
	if mutate != nil {
		mutate(&desc)
	}
	l, err := New(desc, d, workers.NewPool(2))
	require.NoError(t, err)
	return fixture{layer: l, fake: fake, url: u, srv: srv}
}

func TestPageSize(t *testing.T) {
	tests := []struct {
		geom string
		max  int
		want int
		ok   bool
	}{
		{"esriGeometryPolygon", 10000, 4000, true},
		{"esriGeometryPolyline", 2000, 2000, true},
		{"esriGeometryPoint", 50000, 32000, true},
		{"esriGeometryMultipoint", 1000, 1000, true},
		{"esriGeometryPolygon", 0, 1000, false},
	}
	for _, tt := range tests {
		got, ok := PageSize(arcgis.LayerInfo{GeometryType: tt.geom, MaxRecordCount: tt.max})
		assert.Equal(t, tt.want, got, tt.geom)
		assert.Equal(t, tt.ok, ok, tt.geom)
	}
}

func TestRefresh_PersistsCompleteSnapshot(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPolyline", runway("A"), runway("B"), runway("C"))
	fake.MaxRecordCount = 2
	f := newFixture(t, fake, func(d *Descriptor) { d.Token = "secret" })

	require.NoError(t, f.layer.Refresh(context.Background()))
	assert.Equal(t, 2, fake.QueryCalls())

	sets, err := f.layer.LoadHistory(context.Background(), -1, LoadOptions{ValidateKey: true})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	fs := sets[0]
	assert.Len(t, fs.Features, 3)
	assert.Equal(t, 3, fs.TargetCount)
	assert.Equal(t, arcgistest.OIDField, fs.KeyField)
	assert.Equal(t, 4326.0, fs.SpatialReference["wkid"])
	assert.NotContains(t, fs.QueryParameters, "token")
	assert.NotContains(t, fs.QueryParameters, "nocache")
	assert.Equal(t, "1=1", fs.QueryParameters["where"])
	assert.Equal(t, arcgistest.OIDField+",*", fs.QueryParameters["outFields"])
}

func TestRefresh_PaginationUnsupported(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	fake.NoPagination = true
	f := newFixture(t, fake, nil)

	err := f.layer.Refresh(context.Background())
	assert.True(t, errs.IsCode(err, errs.PaginationUnsupported))
	man, err := f.layer.desc.Caches.Features.LoadManifest()
	require.NoError(t, err)
	assert.Empty(t, man)
}

func TestRefresh_FailedPageWritesNothing(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	fake.FailQueriesWith(404)
	f := newFixture(t, fake, nil)

	require.Error(t, f.layer.Refresh(context.Background()))
	man, err := f.layer.desc.Caches.Features.LoadManifest()
	require.NoError(t, err)
	assert.Empty(t, man)
}

func TestRefresh_MixedSpatialReferencesFail(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPolyline", runway("A"), runway("B"), runway("C"))
	fake.MaxRecordCount = 2
	fake.PageWKIDs = []int{4326, 3338}
	f := newFixture(t, fake, nil)

	err := f.layer.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.SchemaViolation), err.Error())
	assert.Contains(t, err.Error(), "more than one spatial reference")
	man, err := f.layer.desc.Caches.Features.LoadManifest()
	require.NoError(t, err)
	assert.Empty(t, man)
}

func TestRefresh_ShortFetchFails(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"), runway("B"), runway("C"))
	fake.CountBias = 2
	f := newFixture(t, fake, nil)

	err := f.layer.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.SchemaViolation), err.Error())
	assert.Contains(t, err.Error(), "returned 3 features, target count is 5")
	man, err := f.layer.desc.Caches.Features.LoadManifest()
	require.NoError(t, err)
	assert.Empty(t, man)
}

func TestRefresh_PerSpatialFilter(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"), runway("B"))
	f := newFixture(t, fake, func(d *Descriptor) {
		d.Spatial = []arcgis.SpatialFilter{
			{"geometryType": "esriGeometryEnvelope", "geometry": "0,0,1,1"},
			{"geometryType": "esriGeometryEnvelope", "geometry": "1,1,2,2"},
		}
	})

	require.NoError(t, f.layer.Refresh(context.Background()))
	fs, ok, err := f.layer.LoadLatest(context.Background(), LoadOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	// The fake ignores geometry, so each filter returns every feature.
	assert.Len(t, fs.Features, 4)
	assert.Equal(t, 4, fs.TargetCount)
	assert.Len(t, fs.SpatialQueryParameters, 2)
}

func TestMetadata_CachedUntilExpired(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	f := newFixture(t, fake, nil)

	_, err := f.layer.Metadata(context.Background())
	require.NoError(t, err)
	man, err := f.layer.desc.Caches.Metadata.LoadManifest()
	require.NoError(t, err)
	assert.Len(t, man, 1)

	// A second layer over the same caches reuses the unexpired snapshot.
	again, err := New(f.layer.desc, service.NewDispatcher(service.Options{}), nil)
	require.NoError(t, err)
	info, err := again.Metadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "esriGeometryPoint", info.GeometryType)
	man, err = f.layer.desc.Caches.Metadata.LoadManifest()
	require.NoError(t, err)
	assert.Len(t, man, 1)
}

func TestLoadHistory_NewestFirstAndFieldMap(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	f := newFixture(t, fake, func(d *Descriptor) {
		d.FieldMap = map[string]string{"SITE_ID": "site", "LENGTH_FT": "length"}
	})
	ctx := context.Background()

	require.NoError(t, f.layer.Refresh(ctx))
	fake.Seed(runway("B"))
	require.NoError(t, f.layer.Refresh(ctx))

	sets, err := f.layer.LoadHistory(ctx, -1, LoadOptions{ApplyFieldMap: true})
	require.NoError(t, err)
	require.Len(t, sets, 2)
	assert.True(t, sets[0].CachedAt.After(sets[1].CachedAt))
	assert.Len(t, sets[0].Features, 2)
	assert.Contains(t, sets[0].Features[0].Attributes, "site")
	assert.NotContains(t, sets[0].Features[0].Attributes, "SITE_ID")

	sets, err = f.layer.LoadHistory(ctx, 1, LoadOptions{})
	require.NoError(t, err)
	require.Len(t, sets, 1)
	assert.Contains(t, sets[0].Features[0].Attributes, "SITE_ID")
}

func TestLoadHistory_MissingMappedFieldFails(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	f := newFixture(t, fake, func(d *Descriptor) {
		d.FieldMap = map[string]string{"NOT_THERE": "x"}
	})
	require.NoError(t, f.layer.Refresh(context.Background()))

	_, err := f.layer.LoadHistory(context.Background(), -1, LoadOptions{ApplyFieldMap: true})
	assert.True(t, errs.IsCode(err, errs.SchemaViolation))
}

func TestRollback(t *testing.T) {
	fake := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	f := newFixture(t, fake, nil)
	ctx := context.Background()
	for range 3 {
		require.NoError(t, f.layer.Refresh(ctx))
	}

	removed, err := f.layer.Rollback(1)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
	sets, err := f.layer.LoadHistory(ctx, -1, LoadOptions{})
	require.NoError(t, err)
	assert.Len(t, sets, 2)

	removed, err = f.layer.Rollback(-1)
	require.NoError(t, err)
	assert.Len(t, removed, 2)
}

func TestNew_RejectsInvalidDescriptor(t *testing.T) {
	_, err := New(Descriptor{Alias: "x", URL: "not a url", Caches: newCaches(t)}, nil, nil)
	assert.Error(t, err)
	_, err = New(Descriptor{Alias: "x", URL: "https://example.com/0"}, nil, nil)
	assert.Error(t, err)
}

type stubResource struct {
	alias string
	err   error
	calls atomic.Int32
}

func (s *stubResource) Alias() string { return s.alias }
func (s *stubResource) Refresh(ctx context.Context) error {
	s.calls.Add(1)
	time.Sleep(5 * time.Millisecond)
	return s.err
}
func (s *stubResource) LoadHistory(context.Context, int, LoadOptions) ([]FeatureSet, error) {
	return nil, s.err
}
func (s *stubResource) Rollback(int) (store.Manifest, error) { return nil, nil }

func TestSet_DuplicateAlias(t *testing.T) {
	_, err := NewSet(&stubResource{alias: "a"}, &stubResource{alias: "b"}, &stubResource{alias: "a"})
	assert.True(t, errs.IsCode(err, errs.DuplicateAlias))
}

func TestSet_RefreshAllIsolatesFailures(t *testing.T) {
	boom := errors.New("service unavailable")
	a := &stubResource{alias: "a"}
	b := &stubResource{alias: "b", err: boom}
	c := &stubResource{alias: "c"}
	s, err := NewSet(a, b, c)
	require.NoError(t, err)

	res, err := s.RefreshAll(context.Background())
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{res[0].Alias, res[1].Alias, res[2].Alias})
	assert.NoError(t, res.Err("a"))
	assert.ErrorIs(t, res.Err("b"), boom)
	assert.NoError(t, res.Err("c"))
	assert.Len(t, res.Failed(), 1)
	assert.Equal(t, int32(1), c.calls.Load())
}

type panickingResource struct{ stubResource }

func (p *panickingResource) Refresh(context.Context) error { panic("nil layer info") }
func (p *panickingResource) LoadHistory(context.Context, int, LoadOptions) ([]FeatureSet, error) {
	panic("nil layer info")
}

func TestSet_PanicIsIsolated(t *testing.T) {
	a := &stubResource{alias: "a"}
	b := &panickingResource{stubResource{alias: "b"}}
	s, err := NewSet(a, b)
	require.NoError(t, err)

	res, err := s.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.NoError(t, res.Err("a"))
	require.Error(t, res.Err("b"))
	assert.Contains(t, res.Err("b").Error(), "nil layer info")
	assert.Equal(t, int32(1), a.calls.Load())

	hist, err := s.LoadHistoryAll(context.Background(), 1, LoadOptions{})
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.NoError(t, hist[0].Err)
	assert.ErrorContains(t, hist[1].Err, "panicked")
}

func TestSet_RefreshSubsetAndUnknownAlias(t *testing.T) {
	a := &stubResource{alias: "a"}
	b := &stubResource{alias: "b"}
	s, err := NewSet(a, b)
	require.NoError(t, err)

	res, err := s.RefreshAll(context.Background(), "b")
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, int32(0), a.calls.Load())

	_, err = s.RefreshAll(context.Background(), "zzz")
	assert.True(t, errs.IsCode(err, errs.MissingResource))
}

func TestSet_RefreshAllAgainstFakeService(t *testing.T) {
	srv := arcgistest.NewServer(t)
	d := service.NewDispatcher(service.Options{})
	t.Cleanup(func() { _ = d.Close() })

	good := arcgistest.NewLayer("esriGeometryPoint", runway("A"))
	bad := arcgistest.NewLayer("esriGeometryPoint", runway("B"))
	bad.NoPagination = true

	var rs []Resource
	for name, fake := range map[string]*arcgistest.Layer{"good": good, "bad": bad} {
		l, err := New(Descriptor{URL: srv.AddLayer(name, fake), Alias: name, Caches: newCaches(t)}, d, nil)
		require.NoError(t, err)
		rs = append(rs, l)
	}
	s, err := NewSet(rs...)
	require.NoError(t, err)

	res, err := s.RefreshAll(context.Background())
	require.NoError(t, err)
	assert.NoError(t, res.Err("good"))
	assert.True(t, errs.IsCode(res.Err("bad"), errs.PaginationUnsupported))

	hist, err := s.LoadHistoryAll(context.Background(), 1, LoadOptions{})
	require.NoError(t, err)
	for _, h := range hist {
		require.NoError(t, h.Err)
		if h.Alias == "good" {
			assert.Len(t, h.Sets, 1)
		} else {
			assert.Empty(t, h.Sets)
		}
	}
}
