package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.UseTestMode()
	os.Exit(m.Run())
}

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestEnvSecrets(t *testing.T) {
	s := EnvSecrets{Prefix: "FEATSYNC_SECRET_", Lookup: envOf(map[string]string{
		"FEATSYNC_SECRET_NIFC_MAPS_ARCGIS_COM__SVC_SYNC": "hunter2",
	})}

	assert.Equal(t, "FEATSYNC_SECRET_NIFC_MAPS_ARCGIS_COM__SVC_SYNC", s.Key("https://nifc.maps.arcgis.com", "svc.sync"))
	got, err := s.Secret("https://nifc.maps.arcgis.com", "svc.sync")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", got)

	_, err = s.Secret("https://nifc.maps.arcgis.com", "nobody")
	assert.True(t, errs.IsCode(err, errs.MissingResource))
}

func TestPortalTokenSource_Generate(t *testing.T) {
	expires := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("password") != "hunter2" {
			_, _ = w.Write([]byte(`{"error":{"code":400,"message":"Invalid username or password."}}`))
			return
		}
		assert.Equal(t, "referer", r.PostForm.Get("client"))
		assert.Equal(t, "https://nifc.maps.arcgis.com", r.PostForm.Get("referer"))
		_, _ = w.Write([]byte(`{"token":"abc","expires":` + strconv.FormatInt(expires.UnixMilli(), 10) + `,"ssl":true}`))
	}))
	t.Cleanup(srv.Close)
	d := service.NewDispatcher(service.Options{})
	t.Cleanup(func() { _ = d.Close() })

	src := &PortalTokenSource{
		URL:      srv.URL,
		Referer:  "https://nifc.maps.arcgis.com",
		Username: "svc",
		Secrets:  EnvSecrets{Lookup: envOf(map[string]string{"NIFC_MAPS_ARCGIS_COM__SVC": "hunter2"})},
		Sender:   d,
	}
	tok, err := src.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.Token)
	assert.True(t, expires.Equal(tok.Expires))

	src.Secrets = EnvSecrets{Lookup: envOf(map[string]string{"NIFC_MAPS_ARCGIS_COM__SVC": "wrong"})}
	_, err = src.CheckoutToken(context.Background(), 10)
	assert.True(t, errs.IsCode(err, errs.SchemaViolation))
}

type countingGenerator struct {
	calls atomic.Int32
	ttl   time.Duration
	now   func() time.Time
}

func (g *countingGenerator) Generate(context.Context) (TimedToken, error) {
	n := g.calls.Add(1)
	return TimedToken{Token: "tok-" + strconv.Itoa(int(n)), Expires: g.now().Add(g.ttl)}, nil
}

func TestTokenCache_ReusesUntilTooShort(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	gen := &countingGenerator{ttl: time.Hour, now: clock}
	path := filepath.Join(t.TempDir(), "token.json")
	c := &TokenCache{Source: gen, Path: path, Now: clock}
	ctx := context.Background()

	tok, err := c.CheckoutToken(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	now = now.Add(20 * time.Minute)
	tok, err = c.CheckoutToken(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok, "40 minutes left covers 30")

	tok, err = c.CheckoutToken(ctx, 45)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)

	// A fresh cache picks the token up from disk.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	again := &TokenCache{Source: gen, Path: path, Now: clock}
	tok, err = again.CheckoutToken(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestTokenCache_CreatesPrivateFileInSharedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, os.Mkdir(dir, 0o755))
	path := filepath.Join(dir, "token.json")
	require.NoError(t, os.WriteFile(path+".tmp", []byte("stale"), 0o644))

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	c := &TokenCache{Source: &countingGenerator{ttl: time.Hour, now: clock}, Path: path, Now: clock}
	_, err := c.CheckoutToken(context.Background(), 30)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("fixed").CheckoutToken(context.Background(), 60)
	require.NoError(t, err)
	assert.Equal(t, "fixed", tok)
}
