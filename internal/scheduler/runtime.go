// Package scheduler assembles the configured resources and runs the
// refresh, change detection and edit pipeline over them.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/con-j-e/featsync/internal/auth"
	"github.com/con-j-e/featsync/internal/config"
	"github.com/con-j-e/featsync/internal/diffreport"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/layer"
	"github.com/con-j-e/featsync/internal/metrics"
	"github.com/con-j-e/featsync/internal/notifier"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/con-j-e/featsync/internal/store"
	"github.com/con-j-e/featsync/internal/utils"
	"github.com/con-j-e/featsync/internal/workers"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	metadataCache = "metadata"
	featuresCache = "features"
)

// Runtime owns everything a command needs for one run. Close it when done.
type Runtime struct {
	Config     *config.Config
	Dispatcher *service.Dispatcher
	Pool       *workers.Pool
	Metrics    *metrics.Recorder
	Tokens     auth.TokenSource
	FieldMaps  config.FieldMaps
	Layers     *layer.Set
	// Notifier is nil when notifications are disabled.
	Notifier notifier.Sender
	Started  time.Time

	byAlias map[string]*layer.Layer
}

// Build wires the dispatcher, pool, caches and layers described by cfg.
// Private resources get a token checked out here.
func Build(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	return build(ctx, cfg, true)
}

// Open is Build for commands that only read the local caches: no token is
// checked out.
func Open(cfg *config.Config) (*Runtime, error) {
	return build(context.Background(), cfg, false)
}

func build(ctx context.Context, cfg *config.Config, online bool) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Pool:    workers.NewPool(cfg.Workers.Size),
		Metrics: metrics.NewRecorder(prometheus.NewRegistry()),
		Started: time.Now(),
		byAlias: map[string]*layer.Layer{},
	}
	rt.Dispatcher = service.NewDispatcher(cfg.HTTP.DispatcherOptions(rt.Metrics))

	var err error
	rt.FieldMaps, err = config.LoadFieldMaps(cfg.FieldMapsFile)
	if err != nil {
		return nil, err
	}

	if online {
		if rt.Tokens, err = tokenSource(cfg.Auth, rt.Dispatcher); err != nil {
			return nil, err
		}
	}

	if online && cfg.Notify.Enabled {
		password := ""
		if cfg.Notify.Username != "" {
			password, err = auth.NewEnvSecrets(cfg.Auth.SecretPrefix).Secret(cfg.Notify.Host, cfg.Notify.Username)
			if err != nil {
				return nil, fmt.Errorf("notify: %w", err)
			}
		}
		rt.Notifier = notifier.NewSMTP(cfg.Notify.Host, cfg.Notify.Port, cfg.Notify.From, cfg.Notify.Username, password)
	}

	token := ""
	if online && utils.Some(cfg.Resources, func(r config.ResourceConfig) bool { return !r.Public }) {
		if token, err = rt.Token(ctx); err != nil {
			return nil, err
		}
	}

	resources := make([]layer.Resource, 0, len(cfg.Resources))
	for _, r := range cfg.Resources {
		l, err := rt.newLayer(r, token)
		if err != nil {
			return nil, err
		}
		rt.byAlias[r.Alias] = l
		resources = append(resources, l)
	}
	rt.Layers, err = layer.NewSet(resources...)
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) newLayer(r config.ResourceConfig, token string) (*layer.Layer, error) {
	cache := rt.Config.Cache
	metaOpts, err := cache.StoreOptions(r.Alias, metadataCache, cache.Metadata)
	if err != nil {
		return nil, err
	}
	metaOpts.Compare = diffreport.HTML
	meta, err := store.New(metaOpts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Alias, err)
	}
	featOpts, err := cache.StoreOptions(r.Alias, featuresCache, cache.Features)
	if err != nil {
		return nil, err
	}
	feats, err := store.New(featOpts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", r.Alias, err)
	}

	outFields := r.OutFields
	if len(outFields) == 0 {
		outFields = rt.FieldMaps.OutFields(r.Alias)
	}
	desc := layer.Descriptor{
		URL:       r.URL,
		Alias:     r.Alias,
		Where:     r.Where,
		Spatial:   r.SpatialFilters(),
		OutSR:     r.OutSR,
		OutFields: outFields,
		FieldMap:  rt.FieldMaps.Rename(r.Alias),
		Caches:    layer.Caches{Metadata: meta, Features: feats},
	}
	if !r.Public {
		desc.Token = token
	}
	return layer.New(desc, rt.Dispatcher, rt.Pool)
}

// Layer returns the concrete layer for alias.
func (rt *Runtime) Layer(alias string) (*layer.Layer, error) {
	l, ok := rt.byAlias[alias]
	if !ok {
		return nil, errs.New(errs.MissingResource, "scheduler", "unknown alias %q", alias)
	}
	return l, nil
}

// Token checks out a token for the configured duration, "" without auth.
func (rt *Runtime) Token(ctx context.Context) (string, error) {
	if rt.Tokens == nil {
		return "", nil
	}
	return rt.Tokens.CheckoutToken(ctx, rt.Config.Auth.TokenMinutes)
}

func (rt *Runtime) Close() error {
	if rt.Dispatcher == nil {
		return nil
	}
	return rt.Dispatcher.Close()
}

func tokenSource(cfg config.AuthConfig, sender service.Sender) (auth.TokenSource, error) {
	switch cfg.Mode {
	case "static":
		v := os.Getenv(cfg.StaticTokenEnv)
		if v == "" {
			return nil, errs.New(errs.MissingResource, "auth", "%s is not set", cfg.StaticTokenEnv)
		}
		return auth.StaticToken(v), nil
	case "portal":
		return &auth.TokenCache{
			Source: &auth.PortalTokenSource{
				URL:      cfg.PortalURL,
				Referer:  cfg.Referer,
				Username: cfg.Username,
				Secrets:  auth.NewEnvSecrets(cfg.SecretPrefix),
				Sender:   sender,
			},
			Path: cfg.CacheFile,
		}, nil
	default:
		return nil, nil
	}
}
