package config

import (
	"strings"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/con-j-e/featsync/internal/store"
)

// RetryPolicy builds the read policy. Without rules it is the default one.
func (h HTTPConfig) RetryPolicy() *service.RetryPolicy {
	if len(h.Retry) == 0 {
		return service.DefaultRetryPolicy()
	}
	p := service.NewRetryPolicy()
	for _, rule := range h.Retry {
		plan := service.RetryPlan{Sleep: rule.Sleep, Increment: rule.Increment}
		if strings.EqualFold(rule.Status, "transport") {
			p.OnTransport(plan)
			continue
		}
		// Validate already rejected bad matchers.
		m, _ := service.ParseMatcher(rule.Status)
		p.On(m, plan)
	}
	return p
}

// DispatcherOptions maps the http section onto service.Options.
func (h HTTPConfig) DispatcherOptions(obs service.Observer) service.Options {
	opts := service.Options{
		Timeout:           h.Timeout,
		MaxInFlight:       h.MaxInFlight,
		MaxAttempts:       h.MaxAttempts,
		RequestsPerSecond: h.RequestsPerSecond,
		Burst:             h.Burst,
		CAFile:            h.CAFile,
		Observer:          obs,
	}
	if len(h.Retry) > 0 {
		opts.Policy = h.RetryPolicy()
	}
	if h.Breaker.Enabled {
		opts.Breaker = &service.BreakerOptions{
			Name:             "featsync",
			FailureThreshold: h.Breaker.FailureThreshold,
			OpenTimeout:      h.Breaker.OpenTimeout,
		}
	}
	return opts
}

// StoreOptions configures the snapshot directory <root>/<alias>/<kind>.
func (c CacheConfig) StoreOptions(alias, kind string, p CachePolicy) (store.Options, error) {
	purge, err := store.ParsePurgeMethod(p.Purge)
	if err != nil {
		return store.Options{}, err
	}
	return store.Options{
		Dir:        c.Dir(alias, kind),
		MaxAge:     p.MaxAge,
		MaxCount:   p.MaxCount,
		Purge:      purge,
		Extensions: []string{"*.json"},
	}, nil
}

// SpatialFilters converts the configured spatial parameter maps.
func (r ResourceConfig) SpatialFilters() []arcgis.SpatialFilter {
	out := make([]arcgis.SpatialFilter, 0, len(r.Spatial))
	for _, s := range r.Spatial {
		out = append(out, arcgis.SpatialFilter(s))
	}
	return out
}
