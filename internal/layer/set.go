package layer

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
)

// Set is a collection of resources with unique aliases.
type Set struct {
	order []string
	byKey map[string]Resource
}

func NewSet(resources ...Resource) (*Set, error) {
	s := &Set{byKey: make(map[string]Resource, len(resources))}
	var dups []string
	for _, r := range resources {
		a := r.Alias()
		if _, ok := s.byKey[a]; ok {
			if !slices.Contains(dups, a) {
				dups = append(dups, a)
			}
			continue
		}
		s.byKey[a] = r
		s.order = append(s.order, a)
	}
	if len(dups) > 0 {
		slices.Sort(dups)
		return nil, errs.New(errs.DuplicateAlias, "layer.set", "duplicate aliases: %v", dups)
	}
	return s, nil
}

func (s *Set) Len() int { return len(s.order) }

// Aliases returns aliases in insertion order.
func (s *Set) Aliases() []string { return slices.Clone(s.order) }

func (s *Set) Get(alias string) (Resource, error) {
	r, ok := s.byKey[alias]
	if !ok {
		return nil, errs.New(errs.MissingResource, "layer.set", "unknown alias %q", alias)
	}
	return r, nil
}

// Result is the outcome of one resource in a fan-out.
type Result struct {
	Alias string
	Err   error
}

// Results keep insertion order.
type Results []Result

func (rs Results) Failed() Results {
	var out Results
	for _, r := range rs {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

func (rs Results) Err(alias string) error {
	for _, r := range rs {
		if r.Alias == alias {
			return r.Err
		}
	}
	return nil
}

// HistoryResult is the outcome of LoadHistoryAll for one resource.
type HistoryResult struct {
	Alias string
	Sets  []FeatureSet
	Err   error
}

func (s *Set) pick(aliases []string) ([]Resource, error) {
	if len(aliases) == 0 {
		aliases = s.order
	}
	out := make([]Resource, 0, len(aliases))
	for _, a := range aliases {
		r, err := s.Get(a)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// RefreshAll refreshes the named resources (all when none are named)
// concurrently. A failing resource never stops its siblings.
func (s *Set) RefreshAll(ctx context.Context, aliases ...string) (Results, error) {
	rs, err := s.pick(aliases)
	if err != nil {
		return nil, err
	}
	out := make(Results, len(rs))
	var wg sync.WaitGroup
	for i, r := range rs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := guard(r.Alias(), "refresh", func() error { return r.Refresh(ctx) })
			if err != nil {
				logger.LogError("refresh %s: %v", r.Alias(), err)
			}
			out[i] = Result{Alias: r.Alias(), Err: err}
		}()
	}
	wg.Wait()
	return out, nil
}

// LoadHistoryAll loads history for the named resources concurrently.
func (s *Set) LoadHistoryAll(ctx context.Context, n int, opts LoadOptions, aliases ...string) ([]HistoryResult, error) {
	rs, err := s.pick(aliases)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryResult, len(rs))
	var wg sync.WaitGroup
	for i, r := range rs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var sets []FeatureSet
			err := guard(r.Alias(), "load history", func() error {
				var err error
				sets, err = r.LoadHistory(ctx, n, opts)
				return err
			})
			if err != nil {
				err = fmt.Errorf("load history: %w", err)
			}
			out[i] = HistoryResult{Alias: r.Alias(), Sets: sets, Err: err}
		}()
	}
	wg.Wait()
	return out, nil
}

// guard runs fn, turning a panic into an error for that resource alone.
func guard(alias, op string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logger.Debug("%s: %s panicked: %v\n%s", alias, op, p, debug.Stack())
			err = fmt.Errorf("%s: %s panicked: %v", alias, op, p)
		}
	}()
	return fn()
}
