package scheduler

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/changes"
	"github.com/con-j-e/featsync/internal/editor"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/layer"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/metrics"
)

// Stage names where a resource stopped.
type Stage string

const (
	StageRefresh Stage = "refresh"
	StageLoad    Stage = "load"
	StageDetect  Stage = "detect"
	StageEdit    Stage = "edit"
	StageDone    Stage = "done"
)

// Outcome is one resource's row in the run report.
type Outcome struct {
	Alias    string
	Stage    Stage
	Features int
	// Change summarizes the diff against the previous snapshot.
	Change string
	Edit   *editor.Metrics
	Err    error
}

type Report struct {
	Outcomes []Outcome
	Started  time.Time
	Finished time.Time
}

// Failed lists the outcomes carrying an error.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Sync refreshes the named resources (all when none are named), detects
// changes against the previous snapshot and replaces each changed
// resource's partition of the target layer. Resources are edited one at a
// time. A resource that fails after its snapshot was written is rolled
// back so the next run sees the same change again.
func (rt *Runtime) Sync(ctx context.Context, aliases ...string) (Report, error) {
	report := Report{Started: time.Now()}

	results, err := rt.Layers.RefreshAll(ctx, aliases...)
	if err != nil {
		return report, err
	}

	var fresh []string
	outcomes := make(map[string]*Outcome, len(results))
	for _, res := range results {
		o := &Outcome{Alias: res.Alias, Stage: StageRefresh, Err: res.Err}
		outcomes[res.Alias] = o
		if res.Err != nil {
			rt.Metrics.ObserveRefresh(res.Alias, metrics.OutcomeFailure, 0)
			continue
		}
		fresh = append(fresh, res.Alias)
	}

	if len(fresh) > 0 {
		opts := layer.LoadOptions{ApplyFieldMap: true, ValidateKey: rt.Config.Change.Strategy == "key"}
		histories, err := rt.Layers.LoadHistoryAll(ctx, 2, opts, fresh...)
		if err != nil {
			return report, err
		}

		var token string
		var tokenErr error
		tokenDone := false
		for _, h := range histories {
			o := outcomes[h.Alias]
			if h.Err != nil {
				rt.fail(o, StageLoad, h.Err)
				continue
			}
			if len(h.Sets) == 0 {
				rt.fail(o, StageLoad, errs.New(errs.CacheCorruption, "scheduler", "no snapshot after refresh"))
				continue
			}
			newest := h.Sets[0]
			o.Features = len(newest.Features)
			rt.Metrics.ObserveRefresh(h.Alias, metrics.OutcomeSuccess, o.Features)

			changed, summary, err := rt.Detect(h.Sets)
			if err != nil {
				rt.fail(o, StageDetect, err)
				continue
			}
			o.Change = summary
			if !changed || rt.Config.Target.URL == "" {
				o.Stage = StageDone
				continue
			}

			if !tokenDone {
				token, tokenErr = rt.Token(ctx)
				tokenDone = true
			}
			if tokenErr != nil {
				rt.fail(o, StageEdit, tokenErr)
				continue
			}
			m, err := rt.edit(ctx, h.Alias, newest, token)
			o.Edit = &m
			if err != nil {
				rt.fail(o, StageEdit, err)
				continue
			}
			rt.Metrics.ObserveEdit(h.Alias, metrics.OutcomeSuccess, m.FeaturesToAdd, m.FeaturesToDelete, m.Discrepancy)
			o.Stage = StageDone
		}
	}

	for _, res := range results {
		report.Outcomes = append(report.Outcomes, *outcomes[res.Alias])
	}
	report.Finished = time.Now()
	return report, nil
}

// fail records err on o and rolls back the snapshot the refresh just wrote.
func (rt *Runtime) fail(o *Outcome, stage Stage, err error) {
	o.Stage = stage
	logger.LogError("%s: %s failed: %v", o.Alias, stage, err)

	outcome := metrics.OutcomeFailure
	if l, lerr := rt.Layer(o.Alias); lerr == nil {
		if _, rerr := l.Rollback(1); rerr != nil {
			logger.Critical("%s: rollback failed, the next run will not retry this change: %v", o.Alias, rerr)
		} else {
			outcome = metrics.OutcomeRolledBack
		}
	}
	o.Err = errs.Wrap(errs.RollbackRequired, "scheduler."+string(stage), err)

	switch stage {
	case StageEdit:
		var added, deleted, discrepancy int
		if o.Edit != nil {
			added, deleted, discrepancy = o.Edit.FeaturesToAdd, o.Edit.FeaturesToDelete, o.Edit.Discrepancy
		}
		rt.Metrics.ObserveEdit(o.Alias, outcome, added, deleted, discrepancy)
	case StageLoad:
		rt.Metrics.ObserveRefresh(o.Alias, outcome, -1)
	}
}

// Detect compares the two newest snapshots. A lone snapshot counts as
// changed.
func (rt *Runtime) Detect(sets []layer.FeatureSet) (bool, string, error) {
	if len(sets) < 2 {
		return true, "first snapshot", nil
	}
	newer, older := sets[0], sets[1]
	ignore := rt.Config.Change.Ignore

	if rt.Config.Change.Strategy == "fingerprint" {
		d, err := changes.ByFingerprint(newer.Features, older.Features, ignore...)
		if err != nil {
			return false, "", err
		}
		if d.Empty() {
			return false, "unchanged", nil
		}
		return true, d.String(), nil
	}

	if newer.KeyField != older.KeyField {
		return true, fmt.Sprintf("key field changed from %s to %s", older.KeyField, newer.KeyField), nil
	}
	d, err := changes.ByKey(newer.Features, older.Features, newer.KeyField, ignore...)
	if err != nil {
		return false, "", err
	}
	if d.Empty() {
		return false, "unchanged", nil
	}
	return true, d.String(), nil
}

func (rt *Runtime) edit(ctx context.Context, alias string, fs layer.FeatureSet, token string) (editor.Metrics, error) {
	tc := rt.Config.Target
	ec := rt.Config.Edit
	adds := rt.prepareAdds(alias, fs, time.Now())
	e, err := editor.New(rt.Dispatcher, tc.URL, editor.Options{
		Token:           token,
		DeletionWhere:   PartitionWhere(tc.PartitionField, alias),
		Adds:            adds,
		DeleteBatchSize: ec.DeleteBatchSize,
		AddBatchSize:    ec.AddBatchSize,
		SettleDelay:     ec.SettleDelay,
		Timeout:         ec.Timeout,
	})
	if err != nil {
		return editor.Metrics{}, err
	}
	m, err := editor.ApplyWithRetry(ctx, e, ec.Attempts, ec.RetryDelay)
	if err != nil {
		return m, err
	}
	logger.Success("%s: replaced %d with %d feature(s) in target (count %d -> %d)",
		alias, m.FeaturesToDelete, m.FeaturesToAdd, m.InitialCount, m.ResultingCount)
	return m, nil
}

// PartitionWhere selects the target records owned by alias.
func PartitionWhere(field, alias string) string {
	return fmt.Sprintf("%s = '%s'", field, strings.ReplaceAll(alias, "'", "''"))
}

// prepareAdds shapes source features for the target layer. Attributes are
// narrowed to target.fields, or else to the alias' mapped target fields,
// or else everything but the source key. Partition and processed-at fields
// are stamped last.
func (rt *Runtime) prepareAdds(alias string, fs layer.FeatureSet, now time.Time) []arcgis.Feature {
	tc := rt.Config.Target
	keep := tc.Fields
	if len(keep) == 0 {
		keep = rt.FieldMaps.Targets(alias)
	}

	out := make([]arcgis.Feature, 0, len(fs.Features))
	for _, f := range fs.Features {
		var attrs map[string]any
		if len(keep) > 0 {
			attrs = make(map[string]any, len(keep)+2)
			for _, k := range keep {
				attrs[k] = f.Attributes[k]
			}
		} else {
			attrs = maps.Clone(f.Attributes)
			delete(attrs, fs.KeyField)
		}
		if tc.PartitionField != "" {
			attrs[tc.PartitionField] = alias
		}
		if tc.ProcessedAtField != "" {
			attrs[tc.ProcessedAtField] = now.UnixMilli()
		}
		out = append(out, arcgis.Feature{Attributes: attrs, Geometry: f.Geometry})
	}
	return out
}
