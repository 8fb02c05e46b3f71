// Package editor applies a replace-style edit (delete by query, then add)
// to a remote layer and verifies the resulting feature count.
package editor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/service"
	"github.com/con-j-e/featsync/internal/utils"
)

const (
	DefaultDeleteBatchSize = 5000
	DefaultAddBatchSize    = 2500
	DefaultSettleDelay     = 2 * time.Second
	DefaultEditTimeout     = 120 * time.Second

	noneWhere = "1<>1"
)

// EditRetryPolicy is the retry policy for applyEdits calls.
func EditRetryPolicy() *service.RetryPolicy {
	return service.NewRetryPolicy().
		On(service.Status(http.StatusRequestTimeout), service.RetryPlan{Sleep: 2 * time.Second, Increment: 1}).
		On(service.Status(http.StatusTooManyRequests), service.RetryPlan{Sleep: 10 * time.Second, Increment: 0.5}).
		On(service.Status(http.StatusBadGateway), service.RetryPlan{Sleep: 5 * time.Second, Increment: 0.8}).
		On(service.Status(http.StatusServiceUnavailable), service.RetryPlan{Sleep: 8 * time.Second, Increment: 0.8}).
		On(service.Status(http.StatusGatewayTimeout), service.RetryPlan{Sleep: 10 * time.Second, Increment: 0.5})
}

type Options struct {
	Token string
	// DeletionWhere selects the features to delete; empty deletes nothing.
	DeletionWhere string
	Adds          []arcgis.Feature

	DeleteBatchSize int
	AddBatchSize    int
	// SettleDelay is waited before the final recount.
	SettleDelay time.Duration
	Policy      *service.RetryPolicy
	Timeout     time.Duration
}

// Metrics describe one completed edit.
type Metrics struct {
	URL              string `json:"url"`
	FeaturesToAdd    int    `json:"features_to_add"`
	FeaturesToDelete int    `json:"features_to_delete"`
	InitialCount     int    `json:"initial_feature_count"`
	TargetCount      int    `json:"target_feature_count"`
	ResultingCount   int    `json:"resulting_feature_count"`
	CountChange      int    `json:"feature_count_change"`
	// Discrepancy is TargetCount - ResultingCount.
	Discrepancy int  `json:"target_feature_count_discrepancy"`
	Chunked     bool `json:"chunked"`
}

type Editor struct {
	url    string
	client *arcgis.Client
	opts   Options

	sleep func(context.Context, time.Duration) error
}

func New(sender service.Sender, layerURL string, opts Options) (*Editor, error) {
	if opts.DeletionWhere == "" && len(opts.Adds) == 0 {
		return nil, fmt.Errorf("editor %s: nothing to do without a deletion query or additions", layerURL)
	}
	if opts.DeletionWhere == "" {
		opts.DeletionWhere = noneWhere
	}
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = DefaultDeleteBatchSize
	}
	if opts.AddBatchSize <= 0 {
		opts.AddBatchSize = DefaultAddBatchSize
	}
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Policy == nil {
		opts.Policy = EditRetryPolicy()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultEditTimeout
	}
	return &Editor{url: layerURL, client: arcgis.NewClient(sender), opts: opts, sleep: sleepContext}, nil
}

func (e *Editor) URL() string { return e.url }

func (e *Editor) idQuery() arcgis.Query {
	return arcgis.Query{Where: e.opts.DeletionWhere, Token: e.opts.Token}
}

// ApplyEditsWithValidation runs the edit and the recount. On CountMismatch
// the returned Metrics are complete.
func (e *Editor) ApplyEditsWithValidation(ctx context.Context) (Metrics, error) {
	m := Metrics{URL: e.url, FeaturesToAdd: len(e.opts.Adds)}

	initial, _, err := e.client.CountAndExtent(ctx, e.url, arcgis.Query{Token: e.opts.Token})
	if err != nil {
		return m, err
	}
	ids, err := e.client.ObjectIDs(ctx, e.url, e.idQuery())
	if err != nil {
		return m, err
	}
	m.InitialCount = initial
	m.FeaturesToDelete = len(ids)
	m.TargetCount = initial - len(ids) + len(e.opts.Adds)

	err = e.edit(ctx, e.opts.Adds, ids)
	if code, ok := service.StatusCode(err); ok && (code == http.StatusRequestEntityTooLarge || code == http.StatusGatewayTimeout) {
		logger.Debug("%s: single edit failed with HTTP %d, switching to batches", e.url, code)
		m.Chunked = true
		// The failed call may have partially landed; ask again.
		ids, err = e.client.ObjectIDs(ctx, e.url, e.idQuery())
		if err != nil {
			return m, err
		}
		err = e.batched(ctx, ids)
	}
	if err != nil {
		return m, err
	}

	if err := e.sleep(ctx, e.opts.SettleDelay); err != nil {
		return m, err
	}
	resulting, _, err := e.client.CountAndExtent(ctx, e.url, arcgis.Query{Token: e.opts.Token})
	if err != nil {
		return m, err
	}
	m.ResultingCount = resulting
	m.CountChange = resulting - initial
	m.Discrepancy = m.TargetCount - resulting
	if m.Discrepancy != 0 {
		return m, errs.New(errs.CountMismatch, "editor.validate",
			"%s has %d features, expected %d (discrepancy %d)", e.url, resulting, m.TargetCount, m.Discrepancy)
	}
	return m, nil
}

func (e *Editor) batched(ctx context.Context, ids []int64) error {
	deletes := utils.Chunk(ids, e.opts.DeleteBatchSize)
	logger.Debug("%s: deleting %d features in %d batch(es) of up to %d", e.url, len(ids), len(deletes), e.opts.DeleteBatchSize)
	for i, batch := range deletes {
		if err := e.edit(ctx, nil, batch); err != nil {
			return fmt.Errorf("delete batch %d/%d: %w", i+1, len(deletes), err)
		}
	}

	adds := utils.Chunk(e.opts.Adds, e.opts.AddBatchSize)
	logger.Debug("%s: adding %d features in %d batch(es) of up to %d", e.url, len(e.opts.Adds), len(adds), e.opts.AddBatchSize)
	for i, batch := range adds {
		if err := e.edit(ctx, batch, nil); err != nil {
			return fmt.Errorf("add batch %d/%d: %w", i+1, len(adds), err)
		}
	}
	return nil
}

func (e *Editor) edit(ctx context.Context, adds []arcgis.Feature, deletes []int64) error {
	res, err := e.client.ApplyEdits(ctx, e.url, adds, deletes, arcgis.EditOptions{
		Token:   e.opts.Token,
		Policy:  e.opts.Policy,
		Timeout: e.opts.Timeout,
	})
	if err != nil {
		return err
	}
	if failed := res.Failures(); len(failed) > 0 {
		for _, f := range failed {
			if f.Error != nil {
				logger.Debug("%s: object %d failed: %d %s", e.url, f.ObjectID, f.Error.Code, f.Error.Description)
			}
		}
		return errs.New(errs.EditFailure, "editor.apply", "%s: %d record(s) failed in applyEdits", e.url, len(failed))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// IsRetryable reports whether a whole edit is worth running again.
func IsRetryable(err error) bool {
	return errs.IsCode(err, errs.EditFailure) || errs.IsCode(err, errs.CountMismatch)
}
