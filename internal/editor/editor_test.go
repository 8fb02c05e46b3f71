package editor

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/con-j-e/featsync/internal/arcgis"
	"github.com/con-j-e/featsync/internal/arcgis/arcgistest"
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

func incident(source string, i int) arcgis.Feature {
	return arcgis.Feature{
		Attributes: map[string]any{"SOURCE": source, "NAME": fmt.Sprintf("fire-%d", i)},
		Geometry:   map[string]any{"x": float64(i), "y": float64(i)},
	}
}

// seeded builds a layer with total features, the first partitioned of
// which carry SOURCE = 'nifc'.
func seeded(total, partitioned int) *arcgistest.Layer {
	l := arcgistest.NewLayer("esriGeometryPoint")
	for i := range total {
		src := "other"
		if i < partitioned {
			src = "nifc"
		}
		l.Seed(incident(src, i))
	}
	return l
}

func adds(n int) []arcgis.Feature {
	out := make([]arcgis.Feature, n)
	for i := range out {
		out[i] = incident("nifc", 1000+i)
	}
	return out
}

func newEditor(t *testing.T, fake *arcgistest.Layer, opts Options) *Editor {
	t.Helper()
	srv := arcgistest.NewServer(t)
	u := srv.AddLayer("incidents", fake)
	d := service.NewDispatcher(service.Options{})
	t.Cleanup(func() { _ = d.Close() })
	e, err := New(d, u, opts)
	require.NoError(t, err)
	e.sleep = func(context.Context, time.Duration) error { return nil }
	return e
}

func TestApplyEdits_SingleShot(t *testing.T) {
	fake := seeded(100, 10)
	e := newEditor(t, fake, Options{DeletionWhere: "SOURCE = 'nifc'", Adds: adds(5), Token: "tok"})

	m, err := e.ApplyEditsWithValidation(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, m.InitialCount)
	assert.Equal(t, 10, m.FeaturesToDelete)
	assert.Equal(t, 5, m.FeaturesToAdd)
	assert.Equal(t, 95, m.TargetCount)
	assert.Equal(t, 95, m.ResultingCount)
	assert.Equal(t, -5, m.CountChange)
	assert.Zero(t, m.Discrepancy)
	assert.False(t, m.Chunked)
	assert.Len(t, fake.EditCalls(), 1)
	assert.Equal(t, 95, fake.Count())
}

func TestApplyEdits_CountMismatchReportsDiscrepancy(t *testing.T) {
	fake := seeded(100, 10)
	fake.DriftCountAfterEdits(1)
	e := newEditor(t, fake, Options{DeletionWhere: "SOURCE = 'nifc'", Adds: adds(5)})

	m, err := e.ApplyEditsWithValidation(context.Background())
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CountMismatch))
	assert.Equal(t, 95, m.TargetCount)
	assert.Equal(t, 96, m.ResultingCount)
	assert.Equal(t, -1, m.Discrepancy)
}

func TestApplyEdits_PayloadTooLargeSwitchesToBatches(t *testing.T) {
	fake := seeded(20, 7)
	fake.FailEditsWith(413)
	e := newEditor(t, fake, Options{
		DeletionWhere:   "SOURCE = 'nifc'",
		Adds:            adds(5),
		DeleteBatchSize: 3,
		AddBatchSize:    2,
	})

	m, err := e.ApplyEditsWithValidation(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Chunked)
	assert.Equal(t, 18, fake.Count())

	calls := fake.EditCalls()
	require.Len(t, calls, 1+3+3)
	assert.Equal(t, 413, calls[0].Status)
	// Every delete batch precedes every add batch.
	for _, c := range calls[1:4] {
		assert.Zero(t, c.Adds)
		assert.LessOrEqual(t, c.Deletes, 3)
	}
	for _, c := range calls[4:] {
		assert.Zero(t, c.Deletes)
		assert.LessOrEqual(t, c.Adds, 2)
	}
}

func TestApplyEdits_GatewayTimeoutAfterRetriesSwitchesToBatches(t *testing.T) {
	fake := seeded(4, 2)
	fake.FailEditsWith(504)
	e := newEditor(t, fake, Options{
		DeletionWhere: "SOURCE = 'nifc'",
		Adds:          adds(1),
		Policy:        service.NoRetryPolicy(),
	})

	m, err := e.ApplyEditsWithValidation(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Chunked)
	assert.Equal(t, 3, fake.Count())
}

func TestApplyEdits_OtherStatusPropagates(t *testing.T) {
	fake := seeded(4, 2)
	fake.FailEditsWith(400)
	e := newEditor(t, fake, Options{DeletionWhere: "SOURCE = 'nifc'"})

	_, err := e.ApplyEditsWithValidation(context.Background())
	code, ok := service.StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, 400, code)
	assert.Len(t, fake.EditCalls(), 1)
}

func TestApplyEdits_RecordFailure(t *testing.T) {
	fake := seeded(4, 2)
	fake.FailRecords(true)
	e := newEditor(t, fake, Options{Adds: adds(2)})

	_, err := e.ApplyEditsWithValidation(context.Background())
	assert.True(t, errs.IsCode(err, errs.EditFailure))
	assert.Equal(t, 4, fake.Count())
}

func TestNew_RequiresWork(t *testing.T) {
	_, err := New(nil, "https://example.com/0", Options{})
	assert.Error(t, err)
}

func TestApplyWithRetry(t *testing.T) {
	t.Run("retries count mismatch", func(t *testing.T) {
		fake := seeded(10, 2)
		fake.FailRecords(true)
		e := newEditor(t, fake, Options{DeletionWhere: "SOURCE = 'nifc'"})

		_, err := ApplyWithRetry(context.Background(), e, 2, 0)
		assert.True(t, errs.IsCode(err, errs.EditFailure))
		assert.Len(t, fake.EditCalls(), 2)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		fake := seeded(10, 2)
		fake.FailEditsWith(400)
		e := newEditor(t, fake, Options{DeletionWhere: "SOURCE = 'nifc'"})

		_, err := ApplyWithRetry(context.Background(), e, 3, 0)
		require.Error(t, err)
		assert.False(t, IsRetryable(err))
		assert.Len(t, fake.EditCalls(), 1)
	})

	t.Run("succeeds", func(t *testing.T) {
		fake := seeded(10, 2)
		e := newEditor(t, fake, Options{DeletionWhere: "SOURCE = 'nifc'"})

		m, err := ApplyWithRetry(context.Background(), e, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 8, m.ResultingCount)
	})

	t.Run("rejects zero attempts", func(t *testing.T) {
		_, err := ApplyWithRetry(context.Background(), nil, 0, 0)
		assert.Error(t, err)
	})
}

func TestEditRetryPolicy(t *testing.T) {
	p := EditRetryPolicy()
	plan, ok := p.Lookup(504)
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, plan.Sleep)
	assert.Equal(t, 0.5, plan.Increment)
	_, ok = p.Lookup(500)
	assert.False(t, ok)
	_, ok = p.TransportPlan()
	assert.False(t, ok)
}
