package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	logger.UseTestMode()
	os.Exit(m.Run())
}

type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sleeps = append(s.sleeps, d)
	return nil
}

func newTestDispatcher(opts Options) (*Dispatcher, *sleepRecorder) {
	d := NewDispatcher(opts)
	rec := &sleepRecorder{}
	d.sleep = rec.sleep
	d.rand = fixedRand(0.5)
	return d, rec
}

// statusSequence replies with each status in turn, then 200 with body.
func statusSequence(t *testing.T, statuses []int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestSend_RetriesMatchedStatusThenSucceeds(t *testing.T) {
	srv, calls := statusSequence(t, []int{503, 502}, `{"ok":true}`)
	d, rec := newTestDispatcher(Options{})

	c, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
	require.NoError(t, err)

	var got map[string]bool
	require.NoError(t, c.Decode(&got))
	assert.True(t, got["ok"])
	assert.Equal(t, int32(3), calls.Load())
	// 503 scales 8s by max(0.8, 1); 502 scales 5s by 1.6.
	require.Len(t, rec.sleeps, 2)
	assert.InDelta(t, float64(8*time.Second), float64(rec.sleeps[0]), float64(time.Millisecond))
	assert.InDelta(t, float64(8*time.Second), float64(rec.sleeps[1]), float64(time.Millisecond))
}

func TestSend_UnmatchedStatusFailsImmediately(t *testing.T) {
	srv, calls := statusSequence(t, []int{404}, `{}`)
	d, rec := newTestDispatcher(Options{})

	_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
	require.Error(t, err)

	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, 404, code)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rec.sleeps)
}

func TestSend_FractionalIncrementsExhaustBudget(t *testing.T) {
	srv, calls := statusSequence(t, []int{429, 429, 429, 429, 429, 429}, `{}`)
	d, _ := newTestDispatcher(Options{MaxAttempts: 2})

	_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
	code, ok := StatusCode(err)
	require.True(t, ok)
	assert.Equal(t, 429, code)
	// 0.5 per retry: the fourth failure reaches 2.0.
	assert.Equal(t, int32(4), calls.Load())
}

func TestSend_PerRequestPolicyOverridesDefault(t *testing.T) {
	srv, calls := statusSequence(t, []int{404}, `{"ok":true}`)
	d, rec := newTestDispatcher(Options{})

	policy := NewRetryPolicy().On(Status(404), RetryPlan{Sleep: time.Second})
	_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON, Policy: policy})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, []time.Duration{time.Second}, rec.sleeps)
}

func TestSend_ContentMismatchConsumesFullAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>maintenance</html>"))
	}))
	t.Cleanup(srv.Close)

	d, rec := newTestDispatcher(Options{MaxAttempts: 3})
	_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.InvalidContent))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, rec.sleeps)
}

func TestSend_TextAcceptsAnyBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	t.Cleanup(srv.Close)

	d, _ := newTestDispatcher(Options{})
	c, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadText})
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", c.Text())
	assert.Error(t, c.Decode(&map[string]any{}))
}

type flakyClient struct {
	failures int
	calls    int
	next     HTTPClient
}

func (f *flakyClient) Do(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.Do(req)
}

func TestSend_TransportFailuresRetried(t *testing.T) {
	srv, _ := statusSequence(t, nil, `{"ok":true}`)
	client := &flakyClient{failures: 2, next: srv.Client()}
	d, rec := newTestDispatcher(Options{Client: client})

	_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
	require.NoError(t, err)
	assert.Equal(t, 3, client.calls)
	assert.Len(t, rec.sleeps, 2)

	client = &flakyClient{failures: 10, next: srv.Client()}
	d, _ = newTestDispatcher(Options{Client: client})
	_, err = d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON, Policy: NoRetryPolicy()})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.TransientNetwork))
	assert.Equal(t, 1, client.calls)
}

func TestSend_FormPostAndQuery(t *testing.T) {
	var gotMethod, gotToken, gotAdds, gotF string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotF = r.URL.Query().Get("f")
		assert.NoError(t, r.ParseForm())
		gotToken = r.PostForm.Get("token")
		gotAdds = r.PostForm.Get("adds")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	d, _ := newTestDispatcher(Options{})
	_, err := d.Send(context.Background(), Request{
		URL:   srv.URL,
		Read:  ReadJSON,
		Query: url.Values{"f": {"json"}},
		Form:  url.Values{"token": {"abc"}, "adds": {`[{"attributes":{}}]`}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "json", gotF)
	assert.Equal(t, "abc", gotToken)
	assert.Equal(t, `[{"attributes":{}}]`, gotAdds)
}

func TestSend_BoundsInFlightRequests(t *testing.T) {
	var cur, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		cur.Add(-1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	d, _ := newTestDispatcher(Options{MaxInFlight: 2})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int32(2))
	require.NoError(t, d.Close())
}

func TestSend_OpenBreakerFailsFast(t *testing.T) {
	srv, calls := statusSequence(t, []int{500, 500, 500, 500, 500, 500, 500, 500}, `{}`)
	d, _ := newTestDispatcher(Options{
		MaxAttempts: 10,
		Breaker:     &BreakerOptions{Name: "test", FailureThreshold: 2, OpenTimeout: time.Hour},
	})

	_, err := d.Send(context.Background(), Request{URL: srv.URL, Read: ReadJSON})
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.TransientNetwork))
	assert.Equal(t, int32(2), calls.Load())
}
