package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/con-j-e/featsync/internal/errs"
	"github.com/con-j-e/featsync/internal/logger"
	"github.com/con-j-e/featsync/internal/utils"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxInFlight = 15
	defaultMaxAttempts = 5
	mismatchLogLimit   = 5000
)

// StatusError is an HTTP error status that the retry policy gave up on,
// or never matched.
type StatusError struct {
	Code   int
	Method string
	URL    string
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http status %d", e.Method, e.URL, e.Code)
}

// StatusCode extracts the HTTP status from err, if it carries one.
func StatusCode(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}

// Observer receives per-exchange telemetry. metrics.Recorder implements it.
type Observer interface {
	ObserveRequest(method string, status int, elapsed time.Duration)
	ObserveRetry(reason string)
}

type BreakerOptions struct {
	Name             string
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

type Options struct {
	// Timeout bounds one HTTP exchange, body included.
	Timeout     time.Duration
	MaxInFlight int64
	MaxAttempts float64
	// RequestsPerSecond <= 0 disables rate limiting.
	RequestsPerSecond float64
	Burst             int
	CAFile            string
	// Policy applies to requests that carry none; nil means DefaultRetryPolicy.
	Policy *RetryPolicy
	// Breaker nil disables the circuit breaker.
	Breaker  *BreakerOptions
	Observer Observer
	// Client replaces the pooled client (tests).
	Client HTTPClient
}

// Request describes one logical call. Query is appended to URL; a non-nil
// Form turns the call into a urlencoded POST.
type Request struct {
	URL         string
	Method      string
	Read        ReadKind
	Policy      *RetryPolicy
	MaxAttempts float64
	Query       url.Values
	Form        url.Values
	Header      http.Header
	Timeout     time.Duration
}

func (r Request) method() string {
	if r.Method != "" {
		return r.Method
	}
	if r.Form != nil {
		return http.MethodPost
	}
	return http.MethodGet
}

type exchange struct {
	status int
	header http.Header
	body   []byte
}

// Dispatcher sends requests over one long-lived client, retrying per policy.
// All callers sharing a dispatcher share its in-flight bound.
type Dispatcher struct {
	opts    Options
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[exchange]

	once      sync.Once
	initErr   error
	client    HTTPClient
	transport *http.Transport

	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}

	d := &Dispatcher{
		opts:  opts,
		sem:   semaphore.NewWeighted(opts.MaxInFlight),
		sleep: sleepContext,
		rand:  defaultRand,
	}
	if opts.RequestsPerSecond > 0 {
		burst := max(opts.Burst, 1)
		d.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	if b := opts.Breaker; b != nil {
		threshold := b.FailureThreshold
		if threshold == 0 {
			threshold = 5
		}
		d.breaker = gobreaker.NewCircuitBreaker[exchange](gobreaker.Settings{
			Name:        b.Name,
			MaxRequests: 1,
			Timeout:     b.OpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker %s: %s -> %s", name, from, to)
			},
		})
	}
	return d
}

func (d *Dispatcher) init() {
	if d.opts.Client != nil {
		d.client = d.opts.Client
		return
	}
	t, err := newTransport(int(d.opts.MaxInFlight), d.opts.CAFile)
	if err != nil {
		d.initErr = err
		return
	}
	d.transport = t
	d.client = &http.Client{Transport: t}
	// Idle sockets are released even if the owner never calls Close.
	runtime.AddCleanup(d, func(t *http.Transport) { t.CloseIdleConnections() }, t)
}

// Close releases pooled connections.
func (d *Dispatcher) Close() error {
	if d.transport != nil {
		d.transport.CloseIdleConnections()
	}
	return nil
}

// Send performs req, retrying error statuses, transport failures and
// content mismatches until the policy declines or the attempt budget runs out.
func (d *Dispatcher) Send(ctx context.Context, req Request) (Content, error) {
	d.once.Do(d.init)
	if d.initErr != nil {
		return Content{}, fmt.Errorf("dispatcher: %w", d.initErr)
	}

	policy := req.Policy
	if policy == nil {
		policy = d.opts.Policy
	}
	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.opts.MaxAttempts
	}
	op := req.method() + " " + req.URL

	var attempts float64
	for {
		res, err := d.do(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return Content{}, ctx.Err()
			}
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return Content{}, errs.Wrap(errs.TransientNetwork, op, err)
			}
			plan, ok := policy.TransportPlan()
			if !ok {
				return Content{}, errs.Wrap(errs.TransientNetwork, op, err)
			}
			attempts += plan.Increment
			if attempts >= maxAttempts {
				return Content{}, errs.Wrap(errs.TransientNetwork, op, err)
			}
			if err := d.backoff(ctx, op, "transport", plan.Sleep, attempts, err.Error()); err != nil {
				return Content{}, err
			}
			continue
		}

		if res.status >= 400 {
			se := &StatusError{Code: res.status, Method: req.method(), URL: req.URL, Body: utils.Truncate(string(res.body), mismatchLogLimit)}
			plan, ok := policy.Lookup(res.status)
			if !ok {
				return Content{}, se
			}
			attempts += plan.Increment
			if attempts >= maxAttempts {
				return Content{}, se
			}
			if err := d.backoff(ctx, op, fmt.Sprintf("status_%d", res.status), plan.Sleep, attempts, se.Error()); err != nil {
				return Content{}, err
			}
			continue
		}

		content, err := read(req.Read, res.status, res.header, res.body)
		if err == nil {
			return content, nil
		}

		attempts++
		got := salvage(res.status, res.header, res.body)
		logger.Debug("%s: read as %s failed (%v); %s payload: %s", op, req.Read, err, got.Kind, utils.Truncate(got.Text(), mismatchLogLimit))
		if attempts >= maxAttempts {
			return Content{}, errs.Wrap(errs.InvalidContent, op, err)
		}
		if err := d.backoff(ctx, op, "content_mismatch", mismatchBackoff, attempts, err.Error()); err != nil {
			return Content{}, err
		}
	}
}

func (d *Dispatcher) backoff(ctx context.Context, op, reason string, base time.Duration, attempts float64, cause string) error {
	wait := jitteredBackoff(base, attempts, d.rand)
	logger.Debug("%s: %s, retrying in %s (attempts=%.2f)", op, cause, wait.Truncate(time.Millisecond), attempts)
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveRetry(reason)
	}
	return d.sleep(ctx, wait)
}

// do runs one exchange under the in-flight bound, the rate limiter and the breaker.
func (d *Dispatcher) do(ctx context.Context, req Request) (exchange, error) {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return exchange{}, err
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return exchange{}, err
	}
	defer d.sem.Release(1)

	if d.breaker == nil {
		return d.roundTrip(ctx, req)
	}
	res, err := d.breaker.Execute(func() (exchange, error) {
		res, err := d.roundTrip(ctx, req)
		if err == nil && res.status >= 500 {
			return res, &StatusError{Code: res.status}
		}
		return res, err
	})
	var se *StatusError
	if errors.As(err, &se) {
		return res, nil
	}
	return res, err
}

func (d *Dispatcher) roundTrip(ctx context.Context, req Request) (exchange, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.opts.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target, err := url.Parse(req.URL)
	if err != nil {
		return exchange{}, fmt.Errorf("parse url: %w", err)
	}
	if len(req.Query) > 0 {
		q := target.Query()
		for k, vs := range req.Query {
			q[k] = append([]string(nil), vs...)
		}
		target.RawQuery = q.Encode()
	}

	var body io.Reader = http.NoBody
	if req.Form != nil {
		body = strings.NewReader(req.Form.Encode())
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target.String(), body)
	if err != nil {
		return exchange{}, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	start := time.Now()
	resp, err := d.client.Do(httpReq)
	if err != nil {
		if d.opts.Observer != nil {
			d.opts.Observer.ObserveRequest(req.method(), 0, time.Since(start))
		}
		return exchange{}, err
	}
	defer utils.Try(resp.Body.Close)

	data, err := io.ReadAll(resp.Body)
	if d.opts.Observer != nil {
		d.opts.Observer.ObserveRequest(req.method(), resp.StatusCode, time.Since(start))
	}
	if err != nil {
		return exchange{}, fmt.Errorf("read body: %w", err)
	}
	return exchange{status: resp.StatusCode, header: resp.Header, body: data}, nil
}
