package iceconfig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/1ureka/duocall/internal/util"
)

const (
	DefaultTTL     = 10 * time.Minute
	DefaultTimeout = 5 * time.Second
)

// Doer is the subset of *fasthttp.Client used by the provider.
type Doer interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// Provider serves ICE configuration from a process-wide cache, refreshing it
// from the backend once it expires. Concurrent refreshes collapse into a
// single request; the last successful fetch wins.
type Provider struct {
	endpoint string
	ttl      time.Duration
	timeout  time.Duration
	client   Doer
	now      func() time.Time

	group singleflight.Group

	mu     sync.RWMutex
	cached *Config
}

// Option configures a Provider.
type Option func(*Provider)

func WithTTL(d time.Duration) Option        { return func(p *Provider) { p.ttl = d } }
func WithTimeout(d time.Duration) Option    { return func(p *Provider) { p.timeout = d } }
func WithClock(now func() time.Time) Option { return func(p *Provider) { p.now = now } }
func WithHTTPClient(c Doer) Option          { return func(p *Provider) { p.client = c } }

// NewProvider creates a provider for the given endpoint URL.
func NewProvider(endpoint string, opts ...Option) *Provider {
	p := &Provider{
		endpoint: endpoint,
		ttl:      DefaultTTL,
		timeout:  DefaultTimeout,
		client:   &fasthttp.Client{Name: "duocall"},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns a usable configuration. It never fails: when the backend is
// unreachable or returns garbage, the built-in default is returned with
// Degraded set, and the failure is only logged.
//
// The shared fetch is detached from ctx and bounded by the provider timeout,
// so a caller that gives up does not fail the others waiting on it.
func (p *Provider) Get(ctx context.Context) Config {
	if cfg, ok := p.fresh(); ok {
		return cfg
	}
	if err := ctx.Err(); err != nil {
		return p.degraded(err)
	}

	resC := p.group.DoChan("fetch", func() (interface{}, error) {
		// Another caller may have refreshed the cache while we waited.
		if cfg, ok := p.fresh(); ok {
			return cfg, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
		defer cancel()
		cfg, err := p.fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.cached = &cfg
		p.mu.Unlock()
		return cfg, nil
	})

	select {
	case <-ctx.Done():
		return p.degraded(ctx.Err())
	case res := <-resC:
		if res.Err != nil {
			return p.degraded(res.Err)
		}
		return res.Val.(Config)
	}
}

func (p *Provider) degraded(err error) Config {
	util.LogWarning("ICE config unavailable, using public STUN only: %v", err)
	return Default(p.now())
}

// Cached returns the cached config, if any, regardless of staleness.
func (p *Provider) Cached() (Config, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.cached == nil {
		return Config{}, false
	}
	return *p.cached, true
}

func (p *Provider) fresh() (Config, bool) {
	cfg, ok := p.Cached()
	if !ok || cfg.Stale(p.now()) {
		return Config{}, false
	}
	return cfg, true
}

type fetchResult struct {
	status int
	body   []byte
	err    error
}

// fetch performs the HTTP request. fasthttp has no context support, so the
// request runs in its own goroutine and owns its request/response objects.
func (p *Provider) fetch(ctx context.Context) (Config, error) {
	if err := ctx.Err(); err != nil {
		return Config{}, err
	}

	resC := make(chan fetchResult, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)

		req.SetRequestURI(p.endpoint)
		req.Header.SetMethod(fasthttp.MethodGet)
		req.Header.Set("Accept", "application/json")

		if err := p.client.DoTimeout(req, resp, p.timeout); err != nil {
			resC <- fetchResult{err: err}
			return
		}
		resC <- fetchResult{
			status: resp.StatusCode(),
			body:   append([]byte(nil), resp.Body()...),
		}
	}()

	var res fetchResult
	select {
	case <-ctx.Done():
		return Config{}, ctx.Err()
	case res = <-resC:
	}

	if res.err != nil {
		return Config{}, fmt.Errorf("performing HTTP request: %w", res.err)
	}
	if res.status < 200 || res.status > 299 {
		return Config{}, fmt.Errorf("unexpected status code: %d", res.status)
	}
	if len(res.body) == 0 {
		return Config{}, ErrNoResponse
	}

	var body Response
	if err := sonic.Unmarshal(res.body, &body); err != nil {
		return Config{}, fmt.Errorf("decoding configuration: %w", err)
	}
	if err := body.Validate(); err != nil {
		return Config{}, err
	}

	cfg := body.toConfig(p.now(), p.ttl)
	if !cfg.HasRelayServer {
		util.LogDebug("ICE config has no relay server")
	}
	return cfg, nil
}
