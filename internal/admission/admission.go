// Package admission rejects import requests before any work starts when the
// process is at its global or per-tenant concurrency ceiling, or when the
// tenant has exhausted its token bucket.
//
// All state is per Controller and per process. Several replicas each enforce
// their own limits; this is best effort by design and nothing is persisted.
package admission

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Error is the class of admission misuse errors; refusals are *RejectedError.
var Error = errs.Class("admission")

// GlobalTenant is the bucket used when no tenant key can be resolved, and the
// tenant reported for global concurrency refusals.
const GlobalTenant = "global"

const (
	DefaultRatePerSecond     = 1
	DefaultBurst             = 5
	DefaultGlobalConcurrency = 6
	DefaultTenantConcurrency = 2
	DefaultRetryWindow       = time.Second

	minConcurrencyRetry = 500 * time.Millisecond
)

type Config struct {
	RatePerSecond     float64
	Burst             int
	GlobalConcurrency int
	TenantConcurrency int
	// RetryWindow is the coarse retry hint; refusals never advise less than
	// min(RetryWindow, 1s).
	RetryWindow time.Duration
}

func (c Config) withDefaults() Config {
	if !(c.RatePerSecond > 0) || math.IsInf(c.RatePerSecond, 0) {
		c.RatePerSecond = DefaultRatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = DefaultBurst
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = DefaultGlobalConcurrency
	}
	if c.TenantConcurrency <= 0 {
		c.TenantConcurrency = DefaultTenantConcurrency
	}
	if c.RetryWindow <= 0 {
		c.RetryWindow = DefaultRetryWindow
	}
	return c
}

type Scope string

const (
	ScopeGlobalConcurrency Scope = "global_concurrency"
	ScopeTenantConcurrency Scope = "tenant_concurrency"
	ScopeRate              Scope = "rate"
)

// RejectedError is returned when a request is refused admission. Refused
// requests are never queued; the client retries after RetryAfter.
type RejectedError struct {
	Scope      Scope
	Tenant     string
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("admission: %s limit reached for %s, retry after %dms", e.Scope, e.Tenant, e.RetryAfterMillis())
}

func (e *RejectedError) RetryAfterMillis() int64 {
	return e.RetryAfter.Milliseconds()
}

// RetryAfterSeconds is the Retry-After header value: at least one second.
func (e *RejectedError) RetryAfterSeconds() int64 {
	seconds := int64(math.Ceil(float64(e.RetryAfterMillis()) / 1000))
	if seconds < 1 {
		return 1
	}
	return seconds
}

type Option func(*Controller)

// WithClock overrides the wall clock used for bucket refill.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

type Controller struct {
	cfg Config
	now func() time.Time
	log *zap.Logger

	mu             sync.Mutex
	globalInFlight int
	tenantInFlight map[string]int
	buckets        map[string]*rate.Limiter
}

func NewController(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:            cfg.withDefaults(),
		now:            time.Now,
		log:            zap.NewNop(),
		tenantInFlight: map[string]int{},
		buckets:        map[string]*rate.Limiter{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Config() Config {
	return c.cfg
}

// Ticket tracks the counters one request holds. Release must be called on
// every exit path; it is safe to call more than once.
type Ticket struct {
	c      *Controller
	tenant string
	held   bool
	once   sync.Once
}

// Acquire takes a global in-flight slot, refusing when the global ceiling is
// reached.
func (c *Controller) Acquire() (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.globalInFlight >= c.cfg.GlobalConcurrency {
		return nil, &RejectedError{
			Scope:      ScopeGlobalConcurrency,
			Tenant:     GlobalTenant,
			RetryAfter: c.concurrencyRetry(),
		}
	}
	c.globalInFlight++
	return &Ticket{c: c}, nil
}

// AdmitTenant takes a tenant in-flight slot and then one token from the
// tenant's bucket. A tenant slot taken before a token refusal is still held
// until Release.
func (t *Ticket) AdmitTenant(tenant string) error {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		tenant = GlobalTenant
	}
	c := t.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if t.held {
		return Error.New("ticket already admitted for %s", t.tenant)
	}
	if c.tenantInFlight[tenant] >= c.cfg.TenantConcurrency {
		return &RejectedError{
			Scope:      ScopeTenantConcurrency,
			Tenant:     tenant,
			RetryAfter: c.concurrencyRetry(),
		}
	}
	c.tenantInFlight[tenant]++
	t.tenant = tenant
	t.held = true

	now := c.now()
	bucket := c.bucketLocked(tenant)
	tokens := bucket.TokensAt(now)
	if tokens >= 1 {
		bucket.AllowN(now, 1)
		return nil
	}
	return &RejectedError{
		Scope:      ScopeRate,
		Tenant:     tenant,
		RetryAfter: c.tokenRetry(tokens),
	}
}

func (t *Ticket) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		c := t.c
		c.mu.Lock()
		defer c.mu.Unlock()
		if t.held {
			if n := c.tenantInFlight[t.tenant] - 1; n > 0 {
				c.tenantInFlight[t.tenant] = n
			} else {
				delete(c.tenantInFlight, t.tenant)
			}
		}
		if c.globalInFlight > 0 {
			c.globalInFlight--
		}
	})
}

func (c *Controller) bucketLocked(tenant string) *rate.Limiter {
	bucket, ok := c.buckets[tenant]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(c.cfg.RatePerSecond), c.cfg.Burst)
		c.buckets[tenant] = bucket
	}
	return bucket
}

// concurrencyRetry is a fixed hint: one token interval, at least 500ms.
func (c *Controller) concurrencyRetry() time.Duration {
	ms := math.Ceil(1000 / c.cfg.RatePerSecond)
	retry := time.Duration(ms) * time.Millisecond
	if retry < minConcurrencyRetry {
		return minConcurrencyRetry
	}
	return retry
}

// tokenRetry is the time until one token is available, floored to
// min(RetryWindow, 1s).
func (c *Controller) tokenRetry(tokens float64) time.Duration {
	deficit := math.Max(0, 1-tokens)
	ms := math.Ceil(deficit / c.cfg.RatePerSecond * 1000)
	retry := time.Duration(ms) * time.Millisecond
	floor := c.cfg.RetryWindow
	if floor > time.Second {
		floor = time.Second
	}
	if retry < floor {
		return floor
	}
	return retry
}

type Stats struct {
	GlobalInFlight int
	TenantInFlight map[string]int
	Buckets        int
}

func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	tenants := make(map[string]int, len(c.tenantInFlight))
	for tenant, n := range c.tenantInFlight {
		tenants[tenant] = n
	}
	return Stats{
		GlobalInFlight: c.globalInFlight,
		TenantInFlight: tenants,
		Buckets:        len(c.buckets),
	}
}

// Sweep drops buckets that are full and belong to tenants with nothing in
// flight. A full bucket is indistinguishable from a freshly created one.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for tenant, bucket := range c.buckets {
		if c.tenantInFlight[tenant] > 0 {
			continue
		}
		if bucket.TokensAt(now) >= float64(c.cfg.Burst) {
			delete(c.buckets, tenant)
			removed++
		}
	}
	return removed
}

// Run sweeps idle buckets every interval until ctx is done.
func (c *Controller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if removed := c.Sweep(c.now()); removed > 0 {
				c.log.Debug("swept idle rate buckets", zap.Int("removed", removed))
			}
		}
	}
}

var tenantKeyCandidates = []string{"tenant_id", "tenantId", "tenant", "partner_org_id", "org_id"}

// ResolveTenantKey picks the first non-blank tenant-like string field of doc,
// falling back to GlobalTenant.
func ResolveTenantKey(doc map[string]any) string {
	for _, key := range tenantKeyCandidates {
		if s, ok := doc[key].(string); ok {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	return GlobalTenant
}
