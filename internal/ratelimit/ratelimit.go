// Package ratelimit spaces out JSON-RPC traffic per node host. Limiters are
// shared per host, so the HTTP and websocket clients pointed at the same node
// draw from one budget.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Rate is one calls-per-second limit. The zero value inherits the package
// default; Disabled turns the limit off outright.
type Rate struct {
	set bool
	cps float64
}

// Inherit defers to the package default limit.
func Inherit() Rate {
	return Rate{}
}

// Disabled turns the limit off.
func Disabled() Rate {
	return Rate{set: true}
}

// PerSecond limits to cps calls per second. A cps of 0 disables the limit.
func PerSecond(cps float64) Rate {
	return Rate{set: true, cps: cps}
}

// interval resolves the rate to a minimum spacing between calls, falling
// back to def when the rate inherits. A zero interval means unlimited.
func (r Rate) interval(def time.Duration) time.Duration {
	if !r.set {
		return def
	}
	if r.cps == 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / r.cps)
}

// Limits groups the three budgets a limiter enforces: one across all
// methods, one per method name, and one for connection events.
type Limits struct {
	Overall    Rate
	PerMethod  Rate
	Connection Rate
}

var (
	defaultMu     sync.Mutex
	defaultLimits Limits

	registryMu sync.Mutex
	registry   = make(map[string]*Limiter)
)

// ConfigureDefault sets the limits inherited by every limiter that has not
// been given explicit ones. The initial default is unlimited.
func ConfigureDefault(limits Limits) {
	defaultMu.Lock()
	defaultLimits = limits
	defaultMu.Unlock()
}

func defaultIntervals() (overall, method, connection time.Duration) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultLimits.Overall.interval(0),
		defaultLimits.PerMethod.interval(0),
		defaultLimits.Connection.interval(0)
}

// hostFromEndpoint extracts the host (without port) that identifies the
// shared limiter for an endpoint URL.
func hostFromEndpoint(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint
	}
	host := u.Host
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// ForEndpoint returns the limiter shared by every client talking to the
// endpoint's host, creating it on first use. https://host and wss://host
// resolve to the same limiter.
func ForEndpoint(endpoint string) *Limiter {
	host := hostFromEndpoint(endpoint)
	registryMu.Lock()
	defer registryMu.Unlock()
	l, ok := registry[host]
	if !ok {
		l = New(Limits{})
		registry[host] = l
	}
	return l
}

// ConfigureEndpoint sets explicit limits on the endpoint's shared limiter.
func ConfigureEndpoint(endpoint string, limits Limits) {
	ForEndpoint(endpoint).Configure(limits)
}

// Limiter enforces minimum spacing between calls. It reserves its slot
// before sleeping, so concurrent callers queue behind each other instead of
// waking at the same instant.
type Limiter struct {
	mu             sync.Mutex
	limits         Limits
	lastOverall    time.Time
	lastMethod     map[string]time.Time
	lastConnection time.Time

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a limiter with the given limits.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:     limits,
		lastMethod: make(map[string]time.Time),
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Configure replaces the limiter's limits. Existing reservations stand.
func (l *Limiter) Configure(limits Limits) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// computeSleep returns how long a caller must wait for one budget, given its
// last reserved invocation time.
func computeSleep(now time.Time, interval time.Duration, last time.Time) time.Duration {
	if last.IsZero() || interval == 0 {
		return 0
	}
	since := now.Sub(last)
	if since >= interval {
		return 0
	}
	return min(interval-since, interval)
}

// Apply blocks until the named method may be invoked. connection marks
// connection events, which additionally draw on the connection budget. The
// invocation slot is reserved before sleeping; a cancelled ctx returns early
// but the reservation stands.
func (l *Limiter) Apply(ctx context.Context, method string, connection bool) error {
	defOverall, defMethod, defConnection := defaultIntervals()

	l.mu.Lock()
	now := l.now()
	sleepFor := max(
		computeSleep(now, l.limits.Overall.interval(defOverall), l.lastOverall),
		computeSleep(now, l.limits.PerMethod.interval(defMethod), l.lastMethod[method]),
	)
	if connection {
		sleepFor = max(sleepFor,
			computeSleep(now, l.limits.Connection.interval(defConnection), l.lastConnection))
	}
	invokeAt := now.Add(sleepFor)
	l.lastOverall = invokeAt
	l.lastMethod[method] = invokeAt
	if connection {
		l.lastConnection = invokeAt
	}
	l.mu.Unlock()

	if sleepFor == 0 {
		return nil
	}
	return l.sleep(ctx, sleepFor)
}
