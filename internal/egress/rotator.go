// Package egress selects the network route (direct or proxied) used for one
// generation attempt and keeps advisory health counters per route.
package egress

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/studypilot/internal/logging"
)

// Route is one immutable egress path. A nil proxy URL means direct.
type Route struct {
	Name  string
	Type  string // "direct", "http" or "socks"
	proxy *url.URL
}

// Direct reports whether the route bypasses all proxies.
func (r Route) Direct() bool {
	return r.proxy == nil
}

// routeState carries the advisory health bookkeeping for one route.
type routeState struct {
	route            Route
	successCount     int64
	failureCount     int64
	consecutiveFails int
	lastFailure      time.Time
	skipUntil        time.Time
}

// RouteHealth is a read-only snapshot of one route's counters.
type RouteHealth struct {
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	SuccessCount     int64      `json:"successCount"`
	FailureCount     int64      `json:"failureCount"`
	ConsecutiveFails int        `json:"consecutiveFails"`
	LastFailure      *time.Time `json:"lastFailure,omitempty"`
	Skipped          bool       `json:"skipped"`
}

// Rotator hands out routes round-robin. Failures are attributed to the
// credential by the caller; the rotator's own counters only decide whether a
// route is skipped for a while, so a dead proxy stops being picked without
// changing any credential-level semantics.
type Rotator struct {
	mu       sync.Mutex
	routes   []*routeState
	next     int
	maxFails int
	cooldown time.Duration
	direct   Route
	logger   *logging.Logger
}

// NewRotator parses the configured proxy URLs. An empty list yields a
// rotator that always returns the direct route.
func NewRotator(proxies []string, maxFails int, cooldown time.Duration, logger *logging.Logger) (*Rotator, error) {
	if maxFails <= 0 {
		maxFails = 3
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}

	r := &Rotator{
		maxFails: maxFails,
		cooldown: cooldown,
		direct:   Route{Name: "direct", Type: "direct"},
		logger:   logger.Component("egress_rotator"),
	}

	for _, raw := range proxies {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy url %q", raw)
		}

		routeType := "http"
		switch u.Scheme {
		case "http", "https":
		case "socks5", "socks5h":
			routeType = "socks"
		default:
			return nil, fmt.Errorf("unsupported proxy scheme %q in %q", u.Scheme, raw)
		}

		r.routes = append(r.routes, &routeState{
			route: Route{Name: u.Redacted(), Type: routeType, proxy: u},
		})
	}

	return r, nil
}

// Next returns the route for the next attempt: round-robin over healthy
// proxies, the direct route when none are configured. When every proxy is
// inside its skip window the rotation proceeds regardless, because a stale
// skip is cheaper than refusing to pick anything.
func (r *Rotator) Next() Route {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.routes) == 0 {
		return r.direct
	}

	now := time.Now()
	for i := 0; i < len(r.routes); i++ {
		state := r.routes[r.next]
		r.next = (r.next + 1) % len(r.routes)
		if now.After(state.skipUntil) {
			return state.route
		}
	}

	state := r.routes[r.next]
	r.next = (r.next + 1) % len(r.routes)
	return state.route
}

// ReportSuccess clears the route's failure streak.
func (r *Rotator) ReportSuccess(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if state := r.find(route); state != nil {
		state.successCount++
		state.consecutiveFails = 0
	}
}

// ReportFailure bumps the route's failure counters; reaching the threshold
// starts the skip window.
func (r *Rotator) ReportFailure(route Route) {
	r.mu.Lock()
	defer r.mu.Unlock()

	state := r.find(route)
	if state == nil {
		return
	}

	state.failureCount++
	state.consecutiveFails++
	state.lastFailure = time.Now()

	if state.consecutiveFails >= r.maxFails {
		state.skipUntil = time.Now().Add(r.cooldown)
		state.consecutiveFails = 0
		r.logger.WithFields(map[string]interface{}{
			"route":      state.route.Name,
			"skip_until": state.skipUntil.Format(time.RFC3339),
		}).Warn("route failing repeatedly, skipping for cooldown")
	}
}

func (r *Rotator) find(route Route) *routeState {
	for _, state := range r.routes {
		if state.route.Name == route.Name {
			return state
		}
	}
	return nil
}

// Snapshot returns the health counters of every configured route.
func (r *Rotator) Snapshot() []RouteHealth {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	out := make([]RouteHealth, 0, len(r.routes))
	for _, state := range r.routes {
		h := RouteHealth{
			Name:             state.route.Name,
			Type:             state.route.Type,
			SuccessCount:     state.successCount,
			FailureCount:     state.failureCount,
			ConsecutiveFails: state.consecutiveFails,
			Skipped:          now.Before(state.skipUntil),
		}
		if !state.lastFailure.IsZero() {
			lf := state.lastFailure
			h.LastFailure = &lf
		}
		out = append(out, h)
	}
	return out
}

// Client builds a fresh HTTP client bound to the route. Proxy selection is
// injected here, per call, never via process-global transport state.
func (r *Rotator) Client(route Route) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if route.proxy != nil {
		transport.Proxy = http.ProxyURL(route.proxy)
	}
	return &http.Client{Transport: transport}
}
