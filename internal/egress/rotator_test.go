package egress

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRotator(t *testing.T, proxies []string) *Rotator {
	t.Helper()

	r, err := NewRotator(proxies, 2, 50*time.Millisecond, nil)
	require.NoError(t, err)
	return r
}

func TestNextDirectWhenEmpty(t *testing.T) {
	r := newTestRotator(t, nil)

	route := r.Next()
	assert.True(t, route.Direct())
	assert.Equal(t, "direct", route.Name)

	// Stays direct forever.
	assert.True(t, r.Next().Direct())
}

func TestNextRoundRobin(t *testing.T) {
	r := newTestRotator(t, []string{
		"http://proxy-a:8080",
		"http://proxy-b:8080",
		"socks5://proxy-c:1080",
	})

	first := r.Next()
	second := r.Next()
	third := r.Next()
	fourth := r.Next()

	assert.NotEqual(t, first.Name, second.Name)
	assert.NotEqual(t, second.Name, third.Name)
	assert.Equal(t, first.Name, fourth.Name, "rotation should wrap around")
	assert.Equal(t, "socks", third.Type)
}

func TestNewRotatorRejectsBadURLs(t *testing.T) {
	_, err := NewRotator([]string{"://bad"}, 2, time.Second, nil)
	assert.Error(t, err)

	_, err = NewRotator([]string{"ftp://proxy:21"}, 2, time.Second, nil)
	assert.Error(t, err)
}

func TestFailingRouteIsSkipped(t *testing.T) {
	r := newTestRotator(t, []string{
		"http://proxy-a:8080",
		"http://proxy-b:8080",
	})

	bad := r.Next()

	// Two consecutive failures reach the threshold.
	r.ReportFailure(bad)
	r.ReportFailure(bad)

	for i := 0; i < 4; i++ {
		assert.NotEqual(t, bad.Name, r.Next().Name, "skipped route must not be handed out")
	}

	// After the skip window the route rejoins the rotation.
	time.Sleep(60 * time.Millisecond)
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[r.Next().Name] = true
	}
	assert.True(t, seen[bad.Name])
}

func TestAllRoutesSkippedStillRotates(t *testing.T) {
	r := newTestRotator(t, []string{"http://proxy-a:8080"})

	route := r.Next()
	r.ReportFailure(route)
	r.ReportFailure(route)

	got := r.Next()
	assert.Equal(t, route.Name, got.Name, "with every route skipped the rotator still serves")
}

func TestSuccessClearsStreak(t *testing.T) {
	r := newTestRotator(t, []string{"http://proxy-a:8080", "http://proxy-b:8080"})

	route := r.Next()
	r.ReportFailure(route)
	r.ReportSuccess(route)
	r.ReportFailure(route)

	// Streak never reached the threshold, so the route stays in rotation.
	names := map[string]bool{}
	for i := 0; i < 2; i++ {
		names[r.Next().Name] = true
	}
	assert.True(t, names[route.Name])
}

func TestSnapshotCounters(t *testing.T) {
	r := newTestRotator(t, []string{"http://proxy-a:8080"})

	route := r.Next()
	r.ReportSuccess(route)
	r.ReportSuccess(route)
	r.ReportFailure(route)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(2), snap[0].SuccessCount)
	assert.Equal(t, int64(1), snap[0].FailureCount)
	assert.Equal(t, 1, snap[0].ConsecutiveFails)
	assert.NotNil(t, snap[0].LastFailure)
	assert.False(t, snap[0].Skipped)
}

func TestClientUsesProxyOnlyForProxyRoutes(t *testing.T) {
	r := newTestRotator(t, []string{"http://proxy-a:8080"})

	direct := r.Client(Route{Name: "direct", Type: "direct"})
	transport, ok := direct.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Nil(t, transport.Proxy)

	proxied := r.Client(r.Next())
	transport, ok = proxied.Transport.(*http.Transport)
	require.True(t, ok)
	assert.NotNil(t, transport.Proxy)
}
