package limiter

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseLimit(t *testing.T) {
	cases := []struct {
		expr   string
		count  int
		window time.Duration
	}{
		{"5/minute", 5, time.Minute},
		{"3/second", 3, time.Second},
		{"1 per hour", 1, time.Hour},
		{"3 per 2 hours", 3, 2 * time.Hour},
		{"10/s", 10, time.Second},
		{"2/Day", 2, 24 * time.Hour},
		{"1/mo", 1, 30 * 24 * time.Hour},
		{"4/year", 4, 365 * 24 * time.Hour},
		// chained clauses: accepted, first one wins
		{"5/minute, 100/hour", 5, time.Minute},
		{"5/minute;100/hour|2/day", 5, time.Minute},
	}
	for _, c := range cases {
		rule, err := ParseLimit(c.expr)
		require.NoError(t, err, c.expr)
		require.Equal(t, c.count, rule.Count, c.expr)
		require.Equal(t, c.window, rule.Window, c.expr)
	}
}

func TestParseLimitRejectsMalformed(t *testing.T) {
	for _, expr := range []string{"", "abc", "per second", "5", "5/parsec", "5/minute, nope"} {
		_, err := ParseLimit(expr)
		require.Error(t, err, expr)
	}
}

func TestLimitPanicsAtInstallTime(t *testing.T) {
	l := newTestLimiter(t, Config{})
	require.Panics(t, func() { l.Limit("r", "not a limit") })
	require.Panics(t, func() { WithAuthLimit("also not a limit") })
}

// tokenAuth authenticates any request carrying Authorization: <token>.
type tokenAuth struct {
	tokens map[string]string
}

func (a *tokenAuth) Authenticate(r *http.Request) (Identity, error) {
	if name, ok := a.tokens[r.Header.Get("Authorization")]; ok {
		return Identity{Name: name}, nil
	}
	return Identity{}, errors.New("unknown token")
}

func remoteIP(r *http.Request) (netip.Addr, error) {
	ap, err := netip.ParseAddrPort(r.RemoteAddr)
	if err != nil {
		return netip.Addr{}, err
	}
	return ap.Addr(), nil
}

func newTestLimiter(t *testing.T, cfg Config) *Limiter {
	t.Helper()
	if cfg.ResolveIP == nil {
		cfg.ResolveIP = remoteIP
	}
	cfg.Logger = zaptest.NewLogger(t)
	l, err := New(cfg)
	require.NoError(t, err)
	return l
}

func do(h http.Handler, remote, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remote
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestSlidingWindow(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Config{Clock: mock})
	h := l.Limit("pub", "3/second")(okHandler)

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, do(h, "10.1.2.3:1000", "").Code)
	}

	rec := do(h, "10.1.2.3:1000", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "1", rec.Header().Get("Retry-After"))

	// once the first slot expires the window admits again
	mock.Add(1100 * time.Millisecond)
	require.Equal(t, http.StatusOK, do(h, "10.1.2.3:1000", "").Code)
}

func TestRetryAfterShrinksAsWindowAges(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Config{Clock: mock})
	h := l.Limit("pub", "1/minute")(okHandler)

	require.Equal(t, http.StatusOK, do(h, "10.1.2.3:1000", "").Code)
	mock.Add(40 * time.Second)
	rec := do(h, "10.1.2.3:1000", "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "20", rec.Header().Get("Retry-After"))
}

func TestIdentitiesAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Config{Clock: mock})
	h := l.Limit("pub", "1/second")(okHandler)

	require.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", "").Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.1:1", "").Code)
	// a different caller is unaffected
	require.Equal(t, http.StatusOK, do(h, "10.0.0.2:1", "").Code)
}

func TestRoutesAreIndependent(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Config{Clock: mock})
	a := l.Limit("a", "1/second")(okHandler)
	b := l.Limit("b", "1/second")(okHandler)

	require.Equal(t, http.StatusOK, do(a, "10.0.0.1:1", "").Code)
	require.Equal(t, http.StatusTooManyRequests, do(a, "10.0.0.1:1", "").Code)
	require.Equal(t, http.StatusOK, do(b, "10.0.0.1:1", "").Code)
}

func TestExemptIPsBypassTheWindow(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Config{
		Clock:     mock,
		ExemptIPs: []string{"127.0.0.1", "192.168.0.0/16"},
	})
	h := l.Limit("pub", "1/second")(okHandler)

	for i := 0; i < 10; i++ {
		require.Equal(t, http.StatusOK, do(h, "127.0.0.1:9", "").Code)
		require.Equal(t, http.StatusOK, do(h, "192.168.4.5:9", "").Code)
	}
	// non-exempt traffic is still limited
	require.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", "").Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.1:1", "").Code)
}

func TestAuthAndIPWindowsAreIsolated(t *testing.T) {
	mock := clock.NewMock()
	auth := &tokenAuth{tokens: map[string]string{"tok-alice": "alice"}}
	l := newTestLimiter(t, Config{Clock: mock, Authenticator: auth})
	h := l.Limit("pub", "1/second", WithAuthLimit("2/second"))(okHandler)

	// anonymous caller exhausts the IP window
	require.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", "").Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.1:1", "").Code)

	// the authenticated user behind the same IP has their own window, and
	// the more generous authenticated limit
	require.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", "tok-alice").Code)
	require.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", "tok-alice").Code)
	require.Equal(t, http.StatusTooManyRequests, do(h, "10.0.0.1:1", "tok-alice").Code)
}

func TestRequireAuth(t *testing.T) {
	mock := clock.NewMock()
	auth := &tokenAuth{tokens: map[string]string{"tok-alice": "alice"}}
	l := newTestLimiter(t, Config{Clock: mock, Authenticator: auth})
	h := l.Limit("pub", "5/second", RequireAuth())(okHandler)

	require.Equal(t, http.StatusUnauthorized, do(h, "10.0.0.1:1", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(h, "10.0.0.1:1", "wrong").Code)
	require.Equal(t, http.StatusOK, do(h, "10.0.0.1:1", "tok-alice").Code)
}

func TestRequireAuthStillHonorsExemptions(t *testing.T) {
	mock := clock.NewMock()
	l := newTestLimiter(t, Config{Clock: mock, ExemptIPs: []string{"127.0.0.1"}})
	h := l.Limit("pub", "1/second", RequireAuth())(okHandler)

	// exemption is checked before authentication
	require.Equal(t, http.StatusOK, do(h, "127.0.0.1:9", "").Code)
}

func TestUnresolvableOriginIsRejected(t *testing.T) {
	l := newTestLimiter(t, Config{
		ResolveIP: func(*http.Request) (netip.Addr, error) {
			return netip.Addr{}, errors.New("bad forwarded header")
		},
	})
	h := l.Limit("pub", "5/second")(okHandler)
	require.Equal(t, http.StatusBadRequest, do(h, "10.0.0.1:1", "").Code)
}

func TestBadExemptEntryIsConfigError(t *testing.T) {
	_, err := New(Config{ResolveIP: remoteIP, ExemptIPs: []string{"not-an-ip"}})
	require.Error(t, err)
}
