// Package limiter implements sliding-window rate limiting for HTTP routes.
//
// Each guarded route carries a limit expression like "5/minute" or
// "3 per 2 hours". Admitted requests book a slot that expires one window
// length later; a request finding the window full is rejected with 429 and
// a Retry-After hint. Identity is the authenticated principal when one can
// be resolved, otherwise the caller's origin IP, so an authenticated user
// and an anonymous caller behind the same address accumulate independent
// windows.
package limiter

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"github.com/floodline/floodline/internal/telemetry"
)

// Identity is the result of authentication, consumed as-is; how tokens are
// verified is the authenticator's business.
type Identity struct {
	Name string
}

// Authenticator resolves a request to an authenticated identity or fails.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// IPResolver resolves the caller's origin address, typically looking
// through trusted proxies.
type IPResolver func(r *http.Request) (netip.Addr, error)

// Rule is a parsed limit expression: Count admissions per Window.
type Rule struct {
	Count  int
	Window time.Duration
}

// One clause: <count> (/|per) [multiplier] <unit>. Clauses may be chained
// with , ; or |; only the first is enforced (the grammar accepts the rest
// for forward compatibility but does not combine them yet).
var (
	clauseSep  = regexp.MustCompile(`[,;|]`)
	clauseExpr = regexp.MustCompile(`(?i)^\s*([0-9]+)\s*(?:/|per)\s*([0-9]+)?\s*` +
		`(second|sec|s|minute|min|month|mo|m|hour|h|day|d|year|y)s?\s*$`)
)

var unitLength = map[string]time.Duration{
	"s": time.Second, "sec": time.Second, "second": time.Second,
	"m": time.Minute, "min": time.Minute, "minute": time.Minute,
	"h": time.Hour, "hour": time.Hour,
	"d": 24 * time.Hour, "day": 24 * time.Hour,
	"mo": 30 * 24 * time.Hour, "month": 30 * 24 * time.Hour,
	"y": 365 * 24 * time.Hour, "year": 365 * 24 * time.Hour,
}

// ParseLimit parses a limit expression. Every clause must be well-formed;
// the returned rule reflects the first one.
func ParseLimit(expr string) (Rule, error) {
	clauses := clauseSep.Split(expr, -1)
	var first Rule
	for i, clause := range clauses {
		m := clauseExpr.FindStringSubmatch(clause)
		if m == nil {
			return Rule{}, fmt.Errorf("limiter: invalid limit expression %q", expr)
		}
		if i > 0 {
			continue
		}
		count, err := strconv.Atoi(m[1])
		if err != nil || count == 0 {
			return Rule{}, fmt.Errorf("limiter: invalid count in limit expression %q", expr)
		}
		mult := 1
		if m[2] != "" {
			if mult, err = strconv.Atoi(m[2]); err != nil || mult == 0 {
				return Rule{}, fmt.Errorf("limiter: invalid multiplier in limit expression %q", expr)
			}
		}
		first = Rule{Count: count, Window: time.Duration(mult) * unitLength[strings.ToLower(m[3])]}
	}
	return first, nil
}

// Config wires a Limiter's collaborators.
type Config struct {
	// ExemptIPs lists addresses or CIDR networks that bypass limiting.
	ExemptIPs []string
	// Authenticator is optional; without it every caller is identified by IP.
	Authenticator Authenticator
	// ResolveIP is required.
	ResolveIP IPResolver
	// Clock defaults to the wall clock; tests inject a mock.
	Clock  clock.Clock
	Logger *zap.Logger
}

// Limiter holds the per-(route, identity) windows. State is in-memory and
// per-process: restarts forget it and multiple instances do not share it.
type Limiter struct {
	log       *zap.Logger
	clock     clock.Clock
	auth      Authenticator
	resolveIP IPResolver
	exempt    []netip.Prefix

	mu      sync.Mutex
	windows map[string]map[string][]time.Time
}

// New creates a Limiter. Malformed exemption entries are a configuration
// error.
func New(cfg Config) (*Limiter, error) {
	if cfg.ResolveIP == nil {
		return nil, errors.New("limiter: ResolveIP is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	exempt := make([]netip.Prefix, 0, len(cfg.ExemptIPs))
	for _, e := range cfg.ExemptIPs {
		if addr, err := netip.ParseAddr(e); err == nil {
			exempt = append(exempt, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(e)
		if err != nil {
			return nil, fmt.Errorf("limiter: exempt entry %q: %w", e, err)
		}
		exempt = append(exempt, pfx)
	}
	return &Limiter{
		log:       cfg.Logger.Named("limiter"),
		clock:     cfg.Clock,
		auth:      cfg.Authenticator,
		resolveIP: cfg.ResolveIP,
		exempt:    exempt,
		windows:   make(map[string]map[string][]time.Time),
	}, nil
}

type guard struct {
	route       string
	rule        Rule
	authRule    *Rule
	requireAuth bool
}

// Option customizes one guard.
type Option func(*guard)

// WithAuthLimit sets the limit applied to authenticated callers. It panics
// on a malformed expression, like Limit itself: guard installation happens
// at startup and a bad expression is a configuration error.
func WithAuthLimit(expr string) Option {
	rule, err := ParseLimit(expr)
	if err != nil {
		panic(err)
	}
	return func(g *guard) {
		g.authRule = &rule
	}
}

// RequireAuth rejects unauthenticated callers with 401 instead of falling
// back to IP identity.
func RequireAuth() Option {
	return func(g *guard) {
		g.requireAuth = true
	}
}

// Limit installs a guard for route with the given limit expression and
// returns middleware enforcing it. A malformed expression panics here, at
// installation time — never at request time.
func (l *Limiter) Limit(route, expr string, opts ...Option) func(http.Handler) http.Handler {
	rule, err := ParseLimit(expr)
	if err != nil {
		panic(err)
	}
	g := &guard{route: route, rule: rule}
	for _, opt := range opts {
		opt(g)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rej := l.check(g, r); rej != nil {
				telemetry.RateLimitRejections.WithLabelValues(route, rej.cause).Inc()
				if rej.retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(rej.retryAfter))
				}
				http.Error(w, http.StatusText(rej.status), rej.status)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type rejection struct {
	status     int
	cause      string
	retryAfter int
}

func (l *Limiter) check(g *guard, r *http.Request) *rejection {
	ip, err := l.resolveIP(r)
	if err != nil {
		l.log.Warn("origin ip unresolved", zap.String("route", g.route), zap.Error(err))
		return &rejection{status: http.StatusBadRequest, cause: "bad_origin"}
	}
	if l.isExempt(ip) {
		return nil
	}

	rule := g.rule
	var identHash string
	if l.auth != nil {
		if id, err := l.auth.Authenticate(r); err == nil && id.Name != "" {
			identHash = hashIdentity("user", id.Name)
			if g.authRule != nil {
				rule = *g.authRule
			}
		}
	}
	if identHash == "" {
		if g.requireAuth {
			return &rejection{status: http.StatusUnauthorized, cause: "unauthorized"}
		}
		identHash = hashIdentity("ip", ip.String())
	}

	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	routeWindows, ok := l.windows[g.route]
	if !ok {
		routeWindows = make(map[string][]time.Time)
		l.windows[g.route] = routeWindows
	}
	live := routeWindows[identHash][:0]
	for _, expiry := range routeWindows[identHash] {
		if expiry.After(now) {
			live = append(live, expiry)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Before(live[j]) })

	if len(live) >= rule.Count {
		routeWindows[identHash] = live
		retry := int(math.Ceil(live[0].Sub(now).Seconds()))
		return &rejection{status: http.StatusTooManyRequests, cause: "limited", retryAfter: retry}
	}
	routeWindows[identHash] = append(live, now.Add(rule.Window))
	return nil
}

func (l *Limiter) isExempt(ip netip.Addr) bool {
	for _, pfx := range l.exempt {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

func hashIdentity(kind, value string) string {
	sum := blake2b.Sum256([]byte(kind + ":" + value))
	return fmt.Sprintf("%x", sum)
}
