// Package guardrails implements the abuse defenses in front of the
// orchestrator: per-tenant creation cooldown, login throttling with account
// lockout, registration limits and the per-IP request limiter. All state is
// in-memory; maps shed stale entries opportunistically once they grow past
// maxTrackedEntries.
package guardrails

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/storeplane/storeplane/pkg/apierror"
	"github.com/storeplane/storeplane/pkg/config"
)

// maxTrackedEntries triggers opportunistic GC on the tracking maps.
const maxTrackedEntries = 10000

// Guard holds all guardrail state.
type Guard struct {
	cfg *config.Config
	now func() time.Time

	mu            sync.Mutex
	lastCreation  map[string]time.Time    // ownerID -> last accepted creation
	loginAttempts map[string]*window      // ip|email -> windowed attempts
	lockouts      map[string]*lockout     // email -> consecutive failures
	registrations map[string]*window      // ip -> windowed registrations
	ipLimiters    map[string]*ipLimiter   // ip -> token bucket
}

type window struct {
	start time.Time
	count int
}

type lockout struct {
	failures    int
	lockedUntil time.Time
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New builds a Guard from configuration.
func New(cfg *config.Config) *Guard {
	return &Guard{
		cfg:           cfg,
		now:           time.Now,
		lastCreation:  make(map[string]time.Time),
		loginAttempts: make(map[string]*window),
		lockouts:      make(map[string]*lockout),
		registrations: make(map[string]*window),
		ipLimiters:    make(map[string]*ipLimiter),
	}
}

// CheckCreationCooldown rejects creation attempts inside the cooldown window
// and reserves the window on acceptance. Admins bypass. The window is charged
// on the attempt, before any downstream validation.
func (g *Guard) CheckCreationCooldown(ownerID string, isAdmin bool) error {
	if isAdmin || g.cfg.StoreCreationCooldown <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.lastCreation[ownerID]; ok {
		elapsed := now.Sub(last)
		if elapsed < g.cfg.StoreCreationCooldown {
			remaining := g.cfg.StoreCreationCooldown - elapsed
			seconds := int(remaining.Seconds()) + 1
			return apierror.Newf(apierror.CodeCreationCooldown,
				"store creation is on cooldown for another %s", remaining.Round(time.Second)).
				WithRetryAfter(seconds).
				WithSuggestion(fmt.Sprintf("Wait %d seconds before creating another store.", seconds))
		}
	}
	g.lastCreation[ownerID] = now
	g.gcCreationLocked(now)
	return nil
}

// CheckLogin applies the windowed per-(ip, email) limiter and the account
// lockout. Call RecordLoginFailure / RecordLoginSuccess with the outcome.
func (g *Guard) CheckLogin(ip, email string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if lock, ok := g.lockouts[email]; ok && now.Before(lock.lockedUntil) {
		seconds := int(lock.lockedUntil.Sub(now).Seconds()) + 1
		return apierror.New(apierror.CodeAccountLocked,
			"account temporarily locked after repeated failures").
			WithRetryAfter(seconds)
	}

	key := ip + "|" + email
	w := g.loginAttempts[key]
	if w == nil || now.Sub(w.start) >= g.cfg.LoginRateLimitWindow {
		w = &window{start: now}
		g.loginAttempts[key] = w
		g.gcWindowsLocked(g.loginAttempts, g.cfg.LoginRateLimitWindow, now)
	}
	w.count++
	if w.count > g.cfg.LoginRateLimitAttempts {
		seconds := int((g.cfg.LoginRateLimitWindow - now.Sub(w.start)).Seconds()) + 1
		return apierror.New(apierror.CodeLoginRateLimited, "too many login attempts").
			WithRetryAfter(seconds)
	}
	return nil
}

// RecordLoginFailure advances the lockout counter and locks the account once
// the threshold is crossed.
func (g *Guard) RecordLoginFailure(email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	lock := g.lockouts[email]
	if lock == nil || (lock.lockedUntil != (time.Time{}) && now.After(lock.lockedUntil)) {
		lock = &lockout{}
		g.lockouts[email] = lock
	}
	lock.failures++
	if lock.failures >= g.cfg.LockoutMaxAttempts {
		lock.lockedUntil = now.Add(g.cfg.LockoutDuration)
	}
	if len(g.lockouts) > maxTrackedEntries {
		for key, l := range g.lockouts {
			if l.lockedUntil != (time.Time{}) && now.After(l.lockedUntil) {
				delete(g.lockouts, key)
			}
		}
	}
}

// RecordLoginSuccess clears the lockout state for the account.
func (g *Guard) RecordLoginSuccess(email string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.lockouts, email)
}

// CheckRegistration applies the hourly per-IP registration limit.
func (g *Guard) CheckRegistration(ip string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	w := g.registrations[ip]
	if w == nil || now.Sub(w.start) >= time.Hour {
		w = &window{start: now}
		g.registrations[ip] = w
		g.gcWindowsLocked(g.registrations, time.Hour, now)
	}
	w.count++
	if w.count > g.cfg.RegistrationLimitPerHour {
		seconds := int((time.Hour - now.Sub(w.start)).Seconds()) + 1
		return apierror.New(apierror.CodeRegistrationLimited, "too many registrations from this address").
			WithRetryAfter(seconds)
	}
	return nil
}

// AllowRequest applies the per-IP request rate limit.
func (g *Guard) AllowRequest(ip string) error {
	g.mu.Lock()
	now := g.now()
	l := g.ipLimiters[ip]
	if l == nil {
		perSecond := rate.Limit(float64(g.cfg.RateLimitPerMinute) / 60.0)
		l = &ipLimiter{limiter: rate.NewLimiter(perSecond, g.cfg.RateLimitPerMinute)}
		g.ipLimiters[ip] = l
		if len(g.ipLimiters) > maxTrackedEntries {
			for key, stale := range g.ipLimiters {
				if now.Sub(stale.lastSeen) > time.Minute {
					delete(g.ipLimiters, key)
				}
			}
		}
	}
	l.lastSeen = now
	g.mu.Unlock()

	if !l.limiter.Allow() {
		return apierror.New(apierror.CodeRateLimitExceeded, "rate limit exceeded").
			WithRetryAfter(60)
	}
	return nil
}

func (g *Guard) gcCreationLocked(now time.Time) {
	if len(g.lastCreation) <= maxTrackedEntries {
		return
	}
	for key, last := range g.lastCreation {
		if now.Sub(last) >= g.cfg.StoreCreationCooldown {
			delete(g.lastCreation, key)
		}
	}
}

func (g *Guard) gcWindowsLocked(m map[string]*window, span time.Duration, now time.Time) {
	if len(m) <= maxTrackedEntries {
		return
	}
	for key, w := range m {
		if now.Sub(w.start) >= span {
			delete(m, key)
		}
	}
}
