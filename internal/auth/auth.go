// Package auth holds the permission ledger: static user bindings, a sliding
// rate-limit window, and temporary sudo escalations approved by admins.
package auth

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is a total order of permission tiers.
type Level int

const (
	Public Level = iota
	Trusted
	Operator
	Admin
)

// String returns the canonical upper-case name for a level.
func (l Level) String() string {
	switch l {
	case Public:
		return "PUBLIC"
	case Trusted:
		return "TRUSTED"
	case Operator:
		return "OPERATOR"
	case Admin:
		return "ADMIN"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel maps a level name to its Level, case-insensitively.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PUBLIC":
		return Public, true
	case "TRUSTED":
		return Trusted, true
	case "OPERATOR":
		return Operator, true
	case "ADMIN":
		return Admin, true
	}
	return Public, false
}

// knownPlatforms receive bindings for bare (un-prefixed) user ids.
var knownPlatforms = []string{"discord", "signal"}

type userKey struct {
	platform string
	userID   string
}

type grant struct {
	level  Level
	expiry time.Time
}

// PendingSudo is a sudo request awaiting admin approval.
type PendingSudo struct {
	RequestID      string
	Platform       string
	UserID         string
	RequestedLevel Level
	Action         string
}

// Config is the subset of configuration the ledger needs.
type Config struct {
	AdminUsers         []string
	OperatorUsers      []string
	TrustedUsers       []string
	DefaultLevel       Level
	RateLimitPerMinute int
	SudoTimeout        time.Duration
}

// Ledger answers permission, rate-limit, and sudo queries. Each map is
// guarded by its own mutex so rate-limit churn never contends with sudo
// lookups.
type Ledger struct {
	cfg Config
	log *slog.Logger
	now func() time.Time

	users map[userKey]Level

	rateMu  sync.Mutex
	rateLog map[userKey][]time.Time

	sudoMu      sync.Mutex
	grants      map[userKey]grant
	pending     map[string]PendingSudo
	sudoCounter int
}

// NewLedger builds the ledger from config. Bindings may be bare ids (apply
// to every known platform) or "platform:id".
func NewLedger(cfg Config, log *slog.Logger) *Ledger {
	l := &Ledger{
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		users:   make(map[userKey]Level),
		rateLog: make(map[userKey][]time.Time),
		grants:  make(map[userKey]grant),
		pending: make(map[string]PendingSudo),
	}
	for _, uid := range cfg.AdminUsers {
		l.bind(uid, Admin)
	}
	for _, uid := range cfg.OperatorUsers {
		l.bind(uid, Operator)
	}
	for _, uid := range cfg.TrustedUsers {
		l.bind(uid, Trusted)
	}
	return l
}

func (l *Ledger) bind(uid string, level Level) {
	if platform, id, ok := strings.Cut(uid, ":"); ok {
		l.users[userKey{platform, id}] = level
		return
	}
	for _, platform := range knownPlatforms {
		l.users[userKey{platform, uid}] = level
	}
}

// Level returns the effective permission level: an unexpired sudo grant wins
// over the static binding, which wins over the configured default. Expired
// grants are dropped on read.
func (l *Ledger) Level(platform, userID string) Level {
	key := userKey{platform, userID}

	l.sudoMu.Lock()
	if g, ok := l.grants[key]; ok {
		if l.now().Before(g.expiry) {
			l.sudoMu.Unlock()
			return g.level
		}
		delete(l.grants, key)
		l.log.Info("sudo grant expired", "platform", platform, "user", userID)
	}
	l.sudoMu.Unlock()

	if level, ok := l.users[key]; ok {
		return level
	}
	return l.cfg.DefaultLevel
}

// Check reports whether the user's level meets the requirement.
func (l *Ledger) Check(platform, userID string, required Level) bool {
	return l.Level(platform, userID) >= required
}

// AllowRate admits the action if fewer than the configured limit occurred in
// the last 60 seconds. Admission appends the timestamp; denial mutates
// nothing beyond pruning expired entries.
func (l *Ledger) AllowRate(platform, userID string) bool {
	key := userKey{platform, userID}
	now := l.now()
	cutoff := now.Add(-time.Minute)

	l.rateMu.Lock()
	defer l.rateMu.Unlock()

	window := l.rateLog[key]
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	window = window[i:]

	if len(window) >= l.cfg.RateLimitPerMinute {
		l.rateLog[key] = window
		l.log.Warn("rate limit exceeded", "platform", platform, "user", userID)
		return false
	}

	l.rateLog[key] = append(window, now)
	return true
}

// RequestSudo records a pending escalation and returns its request id.
func (l *Ledger) RequestSudo(platform, userID, action string, requested Level) string {
	l.sudoMu.Lock()
	defer l.sudoMu.Unlock()

	l.sudoCounter++
	id := fmt.Sprintf("sudo-%d", l.sudoCounter)
	l.pending[id] = PendingSudo{
		RequestID:      id,
		Platform:       platform,
		UserID:         userID,
		RequestedLevel: requested,
		Action:         action,
	}
	l.log.Info("sudo requested",
		"request_id", id, "platform", platform, "user", userID,
		"level", requested.String(), "action", action)
	return id
}

// ApproveSudo installs a grant for the pending request. Only admins may
// approve; a second approval for the same user overwrites the first grant.
func (l *Ledger) ApproveSudo(requestID, approverPlatform, approverID string) bool {
	if !l.Check(approverPlatform, approverID, Admin) {
		l.log.Warn("sudo approval rejected, approver is not admin",
			"request_id", requestID, "approver", approverID)
		return false
	}

	l.sudoMu.Lock()
	defer l.sudoMu.Unlock()

	req, ok := l.pending[requestID]
	if !ok {
		return false
	}
	delete(l.pending, requestID)

	expiry := l.now().Add(l.cfg.SudoTimeout)
	l.grants[userKey{req.Platform, req.UserID}] = grant{level: req.RequestedLevel, expiry: expiry}
	l.log.Info("sudo approved",
		"request_id", requestID, "platform", req.Platform, "user", req.UserID,
		"level", req.RequestedLevel.String(), "expires_in", l.cfg.SudoTimeout.String())
	return true
}

// DenySudo removes a pending request without granting anything.
func (l *Ledger) DenySudo(requestID string) bool {
	l.sudoMu.Lock()
	defer l.sudoMu.Unlock()

	if _, ok := l.pending[requestID]; !ok {
		return false
	}
	delete(l.pending, requestID)
	l.log.Info("sudo denied", "request_id", requestID)
	return true
}

// RevokeSudo drops an active grant. Returns false if none exists.
func (l *Ledger) RevokeSudo(platform, userID string) bool {
	l.sudoMu.Lock()
	defer l.sudoMu.Unlock()

	key := userKey{platform, userID}
	if _, ok := l.grants[key]; !ok {
		return false
	}
	delete(l.grants, key)
	l.log.Info("sudo revoked", "platform", platform, "user", userID)
	return true
}

// ListPending returns pending sudo requests in request order.
func (l *Ledger) ListPending() []PendingSudo {
	l.sudoMu.Lock()
	defer l.sudoMu.Unlock()

	out := make([]PendingSudo, 0, len(l.pending))
	for _, p := range l.pending {
		out = append(out, p)
	}
	sortPending(out)
	return out
}

func sortPending(ps []PendingSudo) {
	// Request ids are "sudo-N"; N grows monotonically, so longer ids sort
	// later and equal lengths sort lexicographically.
	sort.Slice(ps, func(i, j int) bool {
		if len(ps[i].RequestID) != len(ps[j].RequestID) {
			return len(ps[i].RequestID) < len(ps[j].RequestID)
		}
		return ps[i].RequestID < ps[j].RequestID
	})
}
