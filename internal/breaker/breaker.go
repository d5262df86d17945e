// Package breaker implements scope-matched circuit breakers consulted on
// the pre-action and review paths. Repeated failures within a sliding
// window trip a breaker open; after a cooldown one probe is allowed
// through, and its outcome closes or reopens the circuit.
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/config"
	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// State is a circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Defaults for dynamically created breakers with no matching config.
const (
	defaultThreshold  = 3
	defaultWindowMS   = 3600_000
	defaultCooldownMS = 1800_000

	staleAfter     = 24 * time.Hour
	notifyDebounce = 60 * time.Second
)

// Context carries the decision dimensions a scope string matches against.
type Context struct {
	Category string
	Stakes   string
	AgentID  string
	Tags     []string
}

// Decision is the verdict of one breaker for one check call.
type Decision struct {
	Scope               string `json:"scope"`
	State               State  `json:"state"`
	Allowed             bool   `json:"allowed"`
	RemainingCooldownMS int64  `json:"remainingCooldownMs,omitempty"`
	ProbeInFlight       bool   `json:"probeInFlight,omitempty"`
}

// CheckResult aggregates all matching breakers; most restrictive wins.
type CheckResult struct {
	Allowed   bool       `json:"allowed"`
	Decisions []Decision `json:"decisions"`
}

// Snapshot is the introspection view of one breaker.
type Snapshot struct {
	Scope         string `json:"scope"`
	State         State  `json:"state"`
	FailureCount  int    `json:"failureCount"`
	Threshold     int    `json:"threshold"`
	WindowMS      int64  `json:"windowMs"`
	CooldownMS    int64  `json:"cooldownMs"`
	ProbeInFlight bool   `json:"probeInFlight"`
	FromConfig    bool   `json:"fromConfig"`
	OpenedAgoMS   int64  `json:"openedAgoMs,omitempty"`
}

type breaker struct {
	cfg   config.BreakerConfig
	state State

	// Monotonic clock readings. openedAt is zero iff state is CLOSED.
	failures         []time.Time
	openedAt         time.Time
	probeInFlight    bool
	lastNotification time.Time
	lastActivity     time.Time
	fromConfig       bool
}

// Manager owns every breaker and serializes access behind one mutex.
type Manager struct {
	logger *slog.Logger
	audit  *slog.Logger
	log    *stateLog
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
	configs  []config.BreakerConfig
}

// NewManager builds a manager from declarative configs and replays the
// persisted state log, if any.
func NewManager(configs []config.BreakerConfig, logPath string, logger, audit *slog.Logger) (*Manager, error) {
	if audit == nil {
		audit = logger
	}
	m := &Manager{
		logger:   logger,
		audit:    audit,
		now:      time.Now,
		breakers: make(map[string]*breaker),
		configs:  configs,
	}
	for _, c := range configs {
		m.breakers[c.Scope] = &breaker{
			cfg:          normalizeConfig(c),
			state:        StateClosed,
			fromConfig:   true,
			lastActivity: m.now(),
		}
	}
	if logPath != "" {
		log, err := openStateLog(logPath)
		if err != nil {
			return nil, err
		}
		m.log = log
		if err := m.replay(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func normalizeConfig(c config.BreakerConfig) config.BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaultThreshold
	}
	if c.WindowMS <= 0 {
		c.WindowMS = defaultWindowMS
	}
	if c.CooldownMS <= 0 {
		c.CooldownMS = defaultCooldownMS
	}
	return c
}

// matchesScope reports whether the scope string applies to the context.
func matchesScope(scope string, ctx Context) bool {
	switch {
	case scope == "global":
		return true
	case len(scope) > 9 && scope[:9] == "category:":
		return ctx.Category == scope[9:]
	case len(scope) > 7 && scope[:7] == "stakes:":
		return ctx.Stakes == scope[7:]
	case len(scope) > 6 && scope[:6] == "agent:":
		return ctx.AgentID == scope[6:]
	case len(scope) > 4 && scope[:4] == "tag:":
		for _, t := range ctx.Tags {
			if t == scope[4:] {
				return true
			}
		}
	}
	return false
}

// Check evaluates every matching breaker. OPEN blocks (with remaining
// cooldown); HALF_OPEN admits exactly one probe and blocks the rest.
func (m *Manager) Check(ctx Context) CheckResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.evictStaleLocked(now)

	result := CheckResult{Allowed: true}
	for scope, b := range m.breakers {
		if !matchesScope(scope, ctx) {
			continue
		}
		b.lastActivity = now
		m.maybeHalfOpenLocked(scope, b, now)

		d := Decision{Scope: scope, State: b.state, ProbeInFlight: b.probeInFlight}
		switch b.state {
		case StateClosed:
			d.Allowed = true
		case StateOpen:
			d.Allowed = false
			elapsed := now.Sub(b.openedAt).Milliseconds()
			if remaining := b.cfg.CooldownMS - elapsed; remaining > 0 {
				d.RemainingCooldownMS = remaining
			}
		case StateHalfOpen:
			if !b.probeInFlight {
				b.probeInFlight = true
				d.ProbeInFlight = true
				d.Allowed = true
				m.appendLocked(scope, b, now)
			} else {
				d.Allowed = false
			}
		}
		if !d.Allowed {
			result.Allowed = false
		}
		result.Decisions = append(result.Decisions, d)
	}
	return result
}

// maybeHalfOpenLocked performs the lazy OPEN → HALF_OPEN transition once
// the cooldown has elapsed.
func (m *Manager) maybeHalfOpenLocked(scope string, b *breaker, now time.Time) {
	if b.state == StateOpen && now.Sub(b.openedAt).Milliseconds() >= b.cfg.CooldownMS {
		b.state = StateHalfOpen
		b.probeInFlight = false
		m.appendLocked(scope, b, now)
	}
}

// RecordOutcome feeds a review outcome into every matching breaker.
// failure/abandoned count as failures; success/partial clear the window in
// CLOSED and complete a HALF_OPEN probe successfully.
func (m *Manager) RecordOutcome(ctx Context, outcome model.Outcome) {
	failed := outcome == model.OutcomeFailure || outcome == model.OutcomeAbandoned

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if failed {
		// Failures materialize dynamic breakers for the context's own
		// scopes, so unconfigured dimensions still accumulate and trip.
		for _, scope := range dynamicScopes(ctx) {
			m.getOrCreateLocked(scope, now)
		}
	}
	for scope, b := range m.breakers {
		if !matchesScope(scope, ctx) {
			continue
		}
		b.lastActivity = now
		m.maybeHalfOpenLocked(scope, b, now)

		if failed {
			m.recordFailureLocked(scope, b, now)
		} else {
			m.recordSuccessLocked(scope, b, now)
		}
	}
}

// dynamicScopes lists the scope strings a context can materialize
// breakers for. Tags are excluded; tag breakers come from config only.
func dynamicScopes(ctx Context) []string {
	var out []string
	if ctx.Category != "" {
		out = append(out, "category:"+ctx.Category)
	}
	if ctx.Stakes != "" {
		out = append(out, "stakes:"+ctx.Stakes)
	}
	if ctx.AgentID != "" {
		out = append(out, "agent:"+ctx.AgentID)
	}
	return out
}

func (m *Manager) recordFailureLocked(scope string, b *breaker, now time.Time) {
	switch b.state {
	case StateHalfOpen:
		// Failed probe reopens the circuit for another full cooldown.
		b.state = StateOpen
		b.openedAt = now
		b.probeInFlight = false
		m.notifyLocked(scope, b, "probe_failed", now)
	case StateClosed:
		b.failures = append(b.failures, now)
		m.pruneWindowLocked(b, now)
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = now
			m.notifyLocked(scope, b, "tripped", now)
		}
	default:
		b.failures = append(b.failures, now)
		m.pruneWindowLocked(b, now)
	}
	m.appendLocked(scope, b, now)
}

func (m *Manager) recordSuccessLocked(scope string, b *breaker, now time.Time) {
	switch b.state {
	case StateHalfOpen:
		b.state = StateClosed
		b.openedAt = time.Time{}
		b.probeInFlight = false
		b.failures = nil
		m.notifyLocked(scope, b, "recovered", now)
		m.appendLocked(scope, b, now)
	case StateClosed:
		if len(b.failures) > 0 {
			b.failures = nil
			m.appendLocked(scope, b, now)
		}
	}
}

func (m *Manager) pruneWindowLocked(b *breaker, now time.Time) {
	cutoff := now.Add(-time.Duration(b.cfg.WindowMS) * time.Millisecond)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}

// Reset closes (or half-opens, with probeFirst) a breaker by operator
// command and rewrites the state log. Unknown scopes are created.
func (m *Manager) Reset(scope string, probeFirst bool) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	b := m.getOrCreateLocked(scope, now)
	if probeFirst {
		b.state = StateHalfOpen
		if b.openedAt.IsZero() {
			b.openedAt = now
		}
	} else {
		b.state = StateClosed
		b.openedAt = time.Time{}
	}
	b.failures = nil
	b.probeInFlight = false
	m.notifyLocked(scope, b, "manual_reset", now)
	m.rewriteLocked(now)
	return m.snapshotLocked(scope, b, now)
}

// GetState returns (auto-creating if needed) the snapshot for one scope.
func (m *Manager) GetState(scope string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	b := m.getOrCreateLocked(scope, now)
	m.maybeHalfOpenLocked(scope, b, now)
	return m.snapshotLocked(scope, b, now)
}

// List snapshots every breaker, config-defined first then by scope.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictStaleLocked(now)

	out := make([]Snapshot, 0, len(m.breakers))
	for scope, b := range m.breakers {
		m.maybeHalfOpenLocked(scope, b, now)
		out = append(out, m.snapshotLocked(scope, b, now))
	}
	sortSnapshots(out)
	return out
}

func (m *Manager) getOrCreateLocked(scope string, now time.Time) *breaker {
	if b, ok := m.breakers[scope]; ok {
		return b
	}
	b := &breaker{
		cfg: normalizeConfig(config.BreakerConfig{
			Scope:  scope,
			Notify: true,
		}),
		state:        StateClosed,
		lastActivity: now,
	}
	m.breakers[scope] = b
	m.logger.Info("breaker: created dynamic breaker", "scope", scope)
	return b
}

func (m *Manager) snapshotLocked(scope string, b *breaker, now time.Time) Snapshot {
	m.pruneWindowLocked(b, now)
	s := Snapshot{
		Scope:         scope,
		State:         b.state,
		FailureCount:  len(b.failures),
		Threshold:     b.cfg.FailureThreshold,
		WindowMS:      b.cfg.WindowMS,
		CooldownMS:    b.cfg.CooldownMS,
		ProbeInFlight: b.probeInFlight,
		FromConfig:    b.fromConfig,
	}
	if !b.openedAt.IsZero() {
		s.OpenedAgoMS = now.Sub(b.openedAt).Milliseconds()
	}
	return s
}

// evictStaleLocked removes dynamic breakers that stayed CLOSED, empty, and
// inactive for more than 24 h, then rewrites the state log.
func (m *Manager) evictStaleLocked(now time.Time) {
	evicted := false
	for scope, b := range m.breakers {
		if b.fromConfig || b.state != StateClosed || len(b.failures) > 0 {
			continue
		}
		if now.Sub(b.lastActivity) > staleAfter {
			delete(m.breakers, scope)
			m.logger.Info("breaker: evicted stale breaker", "scope", scope)
			evicted = true
		}
	}
	if evicted {
		m.rewriteLocked(now)
	}
}

// notifyLocked emits a breaker event to the audit log, debounced per scope.
func (m *Manager) notifyLocked(scope string, b *breaker, event string, now time.Time) {
	if !b.cfg.Notify {
		return
	}
	if !b.lastNotification.IsZero() && now.Sub(b.lastNotification) < notifyDebounce {
		return
	}
	b.lastNotification = now
	m.audit.Warn("circuit breaker event",
		"scope", scope,
		"event", event,
		"state", b.state,
		"failures", len(b.failures),
	)
}

// Close releases the state log.
func (m *Manager) Close() error {
	if m.log != nil {
		return m.log.close()
	}
	return nil
}
