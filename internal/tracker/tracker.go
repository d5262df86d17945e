// Package tracker captures deliberation inputs (queries, guardrail checks,
// lookups, stats reads, reasoning notes) per scope key, so a later record
// call can attach a reconstructed reasoning trace to the decision.
//
// One Tracker instance is shared process-wide. Capture operations are
// fail-open: an internal error is logged, never surfaced to the caller.
package tracker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tfatykhov/cognition-agent-decisions-sub000/internal/model"
)

// InputType classifies a tracked input.
type InputType string

const (
	InputQuery     InputType = "query"
	InputGuardrail InputType = "guardrail"
	InputReasoning InputType = "reasoning"
	InputLookup    InputType = "lookup"
	InputStats     InputType = "stats"
)

// TrackedInput is one captured piece of pre-decision context.
type TrackedInput struct {
	ID        string
	Type      InputType
	Text      string
	Source    string
	Timestamp time.Time
	Raw       map[string]any
}

// ConsumedStatus marks how a session left the tracker.
type ConsumedStatus string

const (
	ConsumedConsumed ConsumedStatus = "consumed"
	ConsumedExpired  ConsumedStatus = "expired"
)

// Limits on the inputs summary kept in a consumed record.
const (
	summaryMaxItems = 10
	summaryMaxChars = 80
)

// ConsumedRecord is one entry in the consumed-session history, kept for
// post-hoc audit after the session itself is gone.
type ConsumedRecord struct {
	Key           string         `json:"key"`
	AgentID       string         `json:"agentId,omitempty"`
	DecisionID    string         `json:"decisionId,omitempty"`
	Status        ConsumedStatus `json:"status"`
	InputCount    int            `json:"inputCount"`
	InputsSummary []string       `json:"inputsSummary,omitempty"`
	ConsumedAt    time.Time      `json:"consumedAt"`
}

type session struct {
	inputs       []TrackedInput
	lastActivity time.Time
}

// Options configures TTLs and history depth.
type Options struct {
	InputTTL    time.Duration // default 300 s
	SessionTTL  time.Duration // default 1800 s
	HistorySize int           // consumed ring capacity, default 50
}

// Tracker holds active capture sessions keyed by scope.
type Tracker struct {
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	consumed []ConsumedRecord // ring, newest last
}

// New creates a Tracker, filling unset options with defaults.
func New(opts Options, logger *slog.Logger) *Tracker {
	if opts.InputTTL <= 0 {
		opts.InputTTL = 300 * time.Second
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = 1800 * time.Second
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 50
	}
	return &Tracker{
		logger:   logger,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// ScopeKey composes the session key. First match wins:
// agent+decision, agent alone, decision alone, then the transport-derived
// fallback for the authenticated agent.
func ScopeKey(agentID, decisionID, transportAgent string) string {
	switch {
	case agentID != "" && decisionID != "":
		return "agent:" + agentID + ":decision:" + decisionID
	case agentID != "":
		return "agent:" + agentID
	case decisionID != "":
		return "decision:" + decisionID
	default:
		return "rpc:" + transportAgent
	}
}

// Track appends one input under key. Fail-open: errors are logged and
// swallowed. Roughly 2% of calls sweep expired sessions inline.
func (t *Tracker) Track(key string, typ InputType, text, source string, raw map[string]any) {
	id, err := shortID()
	if err != nil {
		t.logger.Warn("tracker: input id generation failed", "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s := t.sessions[key]
	if s == nil {
		s = &session{}
		t.sessions[key] = s
	}
	s.inputs = append(s.inputs, TrackedInput{
		ID:        id,
		Type:      typ,
		Text:      text,
		Source:    source,
		Timestamp: now,
		Raw:       raw,
	})
	s.lastActivity = now

	if shouldSweep() {
		t.sweepLocked(now)
	}
}

// shouldSweep returns true for ~2% of captures.
func shouldSweep() bool {
	n, err := rand.Int(rand.Reader, big.NewInt(50))
	return err == nil && n.Int64() == 0
}

// Consume builds a Deliberation from the non-expired inputs under key,
// removes the session, and appends a consumed record. When the client
// supplied an explicit Deliberation, tracked inputs are merged in
// (de-duplicated by id) and synthesized steps are numbered after the
// explicit ones. Returns nil when nothing was tracked and no explicit
// trace was given.
func (t *Tracker) Consume(key string, explicit *model.Deliberation) *model.Deliberation {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	s := t.sessions[key]
	var live []TrackedInput
	if s != nil {
		for _, in := range s.inputs {
			// An input aged exactly input_ttl is already expired.
			if now.Sub(in.Timestamp) < t.opts.InputTTL {
				live = append(live, in)
			}
		}
		delete(t.sessions, key)
		t.appendConsumedLocked(newConsumedRecord(key, ConsumedConsumed, live, now))
	}

	if explicit == nil && len(live) == 0 {
		return nil
	}

	d := &model.Deliberation{}
	if explicit != nil {
		d.Inputs = append(d.Inputs, explicit.Inputs...)
		d.Steps = append(d.Steps, explicit.Steps...)
	}

	seen := make(map[string]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		seen[in.ID] = true
	}

	nextStep := 1
	if n := len(d.Steps); n > 0 {
		nextStep = d.Steps[n-1].Step + 1
	}

	for _, in := range live {
		if seen[in.ID] {
			continue
		}
		seen[in.ID] = true
		d.Inputs = append(d.Inputs, model.DeliberationInput{
			ID:        in.ID,
			Text:      in.Text,
			Source:    in.Source,
			Timestamp: in.Timestamp,
		})
		ts := in.Timestamp
		d.Steps = append(d.Steps, model.DeliberationStep{
			Step:       nextStep,
			Thought:    synthThought(in),
			InputsUsed: []string{in.ID},
			Timestamp:  &ts,
			Type:       string(in.Type),
		})
		nextStep++
	}

	d.ComputeTotalDuration()
	return d
}

func synthThought(in TrackedInput) string {
	switch in.Type {
	case InputQuery:
		return "Consulted past decisions: " + in.Text
	case InputGuardrail:
		return "Checked guardrails: " + in.Text
	case InputLookup:
		return "Looked up decision: " + in.Text
	case InputStats:
		return "Reviewed statistics: " + in.Text
	default:
		return in.Text
	}
}

// BackfillConsumed attaches a decision id to the most recent consumed
// record for key that has no id yet. Idempotent: later calls with the same
// key find no unfilled record and do nothing.
func (t *Tracker) BackfillConsumed(key, decisionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.consumed) - 1; i >= 0; i-- {
		if t.consumed[i].Key == key && t.consumed[i].DecisionID == "" &&
			t.consumed[i].Status == ConsumedConsumed {
			t.consumed[i].DecisionID = decisionID
			return
		}
	}
}

// SessionSnapshot is the debug view of one active session.
type SessionSnapshot struct {
	Key        string          `json:"key"`
	InputCount int             `json:"inputCount"`
	Inputs     []InputSnapshot `json:"inputs"`
	IdleSecs   float64         `json:"idleSeconds"`
}

// InputSnapshot is the debug view of one tracked input.
type InputSnapshot struct {
	ID         string    `json:"id"`
	Type       InputType `json:"type"`
	Text       string    `json:"text"`
	Source     string    `json:"source,omitempty"`
	AgeSeconds float64   `json:"ageSeconds"`
	Expired    bool      `json:"expired"`
}

// DebugSessions snapshots active sessions, optionally restricted to one
// key, plus the consumed history when asked. Expired sessions are swept
// deterministically before the snapshot.
func (t *Tracker) DebugSessions(key string, includeConsumed bool) ([]SessionSnapshot, []ConsumedRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.sweepLocked(now)

	var snaps []SessionSnapshot
	for k, s := range t.sessions {
		if key != "" && k != key {
			continue
		}
		snap := SessionSnapshot{
			Key:        k,
			InputCount: len(s.inputs),
			IdleSecs:   now.Sub(s.lastActivity).Seconds(),
		}
		for _, in := range s.inputs {
			age := now.Sub(in.Timestamp)
			snap.Inputs = append(snap.Inputs, InputSnapshot{
				ID:         in.ID,
				Type:       in.Type,
				Text:       in.Text,
				Source:     in.Source,
				AgeSeconds: age.Seconds(),
				Expired:    age >= t.opts.InputTTL,
			})
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Key < snaps[j].Key })

	var history []ConsumedRecord
	if includeConsumed {
		history = append(history, t.consumed...)
	}
	return snaps, history
}

// sweepLocked evicts sessions idle past session_ttl and records them as
// expired. Caller holds t.mu.
func (t *Tracker) sweepLocked(now time.Time) {
	for k, s := range t.sessions {
		if now.Sub(s.lastActivity) >= t.opts.SessionTTL {
			delete(t.sessions, k)
			t.appendConsumedLocked(newConsumedRecord(k, ConsumedExpired, s.inputs, now))
			t.logger.Debug("tracker: evicted expired session", "key", k, "inputs", len(s.inputs))
		}
	}
}

func (t *Tracker) appendConsumedLocked(rec ConsumedRecord) {
	t.consumed = append(t.consumed, rec)
	if len(t.consumed) > t.opts.HistorySize {
		t.consumed = t.consumed[len(t.consumed)-t.opts.HistorySize:]
	}
}

// newConsumedRecord summarizes a finished session: ids parsed back out of
// the scope key plus a truncated input digest.
func newConsumedRecord(key string, status ConsumedStatus, inputs []TrackedInput, now time.Time) ConsumedRecord {
	agentID, decisionID := parseScopeKey(key)
	rec := ConsumedRecord{
		Key:        key,
		AgentID:    agentID,
		DecisionID: decisionID,
		Status:     status,
		InputCount: len(inputs),
		ConsumedAt: now,
	}
	for i, in := range inputs {
		if i >= summaryMaxItems {
			break
		}
		text := in.Text
		if len(text) > summaryMaxChars {
			text = text[:summaryMaxChars]
		}
		rec.InputsSummary = append(rec.InputsSummary, string(in.Type)+": "+text)
	}
	return rec
}

// parseScopeKey inverts ScopeKey for the agent/decision forms.
func parseScopeKey(key string) (agentID, decisionID string) {
	rest, ok := strings.CutPrefix(key, "agent:")
	if ok {
		if a, d, found := strings.Cut(rest, ":decision:"); found {
			return a, d
		}
		return rest, ""
	}
	if d, ok := strings.CutPrefix(key, "decision:"); ok {
		return "", d
	}
	return "", ""
}

func shortID() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("tracker: generate input id: %w", err)
	}
	return "in-" + hex.EncodeToString(b), nil
}
