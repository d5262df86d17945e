package breaker

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// stateRecord is one persisted line of the breaker state log. Timestamps
// are wall-clock RFC3339 for observability; in-memory arithmetic stays on
// the monotonic clock.
type stateRecord struct {
	Scope            string   `json:"scope"`
	State            State    `json:"state"`
	Failures         []string `json:"failures"`
	OpenedAt         string   `json:"opened_at,omitempty"`
	ProbeInFlight    bool     `json:"probe_in_flight"`
	LastNotification string   `json:"last_notification,omitempty"`
	LastActivity     string   `json:"last_activity"`
	Timestamp        string   `json:"timestamp"`
}

// stateLog is an append-only JSONL file with occasional full rewrites.
type stateLog struct {
	path string
	file *os.File
}

func openStateLog(path string) (*stateLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("breaker: create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("breaker: open state log: %w", err)
	}
	return &stateLog{path: path, file: f}, nil
}

func (l *stateLog) append(rec stateRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("breaker: marshal state record: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("breaker: append state record: %w", err)
	}
	return nil
}

// rewrite replaces the log with exactly one record per scope.
func (l *stateLog) rewrite(records []stateRecord) error {
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".breakers-*.jsonl.tmp")
	if err != nil {
		return fmt.Errorf("breaker: create rewrite tempfile: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		line, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("breaker: marshal state record: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return fmt.Errorf("breaker: write rewrite tempfile: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("breaker: flush rewrite tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("breaker: sync rewrite tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("breaker: close rewrite tempfile: %w", err)
	}

	l.file.Close()
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("breaker: replace state log: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("breaker: reopen state log: %w", err)
	}
	l.file = f
	return nil
}

// load reads the log keeping only the last record per scope.
func (l *stateLog) load() (map[string]stateRecord, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("breaker: open state log for replay: %w", err)
	}
	defer f.Close()

	latest := make(map[string]stateRecord)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec stateRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("breaker: state log line %d: %w", lineNo, err)
		}
		latest[rec.Scope] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("breaker: scan state log: %w", err)
	}
	return latest, nil
}

func (l *stateLog) close() error {
	return l.file.Close()
}

// appendLocked persists the current state of one breaker. Caller holds m.mu.
func (m *Manager) appendLocked(scope string, b *breaker, now time.Time) {
	if m.log == nil {
		return
	}
	if err := m.log.append(recordOf(scope, b, now)); err != nil {
		m.logger.Error("breaker: persist state", "scope", scope, "error", err)
	}
}

// rewriteLocked replaces the log with the live breaker set. Caller holds m.mu.
func (m *Manager) rewriteLocked(now time.Time) {
	if m.log == nil {
		return
	}
	scopes := make([]string, 0, len(m.breakers))
	for s := range m.breakers {
		scopes = append(scopes, s)
	}
	sort.Strings(scopes)
	records := make([]stateRecord, 0, len(scopes))
	for _, s := range scopes {
		records = append(records, recordOf(s, m.breakers[s], now))
	}
	if err := m.log.rewrite(records); err != nil {
		m.logger.Error("breaker: rewrite state log", "error", err)
	}
}

func recordOf(scope string, b *breaker, now time.Time) stateRecord {
	rec := stateRecord{
		Scope:         scope,
		State:         b.state,
		ProbeInFlight: b.probeInFlight,
		LastActivity:  b.lastActivity.Format(time.RFC3339Nano),
		Timestamp:     now.Format(time.RFC3339Nano),
	}
	for _, f := range b.failures {
		rec.Failures = append(rec.Failures, f.Format(time.RFC3339Nano))
	}
	if !b.openedAt.IsZero() {
		rec.OpenedAt = b.openedAt.Format(time.RFC3339Nano)
	}
	if !b.lastNotification.IsZero() {
		rec.LastNotification = b.lastNotification.Format(time.RFC3339Nano)
	}
	return rec
}

// replay restores breaker state from the log, keeping the last record per
// scope. Config-defined breakers keep their configuration; unknown scopes
// come back as dynamic breakers.
func (m *Manager) replay() error {
	latest, err := m.log.load()
	if err != nil {
		return err
	}
	now := m.now()
	for scope, rec := range latest {
		b := m.breakers[scope]
		if b == nil {
			b = m.getOrCreateLocked(scope, now)
		}
		b.state = rec.State
		b.probeInFlight = rec.ProbeInFlight
		b.failures = nil
		for _, ts := range rec.Failures {
			if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
				b.failures = append(b.failures, t)
			}
		}
		b.openedAt = parseTime(rec.OpenedAt)
		b.lastNotification = parseTime(rec.LastNotification)
		if t := parseTime(rec.LastActivity); !t.IsZero() {
			b.lastActivity = t
		}
		// Restore the invariant: CLOSED means never-opened.
		if b.state == StateClosed {
			b.openedAt = time.Time{}
			b.probeInFlight = false
		}
	}
	if len(latest) > 0 {
		m.logger.Info("breaker: replayed state log", "scopes", len(latest))
	}
	return nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func sortSnapshots(s []Snapshot) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].FromConfig != s[j].FromConfig {
			return s[i].FromConfig
		}
		return s[i].Scope < s[j].Scope
	})
}
