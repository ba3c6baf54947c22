package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hpungsan/prism/internal/capability"
	"github.com/hpungsan/prism/internal/errors"
	"github.com/hpungsan/prism/internal/probe"
)

// Capability layers stored in capability_entries.
const (
	LayerProbed    = "probed"
	LayerOverrides = "overrides"
)

// CapabilityStore keeps one capability layer as rows. It implements capability.Store.
type CapabilityStore struct {
	db    *sql.DB
	layer string
	path  string
	now   func() time.Time
}

// NewCapabilityStore returns the store for layer. path is only used in error reports.
func NewCapabilityStore(db *sql.DB, layer, path string) *CapabilityStore {
	return &CapabilityStore{db: db, layer: layer, path: path, now: time.Now}
}

// Location implements capability.Store.
func (s *CapabilityStore) Location() string {
	return fmt.Sprintf("%s#%s", s.path, s.layer)
}

// Load implements capability.Store. A row whose JSON does not parse fails the
// whole load so the cache reports the layer as corrupt.
func (s *CapabilityStore) Load() (map[string]capability.CachedCapabilityEntry, error) {
	rows, err := s.db.Query(`
		SELECT key, source, caps_json, last_probed_at
		FROM capability_entries
		WHERE layer = ?
	`, s.layer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := map[string]capability.CachedCapabilityEntry{}
	for rows.Next() {
		var (
			key, source, capsJSON string
			lastProbed            sql.NullInt64
		)
		if err := rows.Scan(&key, &source, &capsJSON, &lastProbed); err != nil {
			return nil, err
		}
		var caps capability.ProbedCapabilities
		if err := json.Unmarshal([]byte(capsJSON), &caps); err != nil {
			return nil, fmt.Errorf("row %s: %w", key, err)
		}
		e := capability.CachedCapabilityEntry{Capabilities: caps, Source: capability.Provenance(source)}
		if lastProbed.Valid {
			e.LastProbedAt = time.Unix(0, lastProbed.Int64).UTC()
		}
		entries[key] = e
	}
	return entries, rows.Err()
}

// Save implements capability.Store. The layer is replaced in one transaction.
func (s *CapabilityStore) Save(entries map[string]capability.CachedCapabilityEntry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM capability_entries WHERE layer = ?`, s.layer); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO capability_entries (
			layer, key, provider, model, source, caps_json,
			probe_version, last_probed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := s.now().Unix()
	for key, e := range entries {
		data, err := json.Marshal(e.Capabilities)
		if err != nil {
			return err
		}
		provider, model := capability.SplitKey(key)
		var lastProbed sql.NullInt64
		if !e.LastProbedAt.IsZero() {
			lastProbed = sql.NullInt64{Int64: e.LastProbedAt.UnixNano(), Valid: true}
		}
		if _, err := stmt.Exec(
			s.layer, key, provider, model, string(e.Source), string(data),
			e.Capabilities.ProbeVersion, lastProbed, now,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ProbeRun is one recorded probe attempt.
type ProbeRun struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Kind      string `json:"kind"`
	Attempt   int    `json:"attempt"`
	Variant   string `json:"variant"`
	Outcome   string `json:"outcome"`
	Signature string `json:"signature,omitempty"`
	Status    int    `json:"status,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// History records probe attempts. It implements probe.Recorder.
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory returns a probe history over db.
func NewHistory(db *sql.DB) *History {
	return &History{db: db, now: time.Now}
}

// RecordProbe implements probe.Recorder: one row per attempt.
func (h *History) RecordProbe(ctx context.Context, runID string, r probe.Result) error {
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewInternal(err)
	}
	defer tx.Rollback()

	now := h.now().Unix()
	for i, a := range r.Attempts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO probe_runs (
				id, run_id, provider, model, kind, attempt, variant,
				outcome, signature, status, latency_ms, message, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			ulid.Make().String(), runID, capability.NormalizeProvider(r.Provider), r.Model, string(r.Kind), i+1, a.Variant.Name,
			string(a.Outcome), toNullString(string(a.Signature)), toNullInt(a.Status), a.Latency.Milliseconds(),
			toNullString(a.Message), now,
		)
		if err != nil {
			return errors.NewInternal(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// ListProbeRuns returns the most recent attempts for provider/model, newest first.
// An empty model lists every model of the provider; an empty provider lists all.
func ListProbeRuns(db *sql.DB, provider, model string, limit int) ([]ProbeRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, run_id, provider, model, kind, attempt, variant,
			outcome, signature, status, latency_ms, message, created_at
		FROM probe_runs
		WHERE (? = '' OR provider = ?) AND (? = '' OR model = ?)
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`
	provider = capability.NormalizeProvider(provider)
	rows, err := db.Query(query, provider, provider, model, model, limit)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []ProbeRun
	for rows.Next() {
		var (
			r         ProbeRun
			signature sql.NullString
			status    sql.NullInt64
			message   sql.NullString
		)
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Provider, &r.Model, &r.Kind, &r.Attempt, &r.Variant,
			&r.Outcome, &signature, &status, &r.LatencyMS, &message, &r.CreatedAt,
		); err != nil {
			return nil, errors.NewInternal(err)
		}
		r.Signature = signature.String
		r.Status = int(status.Int64)
		r.Message = message.String
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// toNullString maps "" to NULL.
func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// toNullInt maps 0 to NULL.
func toNullInt(n int) sql.NullInt64 {
	if n == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(n), Valid: true}
}
