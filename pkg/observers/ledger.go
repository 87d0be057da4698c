package observers

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/harunnryd/callscript/pkg/errorsx"
	"github.com/harunnryd/callscript/pkg/logging"
	"github.com/harunnryd/callscript/pkg/metrics"
	_ "github.com/mattn/go-sqlite3"
)

// LedgerObserver persists script decisions, released transitions and call
// boundaries to a sqlite file.
type LedgerObserver struct {
	db     *sql.DB
	logger *slog.Logger
}

// DecisionRow is one stored gate decision.
type DecisionRow struct {
	StreamID   string
	CallSID    string
	State      string
	Candidate  string
	Utterance  string
	Overridden bool
	Reason     string
	Proposed   string
	At         time.Time
}

// TransitionRow is one stored released transition.
type TransitionRow struct {
	StreamID string
	From     string
	To       string
	At       time.Time
}

func OpenLedger(path string) (*LedgerObserver, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonLedgerWrite)
	}
	if err := migrateLedger(db); err != nil {
		_ = db.Close()
		return nil, errorsx.Wrap(err, errorsx.ReasonLedgerWrite)
	}
	return &LedgerObserver{
		db:     db,
		logger: logging.NewComponentLogger(slog.Default(), "ledger"),
	}, nil
}

func migrateLedger(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS calls (
			stream_id TEXT PRIMARY KEY,
			call_sid TEXT NOT NULL,
			trace_id TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			end_reason TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			call_sid TEXT NOT NULL,
			state TEXT NOT NULL,
			candidate TEXT NOT NULL,
			utterance TEXT NOT NULL,
			overridden INTEGER NOT NULL,
			reason TEXT NOT NULL,
			proposed TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_stream ON decisions(stream_id);`,
		`CREATE TABLE IF NOT EXISTS transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream_id TEXT NOT NULL,
			from_state TEXT NOT NULL,
			to_state TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_transitions_stream ON transitions(stream_id);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (o *LedgerObserver) SetLogger(logger *slog.Logger) {
	if logger != nil {
		o.logger = logging.NewComponentLogger(logger, "ledger")
	}
}

// RecordEvent implements metrics.Observer. Events other than script and call
// lifecycle events are ignored.
func (o *LedgerObserver) RecordEvent(ev metrics.MetricsEvent) {
	var err error
	at := ev.Time.UTC().Format(time.RFC3339Nano)
	tags := ev.Tags
	switch ev.Name {
	case metrics.EventCallStarted:
		_, err = o.db.Exec(`INSERT OR REPLACE INTO calls(stream_id, call_sid, trace_id, started_at) VALUES(?,?,?,?)`,
			tags["stream_id"], tags["call_sid"], tags["trace_id"], at)
	case metrics.EventCallEnded:
		_, err = o.db.Exec(`UPDATE calls SET ended_at = ?, end_reason = ? WHERE stream_id = ?`,
			at, fieldString(ev.Fields, "reason"), tags["stream_id"])
	case metrics.EventScriptDecision:
		overridden := 0
		if v, _ := ev.Fields["overridden"].(bool); v {
			overridden = 1
		}
		_, err = o.db.Exec(`INSERT INTO decisions(stream_id, call_sid, state, candidate, utterance, overridden, reason, proposed, created_at)
			VALUES(?,?,?,?,?,?,?,?,?)`,
			tags["stream_id"], tags["call_sid"],
			fieldString(ev.Fields, "state"),
			fieldString(ev.Fields, "candidate"),
			fieldString(ev.Fields, "utterance"),
			overridden,
			fieldString(ev.Fields, "reason"),
			fieldString(ev.Fields, "proposed"),
			at)
	case metrics.EventScriptTransition:
		_, err = o.db.Exec(`INSERT INTO transitions(stream_id, from_state, to_state, created_at) VALUES(?,?,?,?)`,
			tags["stream_id"], fieldString(ev.Fields, "from"), fieldString(ev.Fields, "to"), at)
	default:
		return
	}
	if err != nil {
		o.logger.Error("ledger_write_failed",
			"event", ev.Name,
			"stream_id", tags["stream_id"],
			"reason_code", string(errorsx.ReasonLedgerWrite),
			"error", err)
	}
}

// Decisions returns the decisions recorded for a stream, oldest first.
func (o *LedgerObserver) Decisions(ctx context.Context, streamID string) ([]DecisionRow, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT stream_id, call_sid, state, candidate, utterance, overridden, reason, proposed, created_at
		FROM decisions WHERE stream_id = ? ORDER BY id`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DecisionRow
	for rows.Next() {
		var r DecisionRow
		var overridden int
		var at string
		if err := rows.Scan(&r.StreamID, &r.CallSID, &r.State, &r.Candidate, &r.Utterance, &overridden, &r.Reason, &r.Proposed, &at); err != nil {
			return nil, err
		}
		r.Overridden = overridden == 1
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Transitions returns the released transitions for a stream, oldest first.
func (o *LedgerObserver) Transitions(ctx context.Context, streamID string) ([]TransitionRow, error) {
	rows, err := o.db.QueryContext(ctx, `SELECT stream_id, from_state, to_state, created_at
		FROM transitions WHERE stream_id = ? ORDER BY id`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var at string
		if err := rows.Scan(&r.StreamID, &r.From, &r.To, &at); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CallEnded reports whether a call row exists and has ended, with its reason.
func (o *LedgerObserver) CallEnded(ctx context.Context, streamID string) (bool, string, error) {
	var ended, reason sql.NullString
	err := o.db.QueryRowContext(ctx, `SELECT ended_at, end_reason FROM calls WHERE stream_id = ?`, streamID).Scan(&ended, &reason)
	if err != nil {
		return false, "", fmt.Errorf("ledger call %s: %w", streamID, err)
	}
	return ended.Valid, reason.String, nil
}

func (o *LedgerObserver) Close() error {
	return o.db.Close()
}

func fieldString(fields map[string]any, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

var _ metrics.Observer = (*LedgerObserver)(nil)
