// Package ledger owns the durable record of observing activity.
//
// Ownership boundary:
// - the sqlite database file and its schema
// - one row per session with its final counters and outcome
// - one row per applied pointing correction
//
// Writes are fire-and-forget from the caller's point of view: a full
// disk or locked database must never abort an exposure, so callers log
// ledger errors and keep observing.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/averhola/skyloop/internal/logging"
)

var ErrUnknownSession = errors.New("ledger: unknown session id")

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                 TEXT PRIMARY KEY,
	target_id          TEXT NOT NULL,
	ra_hours           REAL NOT NULL,
	dec_deg            REAL NOT NULL,
	started_at         TEXT NOT NULL,
	ended_at           TEXT,
	phase_final        TEXT,
	acquisition_frames INTEGER NOT NULL DEFAULT 0,
	science_frames     INTEGER NOT NULL DEFAULT 0,
	outcome            TEXT,
	reason             TEXT
);

CREATE TABLE IF NOT EXISTS corrections (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id          TEXT NOT NULL REFERENCES sessions(id),
	frame_sequence      INTEGER NOT NULL,
	filename            TEXT NOT NULL,
	ra_offset_arcsec    REAL NOT NULL,
	dec_offset_arcsec   REAL NOT NULL,
	rotation_offset_deg REAL NOT NULL,
	total_offset_arcsec REAL NOT NULL,
	settle_seconds      REAL NOT NULL,
	applied_at          TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_corrections_session ON corrections(session_id);
`

// Ledger is a handle to the observing database. Safe for concurrent
// use; database/sql serializes access to the single sqlite connection.
type Ledger struct {
	db   *sql.DB
	path string
}

// SessionEnd carries the final counters written when a session closes.
type SessionEnd struct {
	PhaseFinal        string
	AcquisitionFrames int
	ScienceFrames     int
	Outcome           string
	Reason            string
}

// SessionRecord is one sessions row as read back. EndedAt is the zero
// time while the session is still running.
type SessionRecord struct {
	ID                string
	TargetID          string
	RAHours           float64
	DecDeg            float64
	StartedAt         time.Time
	EndedAt           time.Time
	PhaseFinal        string
	AcquisitionFrames int
	ScienceFrames     int
	Outcome           string
	Reason            string
}

// CorrectionRow is one applied pointing correction.
type CorrectionRow struct {
	SessionID         string
	FrameSequence     int
	Filename          string
	RAOffsetArcsec    float64
	DecOffsetArcsec   float64
	RotationOffsetDeg float64
	TotalOffsetArcsec float64
	SettleSeconds     float64
	AppliedAt         time.Time
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Ledger, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// Pragmas are per connection; one connection keeps them in force
	// and sqlite allows only one writer anyway.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("ledger: %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: apply schema: %w", err)
	}
	logging.Infof("ledger.Open ready path=%s", path)
	return &Ledger{db: db, path: path}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// Path is the database file location, for status reporting.
func (l *Ledger) Path() string { return l.path }

// StartSession inserts the session row at the moment observing begins.
func (l *Ledger) StartSession(id, targetID string, raHours, decDeg float64, startedAt time.Time) error {
	_, err := l.db.Exec(
		`INSERT INTO sessions (id, target_id, ra_hours, dec_deg, started_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, targetID, raHours, decDeg, startedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger: start session %s: %w", id, err)
	}
	logging.Debugf("ledger.StartSession id=%s target=%s", id, targetID)
	return nil
}

// EndSession finalizes the session row with its counters and outcome.
func (l *Ledger) EndSession(id string, endedAt time.Time, end SessionEnd) error {
	res, err := l.db.Exec(
		`UPDATE sessions
		 SET ended_at = ?, phase_final = ?, acquisition_frames = ?,
		     science_frames = ?, outcome = ?, reason = ?
		 WHERE id = ?`,
		endedAt.UTC().Format(time.RFC3339Nano), end.PhaseFinal,
		end.AcquisitionFrames, end.ScienceFrames, end.Outcome, end.Reason, id)
	if err != nil {
		return fmt.Errorf("ledger: end session %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	logging.Debugf("ledger.EndSession id=%s outcome=%s acq=%d sci=%d",
		id, end.Outcome, end.AcquisitionFrames, end.ScienceFrames)
	return nil
}

// RecordCorrection appends one applied correction.
func (l *Ledger) RecordCorrection(row CorrectionRow) error {
	_, err := l.db.Exec(
		`INSERT INTO corrections
		 (session_id, frame_sequence, filename, ra_offset_arcsec, dec_offset_arcsec,
		  rotation_offset_deg, total_offset_arcsec, settle_seconds, applied_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.SessionID, row.FrameSequence, row.Filename,
		row.RAOffsetArcsec, row.DecOffsetArcsec, row.RotationOffsetDeg,
		row.TotalOffsetArcsec, row.SettleSeconds,
		row.AppliedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("ledger: record correction for %s: %w", row.SessionID, err)
	}
	return nil
}

// RecentSessions returns the newest sessions first. A non-positive
// limit defaults to 20.
func (l *Ledger) RecentSessions(limit int) ([]SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.Query(
		`SELECT id, target_id, ra_hours, dec_deg, started_at, ended_at,
		        phase_final, acquisition_frames, science_frames, outcome, reason
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: query sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var (
			rec                           SessionRecord
			started                       string
			ended, phase, outcome, reason sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.TargetID, &rec.RAHours, &rec.DecDeg,
			&started, &ended, &phase, &rec.AcquisitionFrames, &rec.ScienceFrames,
			&outcome, &reason); err != nil {
			return nil, fmt.Errorf("ledger: scan session: %w", err)
		}
		rec.StartedAt = parseTime(started)
		if ended.Valid {
			rec.EndedAt = parseTime(ended.String)
		}
		rec.PhaseFinal = phase.String
		rec.Outcome = outcome.String
		rec.Reason = reason.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SessionCorrections returns the corrections applied during one
// session in frame order.
func (l *Ledger) SessionCorrections(sessionID string) ([]CorrectionRow, error) {
	rows, err := l.db.Query(
		`SELECT session_id, frame_sequence, filename, ra_offset_arcsec,
		        dec_offset_arcsec, rotation_offset_deg, total_offset_arcsec,
		        settle_seconds, applied_at
		 FROM corrections WHERE session_id = ? ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("ledger: query corrections: %w", err)
	}
	defer rows.Close()

	var out []CorrectionRow
	for rows.Next() {
		var (
			row     CorrectionRow
			applied string
		)
		if err := rows.Scan(&row.SessionID, &row.FrameSequence, &row.Filename,
			&row.RAOffsetArcsec, &row.DecOffsetArcsec, &row.RotationOffsetDeg,
			&row.TotalOffsetArcsec, &row.SettleSeconds, &applied); err != nil {
			return nil, fmt.Errorf("ledger: scan correction: %w", err)
		}
		row.AppliedAt = parseTime(applied)
		out = append(out, row)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
