package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/example/outreach/internal/models"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrNotTransitioned is returned when an action is missing or already terminal.
	ErrNotTransitioned = errors.New("store: action not transitioned")
)

type Store struct{ db *sql.DB }

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY between the
	// replay job and the HTTP handlers.
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) Migrate(ctx context.Context) error {
	stmt := `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	user_id TEXT PRIMARY KEY,
	cookies_json TEXT NOT NULL,
	updated_at DATETIME NOT NULL,
	FOREIGN KEY(user_id) REFERENCES users(id)
);
CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	platform TEXT NOT NULL,
	kind TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	error_detail TEXT,
	created_at DATETIME NOT NULL,
	completed_at DATETIME,
	failed_at DATETIME,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_pending ON actions (user_id, platform, status, created_at);
CREATE TABLE IF NOT EXISTS daily_counters (
	scope TEXT NOT NULL,
	day TEXT NOT NULL,
	count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (scope, day)
);
CREATE TABLE IF NOT EXISTS profiles (
	user_id TEXT NOT NULL,
	linkedin_url TEXT NOT NULL,
	name TEXT,
	headline TEXT,
	company TEXT,
	location TEXT,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, linkedin_url)
);
CREATE TABLE IF NOT EXISTS message_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	data TEXT NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS run_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_type TEXT NOT NULL,
	started_at DATETIME NOT NULL,
	ended_at DATETIME NOT NULL,
	summary TEXT
);
`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Store) UpsertUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO users (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`, id, time.Now().UTC())
	return err
}

// ListUsers returns every registered user in a stable order.
func (s *Store) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) SaveSession(ctx context.Context, sa *models.SessionArtifact) error {
	b, err := json.Marshal(sa.Cookies)
	if err != nil {
		return err
	}
	if err := s.UpsertUser(ctx, sa.UserID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO sessions (user_id, cookies_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET cookies_json=excluded.cookies_json, updated_at=excluded.updated_at`,
		sa.UserID, string(b), time.Now().UTC())
	return err
}

// GetSession returns nil without error when the user has no stored artifact.
func (s *Store) GetSession(ctx context.Context, userID string) (*models.SessionArtifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT cookies_json, updated_at FROM sessions WHERE user_id = ?`, userID)
	var raw string
	sa := &models.SessionArtifact{UserID: userID}
	if err := row.Scan(&raw, &sa.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &sa.Cookies); err != nil {
		return nil, fmt.Errorf("decode cookies for %s: %w", userID, err)
	}
	return sa, nil
}

func (s *Store) InsertAction(ctx context.Context, a *models.Action) error {
	b, err := json.Marshal(a.Payload)
	if err != nil {
		return err
	}
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	a.CreatedAt = a.CreatedAt.UTC()
	if err := s.UpsertUser(ctx, a.UserID); err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO actions (id, user_id, platform, kind, payload_json, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Platform, string(a.Kind), string(b), string(a.Status), a.Attempts, a.CreatedAt, a.CreatedAt)
	return err
}

const actionColumns = `id, user_id, platform, kind, payload_json, status, attempts, error_detail, created_at, completed_at, failed_at`

func scanAction(sc interface{ Scan(...any) error }) (models.Action, error) {
	var a models.Action
	var kind, status, payload string
	var errDetail sql.NullString
	var completedAt, failedAt sql.NullTime
	if err := sc.Scan(&a.ID, &a.UserID, &a.Platform, &kind, &payload, &status, &a.Attempts, &errDetail, &a.CreatedAt, &completedAt, &failedAt); err != nil {
		return a, err
	}
	a.Kind = models.ActionKind(kind)
	a.Status = models.ActionStatus(status)
	if err := json.Unmarshal([]byte(payload), &a.Payload); err != nil {
		return a, fmt.Errorf("decode payload for %s: %w", a.ID, err)
	}
	a.ErrorDetail = errDetail.String
	if completedAt.Valid {
		t := completedAt.Time
		a.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		a.FailedAt = &t
	}
	return a, nil
}

func (s *Store) GetAction(ctx context.Context, id string) (*models.Action, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

// QueryPendingActions returns the oldest pending actions first.
func (s *Store) QueryPendingActions(ctx context.Context, userID, platform string, limit int) ([]models.Action, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions
		WHERE user_id = ? AND platform = ? AND status = ? ORDER BY created_at, id LIMIT ?`,
		userID, platform, string(models.StatusPending), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ActionUpdate describes one status transition.
type ActionUpdate struct {
	Status models.ActionStatus
	At     time.Time
	Error  string
}

// UpdateAction applies a transition unless the action is already terminal.
func (s *Store) UpdateAction(ctx context.Context, id string, u ActionUpdate) error {
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}
	var res sql.Result
	var err error
	switch u.Status {
	case models.StatusCompleted:
		res, err = s.db.ExecContext(ctx, `UPDATE actions SET status = ?, completed_at = ?, error_detail = NULL, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`,
			string(u.Status), u.At, u.At, id, string(models.StatusCompleted), string(models.StatusFailed))
	case models.StatusFailed:
		res, err = s.db.ExecContext(ctx, `UPDATE actions SET status = ?, failed_at = ?, error_detail = ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`,
			string(u.Status), u.At, u.Error, u.At, id, string(models.StatusCompleted), string(models.StatusFailed))
	case models.StatusInProgress, models.StatusPending:
		res, err = s.db.ExecContext(ctx, `UPDATE actions SET status = ?, attempts = attempts + ?, updated_at = ?
			WHERE id = ? AND status NOT IN (?, ?)`,
			string(u.Status), boolToInt(u.Status == models.StatusInProgress), u.At, id, string(models.StatusCompleted), string(models.StatusFailed))
	default:
		return fmt.Errorf("store: unknown status %q", u.Status)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotTransitioned
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// ReserveDaily atomically increments the (scope, day) counter when it is below limit.
// It returns the counter value after the call and whether the slot was granted.
func (s *Store) ReserveDaily(ctx context.Context, scope, day string, limit int) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, err
	}
	defer func() { _ = tx.Rollback() }()
	res, err := tx.ExecContext(ctx, `INSERT INTO daily_counters (scope, day, count) VALUES (?, ?, 1)
		ON CONFLICT(scope, day) DO UPDATE SET count = count + 1 WHERE count < ?`, scope, day, limit)
	if err != nil {
		return 0, false, err
	}
	n, _ := res.RowsAffected()
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT count FROM daily_counters WHERE scope = ? AND day = ?`, scope, day).Scan(&count); err != nil {
		return 0, false, err
	}
	// limit <= 0 on a fresh row still inserts; undo it so the gate stays closed.
	if n > 0 && count > limit {
		return count - 1, false, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, false, err
	}
	return count, n > 0, nil
}

// ReleaseDaily gives back one slot taken by ReserveDaily.
func (s *Store) ReleaseDaily(ctx context.Context, scope, day string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE daily_counters SET count = count - 1 WHERE scope = ? AND day = ? AND count > 0`, scope, day)
	return err
}

func (s *Store) CountDaily(ctx context.Context, scope, day string) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `SELECT count FROM daily_counters WHERE scope = ? AND day = ?`, scope, day).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return c, err
}

func (s *Store) UpsertProfile(ctx context.Context, userID string, p *models.Profile) error {
	p.UpdatedAt = time.Now().UTC()
	if err := s.UpsertUser(ctx, userID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO profiles (user_id, linkedin_url, name, headline, company, location, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, linkedin_url) DO UPDATE SET
		name=excluded.name,
		headline=excluded.headline,
		company=excluded.company,
		location=excluded.location,
		updated_at=excluded.updated_at
	`, userID, p.LinkedInURL, p.Name, p.Headline, p.Company, p.Location, p.UpdatedAt)
	return err
}

func (s *Store) GetProfile(ctx context.Context, userID, url string) (*models.Profile, error) {
	p := &models.Profile{LinkedInURL: url}
	var name, headline, company, location sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT name, headline, company, location, updated_at FROM profiles WHERE user_id = ? AND linkedin_url = ?`,
		userID, url).Scan(&name, &headline, &company, &location, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Name, p.Headline, p.Company, p.Location = name.String, headline.String, company.String, location.String
	return p, nil
}

func (s *Store) InsertMessageLog(ctx context.Context, userID string, data json.RawMessage) (int64, error) {
	if err := s.UpsertUser(ctx, userID); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO message_logs (user_id, data, created_at) VALUES (?, ?, ?)`,
		userID, string(data), time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) CountMessageLogs(ctx context.Context, userID string) (int, error) {
	var c int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM message_logs WHERE user_id = ?`, userID).Scan(&c)
	return c, err
}

func (s *Store) RecordRun(ctx context.Context, r models.RunLog) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO run_logs (run_type, started_at, ended_at, summary) VALUES (?, ?, ?, ?)`,
		r.RunType, r.StartedAt, r.EndedAt, r.Summary)
	return err
}

func (s *Store) LastRun(ctx context.Context, runType string) (*models.RunLog, error) {
	r := &models.RunLog{RunType: runType}
	var summary sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at, ended_at, summary FROM run_logs WHERE run_type = ? ORDER BY id DESC LIMIT 1`, runType).
		Scan(&r.ID, &r.StartedAt, &r.EndedAt, &summary)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	r.Summary = summary.String
	return r, nil
}
