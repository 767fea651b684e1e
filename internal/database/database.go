package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"proctord/internal/incident"
	"proctord/internal/proctor"
)

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// SessionRecord is one proctored attempt
type SessionRecord struct {
	ID        string     `json:"id"`
	TestID    string     `json:"test_id"`
	UserID    string     `json:"user_id"`
	Email     string     `json:"user_email,omitempty"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets the janitor and the incident writers run side by side
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tests (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			proctoring_enabled INTEGER DEFAULT 0,
			is_private INTEGER DEFAULT 0,
			invited_emails TEXT,
			scheduled_start DATETIME,
			scheduled_end DATETIME,
			is_paid INTEGER DEFAULT 0,
			price_usdc REAL DEFAULT 0,
			creator_wallet TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS test_payments (
			id TEXT PRIMARY KEY,
			test_id TEXT NOT NULL,
			user_email TEXT NOT NULL,
			amount_usdc REAL,
			transaction_hash TEXT,
			status TEXT DEFAULT 'pending',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS proctor_sessions (
			id TEXT PRIMARY KEY,
			test_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_email TEXT,
			state TEXT NOT NULL,
			started_at DATETIME NOT NULL,
			ended_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS proctor_incidents (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			test_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			incident_type TEXT NOT NULL,
			incident_data TEXT,
			evidence_url TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS test_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			test_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			user_email TEXT,
			answers TEXT,
			score INTEGER,
			total_questions INTEGER,
			incident_count INTEGER DEFAULT 0,
			completed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_test_user_time ON proctor_incidents(test_id, user_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_time ON proctor_incidents(timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_payments_test_email ON test_payments(test_id, user_email)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveTest saves or updates the access rules of a test
func (d *Database) SaveTest(ctx context.Context, t *proctor.Test) error {
	invited, err := json.Marshal(t.InvitedEmails)
	if err != nil {
		return fmt.Errorf("failed to marshal invited emails: %w", err)
	}

	query := `INSERT INTO tests (id, title, proctoring_enabled, is_private, invited_emails,
			scheduled_start, scheduled_end, is_paid, price_usdc, creator_wallet)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			proctoring_enabled = excluded.proctoring_enabled,
			is_private = excluded.is_private,
			invited_emails = excluded.invited_emails,
			scheduled_start = excluded.scheduled_start,
			scheduled_end = excluded.scheduled_end,
			is_paid = excluded.is_paid,
			price_usdc = excluded.price_usdc,
			creator_wallet = excluded.creator_wallet`

	_, err = d.db.ExecContext(ctx, query, t.ID, t.Title, t.Proctored, t.Private, string(invited),
		nullTime(t.ScheduledStart), nullTime(t.ScheduledEnd), t.Paid, t.PriceUSDC, t.CreatorWallet)
	if err != nil {
		return fmt.Errorf("failed to save test: %w", err)
	}
	return nil
}

// GetTest returns a test or nil when it does not exist
func (d *Database) GetTest(ctx context.Context, id string) (*proctor.Test, error) {
	query := `SELECT id, title, proctoring_enabled, is_private, invited_emails, scheduled_start,
		scheduled_end, is_paid, price_usdc, creator_wallet FROM tests WHERE id = ?`

	var t proctor.Test
	var invited, wallet sql.NullString
	var start, end sql.NullTime
	err := d.db.QueryRowContext(ctx, query, id).Scan(&t.ID, &t.Title, &t.Proctored, &t.Private,
		&invited, &start, &end, &t.Paid, &t.PriceUSDC, &wallet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	if invited.Valid && invited.String != "" {
		if err := json.Unmarshal([]byte(invited.String), &t.InvitedEmails); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invited emails: %w", err)
		}
	}
	if start.Valid {
		t.ScheduledStart = &start.Time
	}
	if end.Valid {
		t.ScheduledEnd = &end.Time
	}
	t.CreatorWallet = wallet.String
	return &t, nil
}

// HasCompletedPayment implements proctor.PaymentLookup
func (d *Database) HasCompletedPayment(ctx context.Context, testID, email string) (bool, error) {
	var n int
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM test_payments WHERE test_id = ? AND user_email = ? AND status = 'completed'`,
		testID, email).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to look up payment: %w", err)
	}
	return n > 0, nil
}

// SaveSession saves or updates a session row
func (d *Database) SaveSession(ctx context.Context, s *SessionRecord) error {
	query := `INSERT INTO proctor_sessions (id, test_id, user_id, user_email, state, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at`

	_, err := d.db.ExecContext(ctx, query, s.ID, s.TestID, s.UserID, s.Email, s.State,
		s.StartedAt.UTC(), nullTime(s.EndedAt))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession returns a session row or nil
func (d *Database) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	query := `SELECT id, test_id, user_id, user_email, state, started_at, ended_at
		FROM proctor_sessions WHERE id = ?`

	var s SessionRecord
	var email sql.NullString
	var ended sql.NullTime
	err := d.db.QueryRowContext(ctx, query, id).Scan(&s.ID, &s.TestID, &s.UserID, &email, &s.State, &s.StartedAt, &ended)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.Email = email.String
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

// SaveIncident implements proctor.IncidentStore
func (d *Database) SaveIncident(ctx context.Context, rec proctor.IncidentRecord) error {
	data, err := json.Marshal(rec.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal incident data: %w", err)
	}

	query := `INSERT INTO proctor_incidents
		(id, session_id, test_id, user_id, incident_type, incident_data, evidence_url, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			evidence_url = excluded.evidence_url`

	_, err = d.db.ExecContext(ctx, query, rec.ID, rec.SessionID, rec.TestID, rec.UserID,
		string(rec.Kind), string(data), rec.EvidenceURL, rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to save incident: %w", err)
	}
	return nil
}

// ListIncidents returns incidents of a test, newest first. An empty userID
// lists every test-taker.
func (d *Database) ListIncidents(ctx context.Context, testID, userID string, limit int) ([]proctor.IncidentRecord, error) {
	query := `SELECT id, session_id, test_id, user_id, incident_type, incident_data, evidence_url, timestamp
		FROM proctor_incidents WHERE test_id = ?`
	args := []interface{}{testID}

	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	query += " ORDER BY timestamp DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var records []proctor.IncidentRecord
	for rows.Next() {
		var rec proctor.IncidentRecord
		var sessionID, data, evidence sql.NullString
		var kind string

		if err := rows.Scan(&rec.ID, &sessionID, &rec.TestID, &rec.UserID, &kind, &data, &evidence, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}

		rec.SessionID = sessionID.String
		rec.Kind = incident.Kind(kind)
		if evidence.Valid {
			url := evidence.String
			rec.EvidenceURL = &url
		}
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &rec.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal incident data: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteOldIncidents deletes incidents older than the specified time
func (d *Database) DeleteOldIncidents(ctx context.Context, before time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx, "DELETE FROM proctor_incidents WHERE timestamp < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old incidents: %w", err)
	}
	return result.RowsAffected()
}

// SaveTestResult implements proctor.ResultStore
func (d *Database) SaveTestResult(ctx context.Context, res proctor.TestResult) error {
	answers, err := json.Marshal(res.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	query := `INSERT INTO test_results
		(test_id, user_id, user_email, answers, score, total_questions, incident_count, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.ExecContext(ctx, query, res.TestID, res.UserID, res.Email, string(answers),
		res.Score, res.Total, res.IncidentCount, res.CompletedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save test result: %w", err)
	}
	return nil
}

// ListResults returns the results of a user, newest first
func (d *Database) ListResults(ctx context.Context, userID string) ([]proctor.TestResult, error) {
	query := `SELECT test_id, user_id, user_email, answers, score, total_questions, incident_count, completed_at
		FROM test_results WHERE user_id = ? ORDER BY completed_at DESC`

	rows, err := d.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var results []proctor.TestResult
	for rows.Next() {
		var res proctor.TestResult
		var email, answers sql.NullString
		if err := rows.Scan(&res.TestID, &res.UserID, &email, &answers, &res.Score, &res.Total,
			&res.IncidentCount, &res.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		res.Email = email.String
		if answers.Valid && answers.String != "" && answers.String != "null" {
			if err := json.Unmarshal([]byte(answers.String), &res.Answers); err != nil {
				return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
			}
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
