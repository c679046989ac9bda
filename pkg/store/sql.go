package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/psantana5/genflow/pkg/models"
)

// Dialect identifies the SQL flavour a SQLStore speaks
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLStore persists every record as a JSON document next to the indexed
// columns used for filtering. SQLite and PostgreSQL share the code and differ
// only in placeholders and column types.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath
func NewSQLiteStore(dbPath string) (*SQLStore, error) {
	// WAL with a busy timeout keeps concurrent workers from hitting SQLITE_BUSY.
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLStore{db: db, dialect: DialectSQLite}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// NewPostgresStore connects to PostgreSQL using config.DSN
func NewPostgresStore(config Config) (*SQLStore, error) {
	if config.DSN == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}
	db, err := sql.Open("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(orDefault(config.MaxOpenConns, 25))
	db.SetMaxIdleConns(orDefault(config.MaxIdleConns, 5))
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	if config.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(time.Minute)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: DialectPostgres}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func (s *SQLStore) initSchema() error {
	timeType := "DATETIME"
	if s.dialect == DialectPostgres {
		timeType = "TIMESTAMPTZ"
	}
	schema := strings.ReplaceAll(`
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		batch_id TEXT,
		sequence BIGINT NOT NULL,
		created_at {time} NOT NULL,
		finished_at {time},
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		job_id TEXT UNIQUE,
		category TEXT NOT NULL,
		resolved BOOLEAN NOT NULL DEFAULT FALSE,
		resolved_at {time},
		last_failure_at {time} NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_open ON dead_letters(resolved, last_failure_at);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		provider_id TEXT,
		recorded_at {time} NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_logs_recorded ON usage_logs(recorded_at);

	CREATE TABLE IF NOT EXISTS cost_alerts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		dedup_key TEXT NOT NULL,
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		triggered_at {time} NOT NULL,
		data TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_cost_alerts_dedup ON cost_alerts(dedup_key, triggered_at);
	`, "{time}", timeType)

	_, err := s.db.Exec(schema)
	return err
}

// rebind rewrites ? placeholders to $n for PostgreSQL
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) exec(query string, args ...interface{}) (sql.Result, error) {
	return s.db.Exec(s.rebind(query), args...)
}

func utc(t time.Time) time.Time { return t.UTC() }

func utcPtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}

// queryDocs runs a query selecting a single data column and decodes each row
func queryDocs[T any](s *SQLStore, query string, args ...interface{}) ([]*T, error) {
	rows, err := s.db.Query(s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*T, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		v := new(T)
		if err := json.Unmarshal([]byte(data), v); err != nil {
			return nil, fmt.Errorf("failed to decode row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Job operations

// CreateJob inserts a new job
func (s *SQLStore) CreateJob(job *models.Job) error {
	return s.CreateJobs([]*models.Job{job})
}

// CreateJobs inserts all jobs in one transaction
func (s *SQLStore) CreateJobs(jobs []*models.Job) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(s.rebind(`INSERT INTO jobs (id, status, batch_id, sequence, created_at, finished_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, j := range jobs {
		data, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if _, err := stmt.Exec(j.ID, string(j.Status), j.BatchID, int64(j.Sequence), utc(j.CreatedAt), utcPtr(j.FinishedAt), string(data)); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateJob
			}
			return fmt.Errorf("failed to insert job %s: %w", j.ID, err)
		}
	}
	return tx.Commit()
}

// GetJob retrieves a job by ID
func (s *SQLStore) GetJob(id string) (*models.Job, error) {
	jobs, err := queryDocs[models.Job](s, `SELECT data FROM jobs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, models.Errorf(models.CodeJobNotFound, "job %s not found", id)
	}
	return jobs[0], nil
}

// UpdateJob replaces a stored job
func (s *SQLStore) UpdateJob(job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	res, err := s.exec(`UPDATE jobs SET status = ?, batch_id = ?, finished_at = ?, data = ? WHERE id = ?`,
		string(job.Status), job.BatchID, utcPtr(job.FinishedAt), string(data), job.ID)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Errorf(models.CodeJobNotFound, "job %s not found", job.ID)
	}
	return nil
}

// DeleteJob removes a job
func (s *SQLStore) DeleteJob(id string) error {
	res, err := s.exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.Errorf(models.CodeJobNotFound, "job %s not found", id)
	}
	return nil
}

// ListJobs returns matching jobs oldest first
func (s *SQLStore) ListJobs(filter JobFilter) ([]*models.Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, filter.BatchID)
	}
	if !filter.FinishedBefore.IsZero() {
		where = append(where, "finished_at IS NOT NULL AND finished_at < ?")
		args = append(args, utc(filter.FinishedBefore))
	}

	query := `SELECT data FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, sequence ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return queryDocs[models.Job](s, query, args...)
}

// CountJobs counts jobs by status
func (s *SQLStore) CountJobs() (map[models.JobStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

// Dead-letter operations

func entryJobID(e *models.DeadLetterEntry) interface{} {
	if e.OriginalJob == nil || e.OriginalJob.ID == "" {
		return nil
	}
	return e.OriginalJob.ID
}

// CreateEntry inserts a dead-letter entry; job_id is unique
func (s *SQLStore) CreateEntry(entry *models.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	_, err = s.exec(`INSERT INTO dead_letters (id, job_id, category, resolved, resolved_at, last_failure_at, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entryJobID(entry), string(entry.FailureCategory), entry.IsResolved(), resolvedAt(entry),
		utc(entry.LastFailureAt), string(data))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEntry
		}
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

func resolvedAt(e *models.DeadLetterEntry) interface{} {
	if e.Resolution == nil {
		return nil
	}
	return utc(e.Resolution.ResolvedAt)
}

// GetEntry retrieves an entry by ID
func (s *SQLStore) GetEntry(id string) (*models.DeadLetterEntry, error) {
	entries, err := queryDocs[models.DeadLetterEntry](s, `SELECT data FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, models.Errorf(models.CodeEntryNotFound, "dead-letter entry %s not found", id)
	}
	return entries[0], nil
}

// UpdateEntry replaces an unresolved entry
func (s *SQLStore) UpdateEntry(entry *models.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	res, err := s.exec(`UPDATE dead_letters SET category = ?, last_failure_at = ?, data = ? WHERE id = ? AND resolved = ?`,
		string(entry.FailureCategory), utc(entry.LastFailureAt), string(data), entry.ID, false)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetEntry(entry.ID); err != nil {
			return err
		}
		return models.ErrAlreadyResolved
	}
	return nil
}

// ResolveEntry sets the resolution if the entry is still open. The
// conditional UPDATE makes concurrent resolutions race-free.
func (s *SQLStore) ResolveEntry(id string, res models.Resolution) (bool, error) {
	entry, err := s.GetEntry(id)
	if err != nil {
		return false, err
	}
	if entry.IsResolved() {
		return false, nil
	}
	r := res
	entry.Resolution = &r
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to marshal entry: %w", err)
	}
	result, err := s.exec(`UPDATE dead_letters SET resolved = ?, resolved_at = ?, data = ? WHERE id = ? AND resolved = ?`,
		true, utc(res.ResolvedAt), string(data), id, false)
	if err != nil {
		return false, fmt.Errorf("failed to resolve entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListEntries returns matching entries, most recent failure first
func (s *SQLStore) ListEntries(filter models.DeadLetterFilter) ([]*models.DeadLetterEntry, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Resolved != nil {
		where = append(where, "resolved = ?")
		args = append(args, *filter.Resolved)
	}
	if !filter.Since.IsZero() {
		where = append(where, "last_failure_at >= ?")
		args = append(args, utc(filter.Since))
	}
	query := `SELECT data FROM dead_letters`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	entries, err := queryDocs[models.DeadLetterEntry](s, query, args...)
	if err != nil {
		return nil, err
	}

	// Provider filtering happens on the decoded document.
	out := entries[:0]
	for _, e := range entries {
		if filter.Match(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// DeleteResolvedEntries purges entries resolved before the cutoff
func (s *SQLStore) DeleteResolvedEntries(before time.Time) (int, error) {
	res, err := s.exec(`DELETE FROM dead_letters WHERE resolved = ? AND resolved_at < ?`, true, utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to purge entries: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Cost ledger

// AppendUsage appends an immutable ledger entry
func (s *SQLStore) AppendUsage(log *models.UsageLog) error {
	data, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to marshal usage log: %w", err)
	}
	_, err = s.exec(`INSERT INTO usage_logs (id, job_id, provider_id, recorded_at, data) VALUES (?, ?, ?, ?, ?)`,
		log.ID, log.JobID, log.ProviderID, utc(log.RecordedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to append usage log: %w", err)
	}
	return nil
}

// ListUsage returns entries recorded in [from, to], oldest first
func (s *SQLStore) ListUsage(from, to time.Time) ([]*models.UsageLog, error) {
	return queryDocs[models.UsageLog](s, `SELECT data FROM usage_logs WHERE recorded_at >= ? AND recorded_at <= ? ORDER BY recorded_at ASC`,
		utc(from), utc(to))
}

// Alert operations

// CreateAlert stores an alert
func (s *SQLStore) CreateAlert(alert *models.CostAlert) error {
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	_, err = s.exec(`INSERT INTO cost_alerts (id, type, dedup_key, acknowledged, triggered_at, data) VALUES (?, ?, ?, ?, ?, ?)`,
		alert.ID, string(alert.Type), alert.DedupKey(), alert.Acknowledged, utc(alert.TriggeredAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// GetAlert retrieves an alert by ID
func (s *SQLStore) GetAlert(id string) (*models.CostAlert, error) {
	alerts, err := queryDocs[models.CostAlert](s, `SELECT data FROM cost_alerts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(alerts) == 0 {
		return nil, models.Errorf(models.CodeAlertNotFound, "alert %s not found", id)
	}
	return alerts[0], nil
}

// AcknowledgeAlert marks an alert acknowledged once
func (s *SQLStore) AcknowledgeAlert(id, by string, at time.Time) (bool, error) {
	alert, err := s.GetAlert(id)
	if err != nil {
		return false, err
	}
	if alert.Acknowledged {
		return false, nil
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = &at
	alert.AcknowledgedBy = by
	data, err := json.Marshal(alert)
	if err != nil {
		return false, fmt.Errorf("failed to marshal alert: %w", err)
	}
	res, err := s.exec(`UPDATE cost_alerts SET acknowledged = ?, data = ? WHERE id = ? AND acknowledged = ?`,
		true, string(data), id, false)
	if err != nil {
		return false, fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ListAlerts returns matching alerts, newest first
func (s *SQLStore) ListAlerts(filter AlertFilter) ([]*models.CostAlert, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.DedupKey != "" {
		where = append(where, "dedup_key = ?")
		args = append(args, filter.DedupKey)
	}
	if filter.Acknowledged != nil {
		where = append(where, "acknowledged = ?")
		args = append(args, *filter.Acknowledged)
	}
	if !filter.Since.IsZero() {
		where = append(where, "triggered_at >= ?")
		args = append(args, utc(filter.Since))
	}
	query := `SELECT data FROM cost_alerts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY triggered_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(filter.Limit)
	}
	return queryDocs[models.CostAlert](s, query, args...)
}

// DeleteAcknowledgedAlerts removes acknowledged alerts triggered before the cutoff
func (s *SQLStore) DeleteAcknowledgedAlerts(before time.Time) (int, error) {
	res, err := s.exec(`DELETE FROM cost_alerts WHERE acknowledged = ? AND triggered_at < ?`, true, utc(before))
	if err != nil {
		return 0, fmt.Errorf("failed to delete alerts: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// HealthCheck pings the database
func (s *SQLStore) HealthCheck() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close closes the database handle
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
