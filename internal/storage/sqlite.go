package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobkeeper/pkg/job"
	logx "jobkeeper/pkg/logx"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so text comparison orders like time.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const jobColumns = `job_id, job_name, impl_ref, schedule_type, schedule_value, enabled,
	last_run_at, last_successful_run, last_attempted_run,
	consecutive_failures, max_consecutive_failures, auto_retry_on_startup,
	metadata, created_at, updated_at`

const execColumns = `id, job_id, started_at, completed_at, status, duration_seconds, metadata, error_message`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer; this also keeps ":memory:" on one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec("PRAGMA busy_timeout = " + strconv.FormatInt(cfg.BusyTimeout.Milliseconds(), 10))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := migrate(context.Background(), db, log); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return newSQLiteStore(db, log), nil
}

func newSQLiteStore(db *sql.DB, log logx.Logger) *sqliteStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqliteStore{db: db, log: log}
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertJob(ctx context.Context, def JobDefinition) (JobDefinition, bool, error) {
	meta, err := encodeMeta(def.Metadata)
	if err != nil {
		return JobDefinition{}, false, errors.Wrapf(err, "encode metadata for %s", def.JobID)
	}
	if def.UpdatedAt.IsZero() {
		def.UpdatedAt = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobDefinition{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM scheduler_jobs WHERE job_id = ?`, def.JobID).Scan(&exists)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return JobDefinition{}, false, err
	}

	now := formatTime(def.UpdatedAt)
	if created {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO scheduler_jobs(`+jobColumns+`)
			 VALUES(?,?,?,?,?,?,NULL,NULL,NULL,0,?,?,?,?,?)`,
			def.JobID, def.JobName, def.ImplRef, string(def.ScheduleType), def.ScheduleValue, boolInt(def.Enabled),
			def.MaxConsecutiveFailures, boolInt(def.AutoRetryOnStartup), meta, now, now,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduler_jobs SET job_name = ?, impl_ref = ?, schedule_type = ?, schedule_value = ?,
			 max_consecutive_failures = ?, auto_retry_on_startup = ?, metadata = ?, updated_at = ?
			 WHERE job_id = ?`,
			def.JobName, def.ImplRef, string(def.ScheduleType), def.ScheduleValue,
			def.MaxConsecutiveFailures, boolInt(def.AutoRetryOnStartup), meta, now, def.JobID,
		)
	}
	if err != nil {
		return JobDefinition{}, false, err
	}
	out, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE job_id = ?`, def.JobID))
	if err != nil {
		return JobDefinition{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return JobDefinition{}, false, err
	}
	return out, created, nil
}

func (s *sqliteStore) GetJob(ctx context.Context, jobID string) (JobDefinition, error) {
	def, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return JobDefinition{}, ErrNotFound
	}
	return def, err
}

func (s *sqliteStore) ListJobs(ctx context.Context) ([]JobDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs ORDER BY job_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []JobDefinition
	for rows.Next() {
		def, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetEnabled(ctx context.Context, jobID string, enabled bool, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduler_jobs SET enabled = ?, updated_at = ? WHERE job_id = ?`,
		boolInt(enabled), formatTime(at), jobID,
	)
	return affectedOne(res, err)
}

func (s *sqliteStore) MarkAttempt(ctx context.Context, jobID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduler_jobs SET last_attempted_run = ?, updated_at = ? WHERE job_id = ?`,
		formatTime(at), formatTime(at), jobID,
	)
	return affectedOne(res, err)
}

func (s *sqliteStore) CompleteRun(ctx context.Context, rec ExecutionRecord) (JobDefinition, error) {
	meta, err := encodeMeta(rec.Metadata)
	if err != nil {
		return JobDefinition{}, errors.Wrapf(err, "encode execution metadata for %s", rec.JobID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return JobDefinition{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO scheduler_executions(`+execColumns+`) VALUES(?,?,?,?,?,?,?,?)`,
		rec.ID, rec.JobID, formatTime(rec.StartedAt), formatTime(rec.CompletedAt), string(rec.Status),
		rec.DurationSeconds, meta, nullStr(rec.ErrorMessage),
	); err != nil {
		return JobDefinition{}, errors.Wrap(err, "insert execution")
	}

	completed := formatTime(rec.CompletedAt)
	var res sql.Result
	if rec.Status == job.StatusSuccess {
		res, err = tx.ExecContext(ctx,
			`UPDATE scheduler_jobs SET last_run_at = ?, last_successful_run = ?, consecutive_failures = 0, updated_at = ?
			 WHERE job_id = ?`,
			completed, completed, completed, rec.JobID,
		)
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE scheduler_jobs SET last_run_at = ?, consecutive_failures = consecutive_failures + 1, updated_at = ?
			 WHERE job_id = ?`,
			completed, completed, rec.JobID,
		)
	}
	if err := affectedOne(res, err); err != nil {
		return JobDefinition{}, errors.Wrap(err, "update job health")
	}

	def, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scheduler_jobs WHERE job_id = ?`, rec.JobID))
	if err != nil {
		return JobDefinition{}, err
	}
	if err := tx.Commit(); err != nil {
		return JobDefinition{}, errors.Wrap(err, "commit completion")
	}
	return def, nil
}

func (s *sqliteStore) ListExecutions(ctx context.Context, jobID string, limit int) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+execColumns+` FROM scheduler_executions WHERE job_id = ?
		 ORDER BY started_at DESC, rowid DESC LIMIT ?`,
		jobID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		var (
			rec                ExecutionRecord
			started, completed string
			status, meta       string
			errMsg             sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.JobID, &started, &completed, &status, &rec.DurationSeconds, &meta, &errMsg); err != nil {
			return nil, err
		}
		rec.Status = job.Status(status)
		rec.ErrorMessage = errMsg.String
		if rec.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if rec.CompletedAt, err = parseTime(completed); err != nil {
			return nil, err
		}
		if rec.Metadata, err = decodeMeta(meta); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneExecutions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduler_executions WHERE started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (JobDefinition, error) {
	var (
		def                          JobDefinition
		kind, meta                   string
		created, updated             string
		enabled, autoRetry           int
		lastRun, lastOK, lastAttempt sql.NullString
	)
	err := r.Scan(
		&def.JobID, &def.JobName, &def.ImplRef, &kind, &def.ScheduleValue, &enabled,
		&lastRun, &lastOK, &lastAttempt,
		&def.ConsecutiveFailures, &def.MaxConsecutiveFailures, &autoRetry,
		&meta, &created, &updated,
	)
	if err != nil {
		return JobDefinition{}, err
	}
	def.ScheduleType = job.Kind(kind)
	def.Enabled = enabled != 0
	def.AutoRetryOnStartup = autoRetry != 0
	if def.LastRunAt, err = parseNullTime(lastRun); err != nil {
		return JobDefinition{}, err
	}
	if def.LastSuccessfulRun, err = parseNullTime(lastOK); err != nil {
		return JobDefinition{}, err
	}
	if def.LastAttemptedRun, err = parseNullTime(lastAttempt); err != nil {
		return JobDefinition{}, err
	}
	if def.CreatedAt, err = parseTime(created); err != nil {
		return JobDefinition{}, err
	}
	if def.UpdatedAt, err = parseTime(updated); err != nil {
		return JobDefinition{}, err
	}
	if def.Metadata, err = decodeMeta(meta); err != nil {
		return JobDefinition{}, err
	}
	return def, nil
}

func affectedOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// rows written by other tools
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t, errors.Wrapf(err, "parse time %q", s)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func encodeMeta(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeMeta(s string) (map[string]any, error) {
	m := map[string]any{}
	if strings.TrimSpace(s) == "" {
		return m, nil
	}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, errors.Wrap(err, "decode metadata")
	}
	return m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
