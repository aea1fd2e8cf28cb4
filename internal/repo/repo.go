// Package repo is the SQLite-backed job store.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"patchverify/internal/domain"
	"patchverify/internal/events"
)

type Repo struct {
	DB     *sql.DB
	Events events.Writer
}

// New wires a Repo and its event writer to db.
func New(db *sql.DB) Repo {
	return Repo{DB: db, Events: events.Writer{DB: db, Now: time.Now}}
}

const jobColumns = `handle,kind,job_key,bug_id,status,cached,return_code,fix_log,fix_msg,fix_status,error,result_ts,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.JobRecord, error) {
	var j domain.JobRecord
	var state, kind string
	var cached int
	err := row.Scan(&j.Handle, &kind, &j.Key, &j.BugID, &state, &cached, &j.ReturnCode, &j.FixLog, &j.FixMsg,
		&j.FixStatus, &j.Error, &j.Timestamp, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return j, domain.ErrNotFound
	}
	j.State = domain.JobState(state)
	j.Kind = domain.JobKind(kind)
	j.Cached = cached != 0
	return j, err
}

func jobArgs(j domain.JobRecord) []any {
	kind := j.Kind
	if kind == "" {
		kind = domain.KindVerify
	}
	return []any{j.Handle, string(kind), j.Key, j.BugID, string(j.State), boolInt(j.Cached), j.ReturnCode, j.FixLog, j.FixMsg,
		j.FixStatus, j.Error, j.Timestamp, j.CreatedAt, j.UpdatedAt}
}

func (r Repo) Get(ctx context.Context, handle string) (domain.JobRecord, error) {
	return scanJob(r.DB.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE handle=?`, handle))
}

func (r Repo) Put(ctx context.Context, j domain.JobRecord) error {
	if err := j.ValidateNew(); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(`+jobColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, jobArgs(j)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrExists, j.Handle)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	if err := r.Events.Append(ctx, tx, j.Handle, "", string(j.State), events.EventPayload{"kind": string(j.Kind), "job_key": j.Key, "cached": j.Cached}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) CompareAndSwapState(ctx context.Context, handle string, from domain.JobState, next domain.JobRecord) (bool, error) {
	if err := domain.CheckTransition(from, next.State); err != nil {
		return false, err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE jobs SET status=?,cached=?,return_code=?,fix_log=?,fix_msg=?,fix_status=?,error=?,result_ts=?,updated_at=?
		WHERE handle=? AND status=?`,
		string(next.State), boolInt(next.Cached), next.ReturnCode, next.FixLog, next.FixMsg, next.FixStatus, next.Error,
		next.Timestamp, next.UpdatedAt, handle, string(from))
	if err != nil {
		return false, fmt.Errorf("update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		if _, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE handle=?`, handle)); err != nil {
			return false, err
		}
		return false, nil
	}
	payload := events.EventPayload{"cached": next.Cached}
	if next.State.Terminal() {
		payload["return_code"] = next.ReturnCode
	}
	if next.Error != "" {
		payload["error"] = next.Error
	}
	if err := r.Events.Append(ctx, tx, handle, string(from), string(next.State), payload); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (r Repo) List(ctx context.Context) ([]domain.JobRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.JobRecord
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, j)
	}
	return res, rows.Err()
}

// History lists a job's recorded transitions.
func (r Repo) History(ctx context.Context, handle string) ([]events.Event, error) {
	if _, err := r.Get(ctx, handle); err != nil {
		return nil, err
	}
	return r.Events.List(ctx, handle)
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
