// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/23f3003674/TDS-PROJECT-1/src/model"
)

// PostgresStore keeps task records in Postgres so status survives process
// restarts. Per-record serialization comes from SELECT ... FOR UPDATE
// inside the Update transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tasks (
			nonce           TEXT PRIMARY KEY,
			task_name       TEXT NOT NULL,
			round           INT NOT NULL,
			email           TEXT NOT NULL DEFAULT '',
			brief           TEXT NOT NULL DEFAULT '',
			attachments     JSONB NOT NULL DEFAULT '{}',
			checks          JSONB NOT NULL DEFAULT '[]',
			evaluation_url  TEXT NOT NULL DEFAULT '',
			caller_endpoint TEXT NOT NULL DEFAULT '',
			state           TEXT NOT NULL,
			message         TEXT NOT NULL DEFAULT '',
			artifact        TEXT NOT NULL DEFAULT '',
			repository_name TEXT NOT NULL DEFAULT '',
			repository_url  TEXT NOT NULL DEFAULT '',
			pages_url       TEXT NOT NULL DEFAULT '',
			commit_sha      TEXT NOT NULL DEFAULT '',
			error_kind      TEXT NOT NULL DEFAULT '',
			error_message   TEXT NOT NULL DEFAULT '',
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	return err
}

const taskColumns = `nonce, task_name, round, email, brief, attachments, checks,
	evaluation_url, caller_endpoint, state, message, artifact, repository_name,
	repository_url, pages_url, commit_sha, error_kind, error_message,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (model.TaskRecord, error) {
	var (
		rec                     model.TaskRecord
		attachments, checks     []byte
		errorKind, errorMessage string
	)
	err := row.Scan(&rec.Nonce, &rec.TaskName, &rec.Round, &rec.Email, &rec.Brief,
		&attachments, &checks, &rec.EvaluationURL, &rec.CallerEndpoint,
		&rec.State, &rec.Message, &rec.Artifact, &rec.RepositoryName,
		&rec.RepositoryURL, &rec.PagesURL, &rec.CommitSHA,
		&errorKind, &errorMessage, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return rec, err
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &rec.Attachments); err != nil {
			return rec, fmt.Errorf("decoding attachments: %w", err)
		}
	}
	if len(checks) > 0 {
		if err := json.Unmarshal(checks, &rec.Checks); err != nil {
			return rec, fmt.Errorf("decoding checks: %w", err)
		}
	}
	if errorKind != "" {
		rec.Error = &model.TaskError{Kind: model.ErrorKind(errorKind), Message: errorMessage}
	}
	return rec, nil
}

func recordArgs(rec *model.TaskRecord) ([]any, error) {
	attachments, err := json.Marshal(rec.Attachments)
	if err != nil {
		return nil, err
	}
	if rec.Attachments == nil {
		attachments = []byte("{}")
	}
	checks, err := json.Marshal(rec.Checks)
	if err != nil {
		return nil, err
	}
	if rec.Checks == nil {
		checks = []byte("[]")
	}
	var errorKind, errorMessage string
	if rec.Error != nil {
		errorKind = string(rec.Error.Kind)
		errorMessage = rec.Error.Message
	}
	return []any{rec.Nonce, rec.TaskName, rec.Round, rec.Email, rec.Brief,
		attachments, checks, rec.EvaluationURL, rec.CallerEndpoint,
		rec.State, rec.Message, rec.Artifact, rec.RepositoryName,
		rec.RepositoryURL, rec.PagesURL, rec.CommitSHA,
		errorKind, errorMessage, rec.CreatedAt, rec.UpdatedAt}, nil
}

func (p *PostgresStore) Create(ctx context.Context, rec *model.TaskRecord) error {
	r := *rec
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	args, err := recordArgs(&r)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`, args...)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
		return fmt.Errorf("%w: %s", ErrDuplicateNonce, r.Nonce)
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, nonce string) (model.TaskRecord, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE nonce = $1`, nonce)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TaskRecord{}, false, nil
	}
	if err != nil {
		return model.TaskRecord{}, false, err
	}
	return rec, true, nil
}

func (p *PostgresStore) List(ctx context.Context) ([]model.TaskRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.TaskRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Update(ctx context.Context, nonce string, mutate func(*model.TaskRecord) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE nonce = $1 FOR UPDATE`, nonce)
	prev, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, nonce)
	}
	if err != nil {
		return err
	}

	next, err := apply(prev, mutate)
	if err != nil {
		return err
	}
	args, err := recordArgs(&next)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET task_name=$2, round=$3, email=$4, brief=$5,
			attachments=$6, checks=$7, evaluation_url=$8, caller_endpoint=$9,
			state=$10, message=$11, artifact=$12, repository_name=$13,
			repository_url=$14, pages_url=$15, commit_sha=$16,
			error_kind=$17, error_message=$18, created_at=$19, updated_at=$20
		WHERE nonce=$1`, args...)
	if err != nil {
		return err
	}
	return tx.Commit()
}
