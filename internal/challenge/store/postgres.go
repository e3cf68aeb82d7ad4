package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"unigate/internal/challenge/models"
	"unigate/pkg/platform/sentinel"
	txcontext "unigate/pkg/platform/tx"
)

// PostgresStore persists challenges in the challenges table keyed by
// (subject_key, purpose). Calls join the transaction carried by ctx.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Upsert replaces the live challenge for the pair in a single statement, so
// two concurrent issues leave exactly one row.
func (s *PostgresStore) Upsert(ctx context.Context, c *models.Challenge) error {
	metadata, err := json.Marshal(nonNilMetadata(c.Metadata))
	if err != nil {
		return fmt.Errorf("marshal challenge metadata: %w", err)
	}
	query := `
		INSERT INTO challenges (subject_key, purpose, code_hash, issued_at, expires_at, verified, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (subject_key, purpose) DO UPDATE SET
			code_hash  = EXCLUDED.code_hash,
			issued_at  = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			verified   = EXCLUDED.verified,
			metadata   = EXCLUDED.metadata
	`
	_, err = txcontext.Executor(ctx, s.db).ExecContext(ctx, query,
		c.SubjectKey, string(c.Purpose), c.CodeHash, c.IssuedAt, c.ExpiresAt, c.Verified, metadata)
	if err != nil {
		return fmt.Errorf("upsert challenge: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, subjectKey string, purpose models.Purpose) (*models.Challenge, error) {
	query := `
		SELECT subject_key, purpose, code_hash, issued_at, expires_at, verified, metadata
		FROM challenges
		WHERE subject_key = $1 AND purpose = $2
	`
	var (
		c        models.Challenge
		p        string
		metadata []byte
	)
	err := txcontext.Executor(ctx, s.db).QueryRowContext(ctx, query, subjectKey, string(purpose)).
		Scan(&c.SubjectKey, &p, &c.CodeHash, &c.IssuedAt, &c.ExpiresAt, &c.Verified, &metadata)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("challenge %s/%s: %w", purpose, subjectKey, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find challenge: %w", err)
	}
	c.Purpose = models.Purpose(p)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal challenge metadata: %w", err)
		}
	}
	return &c, nil
}

// MarkVerified flags the challenge only while it still carries codeHash, so a
// superseding challenge is never verified by its predecessor's code.
func (s *PostgresStore) MarkVerified(ctx context.Context, subjectKey string, purpose models.Purpose, codeHash string) error {
	query := `UPDATE challenges SET verified = TRUE WHERE subject_key = $1 AND purpose = $2 AND code_hash = $3`
	return s.execOne(ctx, "mark challenge verified", query, subjectKey, string(purpose), codeHash)
}

func (s *PostgresStore) Delete(ctx context.Context, subjectKey string, purpose models.Purpose) error {
	query := `DELETE FROM challenges WHERE subject_key = $1 AND purpose = $2`
	return s.execOne(ctx, "delete challenge", query, subjectKey, string(purpose))
}

func (s *PostgresStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := txcontext.Executor(ctx, s.db).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, sentinel.ErrNotFound)
	}
	return nil
}

func nonNilMetadata(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
