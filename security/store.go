// Package security implements the broker's app-token store: a small
// sqlite-backed table mapping an app identifier to its opaque session
// token, following the broker's bun+modernc.org/sqlite persistence
// convention.
package security

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// ErrInvalidToken is returned by VerifyOrIssue when a known identifier
// presents a token that does not match the one on file.
var ErrInvalidToken = errors.New("security: invalid token")

// AppToken is a persisted (identifier, token) pair.
type AppToken struct {
	bun.BaseModel `bun:"table:app_tokens"`

	Identifier string    `bun:"identifier,pk"`
	Token      string    `bun:"token,notnull"`
	CreatedAt  time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	LastUsedAt time.Time `bun:"last_used_at,nullzero,notnull,default:current_timestamp"`
}

// Store persists and verifies app tokens.
type Store struct {
	db *bun.DB
}

// Open opens (creating if necessary) a sqlite-backed token store at path.
func Open(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("security: open sqlite: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("security: set busy_timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("security: enable WAL: %w", err)
	}
	conn.SetMaxIdleConns(1)

	db := bun.NewDB(conn, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*AppToken)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("security: create app_tokens table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// IssueToken mints a new opaque token for identifier, replacing any prior
// token it held.
func (s *Store) IssueToken(ctx context.Context, id string) (string, error) {
	token := uuid.NewString()
	rec := &AppToken{Identifier: id, Token: token}
	_, err := s.db.NewInsert().
		Model(rec).
		On("CONFLICT (identifier) DO UPDATE").
		Set("token = EXCLUDED.token").
		Set("created_at = EXCLUDED.created_at").
		Set("last_used_at = EXCLUDED.last_used_at").
		Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("security: issue token: %w", err)
	}
	return token, nil
}

// VerifyToken reports whether token is the current token on file for id,
// bumping its last-used timestamp on success.
func (s *Store) VerifyToken(ctx context.Context, id, token string) (bool, error) {
	rec := new(AppToken)
	err := s.db.NewSelect().Model(rec).Where("identifier = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("security: lookup token: %w", err)
	}
	if rec.Token != token {
		return false, nil
	}
	_, err = s.db.NewUpdate().
		Model(rec).
		Set("last_used_at = ?", time.Now()).
		Where("identifier = ?", id).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("security: bump last_used_at: %w", err)
	}
	return true, nil
}

// VerifyOrIssue verifies an incoming token against the store, minting a
// fresh one for identities never seen before (first-connect bootstrap),
// mirroring the original server's "no prior token means trust the first
// connect" policy.
func (s *Store) VerifyOrIssue(ctx context.Context, id, token string) (string, error) {
	rec := new(AppToken)
	err := s.db.NewSelect().Model(rec).Where("identifier = ?", id).Scan(ctx)
	if err == sql.ErrNoRows {
		return s.IssueToken(ctx, id)
	}
	if err != nil {
		return "", fmt.Errorf("security: lookup token: %w", err)
	}
	if token == "" || rec.Token != token {
		return "", fmt.Errorf("security: %w", ErrInvalidToken)
	}
	_, err = s.db.NewUpdate().
		Model(rec).
		Set("last_used_at = ?", time.Now()).
		Where("identifier = ?", id).
		Exec(ctx)
	if err != nil {
		return "", fmt.Errorf("security: bump last_used_at: %w", err)
	}
	return rec.Token, nil
}
