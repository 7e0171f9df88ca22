// Package permission implements the broker's permission-type registry and
// per-token grant set, including dashboard arbitration of grant requests.
package permission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"

	_ "modernc.org/sqlite"
)

// grantRow persists the set of permission identifiers granted to a token as
// a JSON array, following the spec's "(token, json-array-of-permission-keys)"
// layout.
type grantRow struct {
	bun.BaseModel `bun:"table:permission_grants"`

	Token string `bun:"token,pk"`
	Keys  string `bun:"keys,notnull"` // JSON array of identifier keys
}

// Store persists the granted set: token -> set of identifier keys.
type Store struct {
	db *bun.DB
}

// OpenStore opens (creating if necessary) a sqlite-backed grant store.
func OpenStore(ctx context.Context, path string) (*Store, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("permission: open sqlite: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("permission: set busy_timeout: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("permission: enable WAL: %w", err)
	}
	conn.SetMaxIdleConns(1)

	db := bun.NewDB(conn, sqlitedialect.New())
	if _, err := db.NewCreateTable().Model((*grantRow)(nil)).IfNotExists().Exec(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("permission: create permission_grants table: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Load returns the set of identifier keys granted to token.
func (s *Store) Load(ctx context.Context, token string) (map[string]bool, error) {
	row := new(grantRow)
	err := s.db.NewSelect().Model(row).Where("token = ?", token).Scan(ctx)
	if err == sql.ErrNoRows {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("permission: load grants: %w", err)
	}
	var keys []string
	if err := json.Unmarshal([]byte(row.Keys), &keys); err != nil {
		return nil, fmt.Errorf("permission: decode grants: %w", err)
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[k] = true
	}
	return out, nil
}

// Save persists the full granted set for token.
func (s *Store) Save(ctx context.Context, token string, granted map[string]bool) error {
	keys := make([]string, 0, len(granted))
	for k := range granted {
		keys = append(keys, k)
	}
	encoded, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("permission: encode grants: %w", err)
	}
	row := &grantRow{Token: token, Keys: string(encoded)}
	_, err = s.db.NewInsert().
		Model(row).
		On("CONFLICT (token) DO UPDATE").
		Set("keys = EXCLUDED.keys").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("permission: save grants: %w", err)
	}
	return nil
}
