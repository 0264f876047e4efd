// SPDX-FileCopyrightText: Copyright 2025 KeyFort Authors
// SPDX-License-Identifier: Apache-2.0

package userstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	kferrors "github.com/keyfort/keyfort/pkg/errors"
	"github.com/keyfort/keyfort/pkg/identity"
)

// SQLite implements Store on a single-file database. The driver is
// CGo-free; the pool is pinned to one connection because SQLite
// serializes writers anyway.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// Open opens (creating if needed) the database at path and applies
// pending migrations. Use ":memory:" for an in-process database.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// userColumns is the SELECT column list shared by all read queries.
const userColumns = `id, email, name, first_name, last_name, json(roles),
			json(permissions), active, json(metadata), created_at, updated_at`

// Create inserts a new user record. The id and email must both be free.
func (s *SQLite) Create(ctx context.Context, user *identity.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user id is required")
	}
	if user.Email == "" {
		return fmt.Errorf("user email is required")
	}

	rolesJSON, permsJSON, metaJSON, err := encodeUserJSON(user)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	createdAt := user.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	updatedAt := user.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (
			id, email, name, first_name, last_name,
			roles, permissions, active, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, jsonb(?), jsonb(?), ?, jsonb(?), ?, ?)`,
		user.ID,
		user.Email,
		user.Name,
		user.FirstName,
		user.LastName,
		rolesJSON,
		permsJSON,
		boolToInt(user.Active),
		metaJSON,
		formatTime(createdAt),
		formatTime(updatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return kferrors.ErrAlreadyExists
		}
		return fmt.Errorf("inserting user: %w", err)
	}

	return nil
}

// GetByID retrieves a user by identity-provider subject.
func (s *SQLite) GetByID(ctx context.Context, id string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// GetByEmail retrieves a user by email. The email column collates
// case-insensitively, so lookups match regardless of case.
func (s *SQLite) GetByEmail(ctx context.Context, email string) (*identity.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// List returns users matching the filter, oldest first.
func (s *SQLite) List(ctx context.Context, filter ListFilter) ([]*identity.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE 1=1`
	var args []any

	if filter.Email != "" {
		query += ` AND email = ?`
		args = append(args, filter.Email)
	}
	if filter.Active != nil {
		query += ` AND active = ?`
		args = append(args, boolToInt(*filter.Active))
	}
	if filter.Search != "" {
		query += ` AND (email LIKE ? OR name LIKE ?)`
		pattern := "%" + filter.Search + "%"
		args = append(args, pattern, pattern)
	}

	query += ` ORDER BY created_at, id`

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*identity.User
	for rows.Next() {
		user, scanErr := scanUser(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating user rows: %w", err)
	}

	return users, nil
}

// Update overwrites the mutable fields of an existing user. The created
// timestamp is immutable; updated_at is bumped to now.
func (s *SQLite) Update(ctx context.Context, user *identity.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("user id is required")
	}

	rolesJSON, permsJSON, metaJSON, err := encodeUserJSON(user)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET
			email = ?, name = ?, first_name = ?, last_name = ?,
			roles = jsonb(?), permissions = jsonb(?), active = ?,
			metadata = jsonb(?), updated_at = ?
		WHERE id = ?`,
		user.Email,
		user.Name,
		user.FirstName,
		user.LastName,
		rolesJSON,
		permsJSON,
		boolToInt(user.Active),
		metaJSON,
		formatTime(time.Now().UTC()),
		user.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return kferrors.ErrAlreadyExists
		}
		return fmt.Errorf("updating user: %w", err)
	}

	return requireAffected(res)
}

// SetActive flips the active flag without touching other fields.
func (s *SQLite) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET active = ?, updated_at = ? WHERE id = ?`,
		boolToInt(active), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return fmt.Errorf("updating active flag: %w", err)
	}
	return requireAffected(res)
}

// Delete removes a user record.
func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting user: %w", err)
	}
	return requireAffected(res)
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

// scanUser scans one user row into the shared principal type.
func scanUser(sc scanner) (*identity.User, error) {
	var (
		id           string
		email        string
		name         string
		firstName    string
		lastName     string
		rolesBlob    []byte
		permsBlob    []byte
		active       int
		metaBlob     []byte
		createdAtStr string
		updatedAtStr string
	)

	err := sc.Scan(
		&id, &email, &name, &firstName, &lastName, &rolesBlob,
		&permsBlob, &active, &metaBlob, &createdAtStr, &updatedAtStr,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kferrors.ErrNotFound
		}
		return nil, fmt.Errorf("scanning user row: %w", err)
	}

	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	roles, err := decodeStringSlice(rolesBlob)
	if err != nil {
		return nil, fmt.Errorf("decoding roles: %w", err)
	}
	perms, err := decodeStringSlice(permsBlob)
	if err != nil {
		return nil, fmt.Errorf("decoding permissions: %w", err)
	}
	meta, err := decodeStringMap(metaBlob)
	if err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}

	return &identity.User{
		ID:          id,
		Email:       email,
		Name:        name,
		FirstName:   firstName,
		LastName:    lastName,
		Roles:       roles,
		Permissions: perms,
		Active:      active != 0,
		Metadata:    meta,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}, nil
}

// encodeUserJSON marshals the slice and map fields for the SQLite
// jsonb() function.
func encodeUserJSON(user *identity.User) (roles, perms, meta string, err error) {
	roles, err = encodeJSON(user.Roles)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding roles: %w", err)
	}
	perms, err = encodeJSON(user.Permissions)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding permissions: %w", err)
	}
	meta, err = encodeJSON(user.Metadata)
	if err != nil {
		return "", "", "", fmt.Errorf("encoding metadata: %w", err)
	}
	return roles, perms, meta, nil
}

func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeStringSlice(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeStringMap(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var out map[string]string
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// requireAffected maps a zero-row mutation onto ErrNotFound.
func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return kferrors.ErrNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code()
		return code == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
