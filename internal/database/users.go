package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"classchat/pkg/types"
)

// GetUser implements the identity directory on the users table
func (m *Manager) GetUser(ctx context.Context, userID string) (*types.User, error) {
	var user types.User
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, role, created_at FROM users WHERE id = ?`, userID,
	).Scan(&user.ID, &user.Name, &user.Role, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &user, nil
}

// UpsertUser seeds or updates a directory entry
func (m *Manager) UpsertUser(ctx context.Context, user *types.User) error {
	if !types.IsValidUserID(user.ID) {
		return types.Validation("invalid user id")
	}
	if !types.IsValidRole(user.Role) {
		return types.Validation("role must be teacher or student")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	ctx = context.WithoutCancel(ctx)
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (id, name, role, created_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET name = excluded.name, role = excluded.role
		`, user.ID, user.Name, user.Role, user.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to upsert user: %w", err)
		}
		return nil
	})
}
