package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownRole indicates a role outside the app_role enum.
var ErrUnknownRole = errors.New("rbac: unknown role")

// Service answers role questions from the user_roles table. It is the only
// authorization logic in the portal; the domain services defer to it.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// RolesForUser returns all roles held by a user.
func (s *Service) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		var r Role
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// HasRole reports whether the user holds the given role.
func (s *Service) HasRole(ctx context.Context, userID string, role Role) (bool, error) {
	if !role.Valid() {
		return false, fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_roles WHERE user_id = $1 AND role = $2)`,
		userID, role,
	).Scan(&exists)
	return exists, err
}

// IsAdmin reports whether the user holds the super_admin role.
func (s *Service) IsAdmin(ctx context.Context, userID string) (bool, error) {
	return s.HasRole(ctx, userID, RoleSuperAdmin)
}

// AssignRole grants a role to a user. Granting a held role is a no-op.
func (s *Service) AssignRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, role,
	)
	return err
}

// RemoveRole revokes a role from a user.
func (s *Service) RemoveRole(ctx context.Context, userID string, role Role) error {
	if !role.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownRole, role)
	}
	_, err := s.pool.Exec(ctx,
		`DELETE FROM user_roles WHERE user_id = $1 AND role = $2`,
		userID, role,
	)
	return err
}
