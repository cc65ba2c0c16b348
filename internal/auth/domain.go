package auth

import "time"

// User represents an authenticated portal account. Guardians are linked to
// a User through guardians.user_id; staff accounts carry roles directly.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
