package rbac

import (
	"context"
	"net/http"
	"strings"

	"log/slog"

	"github.com/kayatiwi/fees-portal/internal/shared"
)

// RoleSource answers role membership questions.
type RoleSource interface {
	HasRole(ctx context.Context, userID string, role Role) (bool, error)
}

// Middleware wires role checks into HTTP handlers.
type Middleware struct {
	Service RoleSource
	Logger  *slog.Logger
}

// RequireUser ensures a signed-in user, redirecting to login otherwise.
func (m Middleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := m.currentUserID(r); !ok {
			http.Redirect(w, r, "/auth/login", http.StatusSeeOther)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAny ensures the current user holds at least one of the roles.
func (m Middleware) RequireAny(roles ...Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(roles) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			userID, ok := m.currentUserID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			for _, role := range roles {
				granted, err := m.Service.HasRole(r.Context(), userID, role)
				if err != nil {
					if m.Logger != nil {
						m.Logger.Error("rbac require any", slog.Any("error", err))
					}
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
					return
				}
				if granted {
					next.ServeHTTP(w, r)
					return
				}
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		})
	}
}

// HasAny reports whether the user holds at least one of the roles.
func (m Middleware) HasAny(ctx context.Context, userID string, roles ...Role) (bool, error) {
	if userID == "" {
		return false, nil
	}
	for _, role := range roles {
		granted, err := m.Service.HasRole(ctx, userID, role)
		if err != nil {
			return false, err
		}
		if granted {
			return true, nil
		}
	}
	return false, nil
}

func (m Middleware) currentUserID(r *http.Request) (string, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return "", false
	}
	id := strings.TrimSpace(sess.User())
	if id == "" {
		return "", false
	}
	return id, true
}
