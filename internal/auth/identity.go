package auth

import (
	"context"
	"net/http"

	"github.com/flowmerce/flowmerce/internal/store"
)

// Identity is the authenticated caller derived from an access token.
type Identity struct {
	UserID      int64
	Email       string
	IsStaff     bool
	IsSuperuser bool
}

// IsAdmin reports staff or superuser rights.
func (i *Identity) IsAdmin() bool {
	return i != nil && (i.IsStaff || i.IsSuperuser)
}

// IdentityOf builds the identity of an account loaded from the store.
func IdentityOf(u *store.User) *Identity {
	return &Identity{UserID: u.ID, Email: u.Email, IsStaff: u.IsStaff, IsSuperuser: u.IsSuperuser}
}

// Provider validates bearer tokens and returns identities.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Identity, error)
}

// IsAdminUser allows staff and superusers only.
func IsAdminUser(id *Identity) bool {
	return id.IsAdmin()
}

// IsAdminOrReadOnly allows safe methods to any authenticated caller and
// writes to admins only.
func IsAdminOrReadOnly(id *Identity, method string) bool {
	if id == nil {
		return false
	}
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return id.IsAdmin()
}
