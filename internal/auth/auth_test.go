package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	cfg := config.AuthConfig{
		JWTSecret:  "test-secret-at-least-32-chars-long",
		AccessTTL:  config.Duration{Duration: 15 * time.Minute},
		RefreshTTL: config.Duration{Duration: 24 * time.Hour},
	}
	return NewService(s, nil, cfg), s
}

func TestBootstrap(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	admin := &config.InitialAdmin{
		Email:    "admin@Shop.test",
		Password: "admin-password",
	}

	// First bootstrap should create the admin user
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	user, err := s.GetUserByEmail(ctx, "admin@shop.test")
	if err != nil {
		t.Fatalf("GetUserByEmail: %v", err)
	}
	if user == nil {
		t.Fatal("admin user not created")
	}
	if !user.IsStaff || !user.IsSuperuser {
		t.Errorf("flags: staff=%v superuser=%v, want both true", user.IsStaff, user.IsSuperuser)
	}
	if user.Email != "admin@shop.test" {
		t.Errorf("Email: got %q, want %q", user.Email, "admin@shop.test")
	}

	// Second bootstrap should be idempotent (no error, no duplicate)
	if err := svc.BootstrapAdmin(ctx, admin); err != nil {
		t.Fatalf("Bootstrap (idempotent): %v", err)
	}
	n, _ := s.CountUsers(ctx)
	if n != 1 {
		t.Errorf("expected 1 user after double bootstrap, got %d", n)
	}

	// Bootstrap with nil should be a no-op
	if err := svc.BootstrapAdmin(ctx, nil); err != nil {
		t.Fatalf("BootstrapAdmin(nil): %v", err)
	}
}

func TestRegister(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	user, err := svc.Register(ctx, RegisterInput{Email: "  Jane@Example.COM ", Password: "password123", Name: "Jane"})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if user.Email != "Jane@example.com" {
		t.Errorf("Email: got %q, want %q", user.Email, "Jane@example.com")
	}
	if user.IsStaff || user.IsSuperuser || !user.IsActive {
		t.Errorf("flags: %+v", user)
	}

	_, err = svc.Register(ctx, RegisterInput{Email: "jane@example.com", Password: "password123"})
	if !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate (case-insensitive): got %v, want ErrUserExists", err)
	}
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("ErrUserExists should match ErrConflict")
	}

	tests := []struct {
		name  string
		in    RegisterInput
		field string
	}{
		{"missing email", RegisterInput{Password: "password123"}, "email"},
		{"bad email", RegisterInput{Email: "not-an-email", Password: "password123"}, "email"},
		{"short password", RegisterInput{Email: "a@b.test", Password: "short"}, "password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(ctx, tt.in)
			fields, ok := apperr.FieldErrors(err)
			if !ok {
				t.Fatalf("expected validation error, got %v", err)
			}
			if _, ok := fields[tt.field]; !ok {
				t.Errorf("fields %v missing %q", fields, tt.field)
			}
		})
	}
}

func TestRegisterPublishesUserCreated(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	bus := events.New(nil)
	t.Cleanup(bus.Close)
	ch := bus.Subscribe(events.UserCreated)

	svc := NewService(s, bus, config.AuthConfig{JWTSecret: "test-secret-at-least-32-chars-long"})
	if _, err := svc.Register(context.Background(), RegisterInput{Email: "new@shop.test", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	select {
	case e := <-ch:
		var payload struct {
			Email string `json:"email"`
		}
		if err := e.Decode(&payload); err != nil || payload.Email != "new@shop.test" {
			t.Errorf("payload: %+v, %v", payload, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no user.created event")
	}
}

func TestLoginAndValidate(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	if _, err := svc.CreateSuperuser(ctx, "boss@shop.test", "Boss", "password123"); err != nil {
		t.Fatal(err)
	}

	pair, user, err := svc.Login(ctx, "BOSS@shop.test", "password123")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if pair.Access == "" || pair.Refresh == "" {
		t.Fatal("expected both tokens")
	}
	if user.LastLogin == nil {
		t.Error("LastLogin not set on returned user")
	}
	stored, _ := s.GetUserByID(ctx, user.ID)
	if stored.LastLogin == nil {
		t.Error("LastLogin not persisted")
	}

	id, err := svc.ValidateToken(ctx, pair.Access)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id.UserID != user.ID || id.Email != "boss@shop.test" || !id.IsAdmin() {
		t.Errorf("identity: %+v", id)
	}

	// Refresh tokens are not accepted as access tokens.
	if _, err := svc.ValidateToken(ctx, pair.Refresh); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("refresh as access: got %v, want ErrUnauthorized", err)
	}

	if _, _, err := svc.Login(ctx, "boss@shop.test", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "ghost@shop.test", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown user: got %v", err)
	}
}

func TestLoginInactiveUser(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, RegisterInput{Email: "gone@shop.test", Password: "password123"})
	if err != nil {
		t.Fatal(err)
	}
	u.IsActive = false
	if err := s.UpdateUser(ctx, u); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Login(ctx, "gone@shop.test", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("inactive login: got %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshAndLogout(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "clerk@shop.test", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	pair, _, err := svc.Login(ctx, "clerk@shop.test", "password123")
	if err != nil {
		t.Fatal(err)
	}

	access, err := svc.Refresh(ctx, pair.Refresh)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if _, err := svc.ValidateToken(ctx, access); err != nil {
		t.Errorf("refreshed access token invalid: %v", err)
	}

	// Access tokens cannot be used to refresh.
	if _, err := svc.Refresh(ctx, pair.Access); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("refresh with access token: got %v", err)
	}

	if err := svc.Logout(ctx, pair.Refresh); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := svc.Refresh(ctx, pair.Refresh); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("refresh after logout: got %v, want ErrUnauthorized", err)
	}
}

func TestExpiredToken(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "late@shop.test", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	pair, _, err := svc.Login(ctx, "late@shop.test", "password123")
	if err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := svc.ValidateToken(ctx, pair.Access); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expired access token: got %v, want ErrUnauthorized", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	if _, err := svc.Register(ctx, RegisterInput{Email: "x@shop.test", Password: "password123"}); err != nil {
		t.Fatal(err)
	}
	pair, _, _ := svc.Login(ctx, "x@shop.test", "password123")

	other := NewService(svc.store, nil, config.AuthConfig{JWTSecret: "a-completely-different-secret-value!"})
	if _, err := other.ValidateToken(ctx, pair.Access); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("foreign signature: got %v", err)
	}
	if _, err := svc.ValidateToken(ctx, "garbage"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("garbage token: got %v", err)
	}
}

func TestPasswordLengthBoundaries(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	for _, n := range []int{72, 73, 128} {
		t.Run(fmt.Sprintf("%d chars", n), func(t *testing.T) {
			email := fmt.Sprintf("len%d@shop.test", n)
			pw := strings.Repeat("a", n-1) + "z"
			if _, err := svc.Register(ctx, RegisterInput{Email: email, Password: pw}); err != nil {
				t.Fatalf("Register: %v", err)
			}
			if _, _, err := svc.Login(ctx, email, pw); err != nil {
				t.Errorf("Login: %v", err)
			}
			// Characters past bcrypt's 72-byte window still count.
			if _, _, err := svc.Login(ctx, email, strings.Repeat("a", n-1)+"y"); !errors.Is(err, ErrInvalidCredentials) {
				t.Errorf("wrong last character: got %v", err)
			}
		})
	}

	_, err := svc.Register(ctx, RegisterInput{Email: "len129@shop.test", Password: strings.Repeat("a", 129)})
	if _, ok := apperr.FieldErrors(err); !ok {
		t.Errorf("129 chars: expected validation error, got %v", err)
	}
}

func TestUpdateProfile(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()
	u, err := svc.Register(ctx, RegisterInput{Email: "p@shop.test", Password: "password123"})
	if err != nil {
		t.Fatal(err)
	}

	name := "Pat"
	newPass := "new-password-456"
	if _, err := svc.UpdateProfile(ctx, u.ID, ProfileUpdate{Password: &newPass, CurrentPassword: "nope"}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("wrong current password: got %v", err)
	}
	got, err := svc.UpdateProfile(ctx, u.ID, ProfileUpdate{Name: &name, Password: &newPass, CurrentPassword: "password123"})
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Pat" {
		t.Errorf("Name: got %q", got.Name)
	}
	if _, _, err := svc.Login(ctx, "p@shop.test", newPass); err != nil {
		t.Errorf("login with new password: %v", err)
	}
}

func TestPermissions(t *testing.T) {
	staff := &Identity{UserID: 1, IsStaff: true}
	clerk := &Identity{UserID: 2}

	if !IsAdminUser(staff) || IsAdminUser(clerk) || IsAdminUser(nil) {
		t.Error("IsAdminUser mismatch")
	}
	if !IsAdminOrReadOnly(clerk, http.MethodGet) {
		t.Error("clerk should read")
	}
	if IsAdminOrReadOnly(clerk, http.MethodPost) {
		t.Error("clerk should not write")
	}
	if !IsAdminOrReadOnly(staff, http.MethodDelete) {
		t.Error("staff should write")
	}
	if IsAdminOrReadOnly(nil, http.MethodGet) {
		t.Error("anonymous should not read")
	}
}
