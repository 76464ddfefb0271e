// Package auth provides authentication and authorization for the back office.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/flowmerce/flowmerce/internal/apperr"
	"github.com/flowmerce/flowmerce/internal/config"
	"github.com/flowmerce/flowmerce/internal/events"
	"github.com/flowmerce/flowmerce/internal/store"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserExists         = fmt.Errorf("user already exists: %w", apperr.ErrConflict)
	ErrUnauthorized       = errors.New("unauthorized")
)

const (
	tokenAccess  = "access"
	tokenRefresh = "refresh"

	minPasswordLen = 8
	maxPasswordLen = 128
)

// Claims represents the JWT token claims.
type Claims struct {
	UserID    int64  `json:"uid"`
	Email     string `json:"email"`
	Staff     bool   `json:"staff,omitempty"`
	Superuser bool   `json:"su,omitempty"`
	Type      string `json:"typ"`
	jwt.RegisteredClaims
}

// TokenPair is returned on login.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Service handles authentication operations.
type Service struct {
	store      store.Store
	bus        events.Publisher
	jwtSecret  []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// NewService creates a new auth service.
func NewService(s store.Store, bus events.Publisher, cfg config.AuthConfig) *Service {
	if bus == nil {
		bus = events.Discard{}
	}
	accessTTL := cfg.AccessTTL.Duration
	if accessTTL == 0 {
		accessTTL = 24 * time.Hour
	}
	refreshTTL := cfg.RefreshTTL.Duration
	if refreshTTL == 0 {
		refreshTTL = 7 * 24 * time.Hour
	}
	return &Service{
		store:      s,
		bus:        bus,
		jwtSecret:  []byte(cfg.JWTSecret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		now:        time.Now,
	}
}

// NormalizeEmail trims the address and lower-cases its domain part.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return email
	}
	return email[:at] + "@" + strings.ToLower(email[at+1:])
}

func validateEmail(email string) error {
	if email == "" {
		return apperr.Invalid("email", "this field is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.Invalid("email", "enter a valid email address")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < minPasswordLen {
		return apperr.Invalid("password", fmt.Sprintf("must be at least %d characters", minPasswordLen))
	}
	if len(password) > maxPasswordLen {
		return apperr.Invalid("password", fmt.Sprintf("must be at most %d characters", maxPasswordLen))
	}
	return nil
}

// bcryptKey fits passwords longer than bcrypt's 72-byte input limit by
// hashing them first.
func bcryptKey(password string) []byte {
	if len(password) <= 72 {
		return []byte(password)
	}
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(bcryptKey(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptKey(password)) == nil
}

// RegisterInput is the payload of Register.
type RegisterInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

// Register creates a new active, non-staff account.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*store.User, error) {
	return s.createUser(ctx, in, false)
}

// CreateSuperuser creates a staff + superuser account.
func (s *Service) CreateSuperuser(ctx context.Context, email, name, password string) (*store.User, error) {
	return s.createUser(ctx, RegisterInput{Email: email, Password: password, Name: name}, true)
}

func (s *Service) createUser(ctx context.Context, in RegisterInput, admin bool) (*store.User, error) {
	email := NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}

	existing, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("check existing: %w", err)
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &store.User{
		Email:        email,
		Name:         strings.TrimSpace(in.Name),
		PasswordHash: hash,
		IsActive:     true,
		IsStaff:      admin,
		IsSuperuser:  admin,
		DateJoined:   s.now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.bus.PublishType(events.UserCreated, map[string]any{"id": user.ID, "email": user.Email})
	return user, nil
}

// BootstrapAdmin creates the initial superuser from the given config. It is a
// no-op when admin is nil or the account already exists.
func (s *Service) BootstrapAdmin(ctx context.Context, admin *config.InitialAdmin) error {
	if admin == nil || admin.Email == "" {
		return nil
	}
	existing, err := s.store.GetUserByEmail(ctx, NormalizeEmail(admin.Email))
	if err != nil {
		return fmt.Errorf("check existing user: %w", err)
	}
	if existing != nil {
		return nil // already bootstrapped
	}
	if _, err := s.CreateSuperuser(ctx, admin.Email, admin.Name, admin.Password); err != nil {
		return fmt.Errorf("create initial admin: %w", err)
	}
	return nil
}

// Login authenticates a user, records the login time and returns a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *store.User, error) {
	user, err := s.store.GetUserByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		return nil, nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil || !user.IsActive {
		return nil, nil, ErrInvalidCredentials
	}
	if !checkPassword(user.PasswordHash, password) {
		return nil, nil, ErrInvalidCredentials
	}

	now := s.now().UTC()
	if err := s.store.SetLastLogin(ctx, user.ID, now); err != nil {
		return nil, nil, fmt.Errorf("set last login: %w", err)
	}
	user.LastLogin = &now

	access, err := s.generateToken(user, tokenAccess, s.accessTTL)
	if err != nil {
		return nil, nil, err
	}
	refresh, err := s.generateToken(user, tokenRefresh, s.refreshTTL)
	if err != nil {
		return nil, nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, user, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, error) {
	claims, err := s.validateRefresh(ctx, refreshToken)
	if err != nil {
		return "", err
	}
	user, err := s.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if user == nil || !user.IsActive {
		return "", ErrUnauthorized
	}
	return s.generateToken(user, tokenAccess, s.accessTTL)
}

// Logout blacklists a refresh token until it expires.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	claims, err := s.validateRefresh(ctx, refreshToken)
	if err != nil {
		return err
	}
	exp := s.now().Add(s.refreshTTL)
	if claims.ExpiresAt != nil {
		exp = claims.ExpiresAt.Time
	}
	if err := s.store.RevokeToken(ctx, claims.ID, exp); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

func (s *Service) validateRefresh(ctx context.Context, tokenStr string) (*Claims, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenRefresh || claims.ID == "" {
		return nil, ErrUnauthorized
	}
	revoked, err := s.store.IsTokenRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

// ValidateToken validates an access token and returns an Identity.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Identity, error) {
	claims, err := s.validateJWT(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Type != tokenAccess {
		return nil, ErrUnauthorized
	}
	return &Identity{
		UserID:      claims.UserID,
		Email:       claims.Email,
		IsStaff:     claims.Staff,
		IsSuperuser: claims.Superuser,
	}, nil
}

// validateJWT validates a JWT token and returns the claims.
func (s *Service) validateJWT(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return claims, nil
}

func (s *Service) generateToken(user *store.User, typ string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &Claims{
		UserID:    user.ID,
		Email:     user.Email,
		Staff:     user.IsStaff,
		Superuser: user.IsSuperuser,
		Type:      typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// GetUser returns the user or apperr.ErrNotFound.
func (s *Service) GetUser(ctx context.Context, id int64) (*store.User, error) {
	u, err := s.store.GetUserByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if u == nil {
		return nil, apperr.ErrNotFound
	}
	return u, nil
}

// ListUsers returns one page of accounts and the total count.
func (s *Service) ListUsers(ctx context.Context, page store.Page) ([]store.User, int, error) {
	return s.store.ListUsers(ctx, page)
}

// ProfileUpdate is the payload of UpdateProfile. Nil fields are left unchanged.
type ProfileUpdate struct {
	Name            *string `json:"name"`
	Password        *string `json:"password"`
	CurrentPassword string  `json:"current_password"`
}

// UpdateProfile changes the caller's name and, with the current password, their password.
func (s *Service) UpdateProfile(ctx context.Context, userID int64, in ProfileUpdate) (*store.User, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		user.Name = strings.TrimSpace(*in.Name)
	}
	if in.Password != nil {
		if !checkPassword(user.PasswordHash, in.CurrentPassword) {
			return nil, apperr.Invalid("current_password", "is incorrect")
		}
		if err := validatePassword(*in.Password); err != nil {
			return nil, err
		}
		hash, err := hashPassword(*in.Password)
		if err != nil {
			return nil, err
		}
		user.PasswordHash = hash
	}
	if err := s.store.UpdateUser(ctx, user); err != nil {
		return nil, fmt.Errorf("update user: %w", err)
	}
	return user, nil
}
