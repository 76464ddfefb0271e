package store

import (
	"context"
	"time"
)

const userColumns = "id, email, name, password_hash, is_active, is_staff, is_superuser, date_joined, last_login"

func (s *SQLStore) CreateUser(ctx context.Context, u *User) error {
	if u.DateJoined.IsZero() {
		u.DateJoined = time.Now().UTC()
	}
	id, err := s.insert(ctx,
		`INSERT INTO users (email, name, password_hash, is_active, is_staff, is_superuser, date_joined)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Email, u.Name, u.PasswordHash, u.IsActive, u.IsStaff, u.IsSuperuser, u.DateJoined)
	if err != nil {
		return err
	}
	u.ID = id
	return nil
}

func (s *SQLStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var u User
	found, err := s.get(ctx, &u, "SELECT "+userColumns+" FROM users WHERE id = ?", id)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

// GetUserByEmail matches case-insensitively.
func (s *SQLStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	found, err := s.get(ctx, &u, "SELECT "+userColumns+" FROM users WHERE LOWER(email) = LOWER(?)", email)
	if err != nil || !found {
		return nil, err
	}
	return &u, nil
}

func (s *SQLStore) UpdateUser(ctx context.Context, u *User) error {
	return expectOne(s.exec(ctx,
		`UPDATE users SET email = ?, name = ?, password_hash = ?, is_active = ?, is_staff = ?, is_superuser = ?
		 WHERE id = ?`,
		u.Email, u.Name, u.PasswordHash, u.IsActive, u.IsStaff, u.IsSuperuser, u.ID))
}

func (s *SQLStore) SetLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := s.exec(ctx, "UPDATE users SET last_login = ? WHERE id = ?", at, id)
	return err
}

func (s *SQLStore) ListUsers(ctx context.Context, page Page) ([]User, int, error) {
	total, err := s.CountUsers(ctx)
	if err != nil {
		return nil, 0, err
	}
	q, args := paginate("SELECT "+userColumns+" FROM users ORDER BY id", page, nil)
	users := []User{}
	if err := s.selectRows(ctx, &users, q, args...); err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

func (s *SQLStore) CountUsers(ctx context.Context) (int, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM users")
}
