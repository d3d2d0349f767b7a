package sqlstore

import (
	"context"
	"fmt"

	"securechat/internal/domain"
)

type UserRepo struct {
	s *Store
}

var _ domain.UserRepository = (*UserRepo)(nil)

func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	query := r.s.rebind(`
		INSERT INTO users (id, username, name, avatar, hashed_password, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if _, err := r.s.DB.ExecContext(ctx, query,
		u.ID, u.Username, u.Name, u.Avatar, u.HashedPassword, u.IsActive, toNanos(u.CreatedAt),
	); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	return r.scanUser(ctx, `SELECT id, username, name, avatar, hashed_password, is_active, created_at FROM users WHERE id = ?`, id)
}

func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.scanUser(ctx, `SELECT id, username, name, avatar, hashed_password, is_active, created_at FROM users WHERE username = ?`, username)
}

func (r *UserRepo) scanUser(ctx context.Context, query string, arg any) (*domain.User, error) {
	u := &domain.User{}
	var created int64
	err := r.s.DB.QueryRowContext(ctx, r.s.rebind(query), arg).Scan(
		&u.ID, &u.Username, &u.Name, &u.Avatar, &u.HashedPassword, &u.IsActive, &created,
	)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", notFoundIfNoRows(err))
	}
	u.CreatedAt = fromNanos(created)
	return u, nil
}
