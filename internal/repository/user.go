package repository

import (
	"context"

	"github.com/stillwater-app/journal-server-go/internal/database"
	"github.com/stillwater-app/journal-server-go/internal/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, id string) (*model.User, error)
}

type userRepo struct {
	db database.DBTX
}

func NewUserRepository(db database.DBTX) UserRepository {
	return &userRepo{db: db}
}

func (r *userRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	err := r.db.GetContext(ctx, &user, `
		SELECT * FROM users WHERE id = $1 AND deleted_at IS NULL
	`, id)
	return maybeRow(&user, err)
}
