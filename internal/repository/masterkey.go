package repository

import (
	"context"
	"time"

	"github.com/stillwater-app/journal-server-go/internal/database"
	"github.com/stillwater-app/journal-server-go/internal/model"
)

type MasterKeyRepository interface {
	FindActiveByUserID(ctx context.Context, userID string) (*model.MasterKeyMeta, error)
	// FindByUID resolves any key ever created for the user, active or
	// retired. Historical items stay decryptable forever.
	FindByUID(ctx context.Context, userID, uid string) (*model.MasterKeyMeta, error)
	Create(ctx context.Context, params model.CreateMasterKeyParams) (*model.MasterKeyMeta, error)
	Retire(ctx context.Context, userID, uid string) error
}

type masterKeyRepo struct {
	db database.DBTX
}

func NewMasterKeyRepository(db database.DBTX) MasterKeyRepository {
	return &masterKeyRepo{db: db}
}

func (r *masterKeyRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.MasterKeyMeta, error) {
	var meta model.MasterKeyMeta
	err := r.db.GetContext(ctx, &meta, `
		SELECT * FROM master_keys
		WHERE user_id = $1 AND active = TRUE
	`, userID)
	return maybeRow(&meta, err)
}

func (r *masterKeyRepo) FindByUID(ctx context.Context, userID, uid string) (*model.MasterKeyMeta, error) {
	var meta model.MasterKeyMeta
	err := r.db.GetContext(ctx, &meta, `
		SELECT * FROM master_keys
		WHERE uid = $1 AND user_id = $2
	`, uid, userID)
	return maybeRow(&meta, err)
}

func (r *masterKeyRepo) Create(ctx context.Context, params model.CreateMasterKeyParams) (*model.MasterKeyMeta, error) {
	var meta model.MasterKeyMeta
	err := r.db.GetContext(ctx, &meta, `
		INSERT INTO master_keys (uid, user_id, blob_ref, active, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		RETURNING *
	`, params.UID, params.UserID, params.BlobRef)
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

func (r *masterKeyRepo) Retire(ctx context.Context, userID, uid string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE master_keys SET active = FALSE, retired_at = $3
		WHERE uid = $1 AND user_id = $2 AND active = TRUE
	`, uid, userID, time.Now())
	return err
}
