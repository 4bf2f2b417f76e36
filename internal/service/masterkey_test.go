package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stillwater-app/journal-server-go/internal/crypto"
	"github.com/stillwater-app/journal-server-go/internal/model"
)

func testKEK(t *testing.T) []byte {
	t.Helper()
	kek, err := crypto.NewSymmetricKey()
	require.NoError(t, err)
	return kek
}

func TestMasterKeyService_GetForEncryption(t *testing.T) {
	ctx := context.Background()
	testUser := &model.User{ID: "user-1", Tier: model.TierStandard}

	t.Run("creates a key on first use", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		blobs := newMemBlobStore()
		svc := NewMasterKeyService(users, keys, blobs, testKEK(t), time.Minute)

		users.On("FindByID", ctx, "user-1").Return(testUser, nil)
		keys.On("FindActiveByUserID", ctx, "user-1").Return(nil, nil)
		keys.On("Create", ctx, mock.MatchedBy(func(p model.CreateMasterKeyParams) bool {
			return p.UserID == "user-1" && p.UID != "" && p.BlobRef != ""
		})).Return(&model.MasterKeyMeta{UID: "key-1", UserID: "user-1", BlobRef: "ref-1", Active: true}, nil)

		key, err := svc.GetForEncryption(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.UID)
		assert.Len(t, key.Material, 32)
		keys.AssertExpectations(t)
	})

	t.Run("returns the existing active key", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		blobs := newMemBlobStore()
		kek := testKEK(t)
		svc := NewMasterKeyService(users, keys, blobs, kek, time.Minute)

		material, err := crypto.NewSymmetricKey()
		require.NoError(t, err)
		sealed, err := crypto.Seal(kek, material)
		require.NoError(t, err)
		require.NoError(t, blobs.Put(ctx, "ref-1", sealed))

		users.On("FindByID", ctx, "user-1").Return(testUser, nil)
		keys.On("FindActiveByUserID", ctx, "user-1").
			Return(&model.MasterKeyMeta{UID: "key-1", UserID: "user-1", BlobRef: "ref-1", Active: true}, nil)

		key, err := svc.GetForEncryption(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.UID)
		assert.Equal(t, material, key.Material)
	})

	t.Run("caches material within the TTL", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		blobs := newMemBlobStore()
		kek := testKEK(t)
		svc := NewMasterKeyService(users, keys, blobs, kek, time.Minute)

		material, err := crypto.NewSymmetricKey()
		require.NoError(t, err)
		sealed, err := crypto.Seal(kek, material)
		require.NoError(t, err)
		require.NoError(t, blobs.Put(ctx, "ref-1", sealed))

		meta := &model.MasterKeyMeta{UID: "key-1", UserID: "user-1", BlobRef: "ref-1", Active: true}
		users.On("FindByID", ctx, "user-1").Return(testUser, nil)
		keys.On("FindActiveByUserID", ctx, "user-1").Return(meta, nil)

		_, err = svc.GetForEncryption(ctx, "user-1")
		require.NoError(t, err)

		// Remove the blob; a cache hit must not notice.
		blobs.mu.Lock()
		delete(blobs.blobs, "ref-1")
		blobs.mu.Unlock()

		key, err := svc.GetForEncryption(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, material, key.Material)
	})

	t.Run("lost lazy-creation race falls back to the winner", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		blobs := newMemBlobStore()
		kek := testKEK(t)
		svc := NewMasterKeyService(users, keys, blobs, kek, time.Minute)

		winnerMaterial, err := crypto.NewSymmetricKey()
		require.NoError(t, err)
		sealed, err := crypto.Seal(kek, winnerMaterial)
		require.NoError(t, err)
		require.NoError(t, blobs.Put(ctx, "winner-ref", sealed))

		winner := &model.MasterKeyMeta{UID: "winner-key", UserID: "user-1", BlobRef: "winner-ref", Active: true}

		users.On("FindByID", ctx, "user-1").Return(testUser, nil)
		keys.On("FindActiveByUserID", ctx, "user-1").Return(nil, nil).Once()
		keys.On("Create", ctx, mock.Anything).Return(nil, assert.AnError)
		keys.On("FindActiveByUserID", ctx, "user-1").Return(winner, nil).Once()

		key, err := svc.GetForEncryption(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "winner-key", key.UID)
		assert.Equal(t, winnerMaterial, key.Material)
	})

	t.Run("unknown user", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		svc := NewMasterKeyService(users, keys, newMemBlobStore(), testKEK(t), time.Minute)

		users.On("FindByID", ctx, "ghost").Return(nil, nil)

		_, err := svc.GetForEncryption(ctx, "ghost")
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestMasterKeyService_GetForDecryption(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves a retired key", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		blobs := newMemBlobStore()
		kek := testKEK(t)
		svc := NewMasterKeyService(users, keys, blobs, kek, time.Minute)

		material, err := crypto.NewSymmetricKey()
		require.NoError(t, err)
		sealed, err := crypto.Seal(kek, material)
		require.NoError(t, err)
		require.NoError(t, blobs.Put(ctx, "old-ref", sealed))

		retiredAt := time.Now()
		keys.On("FindByUID", ctx, "user-1", "old-key").Return(&model.MasterKeyMeta{
			UID: "old-key", UserID: "user-1", BlobRef: "old-ref", Active: false, RetiredAt: &retiredAt,
		}, nil)

		key, err := svc.GetForDecryption(ctx, "user-1", "old-key")
		require.NoError(t, err)
		assert.Equal(t, material, key.Material)
	})

	t.Run("unknown key", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		svc := NewMasterKeyService(users, keys, newMemBlobStore(), testKEK(t), time.Minute)

		keys.On("FindByUID", ctx, "user-1", "ghost-key").Return(nil, nil)

		_, err := svc.GetForDecryption(ctx, "user-1", "ghost-key")
		assert.ErrorIs(t, err, ErrMasterKeyNotFound)
	})

	t.Run("corrupt blob", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		blobs := newMemBlobStore()
		svc := NewMasterKeyService(users, keys, blobs, testKEK(t), time.Minute)

		require.NoError(t, blobs.Put(ctx, "bad-ref", []byte("not a sealed blob")))
		keys.On("FindByUID", ctx, "user-1", "key-1").Return(&model.MasterKeyMeta{
			UID: "key-1", UserID: "user-1", BlobRef: "bad-ref", Active: true,
		}, nil)

		_, err := svc.GetForDecryption(ctx, "user-1", "key-1")
		assert.ErrorIs(t, err, ErrMasterKeyCorrupt)
	})
}

func TestMasterKeyService_Rotate(t *testing.T) {
	ctx := context.Background()
	testUser := &model.User{ID: "user-1", Tier: model.TierStandard}

	t.Run("retires the active key and creates a successor", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		svc := NewMasterKeyService(users, keys, newMemBlobStore(), testKEK(t), time.Minute)

		users.On("FindByID", ctx, "user-1").Return(testUser, nil)
		keys.On("FindActiveByUserID", ctx, "user-1").
			Return(&model.MasterKeyMeta{UID: "key-1", UserID: "user-1", BlobRef: "ref-1", Active: true}, nil)
		keys.On("Retire", ctx, "user-1", "key-1").Return(nil)
		keys.On("Create", ctx, mock.Anything).
			Return(&model.MasterKeyMeta{UID: "key-2", UserID: "user-1", BlobRef: "ref-2", Active: true}, nil)

		key, err := svc.Rotate(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "key-2", key.UID)
		keys.AssertExpectations(t)
	})

	t.Run("rotating with no active key just creates one", func(t *testing.T) {
		users := new(mockUserRepo)
		keys := new(mockMasterKeyRepo)
		svc := NewMasterKeyService(users, keys, newMemBlobStore(), testKEK(t), time.Minute)

		users.On("FindByID", ctx, "user-1").Return(testUser, nil)
		keys.On("FindActiveByUserID", ctx, "user-1").Return(nil, nil)
		keys.On("Create", ctx, mock.Anything).
			Return(&model.MasterKeyMeta{UID: "key-1", UserID: "user-1", BlobRef: "ref-1", Active: true}, nil)

		key, err := svc.Rotate(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, "key-1", key.UID)
		keys.AssertNotCalled(t, "Retire", mock.Anything, mock.Anything, mock.Anything)
	})
}
