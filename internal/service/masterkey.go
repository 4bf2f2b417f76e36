package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/blob"
	"github.com/stillwater-app/journal-server-go/internal/crypto"
	"github.com/stillwater-app/journal-server-go/internal/model"
	"github.com/stillwater-app/journal-server-go/internal/repository"
)

var (
	ErrUserNotFound = errors.New("user not found")
	// ErrMasterKeyNotFound means the referenced key metadata vanished.
	ErrMasterKeyNotFound = errors.New("master key not found")
	// ErrMasterKeyCorrupt means the stored key blob failed to open. Fatal
	// for that key; logged at error level for alerting.
	ErrMasterKeyCorrupt = errors.New("master key blob failed to decrypt")
)

// MasterKey pairs a key UID with its plaintext material for the duration
// of a request.
type MasterKey struct {
	UID      string
	Material []byte
}

type cachedKey struct {
	material  []byte
	expiresAt time.Time
}

// MasterKeyService manages the per-user rotating master keys. Key material
// lives sealed in the blob store; this service is the only component that
// touches the active-key pointer. The in-memory cache is never the source
// of truth: a miss transparently re-fetches.
type MasterKeyService struct {
	users repository.UserRepository
	keys  repository.MasterKeyRepository
	blobs blob.Store
	kek   []byte

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cachedKey
}

func NewMasterKeyService(
	users repository.UserRepository,
	keys repository.MasterKeyRepository,
	blobs blob.Store,
	kek []byte,
	cacheTTL time.Duration,
) *MasterKeyService {
	return &MasterKeyService{
		users:    users,
		keys:     keys,
		blobs:    blobs,
		kek:      kek,
		cacheTTL: cacheTTL,
		cache:    make(map[string]cachedKey),
	}
}

// GetForEncryption returns the user's active master key, creating one on
// first use.
func (s *MasterKeyService) GetForEncryption(ctx context.Context, userID string) (*MasterKey, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	meta, err := s.keys.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active master key: %w", err)
	}
	if meta == nil {
		return s.createKey(ctx, userID)
	}

	material, err := s.material(ctx, meta)
	if err != nil {
		return nil, err
	}
	return &MasterKey{UID: meta.UID, Material: material}, nil
}

// GetForDecryption resolves any master key ever used by the user, retired
// keys included.
func (s *MasterKeyService) GetForDecryption(ctx context.Context, userID, keyUID string) (*MasterKey, error) {
	meta, err := s.keys.FindByUID(ctx, userID, keyUID)
	if err != nil {
		return nil, fmt.Errorf("find master key: %w", err)
	}
	if meta == nil {
		return nil, ErrMasterKeyNotFound
	}

	material, err := s.material(ctx, meta)
	if err != nil {
		return nil, err
	}
	return &MasterKey{UID: meta.UID, Material: material}, nil
}

// Rotate retires the active key and creates a successor. Retired keys
// remain resolvable for decryption indefinitely.
func (s *MasterKeyService) Rotate(ctx context.Context, userID string) (*MasterKey, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	active, err := s.keys.FindActiveByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find active master key: %w", err)
	}
	if active != nil {
		if err := s.keys.Retire(ctx, userID, active.UID); err != nil {
			return nil, fmt.Errorf("retire master key: %w", err)
		}
	}

	key, err := s.createKey(ctx, userID)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("userId", userID).
		Str("keyUid", key.UID).
		Msg("master key rotated")

	return key, nil
}

func (s *MasterKeyService) createKey(ctx context.Context, userID string) (*MasterKey, error) {
	material, err := crypto.NewSymmetricKey()
	if err != nil {
		return nil, err
	}

	sealed, err := crypto.Seal(s.kek, material)
	if err != nil {
		return nil, fmt.Errorf("seal master key: %w", err)
	}

	uid := uuid.NewString()
	ref := fmt.Sprintf("master-keys/%s/%s", userID, uid)

	if err := s.blobs.Put(ctx, ref, sealed); err != nil {
		return nil, fmt.Errorf("store master key blob: %w", err)
	}

	meta, err := s.keys.Create(ctx, model.CreateMasterKeyParams{
		UID:     uid,
		UserID:  userID,
		BlobRef: ref,
	})
	if err != nil {
		// Lost the lazy-creation race: a partial unique index allows one
		// active key per user. Fall back to the winner.
		winner, findErr := s.keys.FindActiveByUserID(ctx, userID)
		if findErr == nil && winner != nil {
			winnerMaterial, matErr := s.material(ctx, winner)
			if matErr != nil {
				return nil, matErr
			}
			return &MasterKey{UID: winner.UID, Material: winnerMaterial}, nil
		}
		return nil, fmt.Errorf("create master key: %w", err)
	}

	s.cacheSet(meta.UID, material)

	log.Info().
		Str("userId", userID).
		Str("keyUid", meta.UID).
		Msg("master key created")

	return &MasterKey{UID: meta.UID, Material: material}, nil
}

func (s *MasterKeyService) material(ctx context.Context, meta *model.MasterKeyMeta) ([]byte, error) {
	if material, ok := s.cacheGet(meta.UID); ok {
		return material, nil
	}

	sealed, err := s.blobs.Get(ctx, meta.BlobRef)
	if err != nil {
		return nil, fmt.Errorf("fetch master key blob: %w", err)
	}

	material, err := crypto.Open(s.kek, sealed)
	if err != nil {
		log.Error().
			Str("keyUid", meta.UID).
			Str("userId", meta.UserID).
			Err(err).
			Msg("master key blob failed to decrypt")
		return nil, ErrMasterKeyCorrupt
	}

	s.cacheSet(meta.UID, material)
	return material, nil
}

func (s *MasterKeyService) cacheGet(uid string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.cache[uid]
	if !ok || time.Now().After(entry.expiresAt) {
		delete(s.cache, uid)
		return nil, false
	}
	return entry.material, true
}

func (s *MasterKeyService) cacheSet(uid string, material []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[uid] = cachedKey{
		material:  material,
		expiresAt: time.Now().Add(s.cacheTTL),
	}
}
