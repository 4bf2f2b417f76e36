package service

import (
	"context"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/stillwater-app/journal-server-go/internal/blob"
	"github.com/stillwater-app/journal-server-go/internal/model"
)

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.User), args.Error(1)
}

type mockMasterKeyRepo struct {
	mock.Mock
}

func (m *mockMasterKeyRepo) FindActiveByUserID(ctx context.Context, userID string) (*model.MasterKeyMeta, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MasterKeyMeta), args.Error(1)
}

func (m *mockMasterKeyRepo) FindByUID(ctx context.Context, userID, uid string) (*model.MasterKeyMeta, error) {
	args := m.Called(ctx, userID, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MasterKeyMeta), args.Error(1)
}

func (m *mockMasterKeyRepo) Create(ctx context.Context, params model.CreateMasterKeyParams) (*model.MasterKeyMeta, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.MasterKeyMeta), args.Error(1)
}

func (m *mockMasterKeyRepo) Retire(ctx context.Context, userID, uid string) error {
	args := m.Called(ctx, userID, uid)
	return args.Error(0)
}

type mockJournalRepo struct {
	mock.Mock
}

func (m *mockJournalRepo) CreateEntry(ctx context.Context, params model.CreateEntryParams) (*model.JournalEntry, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JournalEntry), args.Error(1)
}

func (m *mockJournalRepo) FindEntryByUID(ctx context.Context, userID, uid string) (*model.JournalEntry, error) {
	args := m.Called(ctx, userID, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JournalEntry), args.Error(1)
}

func (m *mockJournalRepo) ListItems(ctx context.Context, entryUID string) ([]model.JournalEntryItem, error) {
	args := m.Called(ctx, entryUID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.JournalEntryItem), args.Error(1)
}

func (m *mockJournalRepo) FindItemByCounter(ctx context.Context, entryUID string, counter int) (*model.JournalEntryItem, error) {
	args := m.Called(ctx, entryUID, counter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.JournalEntryItem), args.Error(1)
}

func (m *mockJournalRepo) CountItems(ctx context.Context, entryUID string) (int, error) {
	args := m.Called(ctx, entryUID)
	return args.Int(0), args.Error(1)
}

func (m *mockJournalRepo) AppendItem(ctx context.Context, params model.AppendItemParams) (*model.AppendOutcome, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.AppendOutcome), args.Error(1)
}

func (m *mockJournalRepo) EditItem(ctx context.Context, params model.EditItemParams) (*model.EditOutcome, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EditOutcome), args.Error(1)
}

func (m *mockJournalRepo) ClearPendingAdmission(ctx context.Context, uid string) error {
	args := m.Called(ctx, uid)
	return args.Error(0)
}

func (m *mockJournalRepo) DeletePendingEntry(ctx context.Context, uid string) (bool, error) {
	args := m.Called(ctx, uid)
	return args.Bool(0), args.Error(1)
}

func (m *mockJournalRepo) FindStalePendingEntries(ctx context.Context, olderThan time.Time, limit int) ([]model.JournalEntry, error) {
	args := m.Called(ctx, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.JournalEntry), args.Error(1)
}

// memBlobStore is an in-memory blob.Store for tests.
type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (s *memBlobStore) Put(ctx context.Context, ref string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.blobs[ref] = cp
	return nil
}

func (s *memBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, blob.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}
