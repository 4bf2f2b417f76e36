package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/stillwater-app/journal-server-go/internal/codec"
	"github.com/stillwater-app/journal-server-go/internal/crypto"
	"github.com/stillwater-app/journal-server-go/internal/model"
	"github.com/stillwater-app/journal-server-go/internal/repository"
)

var (
	ErrEntryNotFound = errors.New("journal entry not found")
	// ErrStoreRaced means the conditional write hit zero rows because the
	// tail state or the target ciphertext moved on. Retryable after a
	// fresh read, distinct from not-found.
	ErrStoreRaced = errors.New("concurrent write won the race")
)

// Generation task kinds handed to the external worker.
const (
	TaskGreeting           = "greeting"
	TaskAssistantReply     = "assistant_reply"
	TaskReflectionQuestion = "reflection_question"
	TaskSummary            = "summary"
)

type CreateEntryResult struct {
	EntryUID  string           `json:"entryUid"`
	Admission *AdmissionResult `json:"admission"`
}

type AppendResult struct {
	ItemUID   string           `json:"itemUid"`
	Counter   int              `json:"counter"`
	Admission *AdmissionResult `json:"admission,omitempty"`
}

type EditResult struct {
	Counter int  `json:"counter"`
	NoOp    bool `json:"noOp"`
}

// TransportItem is one replayed item re-encrypted for the requesting
// device.
type TransportItem struct {
	Counter int    `json:"counter"`
	State   string `json:"state"`
	Payload string `json:"payload"`
}

// JournalService owns the optimistic-concurrency write path and the
// create-then-admit saga. The relational store and the coordination store
// are not transactionally linked; on a failed admission the entry row is
// rolled back by the compensating delete, which the repair job can also
// run.
type JournalService struct {
	journal   repository.JournalRepository
	users     repository.UserRepository
	keys      *MasterKeyService
	streams   *StreamService
	admission *AdmissionService
	devices   *DeviceKeyService
}

func NewJournalService(
	journal repository.JournalRepository,
	users repository.UserRepository,
	keys *MasterKeyService,
	streams *StreamService,
	admission *AdmissionService,
	devices *DeviceKeyService,
) *JournalService {
	return &JournalService{
		journal:   journal,
		users:     users,
		keys:      keys,
		streams:   streams,
		admission: admission,
		devices:   devices,
	}
}

// CreateEntry creates an empty journal entry and admits the greeting
// generation job. The entry stays flagged pending until admission
// succeeds; any admission outcome short of queued triggers the
// compensating delete, transient failures included, so no orphan survives.
func (s *JournalService) CreateEntry(ctx context.Context, userID string, flags model.EntryFlags) (*CreateEntryResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	key, err := s.keys.GetForEncryption(ctx, userID)
	if err != nil {
		return nil, err
	}

	encryptedTask, err := s.sealTask(key, model.GenerationTask{Kind: TaskGreeting})
	if err != nil {
		return nil, err
	}

	entry, err := s.journal.CreateEntry(ctx, model.CreateEntryParams{
		UID:              uuid.NewString(),
		UserID:           userID,
		Flags:            flags,
		PendingAdmission: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create entry: %w", err)
	}

	result, err := s.admission.Admit(ctx, AdmitParams{
		UserID:        userID,
		Tier:          user.Tier,
		EntryUID:      entry.UID,
		MasterKeyUID:  key.UID,
		EncryptedTask: encryptedTask,
		Lane:          model.LanePriority,
	})
	if err != nil || result.Status != AdmissionQueued {
		s.compensate(ctx, entry.UID)
		if err != nil {
			return nil, fmt.Errorf("admit greeting job: %w", err)
		}
		return &CreateEntryResult{EntryUID: "", Admission: result}, nil
	}

	if err := s.journal.ClearPendingAdmission(ctx, entry.UID); err != nil {
		// The job is queued; the repair job must not delete this entry.
		// Worth an alert, not a failure.
		log.Error().Err(err).Str("entryUid", entry.UID).Msg("failed to clear pending admission flag")
	}

	return &CreateEntryResult{EntryUID: entry.UID, Admission: result}, nil
}

// AppendUserMessage validates the tail state, appends the user's message,
// and admits the assistant reply job. The message survives an admission
// rejection; the client re-admits through RetryGeneration.
func (s *JournalService) AppendUserMessage(ctx context.Context, userID, entryUID string, content *codec.Item) (*AppendResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	summary, err := s.streams.CanAddUserMessage(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}

	appended, key, err := s.appendItem(ctx, userID, entryUID, summary.NextCounter, content)
	if err != nil {
		return nil, err
	}

	encryptedTask, err := s.sealTask(key, model.GenerationTask{Kind: TaskAssistantReply})
	if err != nil {
		return nil, err
	}

	admission, err := s.admission.Admit(ctx, AdmitParams{
		UserID:        userID,
		Tier:          user.Tier,
		EntryUID:      entryUID,
		MasterKeyUID:  key.UID,
		EncryptedTask: encryptedTask,
		Lane:          model.LanePriority,
	})
	if err != nil {
		return nil, fmt.Errorf("admit assistant reply job: %w", err)
	}

	appended.Admission = admission
	return appended, nil
}

// AppendReflectionResponse validates that a reflection question is
// pending and appends the response, admitting the summary job.
func (s *JournalService) AppendReflectionResponse(ctx context.Context, userID, entryUID string, content *codec.Item) (*AppendResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	summary, err := s.streams.CanAddReflectionResponse(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}

	appended, key, err := s.appendItem(ctx, userID, entryUID, summary.NextCounter, content)
	if err != nil {
		return nil, err
	}

	encryptedTask, err := s.sealTask(key, model.GenerationTask{Kind: TaskSummary})
	if err != nil {
		return nil, err
	}

	admission, err := s.admission.Admit(ctx, AdmitParams{
		UserID:        userID,
		Tier:          user.Tier,
		EntryUID:      entryUID,
		MasterKeyUID:  key.UID,
		EncryptedTask: encryptedTask,
		Lane:          model.LaneStandard,
	})
	if err != nil {
		return nil, fmt.Errorf("admit summary job: %w", err)
	}

	appended.Admission = admission
	return appended, nil
}

// AppendUIEvent appends a trailing annotation. UI events never move the
// conversation state and admit nothing.
func (s *JournalService) AppendUIEvent(ctx context.Context, userID, entryUID string, event codec.UIEvent) (*AppendResult, error) {
	summary, err := s.streams.Replay(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}

	item := &codec.Item{Content: event, Author: codec.AuthorSelf}
	appended, _, err := s.appendItem(ctx, userID, entryUID, summary.NextCounter, item)
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// EditReflectionQuestion replaces the pending question's payload in
// place, guarded by a compare-and-swap on the ciphertext the caller
// observed. Edits that would not change the content are skipped.
func (s *JournalService) EditReflectionQuestion(
	ctx context.Context,
	userID, entryUID string,
	content *codec.Item,
	priorCiphertext []byte,
) (*EditResult, error) {
	summary, err := s.streams.CanEditReflectionQuestion(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	counter := summary.ReflectionQuestionCounter

	current, err := s.journal.FindItemByCounter(ctx, entryUID, counter)
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	if current == nil {
		return nil, ErrStoreRaced
	}

	noop, err := s.isNoopEdit(ctx, userID, current, content)
	if err != nil {
		return nil, err
	}
	if noop {
		return &EditResult{Counter: counter, NoOp: true}, nil
	}

	key, err := s.keys.GetForEncryption(ctx, userID)
	if err != nil {
		return nil, err
	}

	newCiphertext, err := s.sealItem(key, content)
	if err != nil {
		return nil, err
	}

	outcome, err := s.journal.EditItem(ctx, model.EditItemParams{
		UserID:          userID,
		EntryUID:        entryUID,
		EntryCounter:    counter,
		MasterKeyUID:    key.UID,
		PriorCiphertext: priorCiphertext,
		NewCiphertext:   newCiphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("edit item: %w", err)
	}

	switch {
	case !outcome.UserFound:
		return nil, ErrUserNotFound
	case !outcome.EntryFound:
		return nil, ErrEntryNotFound
	case !outcome.KeyFound:
		return nil, ErrMasterKeyNotFound
	case !outcome.Applied:
		return nil, ErrStoreRaced
	}

	return &EditResult{Counter: counter}, nil
}

// RetryGeneration re-runs admission for the generation job the entry's
// tail state says is owed. The explicit retry path after a ratelimited or
// backpressure rejection.
func (s *JournalService) RetryGeneration(ctx context.Context, userID, entryUID string) (*AdmissionResult, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}

	summary, err := s.streams.Replay(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}

	var kind string
	var lane model.JobLane
	switch summary.FinalState {
	case StateEmpty:
		kind, lane = TaskGreeting, model.LanePriority
	case StateUserMessage:
		kind, lane = TaskAssistantReply, model.LanePriority
	case StateReflectionResponse:
		kind, lane = TaskSummary, model.LaneStandard
	default:
		return nil, &BadStateError{Expected: "a turn awaiting generation", Observed: summary.FinalState}
	}

	key, err := s.keys.GetForEncryption(ctx, userID)
	if err != nil {
		return nil, err
	}

	encryptedTask, err := s.sealTask(key, model.GenerationTask{Kind: kind})
	if err != nil {
		return nil, err
	}

	return s.admission.Admit(ctx, AdmitParams{
		UserID:        userID,
		Tier:          user.Tier,
		EntryUID:      entryUID,
		MasterKeyUID:  key.UID,
		EncryptedTask: encryptedTask,
		Lane:          lane,
	})
}

// ReplayForTransport replays an entry and re-encrypts each item under the
// requesting device's transport key.
func (s *JournalService) ReplayForTransport(
	ctx context.Context,
	userID, entryUID string,
	keyID string,
	platform model.Platform,
) ([]TransportItem, error) {
	stream, err := s.streams.Open(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	defer stream.Cancel()

	var out []TransportItem
	for {
		step, err := stream.Next(ctx)
		if errors.Is(err, ErrStreamFinished) {
			break
		}
		if err != nil {
			return nil, err
		}

		plaintext, err := codec.Encode(step.Item)
		if err != nil {
			return nil, err
		}

		payload, err := s.devices.Encrypt(ctx, keyID, userID, platform, plaintext)
		crypto.Wipe(plaintext)
		if err != nil {
			return nil, err
		}

		out = append(out, TransportItem{
			Counter: step.Counter,
			State:   string(step.State),
			Payload: payload,
		})
	}
	return out, nil
}

// CompensatePending runs the compensating delete for one entry. Exposed
// for the repair job; idempotent.
func (s *JournalService) CompensatePending(ctx context.Context, entryUID string) (bool, error) {
	return s.journal.DeletePendingEntry(ctx, entryUID)
}

func (s *JournalService) appendItem(
	ctx context.Context,
	userID, entryUID string,
	counter int,
	content *codec.Item,
) (*AppendResult, *MasterKey, error) {
	key, err := s.keys.GetForEncryption(ctx, userID)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err := s.sealItem(key, content)
	if err != nil {
		return nil, nil, err
	}

	itemUID := uuid.NewString()
	outcome, err := s.journal.AppendItem(ctx, model.AppendItemParams{
		ItemUID:      itemUID,
		UserID:       userID,
		EntryUID:     entryUID,
		EntryCounter: counter,
		MasterKeyUID: key.UID,
		Ciphertext:   ciphertext,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("append item: %w", err)
	}

	switch {
	case !outcome.UserFound:
		return nil, nil, ErrUserNotFound
	case !outcome.EntryFound:
		return nil, nil, ErrEntryNotFound
	case !outcome.KeyFound:
		return nil, nil, ErrMasterKeyNotFound
	case !outcome.Applied:
		return nil, nil, ErrStoreRaced
	}

	return &AppendResult{ItemUID: itemUID, Counter: counter}, key, nil
}

func (s *JournalService) sealItem(key *MasterKey, item *codec.Item) ([]byte, error) {
	plaintext, err := codec.Encode(item)
	if err != nil {
		return nil, err
	}
	defer crypto.Wipe(plaintext)
	return crypto.Seal(key.Material, plaintext)
}

func (s *JournalService) sealTask(key *MasterKey, task model.GenerationTask) ([]byte, error) {
	plaintext, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal task: %w", err)
	}
	defer crypto.Wipe(plaintext)
	return crypto.Seal(key.Material, plaintext)
}

func (s *JournalService) isNoopEdit(ctx context.Context, userID string, current *model.JournalEntryItem, replacement *codec.Item) (bool, error) {
	key, err := s.keys.GetForDecryption(ctx, userID, current.MasterKeyUID)
	if err != nil {
		return false, err
	}

	plaintext, err := crypto.Open(key.Material, current.Ciphertext)
	if err != nil {
		return false, fmt.Errorf("decrypt current item: %w", err)
	}
	decoded, err := codec.Decode(plaintext)
	crypto.Wipe(plaintext)
	if err != nil {
		return false, err
	}
	defer decoded.Wipe()

	return codec.Equal(decoded.Content, replacement.Content)
}

func (s *JournalService) compensate(ctx context.Context, entryUID string) {
	deleted, err := s.journal.DeletePendingEntry(ctx, entryUID)
	if err != nil {
		// The repair job sweeps stale pending entries, so a failed inline
		// compensation is not fatal.
		log.Error().Err(err).Str("entryUid", entryUID).Msg("compensating delete failed")
		return
	}
	if deleted {
		log.Info().Str("entryUid", entryUID).Msg("compensating delete after failed admission")
	}
}
