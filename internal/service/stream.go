package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/stillwater-app/journal-server-go/internal/codec"
	"github.com/stillwater-app/journal-server-go/internal/crypto"
	"github.com/stillwater-app/journal-server-go/internal/model"
	"github.com/stillwater-app/journal-server-go/internal/repository"
)

// ConversationState is the state implied by an entry's items replayed in
// counter order.
type ConversationState string

const (
	StateEmpty              ConversationState = "empty"
	StateGreeting           ConversationState = "greeting"
	StateUserMessage        ConversationState = "user_message"
	StateAssistantMessage   ConversationState = "assistant_message"
	StateReflectionQuestion ConversationState = "reflection_question"
	StateReflectionResponse ConversationState = "reflection_response"
	StateSummary            ConversationState = "summary"
)

var (
	// ErrStreamFinished reports normal end of replay, io.EOF style.
	ErrStreamFinished = errors.New("stream finished")
	// ErrStreamTimeout reports a replay step stalling past the bound. The
	// stream cancels itself before returning it.
	ErrStreamTimeout = errors.New("stream step timed out")
)

// BadStateError is the structured precondition-violation result: the
// conversation is not in the state the requested mutation needs. Not
// retryable without the client correcting state.
type BadStateError struct {
	Expected string
	Observed ConversationState
}

func (e *BadStateError) Error() string {
	return fmt.Sprintf("bad conversation state: expected %s, observed %s", e.Expected, e.Observed)
}

// StreamStep is one decrypted item plus the state after applying it.
type StreamStep struct {
	Item    *codec.Item
	Counter int
	State   ConversationState
}

type streamResult struct {
	step *StreamStep
	err  error
}

// EntryStream replays a journal entry's items strictly in counter order,
// decrypting each with the master key that sealed it. Cancel is required
// cleanup on every exit path that does not reach ErrStreamFinished; it
// releases decrypted buffers immediately.
type EntryStream struct {
	results     chan streamResult
	done        chan struct{}
	stepTimeout time.Duration

	cancelOnce sync.Once
	mu         sync.Mutex
	delivered  []*codec.Item
}

// Next returns the next decrypted item, ErrStreamFinished at the end, or
// ErrStreamTimeout if the step stalls. Timeout and error outcomes cancel
// the stream.
func (s *EntryStream) Next(ctx context.Context) (*StreamStep, error) {
	timer := time.NewTimer(s.stepTimeout)
	defer timer.Stop()

	select {
	case r, ok := <-s.results:
		if !ok {
			return nil, ErrStreamFinished
		}
		if r.err != nil {
			s.Cancel()
			return nil, r.err
		}
		s.mu.Lock()
		s.delivered = append(s.delivered, r.step.Item)
		s.mu.Unlock()
		return r.step, nil
	case <-timer.C:
		s.Cancel()
		return nil, ErrStreamTimeout
	case <-ctx.Done():
		s.Cancel()
		return nil, ctx.Err()
	}
}

// Cancel stops the replay goroutine and discards every decrypted item
// handed out so far. Safe to call more than once.
func (s *EntryStream) Cancel() {
	s.cancelOnce.Do(func() {
		close(s.done)
	})
	s.mu.Lock()
	for _, item := range s.delivered {
		item.Wipe()
	}
	s.delivered = nil
	s.mu.Unlock()
}

// StreamService builds entry streams and the precondition validators on
// top of them.
type StreamService struct {
	journal     repository.JournalRepository
	keys        *MasterKeyService
	stepTimeout time.Duration
}

func NewStreamService(
	journal repository.JournalRepository,
	keys *MasterKeyService,
	stepTimeout time.Duration,
) *StreamService {
	return &StreamService{
		journal:     journal,
		keys:        keys,
		stepTimeout: stepTimeout,
	}
}

// Open starts replaying an entry. The caller must either drain the stream
// to ErrStreamFinished or call Cancel.
func (s *StreamService) Open(ctx context.Context, userID, entryUID string) (*EntryStream, error) {
	entry, err := s.journal.FindEntryByUID(ctx, userID, entryUID)
	if err != nil {
		return nil, fmt.Errorf("find entry: %w", err)
	}
	if entry == nil {
		return nil, ErrEntryNotFound
	}

	items, err := s.journal.ListItems(ctx, entryUID)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}

	stream := &EntryStream{
		results:     make(chan streamResult),
		done:        make(chan struct{}),
		stepTimeout: s.stepTimeout,
	}

	go s.replay(ctx, userID, items, stream)
	return stream, nil
}

func (s *StreamService) replay(ctx context.Context, userID string, items []model.JournalEntryItem, stream *EntryStream) {
	defer close(stream.results)

	state := StateEmpty
	expected := 1
	for i := range items {
		item := &items[i]

		if item.EntryCounter != expected {
			stream.emit(streamResult{err: fmt.Errorf(
				"entry %s: counter gap: expected %d, found %d",
				item.EntryUID, expected, item.EntryCounter)})
			return
		}
		expected++

		key, err := s.keys.GetForDecryption(ctx, userID, item.MasterKeyUID)
		if err != nil {
			stream.emit(streamResult{err: fmt.Errorf("item %d: %w", item.EntryCounter, err)})
			return
		}

		plaintext, err := crypto.Open(key.Material, item.Ciphertext)
		if err != nil {
			stream.emit(streamResult{err: fmt.Errorf("item %d: decrypt: %w", item.EntryCounter, err)})
			return
		}

		decoded, err := codec.Decode(plaintext)
		crypto.Wipe(plaintext)
		if err != nil {
			stream.emit(streamResult{err: fmt.Errorf("item %d: %w", item.EntryCounter, err)})
			return
		}

		next, err := advance(state, decoded)
		if err != nil {
			stream.emit(streamResult{err: fmt.Errorf("item %d: %w", item.EntryCounter, err)})
			return
		}
		state = next

		if !stream.emit(streamResult{step: &StreamStep{
			Item:    decoded,
			Counter: item.EntryCounter,
			State:   state,
		}}) {
			return
		}
	}
}

// emit sends a result unless the stream was cancelled. Returns false once
// the stream is gone.
func (s *EntryStream) emit(r streamResult) bool {
	select {
	case s.results <- r:
		return true
	case <-s.done:
		if r.step != nil {
			r.step.Item.Wipe()
		}
		return false
	}
}

// advance applies one item to the conversation state machine. UI events
// are trailing annotations and never move the state.
func advance(state ConversationState, item *codec.Item) (ConversationState, error) {
	switch item.Content.(type) {
	case codec.UIEvent:
		return state, nil

	case codec.ChatText:
		if item.Author == codec.AuthorSelf {
			switch state {
			case StateGreeting, StateAssistantMessage, StateReflectionResponse, StateSummary:
				return StateUserMessage, nil
			}
		} else {
			switch state {
			case StateEmpty:
				return StateGreeting, nil
			case StateUserMessage:
				return StateAssistantMessage, nil
			}
		}

	case codec.ReflectionQuestion:
		if state == StateAssistantMessage {
			return StateReflectionQuestion, nil
		}

	case codec.ReflectionResponse:
		if state == StateReflectionQuestion {
			return StateReflectionResponse, nil
		}

	case codec.Summary:
		if state == StateReflectionResponse {
			return StateSummary, nil
		}
	}

	return state, fmt.Errorf("invalid transition: %s item in state %s", item.Content.Kind(), state)
}

// ReplaySummary is the digest of a full replay used by write
// preconditions.
type ReplaySummary struct {
	FinalState ConversationState
	ItemCount  int
	// NextCounter is the position a new item would take.
	NextCounter int
	// TookContent is true when a took-content UI event occurred after the
	// last assistant message.
	TookContent bool
	// ReflectionQuestionCounter is the counter of the trailing reflection
	// question, zero when none.
	ReflectionQuestionCounter int
}

// Replay drains a full stream and summarizes it. Replaying the same
// immutable prefix twice yields the same summary.
func (s *StreamService) Replay(ctx context.Context, userID, entryUID string) (*ReplaySummary, error) {
	stream, err := s.Open(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	defer stream.Cancel()

	summary := &ReplaySummary{FinalState: StateEmpty}
	for {
		step, err := stream.Next(ctx)
		if errors.Is(err, ErrStreamFinished) {
			break
		}
		if err != nil {
			return nil, err
		}

		summary.ItemCount = step.Counter
		summary.FinalState = step.State

		switch c := step.Item.Content.(type) {
		case codec.UIEvent:
			if c.Event == codec.UIEventTookContent {
				summary.TookContent = true
			}
		case codec.ChatText:
			if step.Item.Author == codec.AuthorOther {
				summary.TookContent = false
			}
		case codec.ReflectionQuestion:
			summary.ReflectionQuestionCounter = step.Counter
		}
	}

	summary.NextCounter = summary.ItemCount + 1
	return summary, nil
}

// Write preconditions. Each replays the entry and checks the final state,
// returning *BadStateError on mismatch.

func (s *StreamService) CanAddUserMessage(ctx context.Context, userID, entryUID string) (*ReplaySummary, error) {
	summary, err := s.Replay(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	switch summary.FinalState {
	case StateGreeting, StateAssistantMessage, StateReflectionResponse, StateSummary:
		return summary, nil
	}
	return nil, &BadStateError{Expected: "a completed assistant turn", Observed: summary.FinalState}
}

func (s *StreamService) CanAddReflectionQuestion(ctx context.Context, userID, entryUID string) (*ReplaySummary, error) {
	summary, err := s.Replay(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	if summary.FinalState != StateAssistantMessage || !summary.TookContent {
		return nil, &BadStateError{
			Expected: "an assistant message followed by a took-content event",
			Observed: summary.FinalState,
		}
	}
	return summary, nil
}

func (s *StreamService) CanAddReflectionResponse(ctx context.Context, userID, entryUID string) (*ReplaySummary, error) {
	summary, err := s.Replay(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	if summary.FinalState != StateReflectionQuestion {
		return nil, &BadStateError{Expected: "a pending reflection question", Observed: summary.FinalState}
	}
	return summary, nil
}

func (s *StreamService) CanEditReflectionQuestion(ctx context.Context, userID, entryUID string) (*ReplaySummary, error) {
	summary, err := s.Replay(ctx, userID, entryUID)
	if err != nil {
		return nil, err
	}
	if summary.FinalState != StateReflectionQuestion || summary.ReflectionQuestionCounter == 0 {
		return nil, &BadStateError{Expected: "a pending reflection question", Observed: summary.FinalState}
	}
	return summary, nil
}
