package repository

import (
	"context"
	"time"

	"github.com/stillwater-app/journal-server-go/internal/database"
	"github.com/stillwater-app/journal-server-go/internal/model"
)

type JournalRepository interface {
	CreateEntry(ctx context.Context, params model.CreateEntryParams) (*model.JournalEntry, error)
	FindEntryByUID(ctx context.Context, userID, uid string) (*model.JournalEntry, error)
	ListItems(ctx context.Context, entryUID string) ([]model.JournalEntryItem, error)
	FindItemByCounter(ctx context.Context, entryUID string, counter int) (*model.JournalEntryItem, error)
	CountItems(ctx context.Context, entryUID string) (int, error)
	AppendItem(ctx context.Context, params model.AppendItemParams) (*model.AppendOutcome, error)
	EditItem(ctx context.Context, params model.EditItemParams) (*model.EditOutcome, error)
	ClearPendingAdmission(ctx context.Context, uid string) error
	DeletePendingEntry(ctx context.Context, uid string) (bool, error)
	FindStalePendingEntries(ctx context.Context, olderThan time.Time, limit int) ([]model.JournalEntry, error)
}

type journalRepo struct {
	db database.DBTX
}

func NewJournalRepository(db database.DBTX) JournalRepository {
	return &journalRepo{db: db}
}

func (r *journalRepo) CreateEntry(ctx context.Context, params model.CreateEntryParams) (*model.JournalEntry, error) {
	var entry model.JournalEntry
	err := r.db.GetContext(ctx, &entry, `
		INSERT INTO journal_entries (uid, user_id, flags, pending_admission, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING *
	`, params.UID, params.UserID, params.Flags, params.PendingAdmission)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *journalRepo) FindEntryByUID(ctx context.Context, userID, uid string) (*model.JournalEntry, error) {
	var entry model.JournalEntry
	err := r.db.GetContext(ctx, &entry, `
		SELECT * FROM journal_entries WHERE uid = $1 AND user_id = $2
	`, uid, userID)
	return maybeRow(&entry, err)
}

func (r *journalRepo) ListItems(ctx context.Context, entryUID string) ([]model.JournalEntryItem, error) {
	var items []model.JournalEntryItem
	err := r.db.SelectContext(ctx, &items, `
		SELECT * FROM journal_entry_items
		WHERE entry_uid = $1
		ORDER BY entry_counter ASC
	`, entryUID)
	return items, err
}

func (r *journalRepo) FindItemByCounter(ctx context.Context, entryUID string, counter int) (*model.JournalEntryItem, error) {
	var item model.JournalEntryItem
	err := r.db.GetContext(ctx, &item, `
		SELECT * FROM journal_entry_items
		WHERE entry_uid = $1 AND entry_counter = $2
	`, entryUID, counter)
	return maybeRow(&item, err)
}

func (r *journalRepo) CountItems(ctx context.Context, entryUID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM journal_entry_items WHERE entry_uid = $1
	`, entryUID)
	return count, err
}

// AppendItem inserts at entry_counter = N in one conditional statement.
// The insert applies only when the user, entry, and master key all exist,
// the entry holds exactly N-1 items, and no item sits at or beyond N. The
// count check and the at-or-beyond check overlap but are not provably
// equivalent under partial failures, so both stay.
func (r *journalRepo) AppendItem(ctx context.Context, params model.AppendItemParams) (*model.AppendOutcome, error) {
	var outcome model.AppendOutcome
	err := r.db.GetContext(ctx, &outcome, `
		WITH u AS (
			SELECT id FROM users WHERE id = $1 AND deleted_at IS NULL
		), e AS (
			SELECT uid FROM journal_entries WHERE uid = $2 AND user_id = $1
		), k AS (
			SELECT uid FROM master_keys WHERE uid = $3 AND user_id = $1
		), tail AS (
			SELECT COUNT(*) AS n FROM journal_entry_items WHERE entry_uid = $2
		), occupied AS (
			SELECT 1 FROM journal_entry_items
			WHERE entry_uid = $2 AND entry_counter >= $4
		), ins AS (
			INSERT INTO journal_entry_items
				(uid, entry_uid, entry_counter, master_key_uid, ciphertext, created_at)
			SELECT $5, $2, $4, $3, $6, NOW()
			WHERE EXISTS (SELECT 1 FROM u)
			  AND EXISTS (SELECT 1 FROM e)
			  AND EXISTS (SELECT 1 FROM k)
			  AND (SELECT n FROM tail) = $4 - 1
			  AND NOT EXISTS (SELECT 1 FROM occupied)
			RETURNING uid
		)
		SELECT EXISTS (SELECT 1 FROM u)   AS user_found,
		       EXISTS (SELECT 1 FROM e)   AS entry_found,
		       EXISTS (SELECT 1 FROM k)   AS key_found,
		       (SELECT n FROM tail)       AS tail_count,
		       EXISTS (SELECT 1 FROM ins) AS applied
	`, params.UserID, params.EntryUID, params.MasterKeyUID,
		params.EntryCounter, params.ItemUID, params.Ciphertext)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

// EditItem replaces an item's ciphertext in place, guarded by a
// compare-and-swap on the previously observed ciphertext.
func (r *journalRepo) EditItem(ctx context.Context, params model.EditItemParams) (*model.EditOutcome, error) {
	var outcome model.EditOutcome
	err := r.db.GetContext(ctx, &outcome, `
		WITH u AS (
			SELECT id FROM users WHERE id = $1 AND deleted_at IS NULL
		), e AS (
			SELECT uid FROM journal_entries WHERE uid = $2 AND user_id = $1
		), k AS (
			SELECT uid FROM master_keys WHERE uid = $3 AND user_id = $1
		), target AS (
			SELECT uid FROM journal_entry_items
			WHERE entry_uid = $2 AND entry_counter = $4
		), upd AS (
			UPDATE journal_entry_items
			SET ciphertext = $6, master_key_uid = $3
			WHERE entry_uid = $2 AND entry_counter = $4
			  AND ciphertext = $5
			  AND EXISTS (SELECT 1 FROM u)
			  AND EXISTS (SELECT 1 FROM e)
			  AND EXISTS (SELECT 1 FROM k)
			RETURNING uid
		)
		SELECT EXISTS (SELECT 1 FROM u)      AS user_found,
		       EXISTS (SELECT 1 FROM e)      AS entry_found,
		       EXISTS (SELECT 1 FROM k)      AS key_found,
		       EXISTS (SELECT 1 FROM target) AS item_found,
		       EXISTS (SELECT 1 FROM upd)    AS applied
	`, params.UserID, params.EntryUID, params.MasterKeyUID,
		params.EntryCounter, params.PriorCiphertext, params.NewCiphertext)
	if err != nil {
		return nil, err
	}
	return &outcome, nil
}

func (r *journalRepo) ClearPendingAdmission(ctx context.Context, uid string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE journal_entries SET pending_admission = FALSE WHERE uid = $1
	`, uid)
	return err
}

// DeletePendingEntry is the compensating delete of the admission saga. It
// only touches entries still flagged pending, so it is idempotent and safe
// to run from the repair job as well as inline.
func (r *journalRepo) DeletePendingEntry(ctx context.Context, uid string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM journal_entries
		WHERE uid = $1 AND pending_admission = TRUE
	`, uid)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *journalRepo) FindStalePendingEntries(ctx context.Context, olderThan time.Time, limit int) ([]model.JournalEntry, error) {
	var entries []model.JournalEntry
	err := r.db.SelectContext(ctx, &entries, `
		SELECT * FROM journal_entries
		WHERE pending_admission = TRUE AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	return entries, err
}
