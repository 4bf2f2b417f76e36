package model

import "time"

type JournalEntry struct {
	UID              string     `db:"uid" json:"uid"`
	UserID           string     `db:"user_id" json:"userId"`
	Flags            EntryFlags `db:"flags" json:"flags"`
	PendingAdmission bool       `db:"pending_admission" json:"-"`
	CreatedAt        time.Time  `db:"created_at" json:"createdAt"`
}

// JournalEntryItem is one immutable message of an entry. Counters form a
// gapless ascending sequence starting at 1. The ciphertext is canonical
// JSON, gzip-compressed, then sealed under the referenced master key.
type JournalEntryItem struct {
	UID          string    `db:"uid" json:"uid"`
	EntryUID     string    `db:"entry_uid" json:"entryUid"`
	EntryCounter int       `db:"entry_counter" json:"entryCounter"`
	MasterKeyUID string    `db:"master_key_uid" json:"masterKeyUid"`
	Ciphertext   []byte    `db:"ciphertext" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

type CreateEntryParams struct {
	UID              string
	UserID           string
	Flags            EntryFlags
	PendingAdmission bool
}

// AppendItemParams is the input to the conditional append statement. The
// insert succeeds only when the entry holds exactly EntryCounter-1 items
// and no row exists at or beyond EntryCounter.
type AppendItemParams struct {
	ItemUID      string
	UserID       string
	EntryUID     string
	EntryCounter int
	MasterKeyUID string
	Ciphertext   []byte
}

// EditItemParams is the input to the compare-and-swap edit. The update
// succeeds only when the stored ciphertext still equals PriorCiphertext.
type EditItemParams struct {
	UserID          string
	EntryUID        string
	EntryCounter    int
	MasterKeyUID    string
	PriorCiphertext []byte
	NewCiphertext   []byte
}

// AppendOutcome carries the per-clause results of a conditional write so a
// zero-rows outcome can be attributed to the correct cause.
type AppendOutcome struct {
	UserFound  bool `db:"user_found"`
	EntryFound bool `db:"entry_found"`
	KeyFound   bool `db:"key_found"`
	TailCount  int  `db:"tail_count"`
	Applied    bool `db:"applied"`
}

// EditOutcome attributes a failed compare-and-swap edit. ItemFound true
// with Applied false means the stored ciphertext moved on: a race.
type EditOutcome struct {
	UserFound  bool `db:"user_found"`
	EntryFound bool `db:"entry_found"`
	KeyFound   bool `db:"key_found"`
	ItemFound  bool `db:"item_found"`
	Applied    bool `db:"applied"`
}
