package model

import "time"

// MasterKeyMeta is the relational record of one rotating master key. The
// key material itself lives sealed in the blob store under BlobRef; at most
// one key per user is active for new encryption, while retired keys remain
// resolvable by UID forever for decrypting historical items.
type MasterKeyMeta struct {
	UID       string     `db:"uid" json:"uid"`
	UserID    string     `db:"user_id" json:"userId"`
	BlobRef   string     `db:"blob_ref" json:"-"`
	Active    bool       `db:"active" json:"active"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	RetiredAt *time.Time `db:"retired_at" json:"retiredAt,omitempty"`
}

type CreateMasterKeyParams struct {
	UID     string
	UserID  string
	BlobRef string
}
