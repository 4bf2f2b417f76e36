package model

import "time"

type User struct {
	ID        string     `db:"id" json:"id"`
	Tier      UserTier   `db:"tier" json:"tier"`
	CreatedAt time.Time  `db:"created_at" json:"createdAt"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
}
