package repository

import (
	"database/sql"
	"errors"
)

// maybeRow folds sql.ErrNoRows into a nil result. Lookup methods
// return (nil, nil) for a missing row and leave it to the service
// layer to decide whether absence is an error.
func maybeRow[T any](row *T, err error) (*T, error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}
	return row, nil
}
