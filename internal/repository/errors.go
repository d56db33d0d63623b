package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrImageNotFound         = errors.New("image not found")
	ErrReportNotFound        = errors.New("detection report not found")
	ErrArtworkNotFound       = errors.New("artwork not found")
	ErrArtworkExists         = errors.New("artwork already exists for image")
	ErrClaimNotFound         = errors.New("claim not found")
	ErrClaimNotPending       = errors.New("claim is no longer pending")
	ErrDuplicatePendingClaim = errors.New("pending claim already exists")
	ErrOwnershipConflict     = errors.New("artwork owner changed concurrently")
	ErrUserNotFound          = errors.New("user not found")
	ErrNotificationNotFound  = errors.New("notification not found")
	ErrKeyNotFound           = errors.New("key not found")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
