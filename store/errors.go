package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	sqlite "modernc.org/sqlite"

	"github.com/brevmail/brev/consts"
)

// Store-level sentinels, aliased from consts so callers can match either.
var (
	ErrNotFound        = consts.ErrDBNotFound
	ErrUniqueViolation = consts.ErrDBUniqueViolation
)

// sqlite extended result codes for constraint violations.
const (
	sqliteConstraintPrimaryKey = 1555
	sqliteConstraintUnique     = 2067
)

// mapDBError folds driver-specific failures onto the store sentinels so the
// rest of the code never inspects driver error types.
func mapDBError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrUniqueViolation
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqliteConstraintPrimaryKey, sqliteConstraintUnique:
			return ErrUniqueViolation
		}
	}

	return err
}
