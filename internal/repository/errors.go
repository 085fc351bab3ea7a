package repository

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bandhub/messenger/internal/apperr"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// classify maps driver errors onto apperr kinds. Anything unrecognised is Transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperr.NotFound("%s", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return errors.Join(apperr.ErrAlreadyExists, err)
		case pgForeignKeyViolation:
			return apperr.NotFound("%s: %s", op, pgErr.ConstraintName)
		}
	}
	return apperr.Transient(op, err)
}
