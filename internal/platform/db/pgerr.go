package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the portal reacts to.
const (
	CodeUniqueViolation     = "23505"
	CodeSerializationFailed = "40001"
	CodeDeadlockDetected    = "40P01"
)

// IsUniqueViolation reports whether err is a unique constraint violation,
// optionally on one of the named constraints.
func IsUniqueViolation(err error, constraints ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != CodeUniqueViolation {
		return false
	}
	if len(constraints) == 0 {
		return true
	}
	for _, c := range constraints {
		if pgErr.ConstraintName == c {
			return true
		}
	}
	return false
}

// IsContention reports errors that a retry of the same transaction can fix.
func IsContention(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case CodeUniqueViolation, CodeSerializationFailed, CodeDeadlockDetected:
		return true
	}
	return false
}

// IsNoRows reports whether err means a single-row query found nothing.
func IsNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
