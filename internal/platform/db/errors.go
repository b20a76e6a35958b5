package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes the booking core reacts to.
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeUndefinedTable      = "42P01"
	CodeUndefinedColumn     = "42703"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsConstraintViolation reports whether err is a unique violation of the
// named constraint or index.
func IsConstraintViolation(err error, name string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == CodeUniqueViolation && pgErr.ConstraintName == name
}

// IsUndefinedObject reports whether err was caused by a missing table or column.
func IsUndefinedObject(err error) bool {
	code := pgCode(err)
	return code == CodeUndefinedTable || code == CodeUndefinedColumn
}

// ErrorFields extracts the diagnostic fields a caller can report back: the
// SQLSTATE code and the server message. Non-driver errors yield an empty code.
func ErrorFields(err error) (code, message string) {
	if err == nil {
		return "", ""
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.Message
	}
	return "", err.Error()
}
