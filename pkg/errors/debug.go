package errors

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// SQLSTATE codes the repositories branch on.
const (
	sqlStateUniqueViolation      = "23505"
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
)

// ErrorDump is a log-friendly breakdown of an error chain.
type ErrorDump struct {
	TopMessage string `json:"top_message"`
	Code       Code   `json:"code,omitempty"`
	Retryable  bool   `json:"retryable"`

	Chain []string `json:"chain,omitempty"`

	PGCode       string `json:"pg_code,omitempty"`
	PGConstraint string `json:"pg_constraint,omitempty"`
	PGTable      string `json:"pg_table,omitempty"`
	PGDetail     string `json:"pg_detail,omitempty"`
}

// pgDetails normalizes the pgx and lib/pq error types; ok is false when
// neither is in the chain.
type pgDetails struct {
	code, constraint, table, detail string
}

func pgErrorOf(err error) (pgDetails, bool) {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgDetails{pgxErr.Code, pgxErr.ConstraintName, pgxErr.TableName, pgxErr.Detail}, true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pgDetails{string(pqErr.Code), pqErr.Constraint, pqErr.Table, pqErr.Detail}, true
	}
	return pgDetails{}, false
}

func Dump(err error) ErrorDump {
	if err == nil {
		return ErrorDump{}
	}
	d := ErrorDump{TopMessage: err.Error()}
	if te := As(err); te != nil {
		d.Code = te.Code()
		d.Retryable = MetadataFor(te.Code()).Retryable
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		d.Chain = append(d.Chain, fmt.Sprintf("%T: %v", e, e))
	}
	if pg, ok := pgErrorOf(err); ok {
		d.PGCode, d.PGConstraint, d.PGTable, d.PGDetail = pg.code, pg.constraint, pg.table, pg.detail
	}
	return d
}

func IsUniqueViolation(err error) bool {
	pg, ok := pgErrorOf(err)
	return ok && pg.code == sqlStateUniqueViolation
}

// FromDB types a storage failure for op. Unique violations become
// CONFLICT; everything else, including serialization failures and
// deadlocks, is a retryable DEPENDENCY_ERROR. Typed errors pass through.
func FromDB(err error, op string) error {
	if err == nil {
		return nil
	}
	if As(err) != nil {
		return err
	}
	pg, ok := pgErrorOf(err)
	switch {
	case ok && pg.code == sqlStateUniqueViolation:
		return Wrap(CodeConflict, err, op).WithDetails(map[string]string{"constraint": pg.constraint})
	case ok && (pg.code == sqlStateSerializationFailure || pg.code == sqlStateDeadlockDetected):
		return Wrap(CodeDependency, err, op+": transaction aborted, retry")
	}
	return Wrap(CodeDependency, err, op)
}
