// Package errors classifies storage driver errors so the data layer can map
// them onto domain errors without knowing which SQL backend is configured.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

// DatabaseErrorType represents the type of database error.
type DatabaseErrorType int

const (
	// ErrorTypeUnknown represents an unknown database error.
	ErrorTypeUnknown DatabaseErrorType = iota
	// ErrorTypeNotFound represents a record not found error.
	ErrorTypeNotFound
	// ErrorTypeDuplicateKey represents a unique constraint violation.
	ErrorTypeDuplicateKey
	// ErrorTypeInvalidJSON represents malformed JSON column content.
	ErrorTypeInvalidJSON
	// ErrorTypeDataTooLong represents a value that does not fit its column.
	ErrorTypeDataTooLong
	// ErrorTypeDeadlock represents a deadlock or serialization failure.
	ErrorTypeDeadlock
	// ErrorTypeConnectionError represents a lost or refused connection.
	ErrorTypeConnectionError
	// ErrorTypeCanceled represents a context cancellation or deadline.
	ErrorTypeCanceled
)

func (t DatabaseErrorType) String() string {
	switch t {
	case ErrorTypeNotFound:
		return "not_found"
	case ErrorTypeDuplicateKey:
		return "duplicate_key"
	case ErrorTypeInvalidJSON:
		return "invalid_json"
	case ErrorTypeDataTooLong:
		return "data_too_long"
	case ErrorTypeDeadlock:
		return "deadlock"
	case ErrorTypeConnectionError:
		return "connection"
	case ErrorTypeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// DatabaseError wraps a database error with classification information.
type DatabaseError struct {
	Type        DatabaseErrorType
	OriginalErr error
	// Code is the driver specific code: MySQL error number or Postgres SQLSTATE.
	Code    string
	Message string
}

// Error implements the error interface.
func (e *DatabaseError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (code %s): %v", e.Message, e.Code, e.OriginalErr)
	}
	return fmt.Sprintf("%s: %v", e.Message, e.OriginalErr)
}

// Unwrap returns the underlying error for errors.Is and errors.As compatibility.
func (e *DatabaseError) Unwrap() error {
	return e.OriginalErr
}

// Retryable reports whether repeating the same statement may succeed.
func (e *DatabaseError) Retryable() bool {
	return e.Type == ErrorTypeDeadlock || e.Type == ErrorTypeConnectionError
}

// ClassifyDBError classifies a gorm, MySQL, Postgres or SQLite error.
// It returns nil for a nil error.
func ClassifyDBError(err error) *DatabaseError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return &DatabaseError{Type: ErrorTypeNotFound, OriginalErr: err, Message: "record not found"}
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return &DatabaseError{Type: ErrorTypeDuplicateKey, OriginalErr: err, Message: "duplicate key constraint violation"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &DatabaseError{Type: ErrorTypeCanceled, OriginalErr: err, Message: "database operation canceled"}
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return classifyMySQLError(mysqlErr)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgresError(pgErr)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return &DatabaseError{Type: ErrorTypeDuplicateKey, OriginalErr: err, Message: "duplicate key constraint violation"}
	case strings.Contains(msg, "database is locked"):
		return &DatabaseError{Type: ErrorTypeDeadlock, OriginalErr: err, Message: "database is locked"}
	case isConnectionError(msg):
		return &DatabaseError{Type: ErrorTypeConnectionError, OriginalErr: err, Message: "database connection error"}
	}

	return &DatabaseError{Type: ErrorTypeUnknown, OriginalErr: err, Message: "unknown database error"}
}

func classifyMySQLError(err *mysql.MySQLError) *DatabaseError {
	dbErr := &DatabaseError{OriginalErr: err, Code: fmt.Sprint(err.Number)}
	switch err.Number {
	case 1062: // ER_DUP_ENTRY
		dbErr.Type, dbErr.Message = ErrorTypeDuplicateKey, "duplicate key constraint violation"
	case 3140, 3141, 3142, 3143:
		dbErr.Type, dbErr.Message = ErrorTypeInvalidJSON, "invalid JSON data"
	case 1406: // ER_DATA_TOO_LONG
		dbErr.Type, dbErr.Message = ErrorTypeDataTooLong, "data too long for column"
	case 1213, 1205: // ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		dbErr.Type, dbErr.Message = ErrorTypeDeadlock, "deadlock detected"
	default:
		dbErr.Type, dbErr.Message = ErrorTypeUnknown, "MySQL error"
	}
	return dbErr
}

func classifyPostgresError(err *pgconn.PgError) *DatabaseError {
	dbErr := &DatabaseError{OriginalErr: err, Code: err.Code}
	switch err.Code {
	case "23505": // unique_violation
		dbErr.Type, dbErr.Message = ErrorTypeDuplicateKey, "duplicate key constraint violation"
	case "22P02", "22032": // invalid_text_representation, invalid_json_text
		dbErr.Type, dbErr.Message = ErrorTypeInvalidJSON, "invalid JSON data"
	case "22001": // string_data_right_truncation
		dbErr.Type, dbErr.Message = ErrorTypeDataTooLong, "data too long for column"
	case "40P01", "40001": // deadlock_detected, serialization_failure
		dbErr.Type, dbErr.Message = ErrorTypeDeadlock, "deadlock detected"
	default:
		if strings.HasPrefix(err.Code, "08") { // connection_exception class
			dbErr.Type, dbErr.Message = ErrorTypeConnectionError, "database connection error"
		} else {
			dbErr.Type, dbErr.Message = ErrorTypeUnknown, "Postgres error"
		}
	}
	return dbErr
}

func isConnectionError(msg string) bool {
	for _, keyword := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
		"bad connection",
		"can't connect",
		"dial tcp",
	} {
		if strings.Contains(msg, keyword) {
			return true
		}
	}
	return false
}

// IsNotFoundError checks if the error is a record not found error.
func IsNotFoundError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeNotFound
}

// IsDuplicateKeyError checks if the error is a unique constraint violation.
func IsDuplicateKeyError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Type == ErrorTypeDuplicateKey
}

// IsRetryableError checks if the error is transient.
func IsRetryableError(err error) bool {
	dbErr := ClassifyDBError(err)
	return dbErr != nil && dbErr.Retryable()
}
