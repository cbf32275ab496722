package postgres

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/ryanwith/melchi/pkg/errors"
)

func TestWriteErrorClassifiesContention(t *testing.T) {
	for _, code := range []string{serializationFailure, deadlockDetected, lockNotAvailable} {
		err := writeError(&pgconn.PgError{Code: code}, "failed to upsert 1 rows into orders")
		assert.True(t, errors.IsRetryable(err), "SQLSTATE %s", code)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout), "SQLSTATE %s", code)
	}

	// Wrapped driver errors still classify.
	wrapped := fmt.Errorf("exec: %w", &pgconn.PgError{Code: deadlockDetected})
	assert.True(t, errors.IsRetryable(writeError(wrapped, "failed to upsert 1 rows into orders")))
}

func TestWriteErrorNonTransient(t *testing.T) {
	err := writeError(&pgconn.PgError{Code: "23505"}, "failed to upsert 1 rows into orders")
	assert.False(t, errors.IsRetryable(err))
	assert.True(t, errors.IsType(err, errors.ErrorTypeTargetWrite))

	err = writeError(stderrors.New("connection torn down"), "failed to commit target transaction")
	assert.False(t, errors.IsRetryable(err))
	assert.True(t, errors.IsType(err, errors.ErrorTypeTargetWrite))
}
