package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("get", "branch %s", "a")))

	wrapped := fmt.Errorf("failed to publish: %w", Conflict("acquire", "locked"))
	assert.Equal(t, KindConflict, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindConflict))
	assert.False(t, Is(wrapped, KindNotFound))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindNotFound:          http.StatusNotFound,
		KindConflict:          http.StatusConflict,
		KindValidation:        http.StatusBadRequest,
		KindRemoteUnavailable: http.StatusServiceUnavailable,
		KindInternal:          http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), kind)
	}
}

func TestFromStatus(t *testing.T) {
	assert.Equal(t, KindNotFound, FromStatus(404))
	assert.Equal(t, KindConflict, FromStatus(409))
	assert.Equal(t, KindValidation, FromStatus(422))
	assert.Equal(t, KindRemoteUnavailable, FromStatus(502))
	assert.Equal(t, KindRemoteUnavailable, FromStatus(429))
	assert.Equal(t, KindInternal, FromStatus(418))
}

func TestFromPg(t *testing.T) {
	assert.Nil(t, FromPg("op", nil))
	assert.True(t, Is(FromPg("get", pgx.ErrNoRows), KindNotFound))

	dup := &pgconn.PgError{Code: "23505"}
	assert.True(t, Is(FromPg("insert", dup), KindConflict))
	assert.True(t, IsUniqueViolation(fmt.Errorf("wrapped: %w", dup)))

	check := &pgconn.PgError{Code: "23514", ConstraintName: "product_current_balance_check"}
	assert.True(t, Is(FromPg("update", check), KindValidation))

	other := errors.New("connection reset")
	assert.Equal(t, other, FromPg("op", other))
}

func TestErrorString(t *testing.T) {
	err := Unavailable("sync.publish", errors.New("dial tcp: refused"))
	assert.Equal(t, "sync.publish: remote unavailable: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, err.Err)
}
