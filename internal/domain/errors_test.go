package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectStatusTaxonomy(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrUnsigned, http.StatusUnauthorized},
		{ErrStale, http.StatusUnauthorized},
		{ErrBadSignature, http.StatusForbidden},
		{ErrReplay, http.StatusConflict},
		{fmt.Errorf("wrapping: %w", ErrReplay), http.StatusConflict},
		{errors.New("something else"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, RejectStatus(tc.err), "%v", tc.err)
	}
}

func TestValidationErrorMessage(t *testing.T) {
	err := NewValidationError("messages.lifecycle", "b", ErrTimeout, "want MESSAGE_CREATE")
	assert.Equal(t, "messages.lifecycle [node b]: want MESSAGE_CREATE: wait deadline exceeded", err.Error())
	assert.ErrorIs(t, err, ErrTimeout)

	bare := NewValidationError("discover", "", ErrNodeUnreachable, "")
	assert.Equal(t, "discover: node unreachable", bare.Error())
}

func TestWrapOp(t *testing.T) {
	assert.NoError(t, WrapOp("noop", nil))

	err := WrapOp("read events", ErrUnexpectedStatus)
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "read events")
}

func TestRoomID(t *testing.T) {
	n := Node{Domain: "node-a.test"}
	assert.Equal(t, "!123:node-a.test", n.RoomID(123))
}

func TestSuffix(t *testing.T) {
	s := Suffix(8)
	assert.Len(t, s, 8)
	assert.NotEqual(t, s, Suffix(8), "suffixes must not collide across calls")
}
