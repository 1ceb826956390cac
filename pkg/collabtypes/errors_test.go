package collabtypes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAckErrorMessageFallsBackWhenEmpty(t *testing.T) {
	e := &AckError{Code: 7}
	assert.Contains(t, e.Error(), "rejected")

	e2 := &AckError{Code: 7, Message: "quota exceeded"}
	assert.Equal(t, "quota exceeded", e2.Error())
}

func TestAckErrorIsMatchesUpdateApplyFailed(t *testing.T) {
	e := &AckError{Code: 1}
	assert.True(t, errors.Is(e, ErrUpdateApplyFailed))
	assert.False(t, errors.Is(e, ErrDisconnected))
}
