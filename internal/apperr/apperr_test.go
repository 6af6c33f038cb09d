package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	cause := errors.New("boom")

	tests := []struct {
		name   string
		err    error
		want   Kind
		wantOK bool
	}{
		{"nil", nil, "", false},
		{"plain error", cause, "", false},
		{"direct", NotFound("user not found"), KindNotFound, true},
		{"wrapped by fmt", fmt.Errorf("lookup: %w", Conflict("taken")), KindConflict, true},
		{"with cause", Wrap(KindGateway, "place order", cause), KindGateway, true},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout, true},
		{"canceled", context.Canceled, KindTimeout, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := KindOf(tt.err)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("activate: %w", NotFound("user 7 not found"))

	assert.True(t, errors.Is(err, NotFound("")))
	assert.False(t, errors.Is(err, Conflict("")))
}

func TestUnwrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindStorage, "insert account", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "insert account", MessageOf(err))
	assert.Contains(t, err.Error(), "disk full")
}

func TestStorageKeepsTimeoutDistinct(t *testing.T) {
	assert.Equal(t, KindTimeout, Storage("query", context.DeadlineExceeded).Kind)
	assert.Equal(t, KindStorage, Storage("query", errors.New("locked")).Kind)
}
