package hobbeserr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewCarriesKindAndMessage(t *testing.T) {
	err := New(KindNotFound, "enclave 9 missing")
	assert.Equal(t, KindNotFound, err.Kind)
	assert.Contains(t, err.Error(), "not_found")
	assert.Contains(t, err.Error(), "enclave 9 missing")
	assert.Nil(t, err.Unwrap())
}

func TestWrapCarriesCauseAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindCatastrophic, cause, "writing system header")

	assert.Equal(t, cause, err.Unwrap())
	assert.Contains(t, err.Error(), "disk full")
	assert.True(t, errors.Is(err, cause))
}

func TestKindOfWalksUnwrapChain(t *testing.T) {
	cause := Wrap(KindConflict, errors.New("double free"), "freeing cpu 0")
	outer := fmt.Errorf("registry: %w", cause)

	assert.Equal(t, KindConflict, KindOf(outer))
	assert.True(t, Is(outer, KindConflict))
	assert.False(t, Is(outer, KindNotFound))
}

func TestKindOfUnknownForPlainError(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, KindUnknown, KindOf(plain))
	assert.True(t, Is(plain, KindUnknown))
	assert.False(t, Is(plain, KindNotFound))
}

func TestKindStrings(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindUnknown, "unknown"},
		{KindNotFound, "not_found"},
		{KindAlreadyExists, "already_exists"},
		{KindInvalidArgument, "invalid_argument"},
		{KindResourceExhausted, "resource_exhausted"},
		{KindConflict, "conflict"},
		{KindUnavailable, "unavailable"},
		{KindBusy, "busy"},
		{KindTransport, "transport"},
		{KindChildFailure, "child_failure"},
		{KindCatastrophic, "catastrophic"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.kind.String())
	}
}
