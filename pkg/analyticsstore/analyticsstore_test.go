package analyticsstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteEvents_EmptyIsNoOp(t *testing.T) {
	s := &Store{}
	require.NoError(t, s.WriteEvents(context.Background(), nil))
}

func TestWriteAttempts_EmptyIsNoOp(t *testing.T) {
	s := &Store{}
	require.NoError(t, s.WriteAttempts(context.Background(), nil))
}

func TestNullableInt(t *testing.T) {
	assert.Nil(t, nullableInt(0))
	assert.Equal(t, 404, nullableInt(404))
}

func TestNullableInt64(t *testing.T) {
	assert.Nil(t, nullableInt64(0))
	assert.Equal(t, int64(120), nullableInt64(120))
}

func TestNullableString(t *testing.T) {
	assert.Nil(t, nullableString(""))
	assert.Equal(t, "timeout", nullableString("timeout"))
}
