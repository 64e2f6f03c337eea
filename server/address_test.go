package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAddress(t *testing.T) {
	a, err := NewAddress("User@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", a.FullAddress())
	assert.Equal(t, "user", a.LocalPart())
	assert.Equal(t, "example.com", a.Domain())
	assert.Empty(t, a.Detail())
	assert.Equal(t, "user@example.com", a.BaseAddress())
}

func TestNewAddressDetail(t *testing.T) {
	a, err := NewAddress("user+lists@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user+lists@example.com", a.FullAddress())
	assert.Equal(t, "user+lists", a.LocalPart())
	assert.Equal(t, "user", a.BaseLocalPart())
	assert.Equal(t, "lists", a.Detail())
	assert.Equal(t, "user@example.com", a.BaseAddress())
}

func TestNewAddressRejects(t *testing.T) {
	for _, input := range []string{
		"",
		"no-at-sign",
		"@example.com",
		"user@",
		"user@@example.com",
		"user@domain@extra",
		"user name@example.com",
		"user@ex ample.com",
		"user@-bad-.com",
	} {
		_, err := NewAddress(input)
		assert.Error(t, err, "address %q accepted", input)
	}
}

func TestNewAddressTrims(t *testing.T) {
	a, err := NewAddress("  padded@example.com  ")
	require.NoError(t, err)
	assert.Equal(t, "padded@example.com", a.FullAddress())
}
