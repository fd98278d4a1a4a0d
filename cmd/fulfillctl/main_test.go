package main

import (
	"bytes"
	"strings"
	"testing"

	"fulfillment-service/internal/api"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"token", "--user", "user-7", "--email", "ada@example.com", "--secret", "s3cret", "--ttl", "10m"})

	require.NoError(t, root.Execute())

	var claims api.Claims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(out.String()), &claims, func(*jwt.Token) (any, error) {
		return []byte("s3cret"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "user-7", claims.Subject)
	assert.Equal(t, "ada@example.com", claims.Email)
}

func TestTokenCommandRequiresUser(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--secret", "s3cret"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "user")
}

func TestArgValidation(t *testing.T) {
	for _, args := range [][]string{{"order"}, {"audit"}, {"reconcile"}, {"order", "a", "b"}, {"replay-dead-letters", "extra"}} {
		root := newRootCmd()
		root.SetOut(&bytes.Buffer{})
		root.SetErr(&bytes.Buffer{})
		root.SetArgs(args)
		assert.Error(t, root.Execute(), args)
	}
}
