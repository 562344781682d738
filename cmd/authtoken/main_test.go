package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/auth"
)

func TestIssueAdminToken(t *testing.T) {
	var out bytes.Buffer
	err := newApp(&out).Run([]string{"authtoken", "--secret", "s3cret", "--user", "ops-1", "--role", auth.RoleAdmin})
	require.NoError(t, err)

	subject, err := auth.NewManager("s3cret", 0).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "ops-1", subject.ID)
	assert.True(t, subject.IsAdmin())
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv("STOREFRONT_JWT_SECRET", "env-secret")
	var out bytes.Buffer
	require.NoError(t, newApp(&out).Run([]string{"authtoken", "-u", "u-1"}))

	subject, err := auth.NewManager("env-secret", 0).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, "u-1", subject.ID)
	assert.False(t, subject.IsAdmin())
}

func TestValidation(t *testing.T) {
	t.Setenv("STOREFRONT_JWT_SECRET", "")
	var out bytes.Buffer
	require.ErrorContains(t, newApp(&out).Run([]string{"authtoken", "--user", "u-1"}), "--secret")
	require.ErrorIs(t, newApp(&out).Run([]string{"authtoken", "--secret", "x"}), auth.ErrSubjectMissing)
}
