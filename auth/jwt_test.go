package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerifyRoundTrip(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)

	token, err := j.Issue(Credential{Identity: "alice", Alias: "8881234567"})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	cred, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.Identity)
	assert.Equal(t, "8881234567", cred.Alias)
}

func TestIssueWithoutAlias(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)

	token, err := j.Issue(Credential{Identity: "bob"})
	require.NoError(t, err)

	cred, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "bob", cred.Identity)
	assert.Empty(t, cred.Alias)
}

func TestIssueRejectsEmptyIdentity(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)
	_, err := j.Issue(Credential{})
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewJWT("secret-a", time.Hour)
	verifier := NewJWT("secret-b", time.Hour)

	token, err := issuer.Issue(Credential{Identity: "alice"})
	require.NoError(t, err)

	_, err = verifier.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	j := NewJWT("test-secret", -time.Minute)

	token, err := j.Issue(Credential{Identity: "alice"})
	require.NoError(t, err)

	_, err = j.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	j := NewJWT("test-secret", time.Hour)
	_, err := j.Verify("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}
