package subject_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/draftlab/issuer/subject"
)

type passwordSubject struct {
	Email string `json:"email"`
}

func newSchema() *subject.Schema {
	return subject.NewSchema(map[string]subject.Validator{
		"password": subject.SchemaOf[passwordSubject](),
	})
}

func TestValidateAcceptsMatchingShape(t *testing.T) {
	s := newSchema()
	props, _ := json.Marshal(passwordSubject{Email: "user@example.com"})
	require.NoError(t, s.Validate("password", props))
}

func TestValidateRejectsUnknownType(t *testing.T) {
	s := newSchema()
	err := s.Validate("totp", json.RawMessage(`{}`))
	require.Error(t, err)
}

func TestValidateRejectsMalformedJSON(t *testing.T) {
	s := newSchema()
	err := s.Validate("password", json.RawMessage(`not json`))
	require.Error(t, err)
}

func TestHas(t *testing.T) {
	s := newSchema()
	require.True(t, s.Has("password"))
	require.False(t, s.Has("passkey"))
}

func TestResolveIsDeterministicAndKeyOrderInsensitive(t *testing.T) {
	a, err := subject.Resolve("password", json.RawMessage(`{"email":"user@example.com","scope":"openid"}`))
	require.NoError(t, err)
	b, err := subject.Resolve("password", json.RawMessage(`{"scope":"openid","email":"user@example.com"}`))
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Regexp(t, `^password:[0-9a-f]{16}$`, a)
}

func TestResolveDiffersByType(t *testing.T) {
	props := json.RawMessage(`{"email":"user@example.com"}`)
	a, err := subject.Resolve("password", props)
	require.NoError(t, err)
	b, err := subject.Resolve("magiclink", props)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestResolveRejectsInvalidJSON(t *testing.T) {
	_, err := subject.Resolve("password", json.RawMessage(`{`))
	require.Error(t, err)
}
