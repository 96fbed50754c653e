package signing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/leadflow-backend/pkg/errors"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestSigner(t *testing.T, maxAge time.Duration) *Signer {
	t.Helper()
	s, err := NewSigner(testSecret, maxAge, true)
	require.NoError(t, err)
	return s
}

func TestNewSignerValidatesInputs(t *testing.T) {
	_, err := NewSigner("short", time.Hour, true)
	assert.Error(t, err)
	_, err = NewSigner(testSecret, 0, true)
	assert.Error(t, err)
}

func TestIssueVerifyWindow(t *testing.T) {
	maxAge := 7200 * time.Second
	s := newTestSigner(t, maxAge)
	payload := map[string]any{"form_kind": "email_ebook", "email": "A@B.com"}

	issuedAt := time.Unix(1000, 0)
	env, err := s.Issue(payload, nil, issuedAt)
	require.NoError(t, err)
	assert.EqualValues(t, 1000, env.IssuedAt)
	assert.EqualValues(t, 1000+7200, env.ExpiresAt)

	for _, delta := range []int64{0, 500, 7199, 7200} {
		_, err := s.Verify(env, nil, time.Unix(1000+delta, 0))
		assert.NoError(t, err, "delta %d", delta)
	}
	for _, at := range []int64{999, 1000 + 7200 + 1} {
		_, err := s.Verify(env, nil, time.Unix(at, 0))
		assertSignatureInvalid(t, err)
	}
}

func TestVerifyStableUnderReorderingAndIgnoredFields(t *testing.T) {
	s := newTestSigner(t, time.Hour)
	now := time.Unix(5000, 0)
	ignored := []string{"context"}

	env, err := s.Issue(map[string]any{
		"form_kind": "contact",
		"email":     "a@b.com",
		"context":   map[string]any{"utm_source": "ads"},
	}, ignored, now)
	require.NoError(t, err)

	submitted := Envelope{
		Payload: map[string]any{
			"email":     "a@b.com",
			"form_kind": "contact",
			"context":   map[string]any{"utm_source": "newsletter", "page": "/pricing"},
		},
		IssuedAt:  env.IssuedAt,
		ExpiresAt: env.ExpiresAt,
		Sig:       env.Sig,
	}
	_, err = s.Verify(submitted, ignored, now.Add(time.Minute))
	require.NoError(t, err)

	// the changed context only passes while it is on the ignore list
	_, err = s.Verify(submitted, nil, now.Add(time.Minute))
	assertSignatureInvalid(t, err)

	delete(submitted.Payload, "context")
	_, err = s.Verify(submitted, ignored, now.Add(time.Minute))
	require.NoError(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	s := newTestSigner(t, time.Hour)
	now := time.Unix(5000, 0)
	env, err := s.Issue(map[string]any{"form_kind": "contact", "email": "a@b.com", "plan": "basic"}, nil, now)
	require.NoError(t, err)

	tampered := env
	tampered.Payload = map[string]any{"form_kind": "contact", "email": "a@b.com", "plan": "enterprise"}
	_, err = s.Verify(tampered, nil, now)
	assertSignatureInvalid(t, err)

	stretched := env
	stretched.ExpiresAt += 3600
	_, err = s.Verify(stretched, nil, now)
	assertSignatureInvalid(t, err)

	garbled := env
	garbled.Sig = "!!!"
	_, err = s.Verify(garbled, nil, now)
	assertSignatureInvalid(t, err)

	other, err := NewSigner(strings.Repeat("z", 32), time.Hour, true)
	require.NoError(t, err)
	_, err = other.Verify(env, nil, now)
	assertSignatureInvalid(t, err)
}

func TestVerifyToleratesWhitespaceAndEmptyFields(t *testing.T) {
	s := newTestSigner(t, time.Hour)
	now := time.Unix(5000, 0)
	env, err := s.Issue(map[string]any{"form_kind": "contact", "email": "a@b.com"}, nil, now)
	require.NoError(t, err)

	env.Payload = map[string]any{"form_kind": " contact ", "email": "a@b.com", "company": "", "sig": "ignored"}
	payload, err := s.Verify(env, nil, now)
	require.NoError(t, err)
	_, hasSig := payload["sig"]
	assert.False(t, hasSig)
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestSigner(t, time.Hour)
	now := time.Unix(5000, 0)
	env, err := s.Issue(map[string]any{"form_kind": "contact", "email": "a@b.com", "score": 3}, nil, now)
	require.NoError(t, err)

	token, err := EncodeToken(env)
	require.NoError(t, err)
	assert.NotContains(t, token, "=")

	decoded, err := DecodeToken(token)
	require.NoError(t, err)
	_, err = s.Verify(decoded, nil, now)
	require.NoError(t, err)

	_, err = DecodeToken("%%%")
	assertSignatureInvalid(t, err)
	_, err = DecodeToken("bm90IGpzb24")
	assertSignatureInvalid(t, err)
}

func assertSignatureInvalid(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	typed := pkgerrors.As(err)
	require.NotNil(t, typed)
	assert.Equal(t, pkgerrors.CodeSignatureInvalid, typed.Code())
	assert.Equal(t, "signature invalid", typed.Message())
}
