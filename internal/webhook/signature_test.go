package webhook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

func TestVerifyAcceptsValidSignature(t *testing.T) {
	body := []byte(`{"event":"invitee.created"}`)
	now := time.Now().UTC()

	v := NewVerifier(testSecret, 5*time.Minute)
	require.NoError(t, v.Verify(Sign(testSecret, now, body), body))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	body := []byte(`{"event":"invitee.created"}`)
	now := time.Now().UTC()

	v := NewVerifier(testSecret, 5*time.Minute)
	err := v.Verify(Sign("other-secret", now, body), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	body := []byte(`{"event":"invitee.created"}`)
	now := time.Now().UTC()
	header := Sign(testSecret, now, body)

	v := NewVerifier(testSecret, 5*time.Minute)
	err := v.Verify(header, []byte(`{"event":"invitee.created","extra":1}`))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier(testSecret, 5*time.Minute)

	err := v.Verify(Sign(testSecret, time.Now().UTC().Add(-time.Hour), body), body)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyZeroToleranceSkipsFreshnessCheck(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier(testSecret, 0)

	require.NoError(t, v.Verify(Sign(testSecret, time.Now().UTC().Add(-time.Hour), body), body))
}

func TestVerifyRejectsMalformedHeaders(t *testing.T) {
	v := NewVerifier(testSecret, 5*time.Minute)
	for _, header := range []string{
		"",
		"garbage",
		"t=123",
		"v1=deadbeef",
		"t=123,v1=not-hex",
	} {
		assert.ErrorIs(t, v.Verify(header, []byte(`{}`)), ErrInvalidSignature, "header %q", header)
	}
}
