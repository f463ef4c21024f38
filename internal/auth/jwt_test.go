package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager("test-secret")

	token, err := m.CreateAccessToken("device-123")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	uuid, err := m.VerifyAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "device-123", uuid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewManager("secret-a").CreateAccessToken("device-123")
	require.NoError(t, err)

	_, err = NewManager("secret-b").VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	_, err := NewManager("secret").VerifyAccessToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"device_uuid": "device-123"})
	token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewManager("secret").VerifyAccessToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsMissingDeviceClaim(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).
		SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = NewManager("secret").VerifyAccessToken(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
