package applejws

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChain struct {
	rootCert *x509.Certificate
	leafCert *x509.Certificate
	leafKey  *ecdsa.PrivateKey
}

func newTestChain(t *testing.T, leafNotAfter time.Time) *testChain {
	t.Helper()

	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Apple Root CA - G9"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	require.NoError(t, err)
	rootCert, err := x509.ParseCertificate(rootDER)
	require.NoError(t, err)

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Test App Store Signing"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     leafNotAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	require.NoError(t, err)
	leafCert, err := x509.ParseCertificate(leafDER)
	require.NoError(t, err)

	return &testChain{rootCert: rootCert, leafCert: leafCert, leafKey: leafKey}
}

// signToken builds an ES256 JWS with the raw r||s signature encoding Apple
// uses.
func (c *testChain) signToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	header := map[string]any{
		"alg": "ES256",
		"x5c": []string{
			base64.StdEncoding.EncodeToString(c.leafCert.Raw),
			base64.StdEncoding.EncodeToString(c.rootCert.Raw),
		},
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)
	payloadJSON, err := json.Marshal(claims)
	require.NoError(t, err)

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(payloadJSON)
	digest := sha256.Sum256([]byte(signingInput))

	r, s, err := ecdsa.Sign(rand.Reader, c.leafKey, digest[:])
	require.NoError(t, err)
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func TestVerifyAndDecodeRoundTrip(t *testing.T) {
	chain := newTestChain(t, time.Now().Add(time.Hour))
	token := chain.signToken(t, map[string]any{
		"originalTransactionId": "1000001",
		"productId":             "com.lingopod.vip.monthly",
		"expiresDate":           float64(1714550400000),
		"environment":           "Production",
	})

	v := NewVerifier([]*x509.Certificate{chain.rootCert}, true)
	payload, err := v.VerifyAndDecode(token)
	require.NoError(t, err)

	tx := ParseTransaction(payload)
	assert.Equal(t, "1000001", tx.OriginalTransactionID)
	assert.Equal(t, "com.lingopod.vip.monthly", tx.ProductID)
	require.NotNil(t, tx.ExpiresDateMs)
	assert.Equal(t, int64(1714550400000), *tx.ExpiresDateMs)
	assert.Equal(t, "Production", tx.Environment)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	chain := newTestChain(t, time.Now().Add(time.Hour))
	token := chain.signToken(t, map[string]any{"originalTransactionId": "1000001"})

	parts := strings.Split(token, ".")
	forged, err := json.Marshal(map[string]any{"originalTransactionId": "9999999"})
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(forged)

	v := NewVerifier([]*x509.Certificate{chain.rootCert}, true)
	_, err = v.VerifyAndDecode(strings.Join(parts, "."))
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyRejectsExpiredLeaf(t *testing.T) {
	chain := newTestChain(t, time.Now().Add(-time.Minute))
	token := chain.signToken(t, map[string]any{"originalTransactionId": "1000001"})

	v := NewVerifier([]*x509.Certificate{chain.rootCert}, true)
	_, err := v.VerifyAndDecode(token)
	assert.ErrorIs(t, err, ErrCertValidity)
}

func TestVerifyRejectsUntrustedRoot(t *testing.T) {
	chain := newTestChain(t, time.Now().Add(time.Hour))
	otherRoot := newTestChain(t, time.Now().Add(time.Hour)).rootCert
	token := chain.signToken(t, map[string]any{"originalTransactionId": "1000001"})

	strict := NewVerifier([]*x509.Certificate{otherRoot}, true)
	_, err := strict.VerifyAndDecode(token)
	assert.ErrorIs(t, err, ErrUntrustedRoot)

	// relaxed mode skips root trust but still verifies the signature
	relaxed := NewVerifier(nil, false)
	_, err = relaxed.VerifyAndDecode(token)
	assert.NoError(t, err)
}

func TestVerifyRejectsMalformedToken(t *testing.T) {
	v := NewVerifier(nil, false)

	_, err := v.VerifyAndDecode("only.two")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = v.VerifyAndDecode("a.b.c")
	assert.ErrorIs(t, err, ErrMalformedToken)
}

func TestParseRenewal(t *testing.T) {
	r := ParseRenewal(map[string]any{
		"originalTransactionId":  "1000001",
		"autoRenewStatus":        float64(1),
		"gracePeriodExpiresDate": float64(1714550400000),
		"isInBillingRetryPeriod": true,
	})
	assert.Equal(t, "1000001", r.OriginalTransactionID)
	assert.Equal(t, 1, r.AutoRenewStatus)
	require.NotNil(t, r.GracePeriodExpiresDateMs)
	assert.Equal(t, int64(1714550400000), *r.GracePeriodExpiresDateMs)
	assert.True(t, r.IsInBillingRetryPeriod)
}

func TestParseTransactionMissingExpiry(t *testing.T) {
	tx := ParseTransaction(map[string]any{"originalTransactionId": "1", "productId": "p"})
	assert.Nil(t, tx.ExpiresDateMs)
}
