// Package applejws verifies App Store signed payloads (JWS with an x5c
// certificate chain anchored at an Apple root CA).
package applejws

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"
)

var (
	ErrMalformedToken = errors.New("applejws: malformed token")
	ErrCertValidity   = errors.New("applejws: certificate outside validity window")
	ErrBrokenChain    = errors.New("applejws: certificate chain does not verify")
	ErrUntrustedRoot  = errors.New("applejws: chain not anchored at a trusted Apple root")
	ErrBadSignature   = errors.New("applejws: signature verification failed")
)

type jwsHeader struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

// Verifier checks App Store JWS tokens. When RequireTrust is false (local
// development against sandbox), the chain-to-root check is skipped; signature
// and validity checks always run.
type Verifier struct {
	roots        []*x509.Certificate
	requireTrust bool
	now          func() time.Time
}

func NewVerifier(roots []*x509.Certificate, requireTrust bool) *Verifier {
	if !requireTrust {
		slog.Warn("apple jws root-trust checks disabled, do not use in production")
	}
	return &Verifier{roots: roots, requireTrust: requireTrust, now: time.Now}
}

// VerifyAndDecode validates the token per the App Store Server API rules and
// returns the decoded payload claims.
func (v *Verifier) VerifyAndDecode(token string) (map[string]any, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(parts))
	}

	headerJSON, err := decodeB64URL(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformedToken, err)
	}
	var header jwsHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return nil, fmt.Errorf("%w: header json: %v", ErrMalformedToken, err)
	}
	if len(header.X5c) == 0 {
		return nil, fmt.Errorf("%w: missing x5c chain", ErrMalformedToken)
	}

	sig, err := decodeB64URL(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedToken, err)
	}

	chain, err := parseChain(header.X5c)
	if err != nil {
		return nil, err
	}
	if err := v.checkValidity(chain); err != nil {
		return nil, err
	}
	if err := checkChainSignatures(chain); err != nil {
		return nil, err
	}
	if v.requireTrust {
		if err := v.checkRootTrust(chain[len(chain)-1]); err != nil {
			return nil, err
		}
	}

	signingInput := []byte(parts[0] + "." + parts[1])
	if err := verifySignature(header.Alg, chain[0], signingInput, sig); err != nil {
		return nil, err
	}

	payloadJSON, err := decodeB64URL(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformedToken, err)
	}
	var payload map[string]any
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload json: %v", ErrMalformedToken, err)
	}
	return payload, nil
}

func decodeB64URL(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
}

// parseChain decodes the x5c entries, leaf first.
func parseChain(x5c []string) ([]*x509.Certificate, error) {
	chain := make([]*x509.Certificate, 0, len(x5c))
	for i, entry := range x5c {
		der, err := base64.StdEncoding.DecodeString(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d] base64: %v", ErrMalformedToken, i, err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("%w: x5c[%d] der: %v", ErrMalformedToken, i, err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

func (v *Verifier) checkValidity(chain []*x509.Certificate) error {
	now := v.now().UTC()
	for i, cert := range chain {
		if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
			return fmt.Errorf("%w: x5c[%d] %q not valid at %s",
				ErrCertValidity, i, cert.Subject.CommonName, now.Format(time.RFC3339))
		}
	}
	return nil
}

// checkChainSignatures verifies each certificate against the next one up.
// Apple's chain is shallow (leaf, intermediate, root), no path-building.
func checkChainSignatures(chain []*x509.Certificate) error {
	for i := 0; i < len(chain)-1; i++ {
		child, issuer := chain[i], chain[i+1]
		if err := child.CheckSignatureFrom(issuer); err != nil {
			return fmt.Errorf("%w: x5c[%d] not signed by x5c[%d]: %v", ErrBrokenChain, i, i+1, err)
		}
	}
	return nil
}

// checkRootTrust accepts the chain tail if it equals a trusted root by
// SHA-256 fingerprint, or is directly signed by one.
func (v *Verifier) checkRootTrust(tail *x509.Certificate) error {
	tailFP := sha256.Sum256(tail.Raw)
	for _, root := range v.roots {
		if sha256.Sum256(root.Raw) == tailFP {
			return nil
		}
		if err := tail.CheckSignatureFrom(root); err == nil {
			return nil
		}
	}
	return fmt.Errorf("%w: %q (%d trusted roots loaded)", ErrUntrustedRoot, tail.Subject.CommonName, len(v.roots))
}

type ecdsaSignature struct {
	R, S *big.Int
}

func verifySignature(alg string, leaf *x509.Certificate, signingInput, sig []byte) error {
	var hash crypto.Hash
	switch alg {
	case "ES256", "RS256":
		hash = crypto.SHA256
	case "ES384", "RS384":
		hash = crypto.SHA384
	case "ES512", "RS512":
		hash = crypto.SHA512
	default:
		return fmt.Errorf("%w: unsupported alg %q", ErrMalformedToken, alg)
	}
	h := hash.New()
	h.Write(signingInput)
	digest := h.Sum(nil)

	switch strings.ToUpper(alg[:2]) {
	case "ES":
		pub, ok := leaf.PublicKey.(*ecdsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: alg %s but leaf key is %T", ErrBadSignature, alg, leaf.PublicKey)
		}
		// JWS ES* signatures are raw r||s; re-encode as ASN.1 DSS before
		// handing them to the verifier.
		if len(sig)%2 != 0 {
			return fmt.Errorf("%w: odd-length ecdsa signature", ErrBadSignature)
		}
		half := len(sig) / 2
		der, err := asn1.Marshal(ecdsaSignature{
			R: new(big.Int).SetBytes(sig[:half]),
			S: new(big.Int).SetBytes(sig[half:]),
		})
		if err != nil {
			return fmt.Errorf("%w: re-encoding ecdsa signature: %v", ErrBadSignature, err)
		}
		if !ecdsa.VerifyASN1(pub, digest, der) {
			return ErrBadSignature
		}
	case "RS":
		pub, ok := leaf.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("%w: alg %s but leaf key is %T", ErrBadSignature, alg, leaf.PublicKey)
		}
		if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
	}
	return nil
}
