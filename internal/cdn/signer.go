// Package cdn builds type-A auth URLs for the audio/segments CDN.
package cdn

import (
	"crypto/md5"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const randChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Signer signs object keys against a CDN base URL with a shared auth key.
type Signer struct {
	Base    string
	AuthKey string
}

func NewSigner(base, authKey string) *Signer {
	return &Signer{Base: strings.TrimRight(base, "/"), AuthKey: authKey}
}

// SignedURL returns a URL for key valid for expires from now.
func (s *Signer) SignedURL(key string, expires time.Duration) (string, error) {
	nonce, err := randomNonce(12)
	if err != nil {
		return "", fmt.Errorf("generating sign nonce: %w", err)
	}
	t := time.Now().Unix() + int64(expires.Seconds())
	return s.buildURL(key, t, nonce, "0"), nil
}

// buildURL assembles the type-A URL for fixed parameters:
// sign = md5hex(uri + "-" + t + "-" + rand + "-" + uid + "-" + key).
func (s *Signer) buildURL(key string, t int64, nonce, uid string) string {
	uri := "/" + strings.TrimLeft(key, "/")
	hash := md5.Sum([]byte(fmt.Sprintf("%s-%d-%s-%s-%s", uri, t, nonce, uid, s.AuthKey)))
	return fmt.Sprintf("%s%s?sign=%d-%s-%s-%x", s.Base, uri, t, nonce, uid, hash)
}

func randomNonce(n int) (string, error) {
	var b strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(randChars))))
		if err != nil {
			return "", err
		}
		b.WriteByte(randChars[idx.Int64()])
	}
	return b.String(), nil
}
