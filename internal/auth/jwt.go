// Package auth issues and verifies the bearer tokens handed to devices at
// register/login time.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TokenTTL = 7 * 24 * time.Hour

var ErrInvalidToken = errors.New("auth: invalid token")

// Manager signs and verifies HS256 device tokens.
type Manager struct {
	secret []byte
}

func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

type deviceClaims struct {
	DeviceUUID string `json:"device_uuid"`
	jwt.RegisteredClaims
}

// CreateAccessToken issues a token bound to deviceUUID, valid for TokenTTL.
func (m *Manager) CreateAccessToken(deviceUUID string) (string, error) {
	now := time.Now()
	claims := deviceClaims{
		DeviceUUID: deviceUUID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenTTL)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken validates the token and returns the device UUID it was
// issued for.
func (m *Manager) VerifyAccessToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &deviceClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*deviceClaims)
	if !ok || !token.Valid || claims.DeviceUUID == "" {
		return "", ErrInvalidToken
	}
	return claims.DeviceUUID, nil
}
