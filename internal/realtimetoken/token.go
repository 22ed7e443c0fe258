// Package realtimetoken mints and verifies the short-lived tokens used to
// authenticate websocket connections to the realtime broker. Clients obtain
// a token through the authenticated REST API and present it when dialing;
// the broker binds the connection to the token's client id.
package realtimetoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const scopeRealtime = "realtime"

var (
	ErrInvalidToken = errors.New("invalid realtime token")
	ErrExpiredToken = errors.New("expired realtime token")
)

// Token is the transport auth token request object returned by the REST API.
type Token struct {
	Token     string    `json:"token"`
	ClientID  string    `json:"clientId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issuer signs and verifies realtime tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer builds an Issuer. ttl bounds the token lifetime; the transport's
// auth callback requests a fresh token whenever the previous one expires.
func NewIssuer(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Mint issues a token bound to clientID.
func (i *Issuer) Mint(clientID string) (Token, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := jwt.MapClaims{
		"sub":   clientID,
		"scope": scopeRealtime,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign realtime token: %w", err)
	}
	return Token{Token: signed, ClientID: clientID, ExpiresAt: expires}, nil
}

// Verify validates a token string and returns the bound client id.
func (i *Issuer) Verify(tokenString string) (string, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", ErrInvalidToken
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if scope, _ := claims["scope"].(string); scope != scopeRealtime {
		return "", ErrInvalidToken
	}
	clientID, _ := claims["sub"].(string)
	if clientID == "" {
		return "", ErrInvalidToken
	}
	return clientID, nil
}
