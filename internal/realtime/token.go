package realtime

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL lifetime of a channel join token.
const DefaultTokenTTL = 2 * time.Hour

// ChannelClaims grants a participant access to one channel.
type ChannelClaims struct {
	AppID   string `json:"appId"`
	Channel string `json:"channel"`
	jwt.RegisteredClaims
}

// UID participant id the token was issued to.
func (c ChannelClaims) UID() string {
	return c.Subject
}

// TokenIssuer signs and verifies channel join tokens with the app certificate.
type TokenIssuer struct {
	appID  string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
func NewTokenIssuer(appID, certificate string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	return &TokenIssuer{
		appID:  appID,
		secret: []byte(certificate),
		ttl:    ttl,
		now:    time.Now,
	}
}

// AppID the application the issuer signs tokens for.
func (i *TokenIssuer) AppID() string {
	return i.appID
}

// Issue signs a token for uid to join channel.
func (i *TokenIssuer) Issue(channel, uid string) (string, error) {
	now := i.now()
	claims := ChannelClaims{
		AppID:   i.appID,
		Channel: channel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uid,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign channel token: %w", err)
	}

	return signed, nil
}

// Verify parses and validates a token.
func (i *TokenIssuer) Verify(tokenString string) (ChannelClaims, error) {
	claims := &ChannelClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return i.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(i.now))
	if err != nil {
		return ChannelClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid || claims.AppID != i.appID || claims.Channel == "" || claims.Subject == "" {
		return ChannelClaims{}, ErrInvalidToken
	}

	return *claims, nil
}
