package server

import (
	"fmt"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// SessionAuth mints and verifies the session tokens carried by api
// requests and the push handshake.
type SessionAuth struct {
	secret []byte
}

func NewSessionAuth(secret string) *SessionAuth {
	return &SessionAuth{
		secret: []byte(secret),
	}
}

func (self *SessionAuth) Mint(userId string) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": userId,
		"iat":     time.Now().Unix(),
	})
	return token.SignedString(self.secret)
}

// Verify returns the user id carried by a valid token.
func (self *SessionAuth) Verify(byJwt string) (string, error) {
	token, err := gojwt.Parse(byJwt, func(token *gojwt.Token) (any, error) {
		if _, ok := token.Method.(*gojwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return self.secret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("bad claims")
	}
	userId, ok := claims["user_id"].(string)
	if !ok || userId == "" {
		return "", fmt.Errorf("missing user_id claim")
	}
	return userId, nil
}

// VerifyHeader extracts and verifies a bearer token.
func (self *SessionAuth) VerifyHeader(authorization string) (string, error) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", fmt.Errorf("missing bearer token")
	}
	return self.Verify(strings.TrimPrefix(authorization, prefix))
}
