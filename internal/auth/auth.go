package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt"
)

const (
	UserIdClaim = "user-id"
	expClaim    = "exp"
)

var ErrInvalidToken = errors.New("invalid token")

// JWTVerifier validates HS256 session tokens and extracts the user id claim.
type JWTVerifier struct {
	signingKey []byte
}

func NewJWTVerifier(signingKey []byte) *JWTVerifier {
	return &JWTVerifier{signingKey: signingKey}
}

func (v *JWTVerifier) Verify(tokenString string) (int, error) {
	if tokenString == "" {
		return 0, fmt.Errorf("empty token: %w", ErrInvalidToken)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	})
	if err != nil {
		return 0, fmt.Errorf("parse token: %w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return 0, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid token claims: %w", ErrInvalidToken)
	}

	userId, ok := claims[UserIdClaim].(float64)
	if !ok || userId <= 0 {
		return 0, fmt.Errorf("invalid user id claim: %w", ErrInvalidToken)
	}

	return int(userId), nil
}

// SignToken issues a token in the format Verify accepts.
func SignToken(signingKey []byte, userId int, exp time.Duration) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		UserIdClaim: userId,
		expClaim:    time.Now().Add(exp).Unix(),
	})

	return token.SignedString(signingKey)
}
