package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func sign(t *testing.T, secret, issuer, subject string, ttl time.Duration) string {
	t.Helper()
	claims := &Claims{
		Role: "user",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestJWTVerifierValid(t *testing.T) {
	v := NewJWTVerifier("secret", "chat-gateway")
	tok := sign(t, "secret", "chat-gateway", "user-1", time.Hour)

	id, err := v.Verify(context.Background(), tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "user-1" {
		t.Fatalf("UserID = %q; want user-1", id.UserID)
	}
}

func TestJWTVerifierExpired(t *testing.T) {
	v := NewJWTVerifier("secret", "chat-gateway")
	tok := sign(t, "secret", "chat-gateway", "user-1", -time.Hour)

	_, err := v.Verify(context.Background(), tok)
	if _, ok := err.(ErrExpiredToken); !ok {
		t.Fatalf("err = %v (%T); want ErrExpiredToken", err, err)
	}
}

func TestJWTVerifierBadSignature(t *testing.T) {
	v := NewJWTVerifier("secret", "chat-gateway")
	tok := sign(t, "other-secret", "chat-gateway", "user-1", time.Hour)

	_, err := v.Verify(context.Background(), tok)
	if _, ok := err.(ErrInvalidToken); !ok {
		t.Fatalf("err = %v (%T); want ErrInvalidToken", err, err)
	}
}

func TestJWTVerifierNoSubject(t *testing.T) {
	v := NewJWTVerifier("secret", "chat-gateway")
	tok := sign(t, "secret", "chat-gateway", "", time.Hour)

	_, err := v.Verify(context.Background(), tok)
	if _, ok := err.(ErrNoSubject); !ok {
		t.Fatalf("err = %v (%T); want ErrNoSubject", err, err)
	}
}
