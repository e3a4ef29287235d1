package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func mint(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestDecodeReadsClaims(t *testing.T) {
	now := time.Now().UTC()
	raw := mint(t, jwt.MapClaims{
		"sub":   "user-1",
		"email": "user@example.com",
		"roles": []string{"viewer", "manager"},
		"exp":   now.Add(15 * time.Minute).Unix(),
		"iat":   now.Unix(),
	})

	claims, ok := Decode(raw)
	if !ok {
		t.Fatal("expected decode to succeed")
	}
	if claims.Subject != "user-1" {
		t.Fatalf("unexpected subject: %s", claims.Subject)
	}
	if claims.Email != "user@example.com" {
		t.Fatalf("unexpected email: %s", claims.Email)
	}
	if len(claims.Roles) != 2 {
		t.Fatalf("unexpected roles: %v", claims.Roles)
	}
}

func TestIsExpiredBuffer(t *testing.T) {
	raw := mint(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(60 * time.Second).Unix(),
	})

	if !IsExpired(raw, 5*time.Minute) {
		t.Fatal("token inside the 5 minute buffer must read as expired")
	}
	if IsExpired(raw, 0) {
		t.Fatal("token with 60s left must not read as expired with zero buffer")
	}
}

func TestIsExpiredNegativeBufferTreatedAsZero(t *testing.T) {
	raw := mint(t, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Minute).Unix(),
	})
	if IsExpired(raw, -time.Hour) {
		t.Fatal("negative buffer must not widen the expiry window")
	}
}

func TestMalformedTokensReadAsExpired(t *testing.T) {
	cases := []string{
		"",
		"not-a-jwt",
		"one.two",
		"a.b.c.d",
		"!!!.@@@.###",
		"eyJhbGciOiJIUzI1NiJ9.bm90LWpzb24.sig",
	}
	for _, raw := range cases {
		if !IsExpired(raw, DefaultExpiryBuffer) {
			t.Fatalf("expected %q to read as expired", raw)
		}
		if _, ok := Decode(raw); ok {
			t.Fatalf("expected decode of %q to fail", raw)
		}
	}
}

func TestMissingExpClaimReadsAsExpired(t *testing.T) {
	raw := mint(t, jwt.MapClaims{"sub": "user-1"})
	if !IsExpired(raw, 0) {
		t.Fatal("token without exp must read as expired")
	}
	if _, ok := ExpiryAt(raw); ok {
		t.Fatal("expected no expiry for token without exp")
	}
}

func TestExpiryAt(t *testing.T) {
	exp := time.Now().Add(900 * time.Second).Truncate(time.Second)
	raw := mint(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})

	got, ok := ExpiryAt(raw)
	if !ok {
		t.Fatal("expected expiry")
	}
	if !got.Equal(exp) {
		t.Fatalf("expected expiry %v, got %v", exp, got)
	}
}

func TestIsExpiredAtExactBoundary(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	raw := mint(t, jwt.MapClaims{"sub": "user-1", "exp": exp.Unix()})

	saved := timeNow
	defer func() { timeNow = saved }()

	timeNow = func() time.Time { return time.Unix(exp.Unix(), 0) }
	if !IsExpired(raw, 0) {
		t.Fatal("now == exp must read as expired")
	}
	timeNow = func() time.Time { return time.Unix(exp.Unix(), 0).Add(-time.Second) }
	if IsExpired(raw, 0) {
		t.Fatal("now just before exp must not read as expired")
	}
}
