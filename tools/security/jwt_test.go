package security

import (
	"testing"
	"time"
)

func TestGenerateVerifyRoundTrip(t *testing.T) {
	opts := DefaultOptions([]byte("test-secret"))
	tok, exp, err := Generate(opts, 42, []string{"chat"})
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if time.Until(exp) <= time.Hour {
		t.Fatalf("unexpected expiry %v", exp)
	}
	claims, err := Verify(opts, tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	uid, err := claims.UserID()
	if err != nil || uid != 42 {
		t.Fatalf("UserID = %d, %v", uid, err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	tok, _, err := Generate(DefaultOptions([]byte("a")), 1, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Verify(DefaultOptions([]byte("b")), tok); err == nil {
		t.Fatalf("expected signature error")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	// TTL<=0 会回落到默认 2h，这里用极短 TTL 再等过期
	opts := Options{Secret: []byte("s"), TTL: time.Nanosecond}
	tok, _, err := Generate(opts, 1, nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := Verify(opts, tok); err == nil {
		t.Fatalf("expected expired token to fail")
	}
}

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"abc":          "abc",
		"":             "",
	}
	for in, want := range cases {
		if got := BearerToken(in); got != want {
			t.Errorf("BearerToken(%q) = %q, want %q", in, got, want)
		}
	}
}
