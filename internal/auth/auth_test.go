package auth

import (
	"errors"
	"strconv"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
)

func TestSignAndVerify(t *testing.T) {
	secret := []byte("signing-secret")
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"type":"refresh_requested","thread_id":"C1:1"}`)

	sig := Sign(secret, ts, body)
	if err := VerifySignature(secret, ts, sig, body, now.Add(time.Minute)); err != nil {
		t.Fatalf("VerifySignature() error = %v", err)
	}
}

func TestVerifyRejectsTampering(t *testing.T) {
	secret := []byte("signing-secret")
	now := time.Unix(1700000000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)
	body := []byte(`{"thread_id":"C1:1"}`)
	sig := Sign(secret, ts, body)

	cases := []struct {
		name      string
		secret    []byte
		timestamp string
		signature string
		body      []byte
		now       time.Time
		want      error
	}{
		{"body changed", secret, ts, sig, []byte(`{"thread_id":"C1:2"}`), now, ErrInvalidSignature},
		{"wrong secret", []byte("other"), ts, sig, body, now, ErrInvalidSignature},
		{"wrong version", secret, ts, "v1" + sig[2:], body, now, ErrInvalidSignature},
		{"malformed timestamp", secret, "yesterday", sig, body, now, ErrInvalidSignature},
		{"stale", secret, ts, sig, body, now.Add(10 * time.Minute), ErrStaleTimestamp},
		{"future", secret, ts, sig, body, now.Add(-10 * time.Minute), ErrStaleTimestamp},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := VerifySignature(tc.secret, tc.timestamp, tc.signature, tc.body, tc.now)
			if !errors.Is(err, tc.want) {
				t.Fatalf("VerifySignature() error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCheckBearer(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword() error = %v", err)
	}

	if err := CheckBearer(string(hash), "Bearer s3cret"); err != nil {
		t.Fatalf("CheckBearer() error = %v", err)
	}
	for _, header := range []string{"", "Bearer ", "Basic s3cret", "Bearer wrong"} {
		if err := CheckBearer(string(hash), header); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("CheckBearer(%q) error = %v, want ErrUnauthorized", header, err)
		}
	}
	if err := CheckBearer("", "Bearer s3cret"); !errors.Is(err, ErrUnauthorized) {
		t.Fatal("expected empty hash to disable admin access")
	}
}

func TestHashAdminToken(t *testing.T) {
	hash, err := HashAdminToken("s3cret")
	if err != nil {
		t.Fatalf("HashAdminToken() error = %v", err)
	}
	if err := CheckBearer(hash, "Bearer s3cret"); err != nil {
		t.Fatalf("hash does not verify: %v", err)
	}
	if _, err := HashAdminToken("  "); err == nil {
		t.Fatal("expected empty token to be rejected")
	}
}
